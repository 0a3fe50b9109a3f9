package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"memoria/api/internal/app"
	"memoria/api/internal/collab"
	"memoria/api/internal/config"
	"memoria/api/internal/genai"
	"memoria/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	generators := buildGenerators(cfg)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for collaboration session storage")
		redisStore, err := collab.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, generators)
	} else {
		log.Printf("Using PostgreSQL for collaboration session storage")
		service = app.New(cfg, dataStore, generators)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Memoria API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// buildGenerators wires one generation client per provider. A provider
// without an API key gets the stub so local runs still complete revisions.
func buildGenerators(cfg config.Config) *genai.Registry {
	registry := genai.NewRegistry()

	if cfg.AnthropicKey != "" {
		registry.Register(genai.ProviderClaude, genai.NewClaudeClient(cfg.AnthropicKey, genai.WithClaudeModel(cfg.AnthropicModel)))
	} else {
		log.Printf("ANTHROPIC_API_KEY not set, using stub generator for %s", genai.ProviderClaude)
		registry.Register(genai.ProviderClaude, &genai.StubGenerator{})
	}

	if cfg.OpenAIKey != "" {
		registry.Register(genai.ProviderChatGPT, genai.NewOpenAIClient(cfg.OpenAIKey, genai.WithOpenAIModel(cfg.OpenAIModel)))
	} else {
		log.Printf("OPENAI_API_KEY not set, using stub generator for %s", genai.ProviderChatGPT)
		registry.Register(genai.ProviderChatGPT, &genai.StubGenerator{})
	}

	if cfg.GeminiKey != "" {
		registry.Register(genai.ProviderGemini, genai.NewGeminiClient(cfg.GeminiKey, genai.WithGeminiModel(cfg.GeminiModel)))
	} else {
		log.Printf("GEMINI_API_KEY not set, using stub generator for %s", genai.ProviderGemini)
		registry.Register(genai.ProviderGemini, &genai.StubGenerator{})
	}

	return registry
}
