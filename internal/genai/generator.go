// Package genai holds the generation clients used to produce revised content
// variants. Implementations wrap one provider's completion API behind the
// Generator interface; the revision flow treats them as slow, cancellable,
// idempotent external calls.
package genai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	ProviderClaude  = "claude"
	ProviderChatGPT = "chatgpt"
	ProviderGemini  = "gemini"
)

// Providers is the fixed set of generation providers a variant may belong to.
var Providers = []string{ProviderClaude, ProviderChatGPT, ProviderGemini}

// Request carries everything a provider needs to produce a revised body.
type Request struct {
	ContentItemID string
	Provider      string
	Tone          string
	CurrentBody   string
	Liked         []string
	Disliked      []string
}

// Generator abstracts a single blocking generation call. Implementations can
// wrap Anthropic, OpenAI, Gemini, or a stub.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Registry maps provider names to their configured generators.
type Registry struct {
	generators map[string]Generator
}

func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]Generator)}
}

func (r *Registry) Register(provider string, generator Generator) {
	r.generators[provider] = generator
}

func (r *Registry) For(provider string) (Generator, bool) {
	generator, ok := r.generators[provider]
	return generator, ok
}

type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Body)
}

func (e *apiError) isRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// revisionPrompt builds the shared rewrite instruction from the feedback
// payload. Callers guarantee at least one liked or disliked phrase; the
// current body may be empty when the provider has no rendering yet.
func revisionPrompt(req Request) string {
	var sb strings.Builder
	if req.CurrentBody == "" {
		sb.WriteString("You are writing a memorial text on behalf of a family, guided by reviewer feedback on other renderings.\n")
	} else {
		sb.WriteString("You are revising a memorial text on behalf of a family. Rewrite the text below, keeping its facts and structure.\n")
	}
	if req.Tone != "" {
		sb.WriteString("Keep the tone: " + req.Tone + ".\n")
	}
	if len(req.Liked) > 0 {
		sb.WriteString("\nPreserve these phrases the reviewers liked:\n")
		for _, phrase := range req.Liked {
			sb.WriteString("- " + phrase + "\n")
		}
	}
	if len(req.Disliked) > 0 {
		sb.WriteString("\nRework or remove these phrases the reviewers disliked:\n")
		for _, phrase := range req.Disliked {
			sb.WriteString("- " + phrase + "\n")
		}
	}
	sb.WriteString("\nReturn only the revised text, with no commentary.\n")
	if req.CurrentBody != "" {
		sb.WriteString("\nText to revise:\n" + req.CurrentBody + "\n")
	}
	return sb.String()
}
