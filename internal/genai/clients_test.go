package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func testRequest() Request {
	return Request{
		ContentItemID: "item_1",
		Provider:      ProviderClaude,
		Tone:          "warm",
		CurrentBody:   "Margaret loved her garden.",
		Liked:         []string{"loved her garden"},
		Disliked:      []string{"passed away peacefully"},
	}
}

func TestClaudeClientGenerate(t *testing.T) {
	var gotBody claudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q, want /messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "Revised memorial text."}},
		})
	}))
	defer server.Close()

	client := NewClaudeClient("test-key", WithClaudeBaseURL(server.URL), WithClaudeModel("claude-test"))
	got, err := client.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Revised memorial text." {
		t.Errorf("body = %q", got)
	}
	if gotBody.Model != "claude-test" {
		t.Errorf("model = %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(gotBody.Messages))
	}
	prompt := gotBody.Messages[0].Content
	if !strings.Contains(prompt, "loved her garden") || !strings.Contains(prompt, "passed away peacefully") {
		t.Errorf("prompt missing feedback phrases: %q", prompt)
	}
}

func TestClaudeClientRetriesServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "second try"}},
		})
	}))
	defer server.Close()

	client := NewClaudeClient("test-key", WithClaudeBaseURL(server.URL))
	got, err := client.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "second try" {
		t.Errorf("body = %q", got)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestClaudeClientDoesNotRetryClientError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClaudeClient("test-key", WithClaudeBaseURL(server.URL))
	if _, err := client.Generate(context.Background(), testRequest()); err == nil {
		t.Fatal("want error for 400 response")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestOpenAIClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "Rewritten text."}},
			},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient("test-key", WithOpenAIBaseURL(server.URL))
	got, err := client.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Rewritten text." {
		t.Errorf("body = %q", got)
	}
}

func TestOpenAIClientEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer server.Close()

	client := NewOpenAIClient("test-key", WithOpenAIBaseURL(server.URL))
	if _, err := client.Generate(context.Background(), testRequest()); err == nil {
		t.Fatal("want error for empty choices")
	}
}

func TestGeminiClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-test:generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "test-key" {
			t.Errorf("key = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{
					{"text": "Part one. "},
					{"text": "Part two."},
				}}},
			},
		})
	}))
	defer server.Close()

	client := NewGeminiClient("test-key", WithGeminiBaseURL(server.URL), WithGeminiModel("gemini-test"))
	got, err := client.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Part one. Part two." {
		t.Errorf("body = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	stub := &StubGenerator{Response: "ok"}
	reg.Register(ProviderGemini, stub)

	if _, ok := reg.For(ProviderClaude); ok {
		t.Error("For(claude) should miss")
	}
	gen, ok := reg.For(ProviderGemini)
	if !ok {
		t.Fatal("For(gemini) should hit")
	}
	got, err := gen.Generate(context.Background(), testRequest())
	if err != nil || got != "ok" {
		t.Errorf("Generate = %q, %v", got, err)
	}
	if len(stub.Calls) != 1 {
		t.Errorf("stub calls = %d, want 1", len(stub.Calls))
	}
}

func TestStubGeneratorConcurrentCalls(t *testing.T) {
	stub := &StubGenerator{Response: "ok"}
	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := stub.Generate(context.Background(), testRequest()); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := stub.CallCount(); got != callers {
		t.Errorf("CallCount = %d, want %d", got, callers)
	}
}

func TestRevisionPrompt(t *testing.T) {
	prompt := revisionPrompt(Request{
		Tone:        "celebratory",
		CurrentBody: "Body text.",
		Liked:       []string{"a cherished friend"},
		Disliked:    []string{"in lieu of flowers"},
	})
	for _, want := range []string{"celebratory", "Body text.", "a cherished friend", "in lieu of flowers"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	// Without a current body the prompt asks for a fresh text, not a rewrite.
	fresh := revisionPrompt(Request{Liked: []string{"a cherished friend"}})
	if strings.Contains(fresh, "Text to revise") {
		t.Errorf("empty-body prompt should not carry a rewrite section: %q", fresh)
	}
	if !strings.Contains(fresh, "a cherished friend") {
		t.Errorf("empty-body prompt missing feedback: %q", fresh)
	}
}
