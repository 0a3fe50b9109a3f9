package genai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StubGenerator is a deterministic Generator for tests and local runs
// without provider credentials. It serves concurrent revision requests, so
// call recording is synchronized.
type StubGenerator struct {
	// Response, when set, is returned verbatim.
	Response string
	// Err, when set, is returned instead of a body.
	Err error

	mu sync.Mutex
	// Calls records every request received, in order. Read it only after
	// the generating goroutines are done, or through CallCount.
	Calls []Request
}

// Generate records the request and returns a canned revision.
func (s *StubGenerator) Generate(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, req)
	s.mu.Unlock()

	if s.Err != nil {
		return "", s.Err
	}
	if s.Response != "" {
		return s.Response, nil
	}
	var sb strings.Builder
	sb.WriteString(req.CurrentBody)
	if len(req.Disliked) > 0 {
		fmt.Fprintf(&sb, "\n[revised: removed %s]", strings.Join(req.Disliked, ", "))
	}
	if len(req.Liked) > 0 {
		fmt.Fprintf(&sb, "\n[revised: kept %s]", strings.Join(req.Liked, ", "))
	}
	return sb.String(), nil
}

// CallCount reports how many requests the stub has served.
func (s *StubGenerator) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
