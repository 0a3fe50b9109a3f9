package app

import (
	"context"
	"net/http"
	"strings"

	"memoria/api/internal/genai"
	"memoria/api/internal/store"
)

// Revision outcome statuses. AlreadyRevised and NoFeedback are informational
// results, not errors; the request as a whole still succeeds.
const (
	OutcomeRevised          = "revised"
	OutcomeAlreadyRevised   = "already_revised"
	OutcomeNoFeedback       = "no_feedback"
	OutcomeGenerationFailed = "generation_failed"
)

// RequestRevision produces at most one revision variant per provider for a
// content item. The persisted revision slot is the only guard: it is checked
// before generating and enforced again at insert, and no lock is held across
// the generator call.
func (s *Service) RequestRevision(ctx context.Context, itemID string, input RevisionInput) (map[string]any, error) {
	if _, err := s.store.GetContentItem(ctx, itemID); err != nil {
		return nil, err
	}

	requested := input.Providers
	if len(requested) == 0 {
		requested = genai.Providers
	}
	providers := make([]string, 0, len(requested))
	for _, provider := range requested {
		normalized := strings.TrimSpace(strings.ToLower(provider))
		if !validProvider(normalized) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown provider", map[string]any{"provider": provider})
		}
		providers = append(providers, normalized)
	}

	summary, err := s.store.ListIncludedFeedback(ctx, itemID)
	if err != nil {
		return nil, err
	}

	variants, err := s.store.ListVariants(ctx, itemID)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(providers))
	for _, provider := range providers {
		results = append(results, s.reviseProvider(ctx, itemID, provider, summary, variants))
	}

	return map[string]any{
		"contentItemId": itemID,
		"results":       results,
	}, nil
}

func (s *Service) reviseProvider(ctx context.Context, itemID, provider string, summary store.FeedbackSummary, variants []store.ContentVariant) map[string]any {
	revised, err := s.store.HasRevisionVariant(ctx, itemID, provider)
	if err != nil {
		return revisionResult(provider, OutcomeGenerationFailed, nil, err.Error())
	}
	if revised {
		return revisionResult(provider, OutcomeAlreadyRevised, nil, "")
	}

	if summary.Empty() {
		return revisionResult(provider, OutcomeNoFeedback, nil, "")
	}

	// A provider may have no variant yet; the revision then starts from an
	// empty body and the feedback alone.
	base, _ := latestVariant(variants, provider)

	generator, ok := s.generators.For(provider)
	if !ok {
		return revisionResult(provider, OutcomeGenerationFailed, nil, "no generator configured for provider")
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()
	body, err := generator.Generate(genCtx, genai.Request{
		ContentItemID: itemID,
		Provider:      provider,
		Tone:          base.Tone,
		CurrentBody:   base.Body,
		Liked:         summary.Liked,
		Disliked:      summary.Disliked,
	})
	if err != nil {
		return revisionResult(provider, OutcomeGenerationFailed, nil, err.Error())
	}

	variant, inserted, err := s.store.InsertRevisionVariant(ctx, store.ContentVariant{
		ID:            s.newID("var"),
		ContentItemID: itemID,
		Provider:      provider,
		IsRevision:    true,
		Body:          body,
		Tone:          base.Tone,
	})
	if err != nil {
		return revisionResult(provider, OutcomeGenerationFailed, nil, err.Error())
	}
	if !inserted {
		// Lost a concurrent race at the unique index; the winner's row stands.
		return revisionResult(provider, OutcomeAlreadyRevised, nil, "")
	}

	return revisionResult(provider, OutcomeRevised, &variant, "")
}

func revisionResult(provider, status string, variant *store.ContentVariant, errMsg string) map[string]any {
	result := map[string]any{
		"provider": provider,
		"status":   status,
	}
	if variant != nil {
		result["variant"] = variantView(*variant)
	}
	if errMsg != "" {
		result["error"] = errMsg
	}
	return result
}

// latestVariant finds the highest-version variant for a provider, the text a
// revision starts from.
func latestVariant(variants []store.ContentVariant, provider string) (store.ContentVariant, bool) {
	var best store.ContentVariant
	found := false
	for _, variant := range variants {
		if variant.Provider != provider {
			continue
		}
		if !found || variant.Version > best.Version {
			best = variant
			found = true
		}
	}
	return best, found
}
