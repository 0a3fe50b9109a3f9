package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"memoria/api/internal/config"
	"memoria/api/internal/genai"
	"memoria/api/internal/store"
	"memoria/api/internal/util"
)

type CreateItemInput struct {
	Title     string `json:"title"`
	OwnerName string `json:"ownerName"`
}

type CreateVariantInput struct {
	Provider string `json:"provider"`
	Tone     string `json:"tone"`
	Body     string `json:"body"`
}

type CreateInviteInput struct {
	Contact string `json:"contact"`
}

type IdentifyInput struct {
	DisplayName string `json:"displayName"`
}

type FeedbackInput struct {
	VariantID    string `json:"variantId"`
	Phrase       string `json:"phrase"`
	Sentiment    string `json:"sentiment"`
	PositionHint string `json:"positionHint"`
}

type InclusionInput struct {
	VariantID string `json:"variantId"`
	Phrase    string `json:"phrase"`
	Included  *bool  `json:"included"`
}

type RevisionInput struct {
	Providers []string `json:"providers"`
}

type EditInput struct {
	Body   string `json:"body"`
	Author string `json:"author"`
}

type dataStore interface {
	InsertContentItem(context.Context, store.ContentItem) error
	GetContentItem(context.Context, string) (store.ContentItem, error)
	InsertVariant(context.Context, store.ContentVariant) (store.ContentVariant, error)
	InsertRevisionVariant(context.Context, store.ContentVariant) (store.ContentVariant, bool, error)
	HasRevisionVariant(context.Context, string, string) (bool, error)
	GetVariant(context.Context, string) (store.ContentVariant, error)
	ListVariants(context.Context, string) ([]store.ContentVariant, error)
	ToggleFeedbackSpan(context.Context, store.FeedbackSpan) (*store.FeedbackSpan, error)
	SetSpanInclusion(context.Context, string, string, bool) error
	ListIncludedFeedback(context.Context, string) (store.FeedbackSummary, error)
	ClearFeedback(context.Context, string) error
	InsertEditRecord(context.Context, store.EditRecord) error
	ListEditRecords(context.Context, string) ([]store.EditRecord, error)
	Ping(context.Context) error
}

// collabSessionStore is the capability-token session boundary. The Postgres
// store satisfies it; the Redis store replaces it when REDIS_URL is set.
type collabSessionStore interface {
	CreateCollabSession(context.Context, store.CollabSession) (store.CollabSession, error)
	GetCollabSession(context.Context, string) (store.CollabSession, error)
	IdentifyCollabSession(context.Context, string, string) error
}

type idFunc func(prefix string) string

func defaultNewID(prefix string) string {
	return util.NewID(prefix)
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   collabSessionStore
	generators *genai.Registry
	newID      idFunc
}

func New(cfg config.Config, dataStore *store.PostgresStore, generators *genai.Registry) *Service {
	return NewWithSessionStore(cfg, dataStore, dataStore, generators)
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions collabSessionStore, generators *genai.Registry) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		sessions:   sessions,
		generators: generators,
		newID:      defaultNewID,
	}
}

func (s *Service) OwnerToken() string {
	return s.cfg.OwnerToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CreateContentItem(ctx context.Context, input CreateItemInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	owner := strings.TrimSpace(input.OwnerName)
	if owner == "" {
		owner = "Owner"
	}
	item := store.ContentItem{
		ID:        s.newID("item"),
		OwnerName: owner,
		Title:     title,
	}
	if err := s.store.InsertContentItem(ctx, item); err != nil {
		return nil, err
	}
	stored, err := s.store.GetContentItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"item": itemView(stored)}, nil
}

func (s *Service) GetContentItemView(ctx context.Context, itemID string) (map[string]any, error) {
	item, err := s.store.GetContentItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	variants, err := s.store.ListVariants(ctx, itemID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(variants))
	for _, variant := range variants {
		views = append(views, variantView(variant))
	}
	return map[string]any{
		"item":     itemView(item),
		"variants": views,
	}, nil
}

func (s *Service) AddVariant(ctx context.Context, itemID string, input CreateVariantInput) (map[string]any, error) {
	if _, err := s.store.GetContentItem(ctx, itemID); err != nil {
		return nil, err
	}
	provider := strings.TrimSpace(strings.ToLower(input.Provider))
	if !validProvider(provider) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown provider", map[string]any{"provider": input.Provider})
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	variant, err := s.store.InsertVariant(ctx, store.ContentVariant{
		ID:            s.newID("var"),
		ContentItemID: itemID,
		Provider:      provider,
		Body:          body,
		Tone:          strings.TrimSpace(input.Tone),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"variant": variantView(variant)}, nil
}

// CreateInvite mints a collaboration session for a content item. Inviting the
// same contact twice returns the existing token; an empty contact always
// produces a fresh share link.
func (s *Service) CreateInvite(ctx context.Context, itemID string, input CreateInviteInput) (map[string]any, error) {
	if _, err := s.store.GetContentItem(ctx, itemID); err != nil {
		return nil, err
	}
	contact := strings.TrimSpace(input.Contact)
	minted := s.newID("collab")
	session, err := s.sessions.CreateCollabSession(ctx, store.CollabSession{
		Token:         minted,
		ContentItemID: itemID,
		ContactKey:    contactKey(contact),
		Contact:       contact,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"token":         session.Token,
		"contentItemId": session.ContentItemID,
		"reused":        session.Token != minted,
	}, nil
}

// ResolveSession loads the collaborator's view of the item behind a token.
func (s *Service) ResolveSession(ctx context.Context, token string) (map[string]any, error) {
	session, err := s.sessions.GetCollabSession(ctx, token)
	if err != nil {
		return nil, err
	}
	item, err := s.store.GetContentItem(ctx, session.ContentItemID)
	if err != nil {
		return nil, err
	}
	variants, err := s.store.ListVariants(ctx, session.ContentItemID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(variants))
	for _, variant := range variants {
		views = append(views, variantView(variant))
	}
	return map[string]any{
		"item":        itemView(item),
		"variants":    views,
		"displayName": session.DisplayName,
		"identified":  session.DisplayName != "",
	}, nil
}

// IdentifySession sets the collaborator's display name. Calling again with a
// different name overwrites it; spans already written keep their snapshot.
func (s *Service) IdentifySession(ctx context.Context, token string, input IdentifyInput) (map[string]any, error) {
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "displayName is required", nil)
	}
	if err := s.sessions.IdentifyCollabSession(ctx, token, name); err != nil {
		return nil, err
	}
	return map[string]any{"displayName": name}, nil
}

// RecordFeedback toggles a span judgment through a collaboration session.
// Same phrase + same sentiment removes it; same phrase + opposite sentiment
// flips it in place.
func (s *Service) RecordFeedback(ctx context.Context, token string, input FeedbackInput) (map[string]any, error) {
	session, err := s.sessions.GetCollabSession(ctx, token)
	if err != nil {
		return nil, err
	}
	variant, err := s.variantForSession(ctx, session, input.VariantID)
	if err != nil {
		return nil, err
	}
	phrase := normalizePhrase(input.Phrase)
	if phrase == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "phrase is required", nil)
	}
	sentiment := strings.TrimSpace(strings.ToLower(input.Sentiment))
	if sentiment != store.SentimentLiked && sentiment != store.SentimentDisliked {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sentiment must be liked or disliked", nil)
	}
	span, err := s.store.ToggleFeedbackSpan(ctx, store.FeedbackSpan{
		ID:            s.newID("span"),
		VariantID:     variant.ID,
		Phrase:        phrase,
		Sentiment:     sentiment,
		AuthorName:    session.DisplayName,
		AuthorContact: session.Contact,
		Included:      true,
		PositionHint:  strings.TrimSpace(input.PositionHint),
	})
	if err != nil {
		return nil, err
	}
	if span == nil {
		return map[string]any{"status": "removed", "phrase": phrase}, nil
	}
	return map[string]any{"status": "recorded", "span": spanView(*span)}, nil
}

// SetInclusion flags whether a span participates in revision aggregation.
// A phrase with no span is a silent no-op.
func (s *Service) SetInclusion(ctx context.Context, token string, input InclusionInput) (map[string]any, error) {
	session, err := s.sessions.GetCollabSession(ctx, token)
	if err != nil {
		return nil, err
	}
	variant, err := s.variantForSession(ctx, session, input.VariantID)
	if err != nil {
		return nil, err
	}
	phrase := normalizePhrase(input.Phrase)
	if phrase == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "phrase is required", nil)
	}
	if input.Included == nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "included is required", nil)
	}
	if err := s.store.SetSpanInclusion(ctx, variant.ID, phrase, *input.Included); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) FeedbackSummaryView(ctx context.Context, itemID string) (map[string]any, error) {
	if _, err := s.store.GetContentItem(ctx, itemID); err != nil {
		return nil, err
	}
	summary, err := s.store.ListIncludedFeedback(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"liked":    orEmpty(summary.Liked),
		"disliked": orEmpty(summary.Disliked),
	}, nil
}

func (s *Service) ClearFeedback(ctx context.Context, itemID string) (map[string]any, error) {
	if _, err := s.store.GetContentItem(ctx, itemID); err != nil {
		return nil, err
	}
	if err := s.store.ClearFeedback(ctx, itemID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// AddEdit stores an owner rewrite of a variant without touching the variant
// body itself.
func (s *Service) AddEdit(ctx context.Context, variantID string, input EditInput) (map[string]any, error) {
	if _, err := s.store.GetVariant(ctx, variantID); err != nil {
		return nil, err
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	record := store.EditRecord{
		ID:        s.newID("edit"),
		VariantID: variantID,
		Body:      body,
		Author:    strings.TrimSpace(input.Author),
	}
	if err := s.store.InsertEditRecord(ctx, record); err != nil {
		return nil, err
	}
	records, err := s.store.ListEditRecords(ctx, variantID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		views = append(views, editView(rec))
	}
	return map[string]any{"edits": views}, nil
}

// variantForSession loads a variant and checks it belongs to the session's
// item, so a token cannot write feedback outside its own grant.
func (s *Service) variantForSession(ctx context.Context, session store.CollabSession, variantID string) (store.ContentVariant, error) {
	if strings.TrimSpace(variantID) == "" {
		return store.ContentVariant{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "variantId is required", nil)
	}
	variant, err := s.store.GetVariant(ctx, variantID)
	if err != nil {
		return store.ContentVariant{}, err
	}
	if variant.ContentItemID != session.ContentItemID {
		return store.ContentVariant{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return variant, nil
}

// normalizePhrase trims and collapses internal whitespace. The result is the
// span's identity within its variant.
func normalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(phrase), " ")
}

// contactKey hashes an invite contact so stored sessions never carry the raw
// identifier as a key. Empty contacts hash to the empty string.
func contactKey(contact string) string {
	normalized := strings.ToLower(strings.TrimSpace(contact))
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func validProvider(provider string) bool {
	for _, known := range genai.Providers {
		if provider == known {
			return true
		}
	}
	return false
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func itemView(item store.ContentItem) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"ownerName": item.OwnerName,
		"title":     item.Title,
		"createdAt": item.CreatedAt,
	}
}

func variantView(variant store.ContentVariant) map[string]any {
	return map[string]any{
		"id":         variant.ID,
		"provider":   variant.Provider,
		"version":    variant.Version,
		"isRevision": variant.IsRevision,
		"body":       variant.Body,
		"tone":       variant.Tone,
		"createdAt":  variant.CreatedAt,
	}
}

func spanView(span store.FeedbackSpan) map[string]any {
	return map[string]any{
		"id":         span.ID,
		"variantId":  span.VariantID,
		"phrase":     span.Phrase,
		"sentiment":  span.Sentiment,
		"authorName": span.AuthorName,
		"included":   span.Included,
	}
}

func editView(record store.EditRecord) map[string]any {
	return map[string]any{
		"id":        record.ID,
		"variantId": record.VariantID,
		"body":      record.Body,
		"author":    record.Author,
		"createdAt": record.CreatedAt,
	}
}
