package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// openTestStore connects to the database named by MEMORIA_TEST_DATABASE_URL
// and applies migrations. Tests that call it are skipped when the variable is
// unset, so the default `go test ./...` run needs no database.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("MEMORIA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("MEMORIA_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

// cleanItem removes any rows left by a previous run of the same test.
func cleanItem(t *testing.T, s *PostgresStore, itemID string) {
	t.Helper()
	ctx := context.Background()
	statements := []string{
		`DELETE FROM edit_records WHERE variant_id IN (SELECT id FROM content_variants WHERE content_item_id = $1)`,
		`DELETE FROM feedback_spans WHERE variant_id IN (SELECT id FROM content_variants WHERE content_item_id = $1)`,
		`DELETE FROM collab_sessions WHERE content_item_id = $1`,
		`DELETE FROM content_variants WHERE content_item_id = $1`,
		`DELETE FROM content_items WHERE id = $1`,
	}
	for _, stmt := range statements {
		if _, err := s.DB().ExecContext(ctx, stmt, itemID); err != nil {
			t.Fatalf("clean item: %v", err)
		}
	}
}

func seedItemAndVariant(t *testing.T, s *PostgresStore, itemID string) ContentVariant {
	t.Helper()
	ctx := context.Background()
	cleanItem(t, s, itemID)
	if err := s.InsertContentItem(ctx, ContentItem{
		ID:        itemID,
		OwnerName: "Ruth",
		Title:     "Obituary for Margaret Hale",
	}); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	variant, err := s.InsertVariant(ctx, ContentVariant{
		ID:            itemID + "_var1",
		ContentItemID: itemID,
		Provider:      "claude",
		Body:          "Margaret Hale loved her garden.",
		Tone:          "warm",
	})
	if err != nil {
		t.Fatalf("insert variant: %v", err)
	}
	return variant
}

func TestToggleFeedbackSpanIntegration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	variant := seedItemAndVariant(t, s, "item_toggle_it")

	span := FeedbackSpan{
		ID:        "span_toggle_1",
		VariantID: variant.ID,
		Phrase:    "loved her garden",
		Sentiment: SentimentLiked,
		Included:  true,
	}

	created, err := s.ToggleFeedbackSpan(ctx, span)
	if err != nil {
		t.Fatalf("create span: %v", err)
	}
	if created == nil || created.Sentiment != SentimentLiked {
		t.Fatalf("created = %+v", created)
	}

	// Opposite sentiment flips the row in place, keeping its identity.
	span.Sentiment = SentimentDisliked
	flipped, err := s.ToggleFeedbackSpan(ctx, span)
	if err != nil {
		t.Fatalf("flip span: %v", err)
	}
	if flipped == nil || flipped.Sentiment != SentimentDisliked {
		t.Fatalf("flipped = %+v", flipped)
	}
	if flipped.ID != created.ID {
		t.Errorf("flip created a new row: %s vs %s", flipped.ID, created.ID)
	}

	// Same sentiment again removes the row.
	removed, err := s.ToggleFeedbackSpan(ctx, span)
	if err != nil {
		t.Fatalf("remove span: %v", err)
	}
	if removed != nil {
		t.Fatalf("removed = %+v, want nil", removed)
	}

	summary, err := s.ListIncludedFeedback(ctx, "item_toggle_it")
	if err != nil {
		t.Fatalf("list included: %v", err)
	}
	if !summary.Empty() {
		t.Errorf("summary = %+v, want empty", summary)
	}
}

func TestRevisionSlotUniqueIntegration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedItemAndVariant(t, s, "item_slot_it")

	first, inserted, err := s.InsertRevisionVariant(ctx, ContentVariant{
		ID:            "var_slot_a",
		ContentItemID: "item_slot_it",
		Provider:      "claude",
		IsRevision:    true,
		Body:          "first revision",
	})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert lost the slot")
	}
	if first.Version != 2 {
		t.Errorf("revision version = %d, want 2", first.Version)
	}

	_, inserted, err = s.InsertRevisionVariant(ctx, ContentVariant{
		ID:            "var_slot_b",
		ContentItemID: "item_slot_it",
		Provider:      "claude",
		IsRevision:    true,
		Body:          "late revision",
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("second insert should lose the slot")
	}

	// Another provider still has its slot.
	has, err := s.HasRevisionVariant(ctx, "item_slot_it", "chatgpt")
	if err != nil {
		t.Fatalf("has revision: %v", err)
	}
	if has {
		t.Error("chatgpt slot should still be open")
	}
}

// Two inserts racing for the same slot must end as one winner and one quiet
// loser, whichever unique constraint the loser actually trips.
func TestRevisionSlotConcurrentInsertsIntegration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedItemAndVariant(t, s, "item_race_it")

	const writers = 8
	var wg sync.WaitGroup
	results := make([]struct {
		inserted bool
		err      error
	}, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, inserted, err := s.InsertRevisionVariant(ctx, ContentVariant{
				ID:            fmt.Sprintf("var_race_%d", i),
				ContentItemID: "item_race_it",
				Provider:      "claude",
				IsRevision:    true,
				Body:          fmt.Sprintf("revision from writer %d", i),
			})
			results[i].inserted = inserted
			results[i].err = err
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, r := range results {
		if r.err != nil {
			t.Errorf("writer %d returned error: %v", i, r.err)
		}
		if r.inserted {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM content_variants
		WHERE content_item_id='item_race_it' AND provider='claude' AND is_revision
	`).Scan(&count); err != nil {
		t.Fatalf("count revisions: %v", err)
	}
	if count != 1 {
		t.Fatalf("revision rows = %d, want 1", count)
	}
}

func TestCollabSessionContactReuseIntegration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedItemAndVariant(t, s, "item_invite_it")

	first, err := s.CreateCollabSession(ctx, CollabSession{
		Token:         "collab_it_one",
		ContentItemID: "item_invite_it",
		ContactKey:    "contact-hash-it",
		Contact:       "june@example.com",
	})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	second, err := s.CreateCollabSession(ctx, CollabSession{
		Token:         "collab_it_two",
		ContentItemID: "item_invite_it",
		ContactKey:    "contact-hash-it",
		Contact:       "june@example.com",
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.Token != first.Token {
		t.Errorf("same contact minted two tokens: %q vs %q", first.Token, second.Token)
	}

	if err := s.IdentifyCollabSession(ctx, first.Token, "June"); err != nil {
		t.Fatalf("identify: %v", err)
	}
	got, err := s.GetCollabSession(ctx, first.Token)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.DisplayName != "June" {
		t.Errorf("displayName = %q", got.DisplayName)
	}

	if _, err := s.GetCollabSession(ctx, "collab_it_missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing token err = %v, want sql.ErrNoRows", err)
	}
}
