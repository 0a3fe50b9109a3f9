package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertContentItem(ctx context.Context, item ContentItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, owner_name, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OwnerName, item.Title)
	if err != nil {
		return fmt.Errorf("insert content item: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContentItem(ctx context.Context, itemID string) (ContentItem, error) {
	var item ContentItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_name, title, created_at
		FROM content_items
		WHERE id=$1
	`, itemID).Scan(&item.ID, &item.OwnerName, &item.Title, &item.CreatedAt)
	if err != nil {
		return ContentItem{}, err
	}
	return item, nil
}

// InsertVariant writes a non-revision variant, assigning the next version in
// the (item, provider) lineage.
func (s *PostgresStore) InsertVariant(ctx context.Context, variant ContentVariant) (ContentVariant, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO content_variants (id, content_item_id, provider, version, is_revision, body, tone)
		VALUES (
			$1, $2, $3,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM content_variants WHERE content_item_id=$2 AND provider=$3),
			FALSE, $4, $5
		)
		RETURNING version, created_at
	`, variant.ID, variant.ContentItemID, variant.Provider, variant.Body, variant.Tone).Scan(&variant.Version, &variant.CreatedAt)
	if err != nil {
		return ContentVariant{}, fmt.Errorf("insert variant: %w", err)
	}
	variant.IsRevision = false
	return variant, nil
}

// InsertRevisionVariant writes the revision variant for (item, provider). The
// partial unique index content_variants_one_revision is the arbiter: when a
// concurrent request already claimed the slot, no row is written and the
// second return value is false. Two inserts racing inside the arbiter's
// pre-check window both compute the same next version, so the loser can also
// surface as a unique_violation on (content_item_id, provider, version);
// that is the same lost race, not a failure.
func (s *PostgresStore) InsertRevisionVariant(ctx context.Context, variant ContentVariant) (ContentVariant, bool, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO content_variants (id, content_item_id, provider, version, is_revision, body, tone)
		VALUES (
			$1, $2, $3,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM content_variants WHERE content_item_id=$2 AND provider=$3),
			TRUE, $4, $5
		)
		ON CONFLICT (content_item_id, provider) WHERE is_revision DO NOTHING
		RETURNING version, created_at
	`, variant.ID, variant.ContentItemID, variant.Provider, variant.Body, variant.Tone).Scan(&variant.Version, &variant.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentVariant{}, false, nil
	}
	if isUniqueViolation(err) {
		return ContentVariant{}, false, nil
	}
	if err != nil {
		return ContentVariant{}, false, fmt.Errorf("insert revision variant: %w", err)
	}
	variant.IsRevision = true
	return variant, true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) HasRevisionVariant(ctx context.Context, itemID, provider string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM content_variants
			WHERE content_item_id=$1 AND provider=$2 AND is_revision
		)
	`, itemID, provider).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revision variant: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetVariant(ctx context.Context, variantID string) (ContentVariant, error) {
	var variant ContentVariant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content_item_id, provider, version, is_revision, body, tone, created_at
		FROM content_variants
		WHERE id=$1
	`, variantID).Scan(
		&variant.ID,
		&variant.ContentItemID,
		&variant.Provider,
		&variant.Version,
		&variant.IsRevision,
		&variant.Body,
		&variant.Tone,
		&variant.CreatedAt,
	)
	if err != nil {
		return ContentVariant{}, err
	}
	return variant, nil
}

func (s *PostgresStore) ListVariants(ctx context.Context, itemID string) ([]ContentVariant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_item_id, provider, version, is_revision, body, tone, created_at
		FROM content_variants
		WHERE content_item_id=$1
		ORDER BY provider, version
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	items := make([]ContentVariant, 0)
	for rows.Next() {
		var variant ContentVariant
		if err := rows.Scan(
			&variant.ID,
			&variant.ContentItemID,
			&variant.Provider,
			&variant.Version,
			&variant.IsRevision,
			&variant.Body,
			&variant.Tone,
			&variant.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		items = append(items, variant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variants: %w", err)
	}
	return items, nil
}

// ToggleFeedbackSpan applies the span toggle rule for (variant, phrase):
// no live entry creates one, the same sentiment again removes it, the
// opposite sentiment overwrites in place keeping the inclusion flag. The
// returned span is nil when the toggle removed the entry.
func (s *PostgresStore) ToggleFeedbackSpan(ctx context.Context, span FeedbackSpan) (*FeedbackSpan, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT sentiment
		FROM feedback_spans
		WHERE variant_id=$1 AND phrase=$2
	`, span.VariantID, span.Phrase).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup feedback span: %w", err)
	}
	if err == nil && existing == span.Sentiment {
		if _, delErr := s.db.ExecContext(ctx, `
			DELETE FROM feedback_spans
			WHERE variant_id=$1 AND phrase=$2
		`, span.VariantID, span.Phrase); delErr != nil {
			return nil, fmt.Errorf("delete feedback span: %w", delErr)
		}
		return nil, nil
	}

	result := span
	upsertErr := s.db.QueryRowContext(ctx, `
		INSERT INTO feedback_spans (id, variant_id, phrase, sentiment, author_name, author_contact, included, position_hint)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (variant_id, phrase)
		DO UPDATE SET sentiment=EXCLUDED.sentiment, updated_at=NOW()
		RETURNING id, author_name, author_contact, included, position_hint, created_at, updated_at
	`, span.ID, span.VariantID, span.Phrase, span.Sentiment, span.AuthorName, span.AuthorContact, span.PositionHint).Scan(
		&result.ID,
		&result.AuthorName,
		&result.AuthorContact,
		&result.Included,
		&result.PositionHint,
		&result.CreatedAt,
		&result.UpdatedAt,
	)
	if upsertErr != nil {
		return nil, fmt.Errorf("upsert feedback span: %w", upsertErr)
	}
	return &result, nil
}

// SetSpanInclusion is a silent no-op when the span no longer exists; a
// concurrent toggle may have removed it.
func (s *PostgresStore) SetSpanInclusion(ctx context.Context, variantID, phrase string, included bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE feedback_spans
		SET included=$3, updated_at=NOW()
		WHERE variant_id=$1 AND phrase=$2
	`, variantID, phrase, included)
	if err != nil {
		return fmt.Errorf("set span inclusion: %w", err)
	}
	return nil
}

// ListIncludedFeedback aggregates included spans across every variant of the
// item, partitioned by sentiment. Cross-variant on purpose: the next
// generation should benefit from feedback no matter which rendering the
// reviewer was looking at.
func (s *PostgresStore) ListIncludedFeedback(ctx context.Context, itemID string) (FeedbackSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT fs.phrase, fs.sentiment
		FROM feedback_spans fs
		JOIN content_variants cv ON cv.id = fs.variant_id
		WHERE cv.content_item_id=$1 AND fs.included
		ORDER BY fs.phrase
	`, itemID)
	if err != nil {
		return FeedbackSummary{}, fmt.Errorf("list included feedback: %w", err)
	}
	defer rows.Close()

	summary := FeedbackSummary{Liked: []string{}, Disliked: []string{}}
	for rows.Next() {
		var phrase, sentiment string
		if err := rows.Scan(&phrase, &sentiment); err != nil {
			return FeedbackSummary{}, fmt.Errorf("scan feedback span: %w", err)
		}
		if sentiment == SentimentLiked {
			summary.Liked = append(summary.Liked, phrase)
		} else {
			summary.Disliked = append(summary.Disliked, phrase)
		}
	}
	if err := rows.Err(); err != nil {
		return FeedbackSummary{}, fmt.Errorf("iterate feedback spans: %w", err)
	}
	return summary, nil
}

func (s *PostgresStore) ClearFeedback(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM feedback_spans
		WHERE variant_id IN (
			SELECT id FROM content_variants WHERE content_item_id=$1
		)
	`, itemID)
	if err != nil {
		return fmt.Errorf("clear feedback: %w", err)
	}
	return nil
}

// CreateCollabSession mints a session token. For invites carrying a contact
// key this is compare-and-create: the partial unique index arbitrates, and a
// repeat invite for the same contact returns the existing session instead of
// a new token.
func (s *PostgresStore) CreateCollabSession(ctx context.Context, session CollabSession) (CollabSession, error) {
	if session.ContactKey == "" {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO collab_sessions (token, content_item_id, contact_key, contact)
			VALUES ($1, $2, '', $3)
			RETURNING created_at
		`, session.Token, session.ContentItemID, session.Contact).Scan(&session.CreatedAt)
		if err != nil {
			return CollabSession{}, fmt.Errorf("insert collab session: %w", err)
		}
		return session, nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_sessions (token, content_item_id, contact_key, contact)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (content_item_id, contact_key) WHERE contact_key <> '' DO NOTHING
	`, session.Token, session.ContentItemID, session.ContactKey, session.Contact)
	if err != nil {
		return CollabSession{}, fmt.Errorf("insert collab session: %w", err)
	}

	var winner CollabSession
	err = s.db.QueryRowContext(ctx, `
		SELECT token, content_item_id, contact_key, contact, display_name, created_at
		FROM collab_sessions
		WHERE content_item_id=$1 AND contact_key=$2
	`, session.ContentItemID, session.ContactKey).Scan(
		&winner.Token,
		&winner.ContentItemID,
		&winner.ContactKey,
		&winner.Contact,
		&winner.DisplayName,
		&winner.CreatedAt,
	)
	if err != nil {
		return CollabSession{}, fmt.Errorf("reselect collab session: %w", err)
	}
	return winner, nil
}

func (s *PostgresStore) GetCollabSession(ctx context.Context, token string) (CollabSession, error) {
	var session CollabSession
	err := s.db.QueryRowContext(ctx, `
		SELECT token, content_item_id, contact_key, contact, display_name, created_at
		FROM collab_sessions
		WHERE token=$1
	`, token).Scan(
		&session.Token,
		&session.ContentItemID,
		&session.ContactKey,
		&session.Contact,
		&session.DisplayName,
		&session.CreatedAt,
	)
	if err != nil {
		return CollabSession{}, err
	}
	return session, nil
}

// IdentifyCollabSession sets the display name. A repeat call overwrites;
// spans already recorded keep their author snapshot.
func (s *PostgresStore) IdentifyCollabSession(ctx context.Context, token, displayName string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collab_sessions
		SET display_name=$2
		WHERE token=$1
	`, token, displayName)
	if err != nil {
		return fmt.Errorf("identify collab session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("identify collab session rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertEditRecord(ctx context.Context, record EditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edit_records (id, variant_id, body, author)
		VALUES ($1, $2, $3, $4)
	`, record.ID, record.VariantID, record.Body, record.Author)
	if err != nil {
		return fmt.Errorf("insert edit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEditRecords(ctx context.Context, variantID string) ([]EditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, variant_id, body, author, created_at
		FROM edit_records
		WHERE variant_id=$1
		ORDER BY created_at
	`, variantID)
	if err != nil {
		return nil, fmt.Errorf("list edit records: %w", err)
	}
	defer rows.Close()

	items := make([]EditRecord, 0)
	for rows.Next() {
		var record EditRecord
		if err := rows.Scan(&record.ID, &record.VariantID, &record.Body, &record.Author, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edit record: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edit records: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
