package store

import "time"

const (
	SentimentLiked    = "liked"
	SentimentDisliked = "disliked"
)

type ContentItem struct {
	ID        string
	OwnerName string
	Title     string
	CreatedAt time.Time
}

// ContentVariant is one generated or revised rendering of a content item.
// Rows are immutable once written; owner edits go to edit_records instead.
type ContentVariant struct {
	ID            string
	ContentItemID string
	Provider      string
	Version       int
	IsRevision    bool
	Body          string
	Tone          string
	CreatedAt     time.Time
}

// FeedbackSpan is a judgment on a contiguous substring of a variant's text.
// The normalized phrase is its identity within the variant; PositionHint is
// carried for future disambiguation of repeated phrases but never keys.
type FeedbackSpan struct {
	ID            string
	VariantID     string
	Phrase        string
	Sentiment     string
	AuthorName    string
	AuthorContact string
	Included      bool
	PositionHint  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CollabSession binds an invited party to a content item via an opaque
// capability token. ContactKey is a hash of the invite contact identifier,
// empty for bare share links.
type CollabSession struct {
	Token         string
	ContentItemID string
	ContactKey    string
	Contact       string
	DisplayName   string
	CreatedAt     time.Time
}

// EditRecord is an owner's free-text rewrite of a variant, kept separate so
// variant bodies stay immutable.
type EditRecord struct {
	ID        string
	VariantID string
	Body      string
	Author    string
	CreatedAt time.Time
}

// FeedbackSummary is the included feedback for one content item, aggregated
// across all of its variants and partitioned by sentiment.
type FeedbackSummary struct {
	Liked    []string
	Disliked []string
}

func (s FeedbackSummary) Empty() bool {
	return len(s.Liked) == 0 && len(s.Disliked) == 0
}
