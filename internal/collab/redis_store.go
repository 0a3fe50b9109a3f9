// Package collab provides session storage backends for collaboration tokens.
package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"memoria/api/internal/store"

	"github.com/redis/go-redis/v9"
)

// sessionData holds the data stored for each collaboration token. Tokens are
// permanent capability links, so keys carry no TTL.
type sessionData struct {
	ContentItemID string    `json:"content_item_id"`
	ContactKey    string    `json:"contact_key"`
	Contact       string    `json:"contact"`
	DisplayName   string    `json:"display_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// RedisStore implements collaboration session storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "collab:",
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "collab:",
	}
}

func (s *RedisStore) sessionKey(token string) string {
	return s.prefix + "session:" + token
}

func (s *RedisStore) inviteKey(itemID, contactKey string) string {
	return s.prefix + "invite:" + itemID + ":" + contactKey
}

// CreateCollabSession stores a session token. For invites with a contact key
// the invite index is claimed with SETNX, so a repeat invite for the same
// contact returns the existing session rather than minting a second token.
func (s *RedisStore) CreateCollabSession(ctx context.Context, session store.CollabSession) (store.CollabSession, error) {
	session.CreatedAt = time.Now()

	if session.ContactKey != "" {
		claimed, err := s.client.SetNX(ctx, s.inviteKey(session.ContentItemID, session.ContactKey), session.Token, 0).Result()
		if err != nil {
			return store.CollabSession{}, fmt.Errorf("claim invite slot: %w", err)
		}
		if !claimed {
			existingToken, err := s.client.Get(ctx, s.inviteKey(session.ContentItemID, session.ContactKey)).Result()
			if err != nil {
				return store.CollabSession{}, fmt.Errorf("lookup invite slot: %w", err)
			}
			return s.GetCollabSession(ctx, existingToken)
		}
	}

	if err := s.save(ctx, session); err != nil {
		return store.CollabSession{}, err
	}
	return session, nil
}

// GetCollabSession retrieves a session by token
func (s *RedisStore) GetCollabSession(ctx context.Context, token string) (store.CollabSession, error) {
	jsonData, err := s.client.Get(ctx, s.sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return store.CollabSession{}, sql.ErrNoRows
	}
	if err != nil {
		return store.CollabSession{}, fmt.Errorf("lookup collab session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.CollabSession{}, fmt.Errorf("unmarshal session data: %w", err)
	}

	return store.CollabSession{
		Token:         token,
		ContentItemID: data.ContentItemID,
		ContactKey:    data.ContactKey,
		Contact:       data.Contact,
		DisplayName:   data.DisplayName,
		CreatedAt:     data.CreatedAt,
	}, nil
}

// IdentifyCollabSession sets the session's display name, overwriting any
// previous value
func (s *RedisStore) IdentifyCollabSession(ctx context.Context, token, displayName string) error {
	session, err := s.GetCollabSession(ctx, token)
	if err != nil {
		return err
	}
	session.DisplayName = displayName
	return s.save(ctx, session)
}

func (s *RedisStore) save(ctx context.Context, session store.CollabSession) error {
	data := sessionData{
		ContentItemID: session.ContentItemID,
		ContactKey:    session.ContactKey,
		Contact:       session.Contact,
		DisplayName:   session.DisplayName,
		CreatedAt:     session.CreatedAt,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	if err := s.client.Set(ctx, s.sessionKey(session.Token), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("save collab session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
