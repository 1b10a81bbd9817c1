package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Session is the ephemeral per-request state: which conversation the
// client is on plus the orchestrator's scratchpad across suspensions.
// It lives in Redis under a TTL and can vanish at any time; everything
// durable goes through ConversationStore instead.
type Session struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id,omitempty"`
	Scratchpad     map[string]any `json:"scratchpad,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SessionStore keeps sessions in Redis with a sliding TTL.
type SessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, keyPrefix string, ttl time.Duration) (*SessionStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	if keyPrefix == "" {
		keyPrefix = "lontar"
	}
	return &SessionStore{client: client, prefix: keyPrefix, ttl: ttl}, nil
}

func (s *SessionStore) key(id string) string {
	return s.prefix + ":session:" + id
}

// Create stores a new session. An empty id is minted.
func (s *SessionStore) Create(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, sess)
}

func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", id, err)
	}
	return &sess, nil
}

// Update replaces the stored session and resets its TTL.
func (s *SessionStore) Update(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session with an id is required")
	}
	return s.write(ctx, sess)
}

// Extend pushes the TTL out without rewriting the payload.
func (s *SessionStore) Extend(ctx context.Context, id string) error {
	ok, err := s.client.Expire(ctx, s.key(id), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to extend session %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Export returns the raw session document, for debugging and for the
// client-side "download my session" endpoint.
func (s *SessionStore) Export(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export session %s: %w", id, err)
	}
	return data, nil
}

func (s *SessionStore) write(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session %s: %w", sess.ID, err)
	}
	return nil
}
