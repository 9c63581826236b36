package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "authsession:"
	minRedisTTL      = time.Second
)

var _ Store = (*RedisStore)(nil)

// RedisStore persists the session in Redis under a per-client key. Entries
// expire with the session so a stale session is never restored.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	clientID string
	nowFunc  func() time.Time
}

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key namespace (default "authsession:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRedisNowFunc sets the clock used for TTL calculation.
func WithRedisNowFunc(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		s.nowFunc = now
	}
}

// NewRedisStore creates a store keyed by clientID; several clients may share
// one Redis as long as their ids differ.
func NewRedisStore(client redis.UniversalClient, clientID string, options ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("[NewRedisStore] redis client is required")
	}
	if clientID == "" {
		return nil, errors.New("[NewRedisStore] clientID is required")
	}
	s := &RedisStore{
		client:   client,
		prefix:   defaultKeyPrefix,
		clientID: clientID,
		nowFunc:  time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) key() string {
	return s.prefix + s.clientID
}

func (s *RedisStore) Load(ctx context.Context) (*identity.Session, error) {
	raw, err := s.client.Get(ctx, s.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[RedisStore.Load] get: %w", err)
	}

	var session identity.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		// A corrupt entry is dropped rather than restored
		_ = s.client.Del(ctx, s.key()).Err()
		return nil, fmt.Errorf("[RedisStore.Load] decode: %w", err)
	}
	return &session, nil
}

func (s *RedisStore) Save(ctx context.Context, session *identity.Session) error {
	if session == nil {
		return s.Clear(ctx)
	}
	ttl := session.ExpiresAt.Sub(s.nowFunc())
	if ttl < minRedisTTL {
		return s.Clear(ctx)
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("[RedisStore.Save] encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key(), raw, ttl).Err(); err != nil {
		return fmt.Errorf("[RedisStore.Save] set: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("[RedisStore.Clear] del: %w", err)
	}
	return nil
}
