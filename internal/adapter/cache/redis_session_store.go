package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
	"github.com/klpoland/lti-tool-provider/internal/repository"
)

const (
	sessionPrefix = "lti:session:"
	noncePrefix   = "lti:nonce:"
)

// RedisSessionStore implements SessionStore backed by Redis.
type RedisSessionStore struct {
	client redis.UniversalClient
}

var _ repository.SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore constructs a Redis-backed session store.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Save stores the encoded login session with TTL.
func (s *RedisSessionStore) Save(ctx context.Context, id string, session lti.LoginSession, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionPrefix+id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Get loads and decodes the session payload. A missing key yields nil, nil.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*lti.LoginSession, error) {
	bytes, err := s.client.Get(ctx, sessionPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var session lti.LoginSession
	if err := json.Unmarshal(bytes, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

// Delete removes the persisted session.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionPrefix+id).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RedisNonceLedger implements NonceLedger with SETNX keyed by issuer and
// nonce. The TTL bounds the replay window to the accepted issued-at skew.
type RedisNonceLedger struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ repository.NonceLedger = (*RedisNonceLedger)(nil)

// NewRedisNonceLedger constructs the ledger with the provided replay window.
func NewRedisNonceLedger(client redis.UniversalClient, ttl time.Duration) *RedisNonceLedger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisNonceLedger{client: client, ttl: ttl}
}

// CheckAndRecord records the nonce for the issuer, failing when it was
// already seen within the replay window.
func (l *RedisNonceLedger) CheckAndRecord(ctx context.Context, issuer, nonce string) error {
	ok, err := l.client.SetNX(ctx, noncePrefix+issuer+":"+nonce, "1", l.ttl).Result()
	if err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	if !ok {
		return lti.ErrNonceReplayed
	}
	return nil
}
