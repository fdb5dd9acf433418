package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
	"github.com/newsgate/paywall_services/internal/unlock_service/repository"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const sessionKeyPrefix = "identsession:"

// transitionScript atomically replaces the session payload iff the stored
// state matches ARGV[1]. This is the single-use guarantee for correlation
// tokens: of two racing callbacks, exactly one observes the expected state.
//
// Returns 1 on success, 0 when the key is missing, -1 on state mismatch.
var transitionScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
local s = cjson.decode(v)
if s.state ~= ARGV[1] then
  return -1
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// SessionStore keeps identification sessions in Redis. The TTL doubles as
// garbage collection: terminal sessions stay queryable for a grace window so
// late provider callbacks can still be answered, then disappear.
type SessionStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewSessionStore(client *redis.Client, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		client: client,
		logger: logger.With("component", "session_store_redis"),
	}
}

func sessionKey(token string) string {
	return sessionKeyPrefix + token
}

func (s *SessionStore) Create(ctx context.Context, session *domain.IdentificationSession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling identification session: %w", err)
	}

	// NX guards against the astronomically unlikely token collision; failing
	// loudly beats silently overwriting another visitor's session.
	ok, err := s.client.SetNX(ctx, sessionKey(session.CorrelationToken), data, ttl).Result()
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to store identification session", "error", err)
		return fmt.Errorf("storing identification session: %w", err)
	}
	if !ok {
		return fmt.Errorf("correlation token collision for session create")
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, token string) (*domain.IdentificationSession, error) {
	data, err := s.client.Get(ctx, sessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		s.logger.ErrorContext(ctx, "Failed to read identification session", "error", err)
		return nil, fmt.Errorf("reading identification session: %w", err)
	}

	var session domain.IdentificationSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshaling identification session: %w", err)
	}
	return &session, nil
}

func (s *SessionStore) Transition(ctx context.Context, from domain.SessionState, updated *domain.IdentificationSession, ttl time.Duration) error {
	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshaling identification session: %w", err)
	}

	res, err := transitionScript.Run(ctx, s.client,
		[]string{sessionKey(updated.CorrelationToken)},
		string(from), data, ttl.Milliseconds(),
	).Int()
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to transition identification session", "error", err)
		return fmt.Errorf("transitioning identification session: %w", err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return domain.ErrSessionNotFound
	default:
		return domain.ErrSessionConsumed
	}
}

func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("deleting identification session: %w", err)
	}
	return nil
}

var _ repository.SessionStore = (*SessionStore)(nil)
