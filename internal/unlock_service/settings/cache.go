package settings

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/newsgate/paywall_services/internal/unlock_service/repository"
)

// Well-known setting keys.
const (
	KeyBypassSecret = "entitlement.bypass_secret"
)

type cacheEntry struct {
	value     string
	found     bool
	fetchedAt time.Time
}

// CachedStore fronts the settings repository with a TTL cache. Invalidation
// contract: entries expire after the TTL, and Set busts the written key
// immediately. Nothing else invalidates; reads have no side effects.
type CachedStore struct {
	repo   repository.SettingRepository
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCachedStore(repo repository.SettingRepository, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return &CachedStore{
		repo:    repo,
		ttl:     ttl,
		logger:  logger.With("component", "settings_cache"),
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the setting value, serving from cache within the TTL. Unknown
// keys are cached too (negative caching) and surface repository.ErrSettingNotFound.
func (s *CachedStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < s.ttl {
		if !entry.found {
			return "", repository.ErrSettingNotFound
		}
		return entry.value, nil
	}

	value, err := s.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrSettingNotFound) {
			s.store(key, cacheEntry{found: false, fetchedAt: time.Now()})
			return "", repository.ErrSettingNotFound
		}
		// Repository failure: serve the stale entry if one exists rather than
		// flapping behavior on a transient database error.
		if ok {
			s.logger.WarnContext(ctx, "Settings read failed, serving stale cache entry", "key", key, "error", err)
			if !entry.found {
				return "", repository.ErrSettingNotFound
			}
			return entry.value, nil
		}
		return "", err
	}

	s.store(key, cacheEntry{value: value, found: true, fetchedAt: time.Now()})
	return value, nil
}

// GetOrDefault returns the setting value or the fallback for unknown keys.
func (s *CachedStore) GetOrDefault(ctx context.Context, key, fallback string) string {
	value, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return value
}

// Set writes through to the repository and busts the cached entry.
func (s *CachedStore) Set(ctx context.Context, key, value string) error {
	if err := s.repo.Set(ctx, key, value); err != nil {
		return err
	}
	s.store(key, cacheEntry{value: value, found: true, fetchedAt: time.Now()})
	return nil
}

func (s *CachedStore) store(key string, entry cacheEntry) {
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
}
