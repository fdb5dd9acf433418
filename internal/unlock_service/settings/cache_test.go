package settings

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/newsgate/paywall_services/internal/unlock_service/repository"
)

type MockSettingRepository struct {
	mock.Mock
}

func (m *MockSettingRepository) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockSettingRepository) Set(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func TestCachedStore_ServesFromCacheWithinTTL(t *testing.T) {
	repo := new(MockSettingRepository)
	store := NewCachedStore(repo, time.Minute, slog.Default())
	ctx := context.Background()

	repo.On("Get", ctx, "k").Return("v", nil).Once()

	for i := 0; i < 5; i++ {
		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)
	}

	repo.AssertExpectations(t) // exactly one repository read
}

func TestCachedStore_NegativeCaching(t *testing.T) {
	repo := new(MockSettingRepository)
	store := NewCachedStore(repo, time.Minute, slog.Default())
	ctx := context.Background()

	repo.On("Get", ctx, "missing").Return("", repository.ErrSettingNotFound).Once()

	for i := 0; i < 3; i++ {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrSettingNotFound)
	}

	repo.AssertExpectations(t)
}

func TestCachedStore_SetBustsCache(t *testing.T) {
	repo := new(MockSettingRepository)
	store := NewCachedStore(repo, time.Minute, slog.Default())
	ctx := context.Background()

	repo.On("Get", ctx, "k").Return("old", nil).Once()
	repo.On("Set", ctx, "k", "new").Return(nil).Once()

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "old", got)

	require.NoError(t, store.Set(ctx, "k", "new"))

	// No further repository read: the write refreshed the entry.
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "new", got)

	repo.AssertExpectations(t)
}

func TestCachedStore_ServesStaleOnRepositoryFailure(t *testing.T) {
	repo := new(MockSettingRepository)
	store := NewCachedStore(repo, time.Nanosecond, slog.Default())
	ctx := context.Background()

	repo.On("Get", ctx, "k").Return("v", nil).Once()
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	time.Sleep(time.Millisecond) // let the entry go stale

	repo.On("Get", ctx, "k").Return("", errors.New("db down"))
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestCachedStore_GetOrDefault(t *testing.T) {
	repo := new(MockSettingRepository)
	store := NewCachedStore(repo, time.Minute, slog.Default())
	ctx := context.Background()

	repo.On("Get", ctx, "missing").Return("", repository.ErrSettingNotFound)

	assert.Equal(t, "fallback", store.GetOrDefault(ctx, "missing", "fallback"))
}
