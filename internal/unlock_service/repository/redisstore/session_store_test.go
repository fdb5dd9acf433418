package redisstore

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *SessionStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewSessionStore(client, slog.Default())
}

func testSession(token string) *domain.IdentificationSession {
	now := time.Now().UTC()
	return &domain.IdentificationSession{
		CorrelationToken: token,
		ArticleID:        "art-1",
		ArticleSlug:      "breaking-news",
		ReturnURL:        "https://news.example/breaking-news",
		State:            domain.SessionStateAwaitingCallback,
		CreatedAt:        now,
		ExpiresAt:        now.Add(10 * time.Minute),
	}
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	session := testSession("tok-1")
	require.NoError(t, store.Create(ctx, session, 15*time.Minute))

	got, err := store.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, session.ArticleID, got.ArticleID)
	assert.Equal(t, domain.SessionStateAwaitingCallback, got.State)
}

func TestSessionStore_GetUnknownToken(t *testing.T) {
	_, store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionStore_CreateRefusesDuplicateToken(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testSession("tok-1"), 15*time.Minute))
	assert.Error(t, store.Create(ctx, testSession("tok-1"), 15*time.Minute))
}

func TestSessionStore_TTLExpiresSessions(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testSession("tok-1"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "tok-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionStore_TransitionConsumesState(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	session := testSession("tok-1")
	require.NoError(t, store.Create(ctx, session, 15*time.Minute))

	updated := *session
	updated.State = domain.SessionStateIdentified
	updated.MSISDN = "491701234567"
	require.NoError(t, store.Transition(ctx, domain.SessionStateAwaitingCallback, &updated, 15*time.Minute))

	got, err := store.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateIdentified, got.State)
	assert.Equal(t, "491701234567", got.MSISDN)

	// Second transition from the same origin state loses: single use.
	again := *session
	again.State = domain.SessionStateIdentified
	err = store.Transition(ctx, domain.SessionStateAwaitingCallback, &again, 15*time.Minute)
	assert.ErrorIs(t, err, domain.ErrSessionConsumed)
}

func TestSessionStore_TransitionUnknownToken(t *testing.T) {
	_, store := newTestStore(t)

	session := testSession("missing")
	session.State = domain.SessionStateIdentified
	err := store.Transition(context.Background(), domain.SessionStateAwaitingCallback, session, time.Minute)

	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionStore_Delete(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testSession("tok-1"), time.Minute))
	require.NoError(t, store.Delete(ctx, "tok-1"))

	_, err := store.Get(ctx, "tok-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
