package app

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
	"github.com/newsgate/paywall_services/internal/unlock_service/settings"
)

type MockUnlockChecker struct {
	mock.Mock
}

func (m *MockUnlockChecker) HasUnlock(ctx context.Context, msisdn, articleID string) (bool, error) {
	args := m.Called(ctx, msisdn, articleID)
	return args.Bool(0), args.Error(1)
}

type stubSettingRepo struct {
	values map[string]string
}

func (s *stubSettingRepo) Get(_ context.Context, key string) (string, error) {
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return "", repository.ErrSettingNotFound
}

func (s *stubSettingRepo) Set(_ context.Context, key, value string) error {
	s.values[key] = value
	return nil
}

func newEntitlementService(checker UnlockChecker, events EventPublisher, bypassSecret string) *EntitlementService {
	return NewEntitlementService(checker, nil, events, bypassSecret, slog.Default())
}

func TestCheckAccess_UnpublishedArticleNeverReadable(t *testing.T) {
	checker := new(MockUnlockChecker)
	svc := newEntitlementService(checker, nil, "hunter2")

	article := testArticle()
	article.Published = false

	// Publish state wins over everything, valid unlock or bypass included.
	decision, err := svc.CheckAccess(context.Background(), "491701234567", article, "hunter2")

	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonArticleNotAvailable, decision.Reason)
	checker.AssertNotCalled(t, "HasUnlock", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckAccess_FutureDatedArticleNotReadable(t *testing.T) {
	checker := new(MockUnlockChecker)
	svc := newEntitlementService(checker, nil, "")

	article := testArticle()
	article.PublishAt = time.Now().UTC().Add(time.Hour)

	decision, err := svc.CheckAccess(context.Background(), "491701234567", article, "")

	require.NoError(t, err)
	assert.Equal(t, ReasonArticleNotAvailable, decision.Reason)
}

func TestCheckAccess_AnonymousVisitorNeedsIdentification(t *testing.T) {
	checker := new(MockUnlockChecker)
	svc := newEntitlementService(checker, nil, "")

	decision, err := svc.CheckAccess(context.Background(), "", testArticle(), "")

	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNeedsIdentification, decision.Reason)
	checker.AssertNotCalled(t, "HasUnlock", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckAccess_UnlockedSubscriber(t *testing.T) {
	checker := new(MockUnlockChecker)
	svc := newEntitlementService(checker, nil, "")

	checker.On("HasUnlock", mock.Anything, "491701234567", "art-1").Return(true, nil).Once()

	decision, err := svc.CheckAccess(context.Background(), "491701234567", testArticle(), "")

	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonUnlocked, decision.Reason)
	checker.AssertExpectations(t)
}

func TestCheckAccess_IdentifiedButNotPaid(t *testing.T) {
	checker := new(MockUnlockChecker)
	svc := newEntitlementService(checker, nil, "")

	checker.On("HasUnlock", mock.Anything, "491701234567", "art-1").Return(false, nil).Once()

	decision, err := svc.CheckAccess(context.Background(), "491701234567", testArticle(), "")

	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNeedsUnlock, decision.Reason)
}

func TestCheckAccess_LedgerErrorPropagates(t *testing.T) {
	checker := new(MockUnlockChecker)
	svc := newEntitlementService(checker, nil, "")

	checker.On("HasUnlock", mock.Anything, "491701234567", "art-1").Return(false, errors.New("db down")).Once()

	_, err := svc.CheckAccess(context.Background(), "491701234567", testArticle(), "")

	assert.Error(t, err)
}

func TestCheckAccess_BypassWithFallbackSecret(t *testing.T) {
	checker := new(MockUnlockChecker)
	events := new(MockEventPublisher)
	svc := newEntitlementService(checker, events, "hunter2")

	events.On("Publish", mock.Anything, SubjectBypassUsed, mock.Anything).Return(nil).Once()

	decision, err := svc.CheckAccess(context.Background(), "", testArticle(), "hunter2")

	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonBypass, decision.Reason)
	// Bypass is its own path, never a paid-unlock lookup.
	checker.AssertNotCalled(t, "HasUnlock", mock.Anything, mock.Anything, mock.Anything)
	events.AssertExpectations(t)
}

func TestCheckAccess_WrongBypassSecretFallsThrough(t *testing.T) {
	checker := new(MockUnlockChecker)
	svc := newEntitlementService(checker, nil, "hunter2")

	decision, err := svc.CheckAccess(context.Background(), "", testArticle(), "wrong")

	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNeedsIdentification, decision.Reason)
}

func TestCheckAccess_EmptyConfiguredSecretDisablesBypass(t *testing.T) {
	checker := new(MockUnlockChecker)
	svc := newEntitlementService(checker, nil, "")

	decision, err := svc.CheckAccess(context.Background(), "", testArticle(), "")

	require.NoError(t, err)
	assert.Equal(t, ReasonNeedsIdentification, decision.Reason)
}

func TestCheckAccess_SettingsStoreOverridesFallbackSecret(t *testing.T) {
	checker := new(MockUnlockChecker)
	repo := &stubSettingRepo{values: map[string]string{settings.KeyBypassSecret: "rotated"}}
	store := settings.NewCachedStore(repo, time.Minute, slog.Default())
	svc := NewEntitlementService(checker, store, nil, "stale-fallback", slog.Default())

	decision, err := svc.CheckAccess(context.Background(), "", testArticle(), "rotated")
	require.NoError(t, err)
	assert.Equal(t, ReasonBypass, decision.Reason)

	decision, err = svc.CheckAccess(context.Background(), "", testArticle(), "stale-fallback")
	require.NoError(t, err)
	assert.Equal(t, ReasonNeedsIdentification, decision.Reason)
}
