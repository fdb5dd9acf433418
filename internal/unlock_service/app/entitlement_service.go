package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
	"github.com/newsgate/paywall_services/internal/unlock_service/settings"
)

// AccessReason explains an entitlement decision to the UI layer: whether to
// render the article, the paywall, or the identification CTA.
type AccessReason string

const (
	ReasonUnlocked            AccessReason = "unlocked"
	ReasonBypass              AccessReason = "bypass"
	ReasonArticleNotAvailable AccessReason = "article_not_available"
	ReasonNeedsIdentification AccessReason = "needs_identification"
	ReasonNeedsUnlock         AccessReason = "needs_unlock"
)

// Decision is the answer to "may this visitor read this article".
type Decision struct {
	Allowed bool         `json:"allowed"`
	Reason  AccessReason `json:"reason"`
}

// UnlockChecker is the slice of UnlockLedger the entitlement service reads.
type UnlockChecker interface {
	HasUnlock(ctx context.Context, msisdn, articleID string) (bool, error)
}

// EntitlementService decides access on every article view.
type EntitlementService struct {
	ledger       UnlockChecker
	settings     *settings.CachedStore
	events       EventPublisher
	bypassSecret string // bootstrap fallback when the settings store has no value
	logger       *slog.Logger
}

func NewEntitlementService(ledger UnlockChecker, settingsStore *settings.CachedStore, events EventPublisher, bypassSecret string, logger *slog.Logger) *EntitlementService {
	return &EntitlementService{
		ledger:       ledger,
		settings:     settingsStore,
		events:       events,
		bypassSecret: bypassSecret,
		logger:       logger.With("service", "entitlement"),
	}
}

// CheckAccess decides whether the subscriber identity (empty msisdn means
// none) may read the article. The publish-state check is independent of
// billing and always wins. bypassSecret is the raw query value, if any.
func (s *EntitlementService) CheckAccess(ctx context.Context, msisdn string, article *domain.Article, bypassSecret string) (Decision, error) {
	if !article.Readable(time.Now().UTC()) {
		return Decision{Allowed: false, Reason: ReasonArticleNotAvailable}, nil
	}

	if bypassSecret != "" && s.bypassAllowed(ctx, bypassSecret) {
		// Deliberate diagnostic backdoor. Audited on its own path and its
		// own event subject; never mixed with paid-unlock verification and
		// never counted as revenue.
		bypassUsesTotal.Inc()
		s.logger.WarnContext(ctx, "AUDIT: entitlement bypass used", "article_id", article.ID)
		s.publishBypassUsed(ctx, article.ID)
		return Decision{Allowed: true, Reason: ReasonBypass}, nil
	}

	if msisdn == "" {
		return Decision{Allowed: false, Reason: ReasonNeedsIdentification}, nil
	}

	unlocked, err := s.ledger.HasUnlock(ctx, msisdn, article.ID)
	if err != nil {
		return Decision{}, err
	}
	if !unlocked {
		return Decision{Allowed: false, Reason: ReasonNeedsUnlock}, nil
	}
	return Decision{Allowed: true, Reason: ReasonUnlocked}, nil
}

func (s *EntitlementService) bypassAllowed(ctx context.Context, candidate string) bool {
	configured := s.bypassSecret
	if s.settings != nil {
		configured = s.settings.GetOrDefault(ctx, settings.KeyBypassSecret, s.bypassSecret)
	}
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(candidate)) == 1
}

func (s *EntitlementService) publishBypassUsed(ctx context.Context, articleID string) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"article_id": articleID,
		"used_at":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := s.events.Publish(ctx, SubjectBypassUsed, payload); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish bypass event", "error", err)
	}
}
