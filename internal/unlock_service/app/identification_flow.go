package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/newsgate/paywall_services/internal/unlock_service/adapters/paymentprovider"
	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
	"github.com/newsgate/paywall_services/internal/unlock_service/repository"
)

// msisdnParamNames are the parameter names providers are known to return the
// subscriber number under.
var msisdnParamNames = []string{"msisdn", "MSISDN", "mobile", "phone"}

// VisitorContext carries what the flow needs to know about the inbound
// visitor: the classification the transport layer computed for their IP.
type VisitorContext struct {
	Classification domain.Classification
}

// IdentifyResult is the outcome of a successful identify callback.
type IdentifyResult struct {
	MSISDN  string
	Session *domain.IdentificationSession
}

// PaymentInitiation is returned when a charge has been opened for an
// identified session.
type PaymentInitiation struct {
	TransactionID string
	RedirectURL   string // non-empty when the provider needs a confirmation page
	ReturnURL     string
}

// Ledger is the slice of UnlockLedger the flow drives.
type Ledger interface {
	Initiate(ctx context.Context, msisdn, articleID string, amount int64, currency, provider string) (*domain.UnlockRecord, error)
	Complete(ctx context.Context, transactionID string, outcome domain.PaymentOutcome) (*domain.UnlockRecord, error)
	Refund(ctx context.Context, transactionID string) (*domain.UnlockRecord, error)
}

// IdentificationFlow drives the redirect handshake that turns an anonymous
// mobile visitor into a billable MSISDN. One state machine per correlation
// token:
//
//	INITIATED -> AWAITING_CALLBACK -> {IDENTIFIED, FAILED, EXPIRED}
//	IDENTIFIED -> PAYMENT_PENDING -> {COMPLETED, FAILED}
type IdentificationFlow struct {
	sessions    repository.SessionStore
	articles    repository.ArticleRepository
	provider    paymentprovider.Provider
	ledger      Ledger
	events      EventPublisher
	sessionTTL  time.Duration
	graceTTL    time.Duration
	callbackURL string // absolute URL of our identify callback endpoint
	logger      *slog.Logger
}

func NewIdentificationFlow(
	sessions repository.SessionStore,
	articles repository.ArticleRepository,
	provider paymentprovider.Provider,
	ledger Ledger,
	events EventPublisher,
	sessionTTL, graceTTL time.Duration,
	callbackURL string,
	logger *slog.Logger,
) *IdentificationFlow {
	return &IdentificationFlow{
		sessions:    sessions,
		articles:    articles,
		provider:    provider,
		ledger:      ledger,
		events:      events,
		sessionTTL:  sessionTTL,
		graceTTL:    graceTTL,
		callbackURL: callbackURL,
		logger:      logger.With("service", "identification_flow"),
	}
}

// storeTTL keeps terminal and expired sessions queryable for the grace window
// so a late provider callback gets a real answer instead of a silent drop.
func (f *IdentificationFlow) storeTTL() time.Duration {
	return f.sessionTTL + f.graceTTL
}

// BeginIdentification starts the handshake and returns the provider identify
// URL to redirect the visitor to. Refuses to start for anything but a MOBILE
// classification: without carrier header enrichment the round trip cannot
// succeed and would only waste the visitor's time.
func (f *IdentificationFlow) BeginIdentification(ctx context.Context, visitor VisitorContext, articleSlug, returnURL string) (string, error) {
	if visitor.Classification.NetworkType != domain.NetworkTypeMobile {
		f.logger.InfoContext(ctx, "Refusing identification for non-mobile visitor",
			"network_type", visitor.Classification.NetworkType)
		return "", domain.ErrNotEligible
	}

	article, err := f.articles.GetBySlug(ctx, articleSlug)
	if err != nil {
		return "", err
	}

	token, err := newCorrelationToken()
	if err != nil {
		return "", fmt.Errorf("generating correlation token: %w", err)
	}

	now := time.Now().UTC()
	session := &domain.IdentificationSession{
		CorrelationToken: token,
		ArticleID:        article.ID,
		ArticleSlug:      article.Slug,
		ReturnURL:        returnURL,
		State:            domain.SessionStateInitiated,
		CreatedAt:        now,
		ExpiresAt:        now.Add(f.sessionTTL),
	}
	if err := f.sessions.Create(ctx, session, f.storeTTL()); err != nil {
		return "", err
	}

	// The redirect is issued as part of this request, so the session moves to
	// AWAITING_CALLBACK before the URL leaves the building.
	session.State = domain.SessionStateAwaitingCallback
	if err := f.sessions.Transition(ctx, domain.SessionStateInitiated, session, f.storeTTL()); err != nil {
		return "", err
	}

	identificationSessionsTotal.WithLabelValues("started").Inc()
	f.logger.InfoContext(ctx, "Identification started",
		"article_id", article.ID, "carrier", carrierCode(visitor.Classification))

	return f.provider.IdentifyURL(token, f.callbackURL), nil
}

// HandleIdentifyCallback consumes the provider's redirect back to us. The
// correlation token is single-use: the atomic state transition guarantees at
// most one caller wins, and a replayed token is rejected.
func (f *IdentificationFlow) HandleIdentifyCallback(ctx context.Context, token string, params url.Values) (*IdentifyResult, error) {
	session, err := f.sessions.Get(ctx, token)
	if err != nil {
		f.logger.WarnContext(ctx, "Identify callback with unknown token")
		return nil, err
	}

	now := time.Now().UTC()
	if session.ExpiredAt(now) {
		// Late callback: resolve EXPIRED -> FAILED and say so, rather than
		// dropping it. Silent drops turn into "it identified me but nothing
		// happened" support tickets.
		f.failSession(ctx, session, domain.SessionStateAwaitingCallback)
		f.publishLateCallback(ctx, session)
		identificationSessionsTotal.WithLabelValues("late_callback").Inc()
		f.logger.WarnContext(ctx, "Late identify callback after session expiry",
			"article_id", session.ArticleID, "expired_at", session.ExpiresAt)
		return nil, domain.ErrSessionExpired
	}

	if session.State != domain.SessionStateAwaitingCallback {
		identificationSessionsTotal.WithLabelValues("replayed").Inc()
		f.logger.WarnContext(ctx, "Identify callback for already consumed session",
			"state", session.State)
		return nil, domain.ErrSessionConsumed
	}

	rawMSISDN := firstParam(params, msisdnParamNames)
	if rawMSISDN == "" {
		f.failSession(ctx, session, domain.SessionStateAwaitingCallback)
		identificationSessionsTotal.WithLabelValues("failed").Inc()
		f.logger.InfoContext(ctx, "Provider returned no MSISDN",
			"error_code", params.Get("error"), "article_id", session.ArticleID)
		return nil, fmt.Errorf("%w: identification returned no subscriber number", domain.ErrProviderError)
	}

	msisdn, err := domain.NormalizeMSISDN(rawMSISDN)
	if err != nil {
		f.failSession(ctx, session, domain.SessionStateAwaitingCallback)
		identificationSessionsTotal.WithLabelValues("failed").Inc()
		f.logger.WarnContext(ctx, "Provider returned malformed MSISDN", "error", err)
		return nil, fmt.Errorf("%w: malformed subscriber number", domain.ErrProviderError)
	}

	updated := *session
	updated.State = domain.SessionStateIdentified
	updated.MSISDN = msisdn
	if err := f.sessions.Transition(ctx, domain.SessionStateAwaitingCallback, &updated, f.storeTTL()); err != nil {
		// Lost the race against a duplicate callback.
		identificationSessionsTotal.WithLabelValues("replayed").Inc()
		return nil, err
	}

	identificationSessionsTotal.WithLabelValues("identified").Inc()
	f.logger.InfoContext(ctx, "Visitor identified", "article_id", session.ArticleID)

	return &IdentifyResult{MSISDN: msisdn, Session: &updated}, nil
}

// InitiatePayment opens a pending unlock for an identified session and asks
// the provider to charge it. Callers chain this directly after a successful
// identify callback.
func (f *IdentificationFlow) InitiatePayment(ctx context.Context, session *domain.IdentificationSession) (*PaymentInitiation, error) {
	if session.State != domain.SessionStateIdentified {
		return nil, domain.ErrSessionConsumed
	}

	article, err := f.articles.GetByID(ctx, session.ArticleID)
	if err != nil {
		return nil, err
	}

	record, err := f.ledger.Initiate(ctx, session.MSISDN, article.ID,
		article.PriceAmount, article.PriceCurrency, f.provider.Name())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	charge, err := f.provider.InitiateCharge(ctx, paymentprovider.ChargeRequest{
		TransactionID: record.TransactionID,
		MSISDN:        session.MSISDN,
		Amount:        record.Amount,
		Currency:      record.Currency,
		Description:   article.Title,
	})
	providerRequestDurationHist.WithLabelValues("initiate_charge").Observe(time.Since(start).Seconds())
	if err != nil {
		// The attempt is dead from the visitor's perspective; they must
		// re-initiate through their browser.
		f.failSession(ctx, session, domain.SessionStateIdentified)
		if _, cerr := f.ledger.Complete(ctx, record.TransactionID, domain.PaymentOutcomeFailure); cerr != nil {
			f.logger.ErrorContext(ctx, "Failed to fail pending unlock after provider error",
				"error", cerr, "transaction_id", record.TransactionID)
		}
		return nil, err
	}

	updated := *session
	updated.State = domain.SessionStatePaymentPending
	updated.TransactionID = record.TransactionID
	if err := f.sessions.Transition(ctx, domain.SessionStateIdentified, &updated, f.storeTTL()); err != nil {
		return nil, err
	}

	f.logger.InfoContext(ctx, "Payment initiated",
		"transaction_id", record.TransactionID, "provider_ref", charge.ProviderRef)

	return &PaymentInitiation{
		TransactionID: record.TransactionID,
		RedirectURL:   charge.RedirectURL,
		ReturnURL:     session.ReturnURL,
	}, nil
}

// HandlePaymentCallback consumes the provider's signed charge callback and
// resolves the ledger record. Idempotent: the ledger absorbs duplicate
// deliveries. The optional correlation token finalizes the session state when
// the provider echoes it back.
func (f *IdentificationFlow) HandlePaymentCallback(ctx context.Context, token string, params url.Values) (*domain.UnlockRecord, error) {
	event, err := f.provider.VerifyPaymentCallback(params)
	if err != nil {
		f.logger.WarnContext(ctx, "Payment callback rejected", "error", err)
		return nil, err
	}

	if event.Outcome == domain.PaymentOutcomeRefund {
		// Refunds arrive days after the charge; the identification session is
		// long gone, so there is nothing to finalize.
		return f.ledger.Refund(ctx, event.TransactionID)
	}

	record, err := f.ledger.Complete(ctx, event.TransactionID, event.Outcome)
	if err != nil {
		return nil, err
	}

	if token != "" {
		f.finalizeSession(ctx, token, record.Status)
	}
	return record, nil
}

// finalizeSession moves a PAYMENT_PENDING session to its terminal state.
// Best effort: the ledger is the source of truth, a missing session only
// means the callback arrived after garbage collection.
func (f *IdentificationFlow) finalizeSession(ctx context.Context, token string, status domain.UnlockStatus) {
	session, err := f.sessions.Get(ctx, token)
	if err != nil {
		return
	}
	if session.State != domain.SessionStatePaymentPending {
		return
	}

	updated := *session
	if status == domain.UnlockStatusCompleted {
		updated.State = domain.SessionStateCompleted
	} else {
		updated.State = domain.SessionStateFailed
	}
	if err := f.sessions.Transition(ctx, domain.SessionStatePaymentPending, &updated, f.graceTTL); err != nil &&
		!errors.Is(err, domain.ErrSessionConsumed) {
		f.logger.WarnContext(ctx, "Failed to finalize session after payment callback", "error", err)
	}
}

func (f *IdentificationFlow) failSession(ctx context.Context, session *domain.IdentificationSession, from domain.SessionState) {
	updated := *session
	updated.State = domain.SessionStateFailed
	if err := f.sessions.Transition(ctx, from, &updated, f.graceTTL); err != nil &&
		!errors.Is(err, domain.ErrSessionConsumed) && !errors.Is(err, domain.ErrSessionNotFound) {
		f.logger.WarnContext(ctx, "Failed to mark session failed", "error", err)
	}
}

func (f *IdentificationFlow) publishLateCallback(ctx context.Context, session *domain.IdentificationSession) {
	if f.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"article_id": session.ArticleID,
		"expired_at": session.ExpiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := f.events.Publish(ctx, SubjectLateIdentifyCallback, payload); err != nil {
		f.logger.WarnContext(ctx, "Failed to publish late callback event", "error", err)
	}
}

// newCorrelationToken returns a 192-bit crypto-random URL-safe token.
func newCorrelationToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func firstParam(params url.Values, names []string) string {
	for _, name := range names {
		if v := params.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func carrierCode(c domain.Classification) string {
	if c.Carrier == nil {
		return ""
	}
	return c.Carrier.Code
}
