package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
	"github.com/newsgate/paywall_services/internal/unlock_service/repository"
)

// DB is the pool surface the ledger needs: plain queries plus the ability to
// open a transaction. Satisfied by pgxpool.Pool and by pgxmock in tests.
type DB interface {
	repository.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EventPublisher publishes domain events for downstream audit/reporting
// collaborators. Publish failures never fail the triggering operation.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Event subjects.
const (
	SubjectUnlockCompleted      = "unlock.completed"
	SubjectUnlockRefunded       = "unlock.refunded"
	SubjectBypassUsed           = "entitlement.bypass_used"
	SubjectLateIdentifyCallback = "identification.late_callback"
)

// pgUniqueViolation is the Postgres error code for a unique constraint hit.
const pgUniqueViolation = "23505"

// UnlockLedger records paid unlocks and answers entitlement queries. It is the
// single source of truth for "has this subscriber paid for this article".
type UnlockLedger struct {
	repo        repository.UnlockRepository
	db          DB
	events      EventPublisher
	dedupWindow time.Duration
	logger      *slog.Logger
}

func NewUnlockLedger(repo repository.UnlockRepository, db DB, events EventPublisher, dedupWindow time.Duration, logger *slog.Logger) *UnlockLedger {
	return &UnlockLedger{
		repo:        repo,
		db:          db,
		events:      events,
		dedupWindow: dedupWindow,
		logger:      logger.With("service", "unlock_ledger"),
	}
}

// HasUnlock reports entitlement: true iff a completed, non-refunded record
// exists for the pair. A refund flips the record's status away from completed,
// so entitlement drops with it.
func (l *UnlockLedger) HasUnlock(ctx context.Context, msisdn, articleID string) (bool, error) {
	return l.repo.HasCompletedUnlock(ctx, l.db, msisdn, articleID)
}

// Initiate opens a pending unlock for the pair and returns its record. If an
// unresolved pending record already exists inside the dedup window, that
// record is returned instead of creating a second one: a double-click or a
// retried request must not charge twice. The probe inside the transaction
// absorbs the common case; concurrent initiates that both pass the probe are
// arbitrated by the partial unique index on pending pairs, and the loser
// returns the winner's record.
func (l *UnlockLedger) Initiate(ctx context.Context, msisdn, articleID string, amount int64, currency, provider string) (*domain.UnlockRecord, error) {
	var record *domain.UnlockRecord

	txErr := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		now := time.Now().UTC()

		existing, err := l.repo.FindPending(ctx, tx, msisdn, articleID, now.Add(-l.dedupWindow))
		if err == nil {
			l.logger.InfoContext(ctx, "Reusing pending unlock within dedup window",
				"transaction_id", existing.TransactionID, "article_id", articleID)
			record = existing
			return nil
		}
		if !errors.Is(err, domain.ErrUnlockNotFound) {
			return err
		}

		record = &domain.UnlockRecord{
			TransactionID:    uuid.New().String(),
			SubscriberMSISDN: msisdn,
			ArticleID:        articleID,
			Amount:           amount,
			Currency:         currency,
			Provider:         provider,
			Status:           domain.UnlockStatusPending,
			CreatedAt:        now,
		}
		return l.repo.Create(ctx, tx, record)
	})
	if txErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(txErr, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Lost the insert race against a concurrent initiate. Exactly one
			// pending record exists for the pair, return it.
			existing, err := l.repo.FindPending(ctx, l.db, msisdn, articleID,
				time.Now().UTC().Add(-l.dedupWindow))
			if err == nil {
				l.logger.InfoContext(ctx, "Concurrent initiate lost insert race, returning winner",
					"transaction_id", existing.TransactionID, "article_id", articleID)
				return existing, nil
			}
		}
		l.logger.ErrorContext(ctx, "Failed to initiate unlock", "error", txErr, "article_id", articleID)
		return nil, fmt.Errorf("initiating unlock: %w", txErr)
	}

	return record, nil
}

// Complete resolves a pending unlock to completed or failed. Idempotent on
// transactionID: re-delivery of a callback whose outcome is already recorded
// returns the stored record unchanged. A transactionID the ledger has never
// seen is a security-relevant anomaly. It is logged, no speculative record.
func (l *UnlockLedger) Complete(ctx context.Context, transactionID string, outcome domain.PaymentOutcome) (*domain.UnlockRecord, error) {
	status := domain.UnlockStatusFailed
	if outcome == domain.PaymentOutcomeSuccess {
		status = domain.UnlockStatusCompleted
	}

	record, err := l.repo.MarkOutcome(ctx, l.db, transactionID, status, time.Now().UTC())
	if err == nil {
		paymentCallbacksTotal.WithLabelValues(string(status), "false").Inc()
		if status == domain.UnlockStatusCompleted {
			unlocksCompletedTotal.Inc()
			l.publishEvent(ctx, SubjectUnlockCompleted, record)
		}
		l.logger.InfoContext(ctx, "Unlock resolved", "transaction_id", transactionID, "status", status)
		return record, nil
	}
	if !errors.Is(err, domain.ErrUnlockNotFound) {
		return nil, fmt.Errorf("completing unlock: %w", err)
	}

	// No pending row matched: either a duplicate delivery or an unknown
	// transaction.
	existing, getErr := l.repo.GetByTransactionID(ctx, l.db, transactionID)
	if getErr != nil {
		if errors.Is(getErr, domain.ErrUnlockNotFound) {
			l.logger.ErrorContext(ctx, "Payment callback for unknown transaction",
				"transaction_id", transactionID)
			paymentCallbacksTotal.WithLabelValues("conflict", "false").Inc()
			return nil, domain.ErrLedgerConflict
		}
		return nil, fmt.Errorf("completing unlock: %w", getErr)
	}

	l.logger.InfoContext(ctx, "Duplicate payment callback absorbed",
		"transaction_id", transactionID, "status", existing.Status)
	paymentCallbacksTotal.WithLabelValues(string(existing.Status), "true").Inc()
	return existing, nil
}

// Refund transitions a completed unlock to refunded, dropping entitlement.
func (l *UnlockLedger) Refund(ctx context.Context, transactionID string) (*domain.UnlockRecord, error) {
	record, err := l.repo.MarkRefunded(ctx, l.db, transactionID)
	if err != nil {
		if errors.Is(err, domain.ErrUnlockNotFound) {
			return nil, domain.ErrUnlockNotFound
		}
		return nil, fmt.Errorf("refunding unlock: %w", err)
	}
	l.logger.InfoContext(ctx, "Unlock refunded", "transaction_id", transactionID)
	l.publishEvent(ctx, SubjectUnlockRefunded, record)
	return record, nil
}

func (l *UnlockLedger) publishEvent(ctx context.Context, subject string, record *domain.UnlockRecord) {
	if l.events == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to marshal unlock event", "error", err)
		return
	}
	if err := l.events.Publish(ctx, subject, data); err != nil {
		l.logger.WarnContext(ctx, "Failed to publish unlock event",
			"error", err, "subject", subject, "transaction_id", record.TransactionID)
	}
}
