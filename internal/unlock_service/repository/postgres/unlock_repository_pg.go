package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
	"github.com/newsgate/paywall_services/internal/unlock_service/repository"
)

// PgUnlockRepository persists the unlock ledger. All status changes are single
// atomic updates keyed by transaction_id so concurrent provider retries
// converge to one logical outcome.
type PgUnlockRepository struct {
	logger *slog.Logger
}

func NewPgUnlockRepository(logger *slog.Logger) *PgUnlockRepository {
	return &PgUnlockRepository{logger: logger.With("component", "unlock_repository_pg")}
}

const unlockColumns = `
	transaction_id, subscriber_msisdn, article_id, amount, currency,
	provider, status, created_at, completed_at`

func scanUnlockRecord(row pgx.Row) (*domain.UnlockRecord, error) {
	var rec domain.UnlockRecord
	var completedAt *time.Time
	err := row.Scan(
		&rec.TransactionID, &rec.SubscriberMSISDN, &rec.ArticleID,
		&rec.Amount, &rec.Currency, &rec.Provider, &rec.Status,
		&rec.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.CompletedAt = completedAt
	return &rec, nil
}

func (r *PgUnlockRepository) Create(ctx context.Context, q repository.Querier, record *domain.UnlockRecord) error {
	query := `
		INSERT INTO unlock_records (
			transaction_id, subscriber_msisdn, article_id, amount, currency,
			provider, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := q.Exec(ctx, query,
		record.TransactionID, record.SubscriberMSISDN, record.ArticleID,
		record.Amount, record.Currency, record.Provider, record.Status,
		record.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating unlock record", "error", err, "transaction_id", record.TransactionID)
		return fmt.Errorf("creating unlock record: %w", err)
	}
	return nil
}

func (r *PgUnlockRepository) GetByTransactionID(ctx context.Context, q repository.Querier, transactionID string) (*domain.UnlockRecord, error) {
	query := `SELECT ` + unlockColumns + ` FROM unlock_records WHERE transaction_id = $1`
	rec, err := scanUnlockRecord(q.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnlockNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting unlock record", "error", err, "transaction_id", transactionID)
		return nil, fmt.Errorf("getting unlock record: %w", err)
	}
	return rec, nil
}

func (r *PgUnlockRepository) FindPending(ctx context.Context, q repository.Querier, msisdn, articleID string, createdAfter time.Time) (*domain.UnlockRecord, error) {
	query := `
		SELECT ` + unlockColumns + `
		FROM unlock_records
		WHERE subscriber_msisdn = $1 AND article_id = $2
		  AND status = 'pending' AND created_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	rec, err := scanUnlockRecord(q.QueryRow(ctx, query, msisdn, articleID, createdAfter))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnlockNotFound
		}
		r.logger.ErrorContext(ctx, "Error finding pending unlock record", "error", err, "msisdn", msisdn, "article_id", articleID)
		return nil, fmt.Errorf("finding pending unlock record: %w", err)
	}
	return rec, nil
}

func (r *PgUnlockRepository) MarkOutcome(ctx context.Context, q repository.Querier, transactionID string, status domain.UnlockStatus, completedAt time.Time) (*domain.UnlockRecord, error) {
	query := `
		UPDATE unlock_records
		SET status = $2, completed_at = $3
		WHERE transaction_id = $1 AND status = 'pending'
		RETURNING ` + unlockColumns
	rec, err := scanUnlockRecord(q.QueryRow(ctx, query, transactionID, status, completedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnlockNotFound
		}
		r.logger.ErrorContext(ctx, "Error marking unlock outcome", "error", err, "transaction_id", transactionID, "status", status)
		return nil, fmt.Errorf("marking unlock outcome: %w", err)
	}
	return rec, nil
}

func (r *PgUnlockRepository) MarkRefunded(ctx context.Context, q repository.Querier, transactionID string) (*domain.UnlockRecord, error) {
	query := `
		UPDATE unlock_records
		SET status = 'refunded'
		WHERE transaction_id = $1 AND status = 'completed'
		RETURNING ` + unlockColumns
	rec, err := scanUnlockRecord(q.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnlockNotFound
		}
		r.logger.ErrorContext(ctx, "Error marking unlock refunded", "error", err, "transaction_id", transactionID)
		return nil, fmt.Errorf("marking unlock refunded: %w", err)
	}
	return rec, nil
}

func (r *PgUnlockRepository) HasCompletedUnlock(ctx context.Context, q repository.Querier, msisdn, articleID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM unlock_records
			WHERE subscriber_msisdn = $1 AND article_id = $2 AND status = 'completed'
		)
	`
	var exists bool
	if err := q.QueryRow(ctx, query, msisdn, articleID).Scan(&exists); err != nil {
		r.logger.ErrorContext(ctx, "Error checking unlock entitlement", "error", err, "msisdn", msisdn, "article_id", articleID)
		return false, fmt.Errorf("checking unlock entitlement: %w", err)
	}
	return exists, nil
}

var _ repository.UnlockRepository = (*PgUnlockRepository)(nil)
