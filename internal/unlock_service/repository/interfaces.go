package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
)

// Querier is the common surface of pgxpool.Pool and pgx.Tx, so repository
// methods can run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// SessionStore persists identification sessions for the duration of a redirect
// handshake. Implementations must make Transition an atomic compare-and-swap
// on the session state: concurrent duplicate callbacks for the same token must
// converge to exactly one winner.
type SessionStore interface {
	Create(ctx context.Context, session *domain.IdentificationSession, ttl time.Duration) error
	Get(ctx context.Context, token string) (*domain.IdentificationSession, error)
	// Transition replaces the stored session iff its current state equals
	// from. Returns domain.ErrSessionNotFound if the token is unknown and
	// domain.ErrSessionConsumed if the state has already moved on.
	Transition(ctx context.Context, from domain.SessionState, updated *domain.IdentificationSession, ttl time.Duration) error
	Delete(ctx context.Context, token string) error
}

// UnlockRepository is the durable unlock ledger. TransactionID is the
// idempotency key throughout.
type UnlockRepository interface {
	Create(ctx context.Context, q Querier, record *domain.UnlockRecord) error
	GetByTransactionID(ctx context.Context, q Querier, transactionID string) (*domain.UnlockRecord, error)
	// FindPending returns an unresolved pending record for the pair created
	// after the given instant, or domain.ErrUnlockNotFound.
	FindPending(ctx context.Context, q Querier, msisdn, articleID string, createdAfter time.Time) (*domain.UnlockRecord, error)
	// MarkOutcome is a single atomic update guarded on status='pending'.
	// Returns domain.ErrUnlockNotFound when no pending row matched.
	MarkOutcome(ctx context.Context, q Querier, transactionID string, status domain.UnlockStatus, completedAt time.Time) (*domain.UnlockRecord, error)
	// MarkRefunded transitions completed -> refunded.
	MarkRefunded(ctx context.Context, q Querier, transactionID string) (*domain.UnlockRecord, error)
	HasCompletedUnlock(ctx context.Context, q Querier, msisdn, articleID string) (bool, error)
}

// ArticleRepository is the thin read surface onto the content store.
type ArticleRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Article, error)
	GetBySlug(ctx context.Context, slug string) (*domain.Article, error)
}

// SettingRepository is the key-value settings store.
type SettingRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// ErrSettingNotFound is returned by SettingRepository.Get for unknown keys.
var ErrSettingNotFound = errors.New("setting not found")
