package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
	"github.com/newsgate/paywall_services/internal/unlock_service/repository/postgres"
)

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

var unlockRowColumnNames = []string{
	"transaction_id", "subscriber_msisdn", "article_id", "amount", "currency",
	"provider", "status", "created_at", "completed_at",
}

func newTestLedger(t *testing.T, events EventPublisher) (pgxmock.PgxPoolIface, *UnlockLedger) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	repo := postgres.NewPgUnlockRepository(slog.Default())
	ledger := NewUnlockLedger(repo, mockPool, events, 5*time.Minute, slog.Default())
	return mockPool, ledger
}

func TestUnlockLedger_InitiateCreatesPendingRecord(t *testing.T) {
	mockPool, ledger := newTestLedger(t, nil)
	ctx := context.Background()

	mockPool.ExpectBegin()
	mockPool.ExpectQuery(`SELECT (.+) FROM unlock_records WHERE subscriber_msisdn`).
		WithArgs("491701234567", "art-1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mockPool.ExpectExec(`INSERT INTO unlock_records`).
		WithArgs(pgxmock.AnyArg(), "491701234567", "art-1", int64(99), "EUR",
			"providerX", domain.UnlockStatusPending, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	// pgx.BeginFunc always issues a deferred Rollback after Commit; real pgx
	// answers it with ErrTxClosed, which BeginFunc ignores.
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	record, err := ledger.Initiate(ctx, "491701234567", "art-1", 99, "EUR", "providerX")

	require.NoError(t, err)
	assert.NotEmpty(t, record.TransactionID)
	assert.Equal(t, domain.UnlockStatusPending, record.Status)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUnlockLedger_InitiateReusesPendingWithinDedupWindow(t *testing.T) {
	mockPool, ledger := newTestLedger(t, nil)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Minute)
	mockPool.ExpectBegin()
	mockPool.ExpectQuery(`SELECT (.+) FROM unlock_records WHERE subscriber_msisdn`).
		WithArgs("491701234567", "art-1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(unlockRowColumnNames).AddRow(
			"tx-existing", "491701234567", "art-1", int64(99), "EUR",
			"providerX", domain.UnlockStatusPending, created, nil,
		))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	record, err := ledger.Initiate(ctx, "491701234567", "art-1", 99, "EUR", "providerX")

	require.NoError(t, err)
	assert.Equal(t, "tx-existing", record.TransactionID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUnlockLedger_InitiateLosingInsertRaceReturnsWinner(t *testing.T) {
	mockPool, ledger := newTestLedger(t, nil)
	ctx := context.Background()

	// Both concurrent initiates pass the probe; this one loses the INSERT to
	// the partial unique index on pending pairs and must return the winner.
	mockPool.ExpectBegin()
	mockPool.ExpectQuery(`SELECT (.+) FROM unlock_records WHERE subscriber_msisdn`).
		WithArgs("491701234567", "art-1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mockPool.ExpectExec(`INSERT INTO unlock_records`).
		WithArgs(pgxmock.AnyArg(), "491701234567", "art-1", int64(99), "EUR",
			"providerX", domain.UnlockStatusPending, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_unlock_records_pending_pair"})
	mockPool.ExpectRollback()
	// The deferred Rollback inside pgx.BeginFunc fires after the explicit one
	// and gets ErrTxClosed from a real connection.
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	created := time.Now().UTC()
	mockPool.ExpectQuery(`SELECT (.+) FROM unlock_records WHERE subscriber_msisdn`).
		WithArgs("491701234567", "art-1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(unlockRowColumnNames).AddRow(
			"tx-winner", "491701234567", "art-1", int64(99), "EUR",
			"providerX", domain.UnlockStatusPending, created, nil,
		))

	record, err := ledger.Initiate(ctx, "491701234567", "art-1", 99, "EUR", "providerX")

	require.NoError(t, err)
	assert.Equal(t, "tx-winner", record.TransactionID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUnlockLedger_CompleteResolvesPendingRecord(t *testing.T) {
	events := new(MockEventPublisher)
	mockPool, ledger := newTestLedger(t, events)
	ctx := context.Background()

	now := time.Now().UTC()
	mockPool.ExpectQuery(`UPDATE unlock_records SET status`).
		WithArgs("tx-1", domain.UnlockStatusCompleted, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(unlockRowColumnNames).AddRow(
			"tx-1", "491701234567", "art-1", int64(99), "EUR",
			"providerX", domain.UnlockStatusCompleted, now.Add(-time.Minute), &now,
		))
	events.On("Publish", ctx, SubjectUnlockCompleted, mock.Anything).Return(nil).Once()

	record, err := ledger.Complete(ctx, "tx-1", domain.PaymentOutcomeSuccess)

	require.NoError(t, err)
	assert.Equal(t, domain.UnlockStatusCompleted, record.Status)
	events.AssertExpectations(t)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUnlockLedger_CompleteIsIdempotent(t *testing.T) {
	events := new(MockEventPublisher)
	mockPool, ledger := newTestLedger(t, events)
	ctx := context.Background()

	now := time.Now().UTC()
	// No pending row matches: the record was already resolved.
	mockPool.ExpectQuery(`UPDATE unlock_records SET status`).
		WithArgs("tx-1", domain.UnlockStatusCompleted, pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mockPool.ExpectQuery(`SELECT (.+) FROM unlock_records WHERE transaction_id`).
		WithArgs("tx-1").
		WillReturnRows(pgxmock.NewRows(unlockRowColumnNames).AddRow(
			"tx-1", "491701234567", "art-1", int64(99), "EUR",
			"providerX", domain.UnlockStatusCompleted, now.Add(-time.Minute), &now,
		))

	record, err := ledger.Complete(ctx, "tx-1", domain.PaymentOutcomeSuccess)

	require.NoError(t, err)
	assert.Equal(t, domain.UnlockStatusCompleted, record.Status)
	// No event republished for a duplicate delivery.
	events.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUnlockLedger_CompleteUnknownTransactionIsConflict(t *testing.T) {
	mockPool, ledger := newTestLedger(t, nil)
	ctx := context.Background()

	mockPool.ExpectQuery(`UPDATE unlock_records SET status`).
		WithArgs("tx-ghost", domain.UnlockStatusCompleted, pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mockPool.ExpectQuery(`SELECT (.+) FROM unlock_records WHERE transaction_id`).
		WithArgs("tx-ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := ledger.Complete(ctx, "tx-ghost", domain.PaymentOutcomeSuccess)

	assert.ErrorIs(t, err, domain.ErrLedgerConflict)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUnlockLedger_HasUnlock(t *testing.T) {
	mockPool, ledger := newTestLedger(t, nil)
	ctx := context.Background()

	mockPool.ExpectQuery(`SELECT EXISTS`).
		WithArgs("491701234567", "art-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	unlocked, err := ledger.HasUnlock(ctx, "491701234567", "art-1")

	require.NoError(t, err)
	assert.True(t, unlocked)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUnlockLedger_RefundDropsEntitlement(t *testing.T) {
	events := new(MockEventPublisher)
	mockPool, ledger := newTestLedger(t, events)
	ctx := context.Background()

	now := time.Now().UTC()
	mockPool.ExpectQuery(`UPDATE unlock_records SET status = 'refunded'`).
		WithArgs("tx-1").
		WillReturnRows(pgxmock.NewRows(unlockRowColumnNames).AddRow(
			"tx-1", "491701234567", "art-1", int64(99), "EUR",
			"providerX", domain.UnlockStatusRefunded, now.Add(-time.Hour), &now,
		))
	events.On("Publish", ctx, SubjectUnlockRefunded, mock.Anything).Return(nil).Once()

	record, err := ledger.Refund(ctx, "tx-1")

	require.NoError(t, err)
	assert.Equal(t, domain.UnlockStatusRefunded, record.Status)
	events.AssertExpectations(t)

	mockPool.ExpectQuery(`SELECT EXISTS`).
		WithArgs("491701234567", "art-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	unlocked, err := ledger.HasUnlock(ctx, "491701234567", "art-1")
	require.NoError(t, err)
	assert.False(t, unlocked)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
