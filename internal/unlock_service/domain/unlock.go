package domain

import "time"

// UnlockStatus is the lifecycle state of a paid unlock.
type UnlockStatus string

const (
	UnlockStatusPending   UnlockStatus = "pending"
	UnlockStatusCompleted UnlockStatus = "completed"
	UnlockStatusFailed    UnlockStatus = "failed"
	UnlockStatusRefunded  UnlockStatus = "refunded"
)

// PaymentOutcome is the result reported by a provider payment callback.
// Refund arrives long after the original charge, on the same callback channel.
type PaymentOutcome string

const (
	PaymentOutcomeSuccess PaymentOutcome = "success"
	PaymentOutcomeFailure PaymentOutcome = "failure"
	PaymentOutcomeRefund  PaymentOutcome = "refund"
)

// UnlockRecord is one row of the unlock ledger. TransactionID is the
// idempotency key: at most one record exists per transaction. Records are
// created pending, moved to completed/failed by the provider callback and
// never deleted; a refund is a status transition, not a new row.
type UnlockRecord struct {
	TransactionID    string       `json:"transaction_id"`
	SubscriberMSISDN string       `json:"subscriber_msisdn"`
	ArticleID        string       `json:"article_id"`
	Amount           int64        `json:"amount"` // smallest currency unit
	Currency         string       `json:"currency"`
	Provider         string       `json:"provider"`
	Status           UnlockStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}
