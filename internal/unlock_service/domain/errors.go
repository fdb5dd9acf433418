package domain

import "errors"

// Stable error taxonomy for the identification and unlock pipeline. Handlers
// map these to HTTP status codes and stable error codes; the distinction
// between the session error cases is logged but never leaked to callers.
var (
	ErrArticleNotFound = errors.New("article not found")

	ErrSessionNotFound = errors.New("identification session not found")
	ErrSessionExpired  = errors.New("identification session expired")
	ErrSessionConsumed = errors.New("identification session already consumed")

	ErrNotEligible = errors.New("visitor network is not eligible for carrier billing")

	ErrProviderTimeout = errors.New("billing provider call timed out")
	ErrProviderError   = errors.New("billing provider error")

	// ErrLedgerConflict marks a completion callback referencing an unknown
	// transaction. Security relevant; no speculative record is created.
	ErrLedgerConflict = errors.New("unlock ledger conflict: unknown transaction")

	ErrUnlockNotFound = errors.New("unlock record not found")
)
