package domain

import "time"

// SessionState is the state of an in-flight identification attempt.
type SessionState string

const (
	SessionStateInitiated        SessionState = "INITIATED"
	SessionStateAwaitingCallback SessionState = "AWAITING_CALLBACK"
	SessionStateIdentified       SessionState = "IDENTIFIED"
	SessionStatePaymentPending   SessionState = "PAYMENT_PENDING"
	SessionStateCompleted        SessionState = "COMPLETED"
	SessionStateFailed           SessionState = "FAILED"
	SessionStateExpired          SessionState = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed from the state.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateCompleted || s == SessionStateFailed || s == SessionStateExpired
}

// IdentificationSession correlates the legs of one redirect handshake with the
// billing provider. Keyed by an unguessable correlation token; never shared
// across visitors.
type IdentificationSession struct {
	CorrelationToken string       `json:"correlation_token"`
	ArticleID        string       `json:"article_id"`
	ArticleSlug      string       `json:"article_slug"`
	ReturnURL        string       `json:"return_url"`
	MSISDN           string       `json:"msisdn,omitempty"` // set once identified
	TransactionID    string       `json:"transaction_id,omitempty"`
	State            SessionState `json:"state"`
	CreatedAt        time.Time    `json:"created_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
}

// ExpiredAt reports whether the session deadline has passed at the given
// instant. Expiry is a wall-clock check on read, not a background sweep.
func (s *IdentificationSession) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
