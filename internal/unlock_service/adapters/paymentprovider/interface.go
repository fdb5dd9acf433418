package paymentprovider

import (
	"context"
	"net/url"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
)

// ChargeRequest asks the provider to bill a subscriber for one article.
type ChargeRequest struct {
	TransactionID string
	MSISDN        string
	Amount        int64
	Currency      string
	Description   string
}

// ChargeResponse is the provider's answer to a charge initiation. The final
// outcome arrives later through the payment callback.
type ChargeResponse struct {
	ProviderRef string
	RedirectURL string // non-empty when the visitor must confirm on a provider page
}

// CallbackEvent is a verified provider payment callback.
type CallbackEvent struct {
	TransactionID string
	Outcome       domain.PaymentOutcome
	Reason        string
}

// Provider is the billing provider's identify/charge surface. The identify leg
// is a pure redirect (the provider sees the visitor's enriched carrier traffic
// directly); only charge initiation is a server-to-server call.
type Provider interface {
	Name() string
	// IdentifyURL builds the provider identify endpoint URL carrying the
	// correlation token and the callback address the provider redirects to.
	IdentifyURL(correlationToken, callbackURL string) string
	InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error)
	// VerifyPaymentCallback authenticates a callback's signed status field and
	// extracts the event. Rejects tampered or unsigned payloads.
	VerifyPaymentCallback(params url.Values) (*CallbackEvent, error)
}
