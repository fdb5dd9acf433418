package paymentprovider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
)

// MockProvider simulates the billing provider for local development and tests.
type MockProvider struct {
	logger *slog.Logger

	SimulateChargeFailure bool
	SimulateChargeTimeout bool
	SimulateBadSignature  bool
	ChargeOutcome         domain.PaymentOutcome
	LastChargeRequest     *ChargeRequest
}

func NewMockProvider(logger *slog.Logger) *MockProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockProvider{
		logger:        logger.With("adapter", "mock_payment_provider"),
		ChargeOutcome: domain.PaymentOutcomeSuccess,
	}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) IdentifyURL(correlationToken, callbackURL string) string {
	q := url.Values{}
	q.Set("token", correlationToken)
	q.Set("return", callbackURL)
	return "https://mock-provider.test/identify?" + q.Encode()
}

func (m *MockProvider) InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	m.logger.InfoContext(ctx, "MockProvider: InitiateCharge called",
		"transaction_id", req.TransactionID, "amount", req.Amount, "currency", req.Currency)
	m.LastChargeRequest = &req

	if m.SimulateChargeTimeout {
		return nil, fmt.Errorf("%w: simulated timeout", domain.ErrProviderTimeout)
	}
	if m.SimulateChargeFailure {
		return nil, fmt.Errorf("%w: simulated charge failure", domain.ErrProviderError)
	}

	return &ChargeResponse{
		ProviderRef: "mock_charge_" + uuid.New().String(),
	}, nil
}

func (m *MockProvider) VerifyPaymentCallback(params url.Values) (*CallbackEvent, error) {
	if m.SimulateBadSignature {
		return nil, fmt.Errorf("%w: callback signature verification failed", domain.ErrProviderError)
	}
	transactionID := params.Get("transaction_id")
	if transactionID == "" {
		return nil, fmt.Errorf("%w: callback missing transaction_id", domain.ErrProviderError)
	}
	return &CallbackEvent{
		TransactionID: transactionID,
		Outcome:       m.ChargeOutcome,
		Reason:        params.Get("reason"),
	}, nil
}

var _ Provider = (*MockProvider)(nil)
