package paymentprovider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
)

const maxResponseBodySize = 1 << 20 // 1 MB

// HTTPProvider talks to the billing provider's HTTP API. Charge initiation is
// bounded by the configured call timeout; a timed-out attempt is surfaced as
// failed and the visitor re-initiates through their browser.
type HTTPProvider struct {
	name          string
	baseURL       string
	apiKey        string
	webhookSecret []byte
	client        *http.Client
	logger        *slog.Logger
}

func NewHTTPProvider(name, baseURL, apiKey, webhookSecret string, callTimeout time.Duration, logger *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		name:          name,
		baseURL:       baseURL,
		apiKey:        apiKey,
		webhookSecret: []byte(webhookSecret),
		client:        &http.Client{Timeout: callTimeout},
		logger:        logger.With("adapter", "payment_provider_http", "provider", name),
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) IdentifyURL(correlationToken, callbackURL string) string {
	q := url.Values{}
	q.Set("token", correlationToken)
	q.Set("return", callbackURL)
	return p.baseURL + "/identify?" + q.Encode()
}

type chargeAPIRequest struct {
	TransactionID string `json:"transaction_id"`
	MSISDN        string `json:"msisdn"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Description   string `json:"description,omitempty"`
}

type chargeAPIResponse struct {
	ProviderRef  string `json:"provider_ref"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}

func (p *HTTPProvider) InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	body, err := json.Marshal(chargeAPIRequest{
		TransactionID: req.TransactionID,
		MSISDN:        req.MSISDN,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/charge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building charge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			p.logger.WarnContext(ctx, "Charge initiation timed out", "transaction_id", req.TransactionID)
			return nil, fmt.Errorf("%w: charge initiation", domain.ErrProviderTimeout)
		}
		p.logger.ErrorContext(ctx, "Charge initiation failed", "error", err, "transaction_id", req.TransactionID)
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderError, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading charge response", domain.ErrProviderError)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		// Provider payloads may carry billing detail; status code only.
		p.logger.ErrorContext(ctx, "Charge initiation rejected by provider",
			"status_code", resp.StatusCode, "transaction_id", req.TransactionID)
		return nil, fmt.Errorf("%w: charge rejected with status %d", domain.ErrProviderError, resp.StatusCode)
	}

	var apiResp chargeAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: malformed charge response", domain.ErrProviderError)
	}

	return &ChargeResponse{
		ProviderRef: apiResp.ProviderRef,
		RedirectURL: apiResp.RedirectURL,
	}, nil
}

// VerifyPaymentCallback checks the HMAC-SHA256 signature over
// "transaction_id=<id>&status=<status>" against the shared webhook secret.
func (p *HTTPProvider) VerifyPaymentCallback(params url.Values) (*CallbackEvent, error) {
	transactionID := params.Get("transaction_id")
	status := params.Get("status")
	signature := params.Get("signature")
	if transactionID == "" || status == "" || signature == "" {
		return nil, fmt.Errorf("%w: callback missing required parameters", domain.ErrProviderError)
	}

	expected := SignCallback(p.webhookSecret, transactionID, status)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, fmt.Errorf("%w: callback signature verification failed", domain.ErrProviderError)
	}

	var outcome domain.PaymentOutcome
	switch status {
	case "success", "completed":
		outcome = domain.PaymentOutcomeSuccess
	case "failure", "failed", "cancelled":
		outcome = domain.PaymentOutcomeFailure
	case "refunded":
		outcome = domain.PaymentOutcomeRefund
	default:
		return nil, fmt.Errorf("%w: unknown callback status %q", domain.ErrProviderError, status)
	}

	return &CallbackEvent{
		TransactionID: transactionID,
		Outcome:       outcome,
		Reason:        params.Get("reason"),
	}, nil
}

// SignCallback computes the callback signature the provider contract defines.
// Exported for tests and for the mock provider.
func SignCallback(secret []byte, transactionID, status string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "transaction_id=%s&status=%s", transactionID, status)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Provider = (*HTTPProvider)(nil)
