package http

// BeginIdentificationRequest starts the carrier identification handshake.
type BeginIdentificationRequest struct {
	ArticleSlug string `json:"article_slug" validate:"required"`
	ReturnURL   string `json:"return_url" validate:"required,url"`
}

// BeginIdentificationResponse carries the provider redirect target.
type BeginIdentificationResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// AccessResponse answers an article access check.
type AccessResponse struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	NetworkType string `json:"network_type"`
	Carrier     string `json:"carrier,omitempty"`
	MSISDN      string `json:"msisdn,omitempty"`
}

// PaymentCallbackResponse acknowledges a provider payment callback.
type PaymentCallbackResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// ErrorBody is the stable failure envelope: a machine-readable code and a
// generic message. Internal detail is logged, never returned.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
