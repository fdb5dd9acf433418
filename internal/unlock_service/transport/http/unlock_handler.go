package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/newsgate/paywall_services/internal/unlock_service/app"
	"github.com/newsgate/paywall_services/internal/unlock_service/auth"
	"github.com/newsgate/paywall_services/internal/unlock_service/classifier"
	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
	"github.com/newsgate/paywall_services/internal/unlock_service/repository"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// UnlockHandler exposes the identification-and-unlock pipeline over HTTP.
type UnlockHandler struct {
	classifier  *classifier.Classifier
	flow        *app.IdentificationFlow
	entitlement *app.EntitlementService
	articles    repository.ArticleRepository
	tokens      *auth.TokenCodec
	cookies     *auth.CookieWriter
	validate    *validator.Validate
	ipHeader    string
	logger      *slog.Logger
}

func NewUnlockHandler(
	netClassifier *classifier.Classifier,
	flow *app.IdentificationFlow,
	entitlement *app.EntitlementService,
	articles repository.ArticleRepository,
	tokens *auth.TokenCodec,
	cookies *auth.CookieWriter,
	ipHeader string,
	logger *slog.Logger,
) *UnlockHandler {
	return &UnlockHandler{
		classifier:  netClassifier,
		flow:        flow,
		entitlement: entitlement,
		articles:    articles,
		tokens:      tokens,
		cookies:     cookies,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		ipHeader:    ipHeader,
		logger:      logger.With("handler", "unlock"),
	}
}

// RegisterRoutes mounts the handler's routes.
func (h *UnlockHandler) RegisterRoutes(r chi.Router) {
	r.Post("/identification", h.handleBeginIdentification)
	r.Get("/identification/callback", h.handleIdentifyCallback)
	r.Get("/payments/callback", h.handlePaymentCallback)
	r.Post("/payments/callback", h.handlePaymentCallback)
	r.Get("/articles/{slug}/access", h.handleArticleAccess)
	r.Post("/identity/logout", h.handleLogout)
}

func (h *UnlockHandler) classify(r *http.Request) domain.Classification {
	ip := classifier.ExtractClientIP(r, h.ipHeader)
	c := h.classifier.Classify(ip)
	app.ObserveClassification(c.NetworkType)
	return c
}

// identityFromRequest returns the validated subscriber MSISDN from the
// identity cookie, or "" when absent or invalid. An invalid cookie is treated
// the same as no cookie: the visitor simply re-identifies.
func (h *UnlockHandler) identityFromRequest(r *http.Request) string {
	raw := h.cookies.Read(r)
	if raw == "" {
		return ""
	}
	msisdn, err := h.tokens.Parse(raw)
	if err != nil {
		h.logger.DebugContext(r.Context(), "Discarding invalid identity cookie")
		return ""
	}
	return msisdn
}

func (h *UnlockHandler) handleBeginIdentification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req BeginIdentificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			h.writeError(w, "invalid_request", "Request body is empty", http.StatusBadRequest)
			return
		}
		h.writeError(w, "invalid_request", "Invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, "invalid_request", "Validation failed", http.StatusBadRequest)
		return
	}

	visitor := app.VisitorContext{Classification: h.classify(r)}
	redirectURL, err := h.flow.BeginIdentification(ctx, visitor, req.ArticleSlug, req.ReturnURL)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotEligible):
			h.writeError(w, "not_eligible", "Carrier billing requires a mobile data connection", http.StatusForbidden)
		case errors.Is(err, domain.ErrArticleNotFound):
			h.writeError(w, "article_not_found", "Article not found", http.StatusNotFound)
		default:
			logger.ErrorContext(ctx, "Failed to begin identification", "error", err)
			h.writeError(w, "internal_error", "Could not start identification", http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, BeginIdentificationResponse{RedirectURL: redirectURL})
}

func (h *UnlockHandler) handleIdentifyCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	params := r.URL.Query()
	token := params.Get("token")
	if token == "" {
		h.writeError(w, "invalid_request", "Missing correlation token", http.StatusBadRequest)
		return
	}

	result, err := h.flow.HandleIdentifyCallback(ctx, token, params)
	if err != nil {
		// The session error cases collapse into one stable code: which one
		// occurred is logged, never surfaced, since an unrecognized token may
		// be a replay or forgery from outside the provider.
		switch {
		case errors.Is(err, domain.ErrSessionNotFound),
			errors.Is(err, domain.ErrSessionExpired),
			errors.Is(err, domain.ErrSessionConsumed):
			logger.WarnContext(ctx, "Identify callback rejected", "error", err)
			h.writeError(w, "session_invalid", "Identification session is not valid", http.StatusUnauthorized)
		case errors.Is(err, domain.ErrProviderError):
			logger.InfoContext(ctx, "Identification failed at provider", "error", err)
			h.writeError(w, "identification_failed", "Identification failed, please try again", http.StatusBadRequest)
		default:
			logger.ErrorContext(ctx, "Failed to handle identify callback", "error", err)
			h.writeError(w, "internal_error", "Identification failed", http.StatusInternalServerError)
		}
		return
	}

	// Identity established: persist it across sessions before anything else
	// can fail.
	signed, err := h.tokens.Issue(result.MSISDN)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to issue identity token", "error", err)
		h.writeError(w, "internal_error", "Identification failed", http.StatusInternalServerError)
		return
	}
	h.cookies.Set(w, signed)

	// Chain straight into payment using the session's stored article context.
	initiation, err := h.flow.InitiatePayment(ctx, result.Session)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrProviderTimeout), errors.Is(err, domain.ErrProviderError):
			h.writeError(w, "provider_error", "Payment could not be started, please try again", http.StatusInternalServerError)
		default:
			logger.ErrorContext(ctx, "Failed to initiate payment", "error", err)
			h.writeError(w, "internal_error", "Payment could not be started", http.StatusInternalServerError)
		}
		return
	}

	// The visitor's browser is mid-redirect; send it on to the provider's
	// confirmation page if one is required, otherwise back to the article.
	target := initiation.RedirectURL
	if target == "" {
		target = initiation.ReturnURL
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *UnlockHandler) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	params := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil && len(r.PostForm) > 0 {
			params = r.PostForm
		}
	}

	record, err := h.flow.HandlePaymentCallback(ctx, params.Get("token"), params)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrLedgerConflict), errors.Is(err, domain.ErrUnlockNotFound):
			logger.WarnContext(ctx, "Payment callback for unknown transaction")
			h.writeError(w, "unknown_transaction", "Unknown transaction", http.StatusNotFound)
		case errors.Is(err, domain.ErrProviderError):
			logger.WarnContext(ctx, "Payment callback rejected", "error", err)
			h.writeError(w, "invalid_callback", "Callback rejected", http.StatusBadRequest)
		default:
			logger.ErrorContext(ctx, "Failed to process payment callback", "error", err)
			h.writeError(w, "internal_error", "Callback processing failed", http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, PaymentCallbackResponse{
		TransactionID: record.TransactionID,
		Status:        string(record.Status),
	})
}

func (h *UnlockHandler) handleArticleAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	slug := chi.URLParam(r, "slug")
	article, err := h.articles.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, domain.ErrArticleNotFound) {
			h.writeError(w, "article_not_found", "Article not found", http.StatusNotFound)
			return
		}
		logger.ErrorContext(ctx, "Failed to load article", "error", err, "slug", slug)
		h.writeError(w, "internal_error", "Could not check access", http.StatusInternalServerError)
		return
	}

	c := h.classify(r)
	msisdn := h.identityFromRequest(r)

	decision, err := h.entitlement.CheckAccess(ctx, msisdn, article, r.URL.Query().Get("bypass"))
	if err != nil {
		logger.ErrorContext(ctx, "Entitlement check failed", "error", err, "article_id", article.ID)
		h.writeError(w, "internal_error", "Could not check access", http.StatusInternalServerError)
		return
	}

	resp := AccessResponse{
		Allowed:     decision.Allowed,
		Reason:      string(decision.Reason),
		NetworkType: string(c.NetworkType),
	}
	if c.Carrier != nil {
		resp.Carrier = c.Carrier.Name
	}
	if decision.Allowed && decision.Reason == app.ReasonUnlocked {
		resp.MSISDN = msisdn
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *UnlockHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *UnlockHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
}

func (h *UnlockHandler) writeError(w http.ResponseWriter, code, message string, status int) {
	h.writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}
