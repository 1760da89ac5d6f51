package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/http/middleware"
	"github.com/davidbz/quillgate/internal/observability"
)

const (
	maxRequestBodyBytes = 1 << 20

	cacheHeader    = "X-Quillgate-Cache"
	fallbackHeader = "X-Quillgate-Fallback"

	// StatusClientClosedRequest is the non-standard status for a caller that went away.
	StatusClientClosedRequest = 499
)

// generateRequest is the JSON body of POST /v1/generate. Tenant ids fall
// back to the X-Workspace-ID and X-User-ID headers.
type generateRequest struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	UseCache     *bool    `json:"use_cache,omitempty"`
	WorkspaceID  string   `json:"workspace_id,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	Operation    string   `json:"operation,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Provider  string `json:"provider,omitempty"`
}

// Handler handles HTTP requests.
type Handler struct {
	gateway *domain.GatewayService
	retry   domain.RetryPolicy
	now     func() time.Time
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(gateway *domain.GatewayService, retry domain.RetryPolicy) *Handler {
	return &Handler{
		gateway: gateway,
		retry:   retry,
		now:     time.Now,
	}
}

// HandleGenerate processes completion requests.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, domain.Tenant{}, domain.NewInvalidRequestError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	tenant := tenantFrom(r, req.WorkspaceID, req.UserID)
	ctx = observability.WithTenant(ctx, tenant.WorkspaceID, tenant.UserID)
	r = r.WithContext(ctx)
	logger := observability.FromContext(ctx)

	logger.Info("generate request received",
		observability.String("provider", req.Provider),
		observability.String("model", req.Model),
		observability.String("operation", req.Operation))

	response, err := h.gateway.Generate(ctx, req.Prompt, domain.GenerateOptions{
		Tenant:       tenant,
		Operation:    req.Operation,
		Provider:     req.Provider,
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		SystemPrompt: req.SystemPrompt,
		UseCache:     req.UseCache,
	})
	if err != nil {
		h.writeError(w, r, tenant, err)
		return
	}

	setCacheHeaders(w, response)
	writeJSON(w, r, http.StatusOK, response)
}

// HandleUsage reports aggregate usage for a workspace, optionally narrowed to a user.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tenant := tenantFrom(r, query.Get("workspace_id"), query.Get("user_id"))
	if tenant.WorkspaceID == "" {
		h.writeError(w, r, tenant, domain.NewInvalidRequestError("workspace_id is required"))
		return
	}

	since, err := parseTime(query.Get("since"))
	if err != nil {
		h.writeError(w, r, tenant, domain.NewInvalidRequestError("since: "+err.Error()))
		return
	}
	until, err := parseTime(query.Get("until"))
	if err != nil {
		h.writeError(w, r, tenant, domain.NewInvalidRequestError("until: "+err.Error()))
		return
	}
	if !since.IsZero() && !until.IsZero() && since.After(until) {
		h.writeError(w, r, tenant, domain.NewInvalidRequestError("since must not be after until"))
		return
	}

	stats, err := h.gateway.UsageStats(r.Context(), tenant, since, until)
	if err != nil {
		h.writeError(w, r, tenant, err)
		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}

// HandleRateLimit reports the tenant's admission status without consuming allowance.
func (h *Handler) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tenant := tenantFrom(r, query.Get("workspace_id"), query.Get("user_id"))
	if tenant.WorkspaceID == "" {
		h.writeError(w, r, tenant, domain.NewInvalidRequestError("workspace_id is required"))
		return
	}

	writeJSON(w, r, http.StatusOK, h.gateway.RateLimitStatus(r.Context(), tenant))
}

// HandleCacheStats reports response cache statistics.
func (h *Handler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.gateway.CacheStats())
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	}); err != nil {
		// Already written status, can't change it, just log.
		return
	}
}

// writeError maps a gateway error onto a status code and JSON error body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, tenant domain.Tenant, err error) {
	logger := observability.FromContext(r.Context())

	perr, ok := domain.AsProviderError(err)
	if !ok {
		logger.Error("request failed", observability.Error(err))
		writeJSON(w, r, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code:    "INTERNAL_ERROR",
			Message: "internal error",
		}})
		return
	}

	status := StatusForCode(perr.Code)
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", observability.Error(err))
	} else {
		logger.Info("request rejected", observability.Error(err))
	}

	var limit domain.RateLimitStatus
	if perr.Code == domain.CodeRateLimitExceeded && tenant.WorkspaceID != "" {
		limit = h.gateway.RateLimitStatus(r.Context(), tenant)
	}
	if wait := h.retry.RetryAfter(err, limit, h.now()); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}

	writeJSON(w, r, status, errorBody{Error: errorDetail{
		Code:      string(perr.Code),
		Message:   perr.Message,
		Retryable: perr.Retryable,
		Provider:  perr.Provider,
	}})
}

// StatusForCode maps an error code onto the HTTP status returned to clients.
func StatusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeInvalidProvider:
		return http.StatusUnprocessableEntity
	case domain.CodeMissingCredential:
		return http.StatusServiceUnavailable
	case domain.CodeUpstreamError, domain.CodeNetworkError, domain.CodeMalformedResponse:
		return http.StatusBadGateway
	case domain.CodeCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func setCacheHeaders(w http.ResponseWriter, response *domain.CompletionResponse) {
	if response.Cached {
		w.Header().Set(cacheHeader, "HIT")
	} else {
		w.Header().Set(cacheHeader, "MISS")
	}
	if response.FallbackUsed {
		w.Header().Set(fallbackHeader, "true")
	}
}

func tenantFrom(r *http.Request, workspaceID, userID string) domain.Tenant {
	if workspaceID == "" {
		workspaceID = r.Header.Get(middleware.WorkspaceHeader)
	}
	if userID == "" {
		userID = r.Header.Get(middleware.UserHeader)
	}
	return domain.Tenant{WorkspaceID: workspaceID, UserID: userID}
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errors.New("must be an RFC 3339 timestamp")
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		observability.FromContext(r.Context()).Error("failed to encode response", observability.Error(err))
	}
}
