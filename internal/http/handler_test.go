package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidbz/quillgate/internal/config"
	"github.com/davidbz/quillgate/internal/domain"
	gatewayhttp "github.com/davidbz/quillgate/internal/http"
	"github.com/davidbz/quillgate/internal/http/middleware"
	"github.com/davidbz/quillgate/internal/observability"
	"github.com/davidbz/quillgate/internal/provider/echo"
	"github.com/davidbz/quillgate/internal/provider/openai"
	"github.com/davidbz/quillgate/internal/provider/registry"
	"github.com/davidbz/quillgate/internal/routing"
	"github.com/davidbz/quillgate/internal/store/memory"
)

// brokenProvider always fails with a retryable upstream error.
type brokenProvider struct{}

func (brokenProvider) Call(context.Context, *domain.ProviderRequest) (*domain.ProviderResult, error) {
	return nil, domain.NewUpstreamError("broken", http.StatusServiceUnavailable, "overloaded", nil)
}

func (brokenProvider) Name() string { return "broken" }

func (brokenProvider) IsModelSupported(_ context.Context, model string) bool { return model == "b1" }

func (brokenProvider) SupportedModels(context.Context) []string { return []string{"b1"} }

func (brokenProvider) FallbackModel() string { return "b1" }

type testServer struct {
	handler http.Handler
	store   *memory.Store
}

func newTestServer(t *testing.T, limits domain.RateLimitConfig) *testServer {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(ctx, echo.NewProvider()))
	require.NoError(t, reg.Register(ctx, brokenProvider{}))

	keyless, err := openai.NewProvider(openai.Config{Models: []string{"gpt-4o-mini"}, FallbackModel: "gpt-4o-mini"}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx, keyless))

	pricing := domain.NewInMemoryPricingRegistry()
	require.NoError(t, echo.RegisterPricing(ctx, pricing))

	cache, err := domain.NewInMemoryResponseCache(domain.CacheConfig{Enabled: true, TTLMinutes: 60})
	require.NoError(t, err)

	store := memory.NewStore()
	ledger, err := domain.NewUsageLedgerService(store, domain.LedgerConfig{Limits: limits, WriterBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close(context.Background()) })

	metrics := observability.NewMetrics(nil)
	gateway := domain.NewGatewayService(
		reg,
		routing.NewRouter(reg, "echo"),
		domain.NewStandardCostCalculator(pricing),
		cache,
		ledger,
		metrics,
		domain.GatewayConfig{DefaultProvider: "echo", DefaultModel: "echo4"},
	)

	server := gatewayhttp.NewServer(
		&config.ServerConfig{Port: 0},
		gatewayhttp.NewHandler(gateway, domain.DefaultRetryPolicy()),
		metrics,
		middleware.BuildMiddlewareChain(&config.CORSConfig{AllowedOrigins: []string{"*"}}),
	)

	return &testServer{handler: server.Routes(), store: store}
}

func (s *testServer) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

type errorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
		Provider  string `json:"provider"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()

	var resp errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func generateBody(prompt string) map[string]any {
	return map[string]any{
		"prompt":       prompt,
		"workspace_id": "acme",
		"user_id":      "u1",
		"operation":    "hashtags",
	}
}

func TestHandleGenerate(t *testing.T) {
	t.Run("should answer and then serve from cache", func(t *testing.T) {
		s := newTestServer(t, domain.RateLimitConfig{})

		w := s.do(t, http.MethodPost, "/v1/generate", generateBody("hello world"), nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "MISS", w.Header().Get("X-Quillgate-Cache"))
		require.NotEmpty(t, w.Header().Get("X-Request-Id"))

		var resp domain.CompletionResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		require.Equal(t, "[user]: hello world", resp.Text)
		require.Equal(t, "echo", resp.Provider)
		require.Equal(t, "echo4", resp.Model)
		require.Equal(t, 6, resp.TokensUsed)
		require.False(t, resp.Cached)

		w = s.do(t, http.MethodPost, "/v1/generate", generateBody("  Hello World "), nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "HIT", w.Header().Get("X-Quillgate-Cache"))

		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		require.True(t, resp.Cached)
		require.Zero(t, resp.Cost)
	})

	t.Run("should log the body tenant", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		t.Cleanup(observability.SetLogger(zap.New(core)))
		s := newTestServer(t, domain.RateLimitConfig{})

		w := s.do(t, http.MethodPost, "/v1/generate", generateBody("log me"), nil)
		require.Equal(t, http.StatusOK, w.Code)

		entries := logs.FilterMessage("generate request received").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		require.Equal(t, "acme", fields["workspace_id"])
		require.Equal(t, "u1", fields["user_id"])
	})

	t.Run("should take the tenant from headers", func(t *testing.T) {
		s := newTestServer(t, domain.RateLimitConfig{})

		w := s.do(t, http.MethodPost, "/v1/generate", map[string]any{"prompt": "hi"}, map[string]string{
			"X-Workspace-ID": "acme",
			"X-User-ID":      "u1",
		})
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("should map errors to statuses", func(t *testing.T) {
		tests := []struct {
			name     string
			body     any
			status   int
			code     string
			provider string
		}{
			{"malformed json", `{"prompt":`, http.StatusBadRequest, "INVALID_REQUEST", ""},
			{"missing tenant", map[string]any{"prompt": "hi"}, http.StatusBadRequest, "INVALID_REQUEST", ""},
			{"empty prompt", generateBody(""), http.StatusBadRequest, "INVALID_REQUEST", ""},
			{"unknown provider", withField(generateBody("hi"), "provider", "nope"), http.StatusUnprocessableEntity, "INVALID_PROVIDER", "nope"},
			{"missing credential", withField(generateBody("hi"), "provider", "openai"), http.StatusServiceUnavailable, "MISSING_CREDENTIAL", "openai"},
			{"upstream failure", withField(generateBody("hi"), "provider", "broken"), http.StatusBadGateway, "UPSTREAM_ERROR", "broken"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := newTestServer(t, domain.RateLimitConfig{})

				w := s.do(t, http.MethodPost, "/v1/generate", tt.body, nil)
				require.Equal(t, tt.status, w.Code)

				resp := decodeError(t, w)
				require.Equal(t, tt.code, resp.Error.Code)
				require.Equal(t, tt.provider, resp.Error.Provider)
			})
		}
	})

	t.Run("should advise a backoff on retryable failures", func(t *testing.T) {
		s := newTestServer(t, domain.RateLimitConfig{})

		w := s.do(t, http.MethodPost, "/v1/generate", withField(generateBody("hi"), "provider", "broken"), nil)
		require.Equal(t, http.StatusBadGateway, w.Code)
		require.Equal(t, "1", w.Header().Get("Retry-After"))
		require.True(t, decodeError(t, w).Error.Retryable)
	})

	t.Run("should reject past the request ceiling with Retry-After", func(t *testing.T) {
		s := newTestServer(t, domain.RateLimitConfig{MaxRequestsPerMinute: 3})

		for i := range 3 {
			w := s.do(t, http.MethodPost, "/v1/generate", generateBody("prompt "+strconv.Itoa(i)), nil)
			require.Equal(t, http.StatusOK, w.Code)
		}

		w := s.do(t, http.MethodPost, "/v1/generate", generateBody("one more"), nil)
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		require.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, w).Error.Code)

		wait, err := strconv.Atoi(w.Header().Get("Retry-After"))
		require.NoError(t, err)
		require.Greater(t, wait, 0)
		require.LessOrEqual(t, wait, 60)
	})
}

func TestHandleUsage(t *testing.T) {
	s := newTestServer(t, domain.RateLimitConfig{})

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/generate", generateBody("a"), nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/generate", generateBody("a"), nil).Code)
	require.Eventually(t, func() bool { return s.store.Len() == 2 }, time.Second, 5*time.Millisecond)

	w := s.do(t, http.MethodGet, "/v1/usage?workspace_id=acme&user_id=u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats domain.UsageStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	require.Equal(t, 2, stats.TotalRequests)
	require.InDelta(t, 0.5, stats.CacheHitRate, 1e-9)
	require.Equal(t, 2, stats.ByOperation["hashtags"].Requests)

	t.Run("should require a workspace", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/v1/usage", nil, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should reject bad timestamps", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/v1/usage?workspace_id=acme&since=yesterday", nil, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, decodeError(t, w).Error.Message, "RFC 3339")

		w = s.do(t, http.MethodGet, "/v1/usage?workspace_id=acme&since=2026-02-01T00:00:00Z&until=2026-01-01T00:00:00Z", nil, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleRateLimit(t *testing.T) {
	s := newTestServer(t, domain.RateLimitConfig{MaxRequestsPerMinute: 5, Burst: 1})

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/generate", generateBody("a"), nil).Code)

	for range 3 {
		w := s.do(t, http.MethodGet, "/v1/ratelimit?workspace_id=acme&user_id=u1", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var status domain.RateLimitStatus
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		require.Equal(t, 5, status.RemainingRequests) // four in the window plus one burst
		require.Equal(t, domain.Unlimited, status.RemainingTokens)
	}

	w := s.do(t, http.MethodGet, "/v1/ratelimit", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCacheStats(t *testing.T) {
	s := newTestServer(t, domain.RateLimitConfig{})

	s.do(t, http.MethodPost, "/v1/generate", generateBody("a"), nil)
	s.do(t, http.MethodPost, "/v1/generate", generateBody("a"), nil)

	w := s.do(t, http.MethodGet, "/v1/cache/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats domain.CacheStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	require.Equal(t, 1, stats.Entries)
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
}

func TestHandleHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, domain.RateLimitConfig{})

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	s.do(t, http.MethodPost, "/v1/generate", generateBody("a"), nil)

	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "quillgate_requests_total")
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, domain.RateLimitConfig{})

	w := s.do(t, http.MethodGet, "/v1/generate", nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStatusForCode(t *testing.T) {
	tests := map[domain.ErrorCode]int{
		domain.CodeRateLimitExceeded: http.StatusTooManyRequests,
		domain.CodeInvalidRequest:    http.StatusBadRequest,
		domain.CodeInvalidProvider:   http.StatusUnprocessableEntity,
		domain.CodeMissingCredential: http.StatusServiceUnavailable,
		domain.CodeUpstreamError:     http.StatusBadGateway,
		domain.CodeNetworkError:      http.StatusBadGateway,
		domain.CodeMalformedResponse: http.StatusBadGateway,
		domain.CodeCancelled:         gatewayhttp.StatusClientClosedRequest,
		domain.ErrorCode("UNKNOWN"):  http.StatusInternalServerError,
	}

	for code, status := range tests {
		require.Equal(t, status, gatewayhttp.StatusForCode(code), code)
	}
}

func withField(body map[string]any, key string, value any) map[string]any {
	body[key] = value
	return body
}
