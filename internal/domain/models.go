package domain

import "time"

const (
	// DefaultTemperature is applied when a caller does not set one.
	DefaultTemperature = 0.7

	// DefaultMaxTokens is applied when a caller does not set a token ceiling.
	DefaultMaxTokens = 1000

	// MaxTemperature is the upper bound accepted for sampling temperature.
	MaxTemperature = 2.0
)

// Tenant identifies the (workspace, user) pair usage and limits are scoped to.
type Tenant struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
}

// Key returns a stable identifier for per-tenant maps.
func (t Tenant) Key() string {
	return t.WorkspaceID + "/" + t.UserID
}

// GenerateOptions carries the caller-controlled settings of a Generate call.
type GenerateOptions struct {
	Tenant       Tenant   `json:"tenant"`
	Operation    string   `json:"operation"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	UseCache     *bool    `json:"use_cache,omitempty"`
}

// CompletionRequest is a fully resolved request, after defaults are applied.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	Provider     string
	Model        string
	MaxTokens    int
	Temperature  float64
	UseCache     bool
	Tenant       Tenant
	Operation    string
}

// CompletionResponse is the normalized result returned to callers.
type CompletionResponse struct {
	Text         string  `json:"text"`
	TokensUsed   int     `json:"tokens_used"`
	Cost         float64 `json:"cost"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	FinishReason string  `json:"finish_reason"`
	Cached       bool    `json:"cached"`
	FallbackUsed bool    `json:"fallback_used"`
	LatencyMs    int64   `json:"latency_ms"`
}

// ProviderRequest is the normalized shape every provider adapter accepts.
type ProviderRequest struct {
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// ProviderResult is the normalized shape every provider adapter returns.
type ProviderResult struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// UsageRecord is one ledger row, written once per completion attempt.
type UsageRecord struct {
	ID           string    `json:"id"`
	Tenant       Tenant    `json:"tenant"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Operation    string    `json:"operation"`
	TokensUsed   int       `json:"tokens_used"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Cached       bool      `json:"cached"`
	CreatedAt    time.Time `json:"created_at"`
}

// RateLimitConfig holds the process-wide admission ceilings.
// A zero ceiling disables that dimension.
type RateLimitConfig struct {
	MaxRequestsPerMinute int
	MaxTokensPerMinute   int
	MaxCostPerDay        float64
	Burst                int
}

// RateLimitStatus is the outcome of an admission check.
type RateLimitStatus struct {
	RemainingRequests int       `json:"remaining_requests"`
	RemainingTokens   int       `json:"remaining_tokens"`
	RemainingCost     float64   `json:"remaining_cost"`
	ResetAt           time.Time `json:"reset_at"`
	Limited           bool      `json:"limited"`
	Reason            string    `json:"reason,omitempty"`
}

// UsageFilter selects persisted usage records.
type UsageFilter struct {
	WorkspaceID string
	UserID      string
	Since       time.Time
	Until       time.Time
}

// UsageAggregate is a totals bucket inside UsageStats.
type UsageAggregate struct {
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// UsageStats summarizes a tenant's usage over a time range.
type UsageStats struct {
	TotalRequests int                       `json:"total_requests"`
	TotalTokens   int                       `json:"total_tokens"`
	TotalCost     float64                   `json:"total_cost"`
	SuccessRate   float64                   `json:"success_rate"`
	CacheHitRate  float64                   `json:"cache_hit_rate"`
	ByProvider    map[string]UsageAggregate `json:"by_provider"`
	ByOperation   map[string]UsageAggregate `json:"by_operation"`
}

// CacheStats reports response cache effectiveness.
type CacheStats struct {
	Entries           int     `json:"entries"`
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	HitRate           float64 `json:"hit_rate"`
	CumulativeSavings float64 `json:"cumulative_savings"`
}

// Clock returns the current time. Components take one so tests can control time.
type Clock func() time.Time
