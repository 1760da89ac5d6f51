package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/davidbz/quillgate/internal/maintenance"
	"github.com/davidbz/quillgate/internal/observability"
)

const (
	defaultRequestWindow = time.Minute
	defaultCostWindow    = 24 * time.Hour

	// Unlimited is reported as the remaining budget of a disabled ceiling.
	Unlimited = -1
)

// LedgerConfig configures the usage ledger.
type LedgerConfig struct {
	Limits            RateLimitConfig
	Window            time.Duration // request/token window, default 60s
	CostWindow        time.Duration // cost window, default 24h
	PruneInterval     time.Duration // zero disables background pruning
	WriterQueueSize   int
	WriterMaxAttempts int
	WriterBackoff     time.Duration
}

// LedgerOption customizes a UsageLedgerService.
type LedgerOption func(*UsageLedgerService)

// WithLedgerClock overrides the time source.
func WithLedgerClock(clock Clock) LedgerOption {
	return func(l *UsageLedgerService) {
		l.now = clock
	}
}

type windowEntry struct {
	at     time.Time
	tokens int
}

// UsageLedgerService keeps per-tenant trailing windows for admission control
// and writes every usage record to the durable store.
type UsageLedgerService struct {
	mu       sync.Mutex
	windows  map[string][]windowEntry
	limiters map[string]*rate.Limiter

	store   UsageStore
	writer  *usageWriter
	config  LedgerConfig
	now     Clock
	janitor *maintenance.Janitor
}

// NewUsageLedgerService creates the ledger, its writer and its pruning task.
func NewUsageLedgerService(store UsageStore, config LedgerConfig, opts ...LedgerOption) (*UsageLedgerService, error) {
	if store == nil {
		return nil, errors.New("usage store cannot be nil")
	}
	if config.Window <= 0 {
		config.Window = defaultRequestWindow
	}
	if config.CostWindow <= 0 {
		config.CostWindow = defaultCostWindow
	}

	l := &UsageLedgerService{
		windows:  make(map[string][]windowEntry),
		limiters: make(map[string]*rate.Limiter),
		store:    store,
		writer:   newUsageWriter(store, config.WriterQueueSize, config.WriterMaxAttempts, config.WriterBackoff),
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if config.PruneInterval > 0 {
		l.janitor = maintenance.NewJanitor("usage_ledger")
		if err := l.janitor.Every(config.PruneInterval, "prune_windows", func() {
			l.Prune()
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule window pruning: %w", err)
		}
		l.janitor.Start()
	}

	return l, nil
}

// CheckAdmission decides whether the tenant may make another request.
// A request admitted past the per-minute ceiling spends one unit of burst
// allowance.
func (l *UsageLedgerService) CheckAdmission(ctx context.Context, tenant Tenant) RateLimitStatus {
	return l.evaluate(ctx, tenant, true)
}

// Status reports the tenant's admission state without spending burst allowance.
func (l *UsageLedgerService) Status(ctx context.Context, tenant Tenant) RateLimitStatus {
	return l.evaluate(ctx, tenant, false)
}

func (l *UsageLedgerService) evaluate(ctx context.Context, tenant Tenant, consume bool) RateLimitStatus {
	logger := observability.FromContext(ctx)
	limits := l.config.Limits
	now := l.now()
	key := tenant.Key()

	l.mu.Lock()
	entries := l.pruneTenantLocked(key, now)
	requests := len(entries)
	tokens := 0
	for _, e := range entries {
		tokens += e.tokens
	}
	resetAt := now.Add(l.config.Window)
	for _, e := range entries {
		if e.at.Add(l.config.Window).Before(resetAt) {
			resetAt = e.at.Add(l.config.Window)
		}
	}
	l.mu.Unlock()

	var cost float64
	if limits.MaxCostPerDay > 0 {
		spent, err := l.store.SumCost(ctx, tenant.WorkspaceID, now.Add(-l.config.CostWindow))
		if err != nil {
			logger.Warn("cost lookup failed, admitting without cost ceiling",
				observability.String("workspace_id", tenant.WorkspaceID),
				observability.Error(err))
		} else {
			cost = spent
		}
	}

	burst := l.burstTokens(key, now)
	remainingRequests := remainingInt(limits.MaxRequestsPerMinute, requests)
	if remainingRequests != Unlimited {
		remainingRequests += burst
	}

	status := RateLimitStatus{
		RemainingRequests: remainingRequests,
		RemainingTokens:   remainingInt(limits.MaxTokensPerMinute, tokens),
		RemainingCost:     remainingCost(limits.MaxCostPerDay, cost),
		ResetAt:           resetAt,
	}

	overWindow := limits.MaxRequestsPerMinute > 0 && requests >= limits.MaxRequestsPerMinute

	switch {
	case overWindow && burst == 0:
		status.Limited = true
		status.Reason = "requests per minute exceeded"
	case limits.MaxTokensPerMinute > 0 && tokens >= limits.MaxTokensPerMinute:
		status.Limited = true
		status.Reason = "tokens per minute exceeded"
	case limits.MaxCostPerDay > 0 && cost >= limits.MaxCostPerDay:
		status.Limited = true
		status.Reason = "cost per day exceeded"
		status.ResetAt = now.Add(l.config.CostWindow)
	case overWindow && consume && !l.spendBurst(key, now):
		// Another request took the last burst unit since burstTokens.
		status.Limited = true
		status.Reason = "requests per minute exceeded"
		status.RemainingRequests = 0
	}

	if status.Limited && consume {
		logger.Info("admission denied",
			observability.String("workspace_id", tenant.WorkspaceID),
			observability.String("user_id", tenant.UserID),
			observability.String("reason", status.Reason))
	}

	return status
}

// burstTokens reports how many requests the tenant may still make past the
// per-minute ceiling. The allowance refills at Burst per request window.
func (l *UsageLedgerService) burstTokens(key string, now time.Time) int {
	limits := l.config.Limits
	if limits.Burst <= 0 || limits.MaxRequestsPerMinute <= 0 {
		return 0
	}

	l.mu.Lock()
	limiter, ok := l.limiters[key]
	l.mu.Unlock()
	if !ok {
		return limits.Burst
	}

	return max(int(limiter.TokensAt(now)), 0)
}

// spendBurst takes one unit from the tenant's burst bucket.
func (l *UsageLedgerService) spendBurst(key string, now time.Time) bool {
	limits := l.config.Limits

	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		perSecond := rate.Limit(float64(limits.Burst) / l.config.Window.Seconds())
		limiter = rate.NewLimiter(perSecond, limits.Burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Record mirrors the record into the tenant window and queues the durable write.
// Admission denials are persisted but do not count against the window.
func (l *UsageLedgerService) Record(ctx context.Context, rec *UsageRecord) {
	if rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}

	if rec.ErrorCode != string(CodeRateLimitExceeded) {
		key := rec.Tenant.Key()
		l.mu.Lock()
		l.windows[key] = append(l.windows[key], windowEntry{at: rec.CreatedAt, tokens: rec.TokensUsed})
		l.mu.Unlock()
	}

	if !l.writer.enqueue(rec) {
		observability.FromContext(ctx).Warn("usage record not persisted",
			observability.String("record_id", rec.ID))
	}
}

// Prune drops window entries older than the request window and forgets
// tenants left with nothing. Burst limiters are forgotten once idle and
// refilled. It returns the number of tenants removed.
func (l *UsageLedgerService) Prune() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key := range l.windows {
		if len(l.pruneTenantLocked(key, now)) == 0 {
			removed++
		}
	}

	for key, limiter := range l.limiters {
		if _, active := l.windows[key]; active {
			continue
		}
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(l.limiters, key)
		}
	}

	return removed
}

// ActiveTenants returns how many tenants currently hold window entries.
func (l *UsageLedgerService) ActiveTenants() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.windows)
}

// pruneTenantLocked trims one tenant's window and returns what is left.
// Caller must hold mu.
func (l *UsageLedgerService) pruneTenantLocked(key string, now time.Time) []windowEntry {
	entries := l.windows[key]
	cutoff := now.Add(-l.config.Window)

	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	entries = kept

	if len(entries) == 0 {
		delete(l.windows, key)
		return nil
	}

	l.windows[key] = entries
	return entries
}

// UsageStats aggregates persisted usage for a tenant. A zero until means now;
// a zero since means one cost window before until.
func (l *UsageLedgerService) UsageStats(ctx context.Context, tenant Tenant, since, until time.Time) (*UsageStats, error) {
	if until.IsZero() {
		until = l.now()
	}
	if since.IsZero() {
		since = until.Add(-l.config.CostWindow)
	}
	if since.After(until) {
		return nil, errors.New("since must not be after until")
	}

	records, err := l.store.Query(ctx, UsageFilter{
		WorkspaceID: tenant.WorkspaceID,
		UserID:      tenant.UserID,
		Since:       since,
		Until:       until,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}

	return AggregateUsage(records), nil
}

// AggregateUsage folds records into totals and per-provider/operation buckets.
func AggregateUsage(records []*UsageRecord) *UsageStats {
	stats := &UsageStats{
		ByProvider:  make(map[string]UsageAggregate),
		ByOperation: make(map[string]UsageAggregate),
	}

	successes, cached := 0, 0
	for _, rec := range records {
		stats.TotalRequests++
		stats.TotalTokens += rec.TokensUsed
		stats.TotalCost += rec.Cost
		if rec.Success {
			successes++
		}
		if rec.Cached {
			cached++
		}

		stats.ByProvider[rec.Provider] = addAggregate(stats.ByProvider[rec.Provider], rec)
		stats.ByOperation[rec.Operation] = addAggregate(stats.ByOperation[rec.Operation], rec)
	}

	stats.TotalCost = RoundCost(stats.TotalCost)
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.TotalRequests)
		stats.CacheHitRate = float64(cached) / float64(stats.TotalRequests)
	}

	return stats
}

func addAggregate(agg UsageAggregate, rec *UsageRecord) UsageAggregate {
	agg.Requests++
	agg.Tokens += rec.TokensUsed
	agg.Cost = RoundCost(agg.Cost + rec.Cost)
	return agg
}

// Close stops pruning and drains pending durable writes.
func (l *UsageLedgerService) Close(ctx context.Context) error {
	if l.janitor != nil {
		if err := l.janitor.Stop(ctx); err != nil {
			return err
		}
	}
	return l.writer.close(ctx)
}

func remainingInt(limit, used int) int {
	if limit <= 0 {
		return Unlimited
	}
	return max(limit-used, 0)
}

func remainingCost(limit, used float64) float64 {
	if limit <= 0 {
		return Unlimited
	}
	return RoundCost(max(limit-used, 0))
}
