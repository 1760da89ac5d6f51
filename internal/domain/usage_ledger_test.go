package domain_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/store/memory"
)

var (
	acme   = domain.Tenant{WorkspaceID: "acme", UserID: "alice"}
	globex = domain.Tenant{WorkspaceID: "globex", UserID: "bob"}
)

func newTestLedger(t *testing.T, store domain.UsageStore, limits domain.RateLimitConfig, clock *fakeClock) *domain.UsageLedgerService {
	t.Helper()

	ledger, err := domain.NewUsageLedgerService(store, domain.LedgerConfig{
		Limits:        limits,
		WriterBackoff: time.Millisecond,
	}, domain.WithLedgerClock(clock.Now))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = ledger.Close(context.Background())
	})
	return ledger
}

func waitForRecords(t *testing.T, store *memory.Store, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return store.Len() >= n }, 2*time.Second, 5*time.Millisecond)
}

// flakyStore fails the first insertFailures inserts and every SumCost when sumErr is set.
type flakyStore struct {
	*memory.Store

	mu             sync.Mutex
	insertFailures int
	insertCalls    int
	sumErr         error
}

func (s *flakyStore) Insert(ctx context.Context, rec *domain.UsageRecord) error {
	s.mu.Lock()
	s.insertCalls++
	fail := s.insertCalls <= s.insertFailures
	s.mu.Unlock()

	if fail {
		return errors.New("database is locked")
	}
	return s.Store.Insert(ctx, rec)
}

func (s *flakyStore) SumCost(ctx context.Context, workspaceID string, since time.Time) (float64, error) {
	if s.sumErr != nil {
		return 0, s.sumErr
	}
	return s.Store.SumCost(ctx, workspaceID, since)
}

func TestNewUsageLedgerService(t *testing.T) {
	t.Run("should reject a nil store", func(t *testing.T) {
		_, err := domain.NewUsageLedgerService(nil, domain.LedgerConfig{})
		require.Error(t, err)
	})

	t.Run("should start and stop background pruning", func(t *testing.T) {
		ledger, err := domain.NewUsageLedgerService(memory.NewStore(), domain.LedgerConfig{PruneInterval: time.Second})
		require.NoError(t, err)
		require.NoError(t, ledger.Close(context.Background()))
	})

	t.Run("should prune idle tenants in the background", func(t *testing.T) {
		clock := newFakeClock()
		ledger, err := domain.NewUsageLedgerService(memory.NewStore(), domain.LedgerConfig{
			Limits:        domain.RateLimitConfig{MaxRequestsPerMinute: 10},
			PruneInterval: time.Second,
		}, domain.WithLedgerClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = ledger.Close(context.Background()) })

		ledger.Record(context.Background(), &domain.UsageRecord{Tenant: acme, Success: true})
		require.Equal(t, 1, ledger.ActiveTenants())

		clock.Advance(2 * time.Minute)
		require.Eventually(t, func() bool { return ledger.ActiveTenants() == 0 }, 3*time.Second, 20*time.Millisecond)
	})
}

func TestUsageLedgerService_CheckAdmission(t *testing.T) {
	ctx := context.Background()

	t.Run("should deny once the request ceiling is reached and recover after the window", func(t *testing.T) {
		clock := newFakeClock()
		ledger := newTestLedger(t, memory.NewStore(), domain.RateLimitConfig{MaxRequestsPerMinute: 3}, clock)

		for range 3 {
			status := ledger.CheckAdmission(ctx, acme)
			require.False(t, status.Limited)
			ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true, TokensUsed: 10})
			clock.Advance(time.Second)
		}

		status := ledger.CheckAdmission(ctx, acme)
		require.True(t, status.Limited)
		require.Equal(t, "requests per minute exceeded", status.Reason)
		require.Zero(t, status.RemainingRequests)
		require.Equal(t, clock.Now().Add(57*time.Second), status.ResetAt)

		// Other tenants are unaffected.
		require.False(t, ledger.CheckAdmission(ctx, globex).Limited)

		// Entries at +0s and +1s have aged out; the one at +2s remains.
		clock.Advance(58 * time.Second)
		status = ledger.CheckAdmission(ctx, acme)
		require.False(t, status.Limited)
		require.Equal(t, 2, status.RemainingRequests)
	})

	t.Run("should not count admission denials against the window", func(t *testing.T) {
		clock := newFakeClock()
		ledger := newTestLedger(t, memory.NewStore(), domain.RateLimitConfig{MaxRequestsPerMinute: 1}, clock)

		ledger.Record(ctx, &domain.UsageRecord{
			Tenant:    acme,
			ErrorCode: string(domain.CodeRateLimitExceeded),
		})

		require.False(t, ledger.CheckAdmission(ctx, acme).Limited)
		require.Zero(t, ledger.ActiveTenants())
	})

	t.Run("should count failed calls against the window", func(t *testing.T) {
		clock := newFakeClock()
		ledger := newTestLedger(t, memory.NewStore(), domain.RateLimitConfig{MaxRequestsPerMinute: 1}, clock)

		ledger.Record(ctx, &domain.UsageRecord{
			Tenant:    acme,
			ErrorCode: string(domain.CodeUpstreamError),
		})

		require.True(t, ledger.CheckAdmission(ctx, acme).Limited)
	})

	t.Run("should deny once the token ceiling is reached", func(t *testing.T) {
		clock := newFakeClock()
		ledger := newTestLedger(t, memory.NewStore(), domain.RateLimitConfig{MaxTokensPerMinute: 100}, clock)

		ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true, TokensUsed: 60})
		status := ledger.CheckAdmission(ctx, acme)
		require.False(t, status.Limited)
		require.Equal(t, 40, status.RemainingTokens)
		require.Equal(t, domain.Unlimited, status.RemainingRequests)

		ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true, TokensUsed: 50})
		status = ledger.CheckAdmission(ctx, acme)
		require.True(t, status.Limited)
		require.Equal(t, "tokens per minute exceeded", status.Reason)
		require.Zero(t, status.RemainingTokens)
	})

	t.Run("should deny once the daily cost ceiling is reached", func(t *testing.T) {
		clock := newFakeClock()
		store := memory.NewStore()
		ledger := newTestLedger(t, store, domain.RateLimitConfig{MaxCostPerDay: 1.0}, clock)

		ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true, Cost: 0.6})
		waitForRecords(t, store, 1)

		status := ledger.CheckAdmission(ctx, acme)
		require.False(t, status.Limited)
		require.InDelta(t, 0.4, status.RemainingCost, 1e-9)

		// Cost is per workspace, so another user in it pays from the same budget.
		ledger.Record(ctx, &domain.UsageRecord{Tenant: domain.Tenant{WorkspaceID: "acme", UserID: "carol"}, Success: true, Cost: 0.5})
		waitForRecords(t, store, 2)

		status = ledger.CheckAdmission(ctx, acme)
		require.True(t, status.Limited)
		require.Equal(t, "cost per day exceeded", status.Reason)
		require.Equal(t, clock.Now().Add(24*time.Hour), status.ResetAt)
		require.Zero(t, status.RemainingCost)

		require.False(t, ledger.CheckAdmission(ctx, globex).Limited)
	})

	t.Run("should admit when the cost lookup fails", func(t *testing.T) {
		clock := newFakeClock()
		store := &flakyStore{Store: memory.NewStore(), sumErr: errors.New("connection refused")}
		ledger := newTestLedger(t, store, domain.RateLimitConfig{MaxCostPerDay: 0.01}, clock)

		status := ledger.CheckAdmission(ctx, acme)
		require.False(t, status.Limited)
	})

	t.Run("should report unlimited for disabled ceilings", func(t *testing.T) {
		ledger := newTestLedger(t, memory.NewStore(), domain.RateLimitConfig{}, newFakeClock())

		status := ledger.CheckAdmission(ctx, acme)
		require.False(t, status.Limited)
		require.Equal(t, domain.Unlimited, status.RemainingRequests)
		require.Equal(t, domain.Unlimited, status.RemainingTokens)
		require.InDelta(t, float64(domain.Unlimited), status.RemainingCost, 1e-9)
	})

	t.Run("should admit burst requests past the per-minute ceiling", func(t *testing.T) {
		clock := newFakeClock()
		ledger := newTestLedger(t, memory.NewStore(), domain.RateLimitConfig{MaxRequestsPerMinute: 3, Burst: 2}, clock)

		admit := func() domain.RateLimitStatus {
			status := ledger.CheckAdmission(ctx, acme)
			if !status.Limited {
				ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true})
			}
			return status
		}

		for range 3 {
			require.False(t, admit().Limited)
		}
		require.Equal(t, 2, ledger.Status(ctx, acme).RemainingRequests)

		require.False(t, admit().Limited)
		require.False(t, admit().Limited)

		status := admit()
		require.True(t, status.Limited)
		require.Equal(t, "requests per minute exceeded", status.Reason)
		require.Zero(t, status.RemainingRequests)

		// Burst refills at two per window, one every 30s.
		clock.Advance(31 * time.Second)
		require.False(t, admit().Limited)
		require.True(t, admit().Limited)
	})

	t.Run("should not spend burst while the window has room", func(t *testing.T) {
		clock := newFakeClock()
		ledger := newTestLedger(t, memory.NewStore(), domain.RateLimitConfig{MaxRequestsPerMinute: 60, Burst: 10}, clock)

		for i := range 60 {
			status := ledger.CheckAdmission(ctx, acme)
			require.False(t, status.Limited, "request %d", i+1)
			require.Equal(t, 70-i, status.RemainingRequests)
			ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true})
		}
	})

	t.Run("should report status without consuming burst", func(t *testing.T) {
		clock := newFakeClock()
		ledger := newTestLedger(t, memory.NewStore(), domain.RateLimitConfig{MaxRequestsPerMinute: 1, Burst: 1}, clock)

		require.False(t, ledger.CheckAdmission(ctx, acme).Limited)
		ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true})

		for range 5 {
			status := ledger.Status(ctx, acme)
			require.False(t, status.Limited)
			require.Equal(t, 1, status.RemainingRequests)
		}
		require.False(t, ledger.CheckAdmission(ctx, acme).Limited)
		ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true})

		status := ledger.Status(ctx, acme)
		require.True(t, status.Limited)
		require.Equal(t, "requests per minute exceeded", status.Reason)
	})
}

func TestUsageLedgerService_Prune(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ledger := newTestLedger(t, memory.NewStore(), domain.RateLimitConfig{MaxRequestsPerMinute: 10}, clock)

	ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true})
	ledger.Record(ctx, &domain.UsageRecord{Tenant: globex, Success: true})
	require.Equal(t, 2, ledger.ActiveTenants())

	clock.Advance(30 * time.Second)
	require.Zero(t, ledger.Prune())
	require.Equal(t, 2, ledger.ActiveTenants())

	clock.Advance(31 * time.Second)
	require.Equal(t, 2, ledger.Prune())
	require.Zero(t, ledger.ActiveTenants())
}

func TestUsageLedgerService_Record(t *testing.T) {
	ctx := context.Background()

	t.Run("should assign id and timestamp", func(t *testing.T) {
		clock := newFakeClock()
		store := memory.NewStore()
		ledger := newTestLedger(t, store, domain.RateLimitConfig{}, clock)

		ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true})
		waitForRecords(t, store, 1)

		records, err := store.Query(ctx, domain.UsageFilter{})
		require.NoError(t, err)
		require.NotEmpty(t, records[0].ID)
		require.Equal(t, clock.Now(), records[0].CreatedAt)
	})

	t.Run("should retry failed inserts", func(t *testing.T) {
		store := &flakyStore{Store: memory.NewStore(), insertFailures: 2}
		ledger := newTestLedger(t, store, domain.RateLimitConfig{}, newFakeClock())

		ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true})
		waitForRecords(t, store.Store, 1)
	})

	t.Run("should drain pending writes on close", func(t *testing.T) {
		store := memory.NewStore()
		ledger, err := domain.NewUsageLedgerService(store, domain.LedgerConfig{})
		require.NoError(t, err)

		for range 25 {
			ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true})
		}
		require.NoError(t, ledger.Close(ctx))
		require.Equal(t, 25, store.Len())

		// Records after close are dropped without panicking.
		ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Success: true})
		require.Equal(t, 25, store.Len())
	})
}

func TestUsageLedgerService_UsageStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStore()
	ledger := newTestLedger(t, store, domain.RateLimitConfig{}, clock)

	ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Provider: "openai", Operation: "hashtags", TokensUsed: 120, Cost: 0.0012, Success: true})
	ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Provider: "openai", Operation: "hashtags", Success: true, Cached: true})
	ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Provider: "anthropic", Operation: "summary", TokensUsed: 80, Cost: 0.0009, Success: true})
	ledger.Record(ctx, &domain.UsageRecord{Tenant: acme, Provider: "anthropic", Operation: "summary", ErrorCode: string(domain.CodeUpstreamError)})
	ledger.Record(ctx, &domain.UsageRecord{Tenant: globex, Provider: "openai", Operation: "hashtags", TokensUsed: 999, Cost: 1, Success: true})
	waitForRecords(t, store, 5)

	t.Run("should aggregate a tenant's records", func(t *testing.T) {
		stats, err := ledger.UsageStats(ctx, acme, time.Time{}, time.Time{})
		require.NoError(t, err)

		require.Equal(t, 4, stats.TotalRequests)
		require.Equal(t, 200, stats.TotalTokens)
		require.InDelta(t, 0.0021, stats.TotalCost, 1e-9)
		require.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
		require.InDelta(t, 0.25, stats.CacheHitRate, 1e-9)

		require.Equal(t, 2, stats.ByProvider["openai"].Requests)
		require.Equal(t, 120, stats.ByProvider["openai"].Tokens)
		require.Equal(t, 2, stats.ByOperation["summary"].Requests)
		require.InDelta(t, 0.0009, stats.ByOperation["summary"].Cost, 1e-9)
	})

	t.Run("should honor the time range", func(t *testing.T) {
		stats, err := ledger.UsageStats(ctx, acme, clock.Now().Add(time.Minute), clock.Now().Add(2*time.Minute))
		require.NoError(t, err)
		require.Zero(t, stats.TotalRequests)
		require.Zero(t, stats.SuccessRate)
	})

	t.Run("should reject an inverted range", func(t *testing.T) {
		_, err := ledger.UsageStats(ctx, acme, clock.Now(), clock.Now().Add(-time.Hour))
		require.Error(t, err)
	})
}
