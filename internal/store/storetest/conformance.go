// Package storetest holds the behavior every domain.UsageStore must share.
// Backend packages run it from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/quillgate/internal/domain"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) domain.UsageStore

// Run exercises insert, cost sums and queries against the store.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	acme := domain.Tenant{WorkspaceID: "acme", UserID: "u1"}
	acmeOther := domain.Tenant{WorkspaceID: "acme", UserID: "u2"}
	globex := domain.Tenant{WorkspaceID: "globex", UserID: "u9"}

	seed := func(t *testing.T) domain.UsageStore {
		store := newStore(t)
		t.Cleanup(func() { _ = store.Close() })

		records := []*domain.UsageRecord{
			{ID: "3", Tenant: acme, Provider: "openai", Model: "gpt-4o", Operation: "generate", TokensUsed: 30, Cost: 0.3, Success: true, CreatedAt: base.Add(2 * time.Minute)},
			{ID: "1", Tenant: acme, Provider: "openai", Model: "gpt-4o", Operation: "generate", TokensUsed: 10, Cost: 0.1, Success: true, CreatedAt: base},
			{ID: "2", Tenant: globex, Provider: "anthropic", Model: "claude-3-haiku-20240307", Operation: "generate", Cost: 5, CreatedAt: base.Add(time.Minute)},
			{ID: "4", Tenant: acmeOther, Provider: "echo", Model: "echo4", Operation: "generate", Cached: true, ErrorCode: "", CreatedAt: base.Add(3 * time.Minute)},
		}
		for _, rec := range records {
			require.NoError(t, store.Insert(ctx, rec))
		}
		return store
	}

	t.Run("should sum cost per workspace since a point in time", func(t *testing.T) {
		store := seed(t)

		total, err := store.SumCost(ctx, "acme", base)
		require.NoError(t, err)
		require.InDelta(t, 0.4, total, 1e-9)

		total, err = store.SumCost(ctx, "acme", base.Add(time.Minute))
		require.NoError(t, err)
		require.InDelta(t, 0.3, total, 1e-9)

		total, err = store.SumCost(ctx, "nobody", base)
		require.NoError(t, err)
		require.Zero(t, total)
	})

	t.Run("should query oldest first by workspace", func(t *testing.T) {
		store := seed(t)

		records, err := store.Query(ctx, domain.UsageFilter{WorkspaceID: "acme"})
		require.NoError(t, err)
		require.Len(t, records, 3)
		require.Equal(t, "1", records[0].ID)
		require.Equal(t, "3", records[1].ID)
		require.Equal(t, "4", records[2].ID)
	})

	t.Run("should filter by user and time range", func(t *testing.T) {
		store := seed(t)

		records, err := store.Query(ctx, domain.UsageFilter{WorkspaceID: "acme", UserID: "u2"})
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.True(t, records[0].Cached)

		records, err = store.Query(ctx, domain.UsageFilter{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, "2", records[0].ID)
	})

	t.Run("should round trip every field", func(t *testing.T) {
		store := newStore(t)
		t.Cleanup(func() { _ = store.Close() })

		want := &domain.UsageRecord{
			ID:           "full",
			Tenant:       acme,
			Provider:     "gemini",
			Model:        "gemini-1.5-flash",
			Operation:    "generate",
			TokensUsed:   42,
			Cost:         0.000123,
			LatencyMs:    250,
			Success:      false,
			ErrorCode:    "UPSTREAM_ERROR",
			ErrorMessage: "status 503",
			Cached:       false,
			CreatedAt:    base.Add(1500 * time.Microsecond),
		}
		require.NoError(t, store.Insert(ctx, want))

		records, err := store.Query(ctx, domain.UsageFilter{WorkspaceID: "acme"})
		require.NoError(t, err)
		require.Len(t, records, 1)

		got := records[0]
		require.True(t, want.CreatedAt.Equal(got.CreatedAt))
		got.CreatedAt = want.CreatedAt
		require.Equal(t, want, got)
	})

	t.Run("should treat a repeated insert as one record", func(t *testing.T) {
		store := newStore(t)
		t.Cleanup(func() { _ = store.Close() })

		rec := &domain.UsageRecord{ID: "dup", Tenant: acme, Cost: 1, CreatedAt: base}
		require.NoError(t, store.Insert(ctx, rec))
		require.NoError(t, store.Insert(ctx, rec))

		total, err := store.SumCost(ctx, "acme", base)
		require.NoError(t, err)
		require.InDelta(t, 1.0, total, 1e-9)
	})

	t.Run("should reject a nil record", func(t *testing.T) {
		store := newStore(t)
		t.Cleanup(func() { _ = store.Close() })

		require.Error(t, store.Insert(ctx, nil))
	})
}
