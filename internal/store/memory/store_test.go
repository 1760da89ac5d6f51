package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/store/memory"
	"github.com/davidbz/quillgate/internal/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(_ *testing.T) domain.UsageStore {
		return memory.NewStore()
	})
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	acme := domain.Tenant{WorkspaceID: "acme", UserID: "u1"}

	t.Run("should store copies", func(t *testing.T) {
		store := memory.NewStore()
		rec := &domain.UsageRecord{ID: "a", Tenant: acme, Cost: 1, CreatedAt: base}
		require.NoError(t, store.Insert(ctx, rec))

		rec.Cost = 99

		records, err := store.Query(ctx, domain.UsageFilter{})
		require.NoError(t, err)
		require.InDelta(t, 1.0, records[0].Cost, 1e-9)
	})

	t.Run("should count records", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.Insert(ctx, &domain.UsageRecord{ID: "a", Tenant: acme, CreatedAt: base}))
		require.NoError(t, store.Insert(ctx, &domain.UsageRecord{ID: "b", Tenant: acme, CreatedAt: base}))
		require.Equal(t, 2, store.Len())
	})

	t.Run("should reject inserts after close", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.Close())
		require.Error(t, store.Insert(ctx, &domain.UsageRecord{ID: "x"}))
	})
}
