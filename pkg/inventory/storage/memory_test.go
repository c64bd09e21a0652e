package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

func seedLot(t *testing.T, s *MemoryStorage, id string, orderDate time.Time) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateLot(ctx, &inventory.Lot{
		ID:              id,
		OrderNumber:     "PO-" + id,
		OrderDate:       orderDate,
		ProcurementType: inventory.ProcurementTypePurchase,
		CreatedAt:       orderDate,
	}))
	require.NoError(t, tx.Commit())
}

func TestMemoryStorage_BeginTimesOutWithContention(t *testing.T) {
	s := NewMemoryStorage(zap.NewNop(), 20*time.Millisecond)
	ctx := context.Background()

	held, err := s.Begin(ctx)
	require.NoError(t, err)

	_, err = s.Begin(ctx)
	assert.ErrorIs(t, err, inventory.ErrContention)

	require.NoError(t, held.Rollback())
	next, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, next.Rollback())
}

func TestMemoryStorage_ZeroLockTimeoutUsesDefault(t *testing.T) {
	s := NewMemoryStorage(nil, 0)
	assert.Equal(t, DefaultLockTimeout, s.lockTimeout)

	held, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer held.Rollback()

	// 待機は無期限ではなくロック競合として返る
	ctx, cancel := context.WithTimeout(context.Background(), 2*DefaultLockTimeout)
	defer cancel()
	_, err = s.Begin(ctx)
	assert.ErrorIs(t, err, inventory.ErrContention)
}

func TestMemoryStorage_RollbackDiscardsChanges(t *testing.T) {
	s := NewMemoryStorage(nil, time.Second)
	ctx := context.Background()
	seedLot(t, s, "LOT-1", time.Now())

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.CreateOrMergeBatch(ctx, &inventory.Batch{ItemID: "ITEM-1", LocationID: "LOC-A", LotID: "LOT-1", AvailableQuantity: 5})
	require.NoError(t, err)
	_, err = tx.AdjustAggregate(ctx, "ITEM-1", "LOC-A", 5)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	total, err := s.SumStock(ctx, "ITEM-1", "")
	require.NoError(t, err)
	assert.Zero(t, total)
	agg, err := s.GetAggregate(ctx, "ITEM-1", "LOC-A")
	require.NoError(t, err)
	assert.Nil(t, agg)
}

func TestMemoryTx_BatchLifecycle(t *testing.T) {
	s := NewMemoryStorage(nil, time.Second)
	ctx := context.Background()
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedLot(t, s, "LOT-1", jan)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	created, err := tx.CreateOrMergeBatch(ctx, &inventory.Batch{
		ItemID: "ITEM-1", LocationID: "LOC-A", LotID: "LOT-1", AvailableQuantity: 5, UnitPrice: decimal.NewFromInt(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "PO-LOT-1", created.OrderNumber)
	assert.True(t, created.LotDate.Equal(jan))

	merged, err := tx.CreateOrMergeBatch(ctx, &inventory.Batch{
		ItemID: "ITEM-1", LocationID: "LOC-A", LotID: "LOT-1", AvailableQuantity: 2, UnitPrice: decimal.NewFromInt(9),
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, merged.ID)
	assert.Equal(t, int64(7), merged.AvailableQuantity)
	// 既存バッチの単価は維持される
	assert.True(t, decimal.NewFromInt(3).Equal(merged.UnitPrice))

	_, err = tx.AdjustBatch(ctx, created.ID, -8, nil)
	assert.ErrorIs(t, err, inventory.ErrInvariantViolation)

	left, err := tx.AdjustBatch(ctx, created.ID, -7, nil)
	require.NoError(t, err)
	assert.Zero(t, left)

	deleted, err := tx.DeleteIfEmpty(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	locked, err := tx.LockBatches(ctx, "ITEM-1", "LOC-A")
	require.NoError(t, err)
	assert.Empty(t, locked)
	require.NoError(t, tx.Commit())

	assert.Error(t, tx.Commit())
}

func TestMemoryTx_CreateOrMergeBatch_UnknownLot(t *testing.T) {
	s := NewMemoryStorage(nil, time.Second)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.CreateOrMergeBatch(ctx, &inventory.Batch{ItemID: "ITEM-1", LocationID: "LOC-A", LotID: "missing", AvailableQuantity: 1})
	assert.ErrorIs(t, err, inventory.ErrLotNotFound)
}

func TestMemoryCatalog_MainStoreIsCreatedOnce(t *testing.T) {
	c := NewMemoryCatalog(nil, "中央倉庫")
	ctx := context.Background()

	first, err := c.MainStoreLocation(ctx)
	require.NoError(t, err)
	second, err := c.MainStoreLocation(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "中央倉庫", first.Name)

	locations, err := c.ListLocations(ctx)
	require.NoError(t, err)
	assert.Len(t, locations, 1)
}
