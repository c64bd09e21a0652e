package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
	"github.com/nemonet1337/zaiLedger/pkg/inventory/storage"
)

var (
	jan = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
)

// MockAuditSink はテスト用のAuditSinkモック
type MockAuditSink struct {
	mock.Mock
}

func (m *MockAuditSink) Record(ctx context.Context, entry inventory.AuditEntry) error {
	return m.Called(ctx, entry).Error(0)
}

// limitRecorder は履歴取得に渡された件数上限を記録する
type limitRecorder struct {
	inventory.Storage
	limits []int
}

func (r *limitRecorder) ListMovements(ctx context.Context, itemID string, limit int) ([]inventory.Movement, error) {
	r.limits = append(r.limits, limit)
	return r.Storage.ListMovements(ctx, itemID, limit)
}

// flakyStorage は最初の failures 回だけ Begin でロック競合を返す
type flakyStorage struct {
	inventory.Storage
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStorage) Begin(ctx context.Context) (inventory.Tx, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, inventory.NewContentionError("begin", "test", errors.New("lock timeout"))
	}
	return f.Storage.Begin(ctx)
}

type fixture struct {
	manager *inventory.Manager
	store   *storage.MemoryStorage
	catalog *storage.MemoryCatalog
	audit   *storage.MemoryAuditSink
	metrics *inventory.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStorage(zap.NewNop(), time.Second)
	catalog := storage.NewMemoryCatalog(store, "")
	audit := storage.NewMemoryAuditSink()
	metrics := inventory.NewMetrics(prometheus.NewRegistry())

	require.NoError(t, catalog.CreateItem(ctx, &inventory.Item{ID: "ITEM-1", Name: "テスト商品", UnitPrice: decimal.NewFromInt(100)}))
	require.NoError(t, catalog.CreateItem(ctx, &inventory.Item{ID: "ITEM-2", Name: "テスト商品2", UnitPrice: decimal.NewFromInt(50)}))
	require.NoError(t, catalog.CreateLocation(ctx, &inventory.Location{ID: "LOC-A", Name: "倉庫A"}))
	require.NoError(t, catalog.CreateLocation(ctx, &inventory.Location{ID: "LOC-B", Name: "倉庫B"}))

	manager := inventory.NewManager(store, catalog, audit, zap.NewNop(), &inventory.Config{
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
		AuditEnabled: true,
	}, inventory.WithMetrics(metrics))

	return &fixture{manager: manager, store: store, catalog: catalog, audit: audit, metrics: metrics}
}

func (f *fixture) lot(t *testing.T, orderDate time.Time) *inventory.Lot {
	t.Helper()
	lot, err := f.manager.CreateLot(context.Background(), inventory.LotInput{
		Supplier:  "テスト仕入先",
		OrderDate: &orderDate,
	})
	require.NoError(t, err)
	return lot
}

func (f *fixture) receive(t *testing.T, lotID, locationID string, qty int64, price string) int64 {
	t.Helper()
	id, err := f.manager.Receive(context.Background(), inventory.ReceiveRequest{
		ItemID:     "ITEM-1",
		LotID:      lotID,
		LocationID: locationID,
		Quantity:   qty,
		UnitPrice:  decimal.RequireFromString(price),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) available(t *testing.T, locationID string) int64 {
	t.Helper()
	qty, err := f.manager.Availability(context.Background(), "ITEM-1", locationID)
	require.NoError(t, err)
	return qty
}

// assertConsistent は全ての集計値がバッチ合計と一致することを確認
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	keys, err := f.store.ListStockKeys(ctx)
	require.NoError(t, err)
	for _, key := range keys {
		var aggregate int64
		agg, err := f.store.GetAggregate(ctx, key.ItemID, key.LocationID)
		require.NoError(t, err)
		if agg != nil {
			aggregate = agg.Quantity
		}
		sum, err := f.store.SumStock(ctx, key.ItemID, key.LocationID)
		require.NoError(t, err)
		assert.Equal(t, sum, aggregate, "%s@%s", key.ItemID, key.LocationID)
	}
}

// TestManager_Receive は入荷機能のテスト
func TestManager_Receive(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)

	batchID := f.receive(t, lot.ID, "LOC-A", 10, "100")

	assert.NotZero(t, batchID)
	assert.Equal(t, int64(10), f.available(t, "LOC-A"))

	batches, err := f.manager.Batches(context.Background(), "ITEM-1", "LOC-A")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, lot.ID, batches[0].LotID)
	assert.Equal(t, lot.OrderNumber, batches[0].OrderNumber)
	assert.True(t, decimal.NewFromInt(100).Equal(batches[0].UnitPrice))

	stored, err := f.store.GetLot(context.Background(), lot.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, int64(10), stored.Lines[0].Quantity)

	entries := f.audit.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, inventory.AuditActionReceive, entries[len(entries)-1].Action)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("receive", "ok")))
	f.assertConsistent(t)
}

// TestManager_Receive_MainStoreDefault はロケーション省略時にメインストアへ入荷するテスト
func TestManager_Receive_MainStoreDefault(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)

	f.receive(t, lot.ID, "", 7, "10")

	main, err := f.catalog.MainStoreLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.DefaultMainStoreName, main.Name)
	assert.Equal(t, int64(7), f.available(t, main.ID))

	// メインストアも他のロケーションと同様にロット追跡される
	batches, err := f.manager.Batches(context.Background(), "ITEM-1", main.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, lot.ID, batches[0].LotID)
}

// TestManager_Receive_MergesSameLot は同一ロットの再入荷が同じバッチに加算されるテスト
func TestManager_Receive_MergesSameLot(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)

	first := f.receive(t, lot.ID, "LOC-A", 10, "100")
	second := f.receive(t, lot.ID, "LOC-A", 5, "100")

	assert.Equal(t, first, second)
	batches, err := f.manager.Batches(context.Background(), "ITEM-1", "LOC-A")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, int64(15), batches[0].AvailableQuantity)
	assert.Equal(t, int64(15), f.available(t, "LOC-A"))
}

// TestManager_Receive_Errors は入荷のエラー種別のテスト
func TestManager_Receive_Errors(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	ctx := context.Background()

	tests := []struct {
		name string
		req  inventory.ReceiveRequest
		kind error
	}{
		{"unknown item", inventory.ReceiveRequest{ItemID: "NOPE", LotID: lot.ID, LocationID: "LOC-A", Quantity: 1}, inventory.ErrNotFound},
		{"unknown location", inventory.ReceiveRequest{ItemID: "ITEM-1", LotID: lot.ID, LocationID: "NOPE", Quantity: 1}, inventory.ErrNotFound},
		{"unknown lot", inventory.ReceiveRequest{ItemID: "ITEM-1", LotID: "NOPE", LocationID: "LOC-A", Quantity: 1}, inventory.ErrNotFound},
		{"zero quantity", inventory.ReceiveRequest{ItemID: "ITEM-1", LotID: lot.ID, LocationID: "LOC-A", Quantity: 0}, inventory.ErrInvalidArgument},
		{"negative price", inventory.ReceiveRequest{ItemID: "ITEM-1", LotID: lot.ID, LocationID: "LOC-A", Quantity: 1, UnitPrice: decimal.NewFromInt(-1)}, inventory.ErrInvalidArgument},
		{"price overflow", inventory.ReceiveRequest{ItemID: "ITEM-1", LotID: lot.ID, LocationID: "LOC-A", Quantity: 1, UnitPrice: decimal.RequireFromString("10000000000")}, inventory.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Receive(ctx, tt.req)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	assert.Equal(t, int64(0), f.available(t, "LOC-A"))
}

// TestManager_Move_FIFO は1月10個・2月10個から15個を移動するテスト
func TestManager_Move_FIFO(t *testing.T) {
	f := newFixture(t)
	ctx := inventory.WithActor(context.Background(), "user-1")
	janLot := f.lot(t, jan)
	febLot := f.lot(t, feb)
	f.receive(t, febLot.ID, "LOC-A", 10, "120")
	f.receive(t, janLot.ID, "LOC-A", 10, "100")

	movementID, err := f.manager.Move(ctx, inventory.MoveRequest{
		ItemID:         "ITEM-1",
		FromLocationID: "LOC-A",
		ToLocationID:   "LOC-B",
		Quantity:       15,
	})
	require.NoError(t, err)

	source, err := f.manager.Batches(ctx, "ITEM-1", "LOC-A")
	require.NoError(t, err)
	require.Len(t, source, 1)
	assert.Equal(t, febLot.ID, source[0].LotID)
	assert.Equal(t, int64(5), source[0].AvailableQuantity)

	dest, err := f.manager.Batches(ctx, "ITEM-1", "LOC-B")
	require.NoError(t, err)
	require.Len(t, dest, 2)
	assert.Equal(t, janLot.ID, dest[0].LotID)
	assert.Equal(t, int64(10), dest[0].AvailableQuantity)
	assert.True(t, decimal.NewFromInt(100).Equal(dest[0].UnitPrice))
	assert.Equal(t, febLot.ID, dest[1].LotID)
	assert.Equal(t, int64(5), dest[1].AvailableQuantity)
	assert.True(t, decimal.NewFromInt(120).Equal(dest[1].UnitPrice))
	for _, b := range dest {
		require.NotNil(t, b.LastMovementID)
		assert.Equal(t, movementID, *b.LastMovementID)
	}

	assert.Equal(t, int64(5), f.available(t, "LOC-A"))
	assert.Equal(t, int64(15), f.available(t, "LOC-B"))

	total, err := f.manager.ItemTotal(ctx, "ITEM-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)

	movements, err := f.store.ListMovements(ctx, "ITEM-1", 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, "user-1", movements[0].PerformedBy)
	assert.True(t, decimal.NewFromInt(1600).Equal(movements[0].Cost))
	f.assertConsistent(t)
}

// TestManager_Receive_LotPriceFixed は同一ロット・同一商品を別単価で入庫できないテスト
func TestManager_Receive_LotPriceFixed(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	ctx := context.Background()
	f.receive(t, lot.ID, "LOC-A", 10, "100")

	_, err := f.manager.Receive(ctx, inventory.ReceiveRequest{
		ItemID: "ITEM-1", LotID: lot.ID, LocationID: "LOC-B", Quantity: 10, UnitPrice: decimal.NewFromInt(200),
	})
	require.ErrorIs(t, err, inventory.ErrInvalidArgument)
	var ve *inventory.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "unit_price", ve.Field)
	assert.Equal(t, int64(0), f.available(t, "LOC-B"))

	// 同じ単価なら別ロケーションにも入庫できる
	f.receive(t, lot.ID, "LOC-B", 10, "100.00")
	_, err = f.manager.Move(ctx, inventory.MoveRequest{ItemID: "ITEM-1", FromLocationID: "LOC-A", ToLocationID: "LOC-B", Quantity: 5})
	require.NoError(t, err)

	dest, err := f.manager.Batches(ctx, "ITEM-1", "LOC-B")
	require.NoError(t, err)
	require.Len(t, dest, 1)
	assert.Equal(t, int64(15), dest[0].AvailableQuantity)
	assert.True(t, decimal.NewFromInt(100).Equal(dest[0].UnitPrice))

	movements, err := f.store.ListMovements(ctx, "ITEM-1", 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.True(t, decimal.NewFromInt(500).Equal(movements[0].Cost))
	f.assertConsistent(t)
}

// TestManager_Move_PriceMismatch は移動先バッチの単価が異なる場合に移動を拒否するテスト
func TestManager_Move_PriceMismatch(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	ctx := context.Background()
	f.receive(t, lot.ID, "LOC-A", 10, "100")
	f.receive(t, lot.ID, "LOC-B", 10, "100")

	f.store.CorruptBatchPrice("ITEM-1", "LOC-B", lot.ID, decimal.NewFromInt(200))

	_, err := f.manager.Move(ctx, inventory.MoveRequest{ItemID: "ITEM-1", FromLocationID: "LOC-A", ToLocationID: "LOC-B", Quantity: 5})
	require.ErrorIs(t, err, inventory.ErrConsistencyViolation)
	var ce *inventory.ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, lot.ID, ce.LotID)
	assert.Equal(t, "LOC-B", ce.LocationID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConsistencyViolations.WithLabelValues("move")))

	// 拒否された移動は何も変更しない
	assert.Equal(t, int64(10), f.available(t, "LOC-A"))
	assert.Equal(t, int64(10), f.available(t, "LOC-B"))
	movements, err := f.store.ListMovements(ctx, "ITEM-1", 10)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

// TestManager_Move_Errors は移動のエラー種別のテスト
func TestManager_Move_Errors(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	f.receive(t, lot.ID, "LOC-A", 10, "1")
	ctx := context.Background()

	_, err := f.manager.Move(ctx, inventory.MoveRequest{ItemID: "ITEM-1", FromLocationID: "LOC-A", ToLocationID: "LOC-A", Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrSameLocation)
	assert.ErrorIs(t, err, inventory.ErrInvalidArgument)

	_, err = f.manager.Move(ctx, inventory.MoveRequest{ItemID: "ITEM-1", FromLocationID: "LOC-A", ToLocationID: "LOC-B", Quantity: -3})
	assert.ErrorIs(t, err, inventory.ErrInvalidArgument)

	_, err = f.manager.Move(ctx, inventory.MoveRequest{ItemID: "ITEM-1", FromLocationID: "LOC-A", ToLocationID: "NOPE", Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	_, err = f.manager.Move(ctx, inventory.MoveRequest{ItemID: "ITEM-1", FromLocationID: "LOC-A", ToLocationID: "LOC-B", Quantity: 11})
	var ise *inventory.InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, int64(11), ise.Requested)
	assert.Equal(t, int64(10), ise.Available)

	// 失敗した操作は何も変更しない
	assert.Equal(t, int64(10), f.available(t, "LOC-A"))
	assert.Equal(t, int64(0), f.available(t, "LOC-B"))
	f.assertConsistent(t)
}

// TestManager_Discard_LocationScoped は廃棄が他ロケーションのバッチを消費しないテスト
func TestManager_Discard_LocationScoped(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	f.receive(t, lot.ID, "LOC-A", 10, "100")
	f.receive(t, lot.ID, "LOC-B", 10, "100")
	ctx := context.Background()

	_, err := f.manager.Discard(ctx, inventory.DiscardRequest{
		ItemID: "ITEM-1", LocationID: "LOC-A", Quantity: 15, Reason: inventory.DiscardReasonDamaged,
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, int64(10), f.available(t, "LOC-B"))

	_, err = f.manager.Discard(ctx, inventory.DiscardRequest{
		ItemID: "ITEM-1", LocationID: "LOC-A", Quantity: 10, Reason: inventory.DiscardReasonExpired,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), f.available(t, "LOC-A"))
	assert.Equal(t, int64(10), f.available(t, "LOC-B"))

	// 空のバッチは削除される
	batches, err := f.manager.Batches(ctx, "ITEM-1", "LOC-A")
	require.NoError(t, err)
	assert.Empty(t, batches)

	dead, err := f.manager.DeadStock(ctx, "ITEM-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), dead)

	discards, err := f.store.ListDiscards(ctx, "ITEM-1", 10)
	require.NoError(t, err)
	require.Len(t, discards, 1)
	assert.True(t, decimal.NewFromInt(1000).Equal(discards[0].Cost))
	f.assertConsistent(t)
}

// TestManager_Discard_Overdraw は在庫50に対して60を廃棄するテスト
func TestManager_Discard_Overdraw(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	f.receive(t, lot.ID, "LOC-A", 50, "1")
	ctx := context.Background()

	_, err := f.manager.Discard(ctx, inventory.DiscardRequest{
		ItemID: "ITEM-1", LocationID: "LOC-A", Quantity: 60, Reason: inventory.DiscardReasonOther,
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	batches, err := f.manager.Batches(ctx, "ITEM-1", "LOC-A")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, int64(50), batches[0].AvailableQuantity)

	dead, err := f.manager.DeadStock(ctx, "ITEM-1")
	require.NoError(t, err)
	assert.Zero(t, dead)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("discard", "insufficient")))
}

// TestManager_Discard_InvalidReason は無効な廃棄理由のテスト
func TestManager_Discard_InvalidReason(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Discard(context.Background(), inventory.DiscardRequest{
		ItemID: "ITEM-1", LocationID: "LOC-A", Quantity: 1, Reason: "Lost",
	})
	assert.ErrorIs(t, err, inventory.ErrInvalidArgument)
}

// TestManager_DeadStockMonotonic はデッドストックが減少しないテスト
func TestManager_DeadStockMonotonic(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	f.receive(t, lot.ID, "LOC-A", 30, "1")
	ctx := context.Background()

	var last int64
	for _, qty := range []int64{5, 40, 10, 15} {
		_, _ = f.manager.Discard(ctx, inventory.DiscardRequest{
			ItemID: "ITEM-1", LocationID: "LOC-A", Quantity: qty, Reason: inventory.DiscardReasonObsolete,
		})
		dead, err := f.manager.DeadStock(ctx, "ITEM-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, dead, last)
		last = dead
	}
	assert.Equal(t, int64(30), last)
}

// TestManager_ConsistencyViolation は集計値の破損を在庫不足と区別するテスト
func TestManager_ConsistencyViolation(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	f.receive(t, lot.ID, "LOC-A", 50, "1")
	ctx := context.Background()

	f.store.CorruptAggregate("ITEM-1", "LOC-A", 60)

	_, err := f.manager.Discard(ctx, inventory.DiscardRequest{
		ItemID: "ITEM-1", LocationID: "LOC-A", Quantity: 55, Reason: inventory.DiscardReasonDamaged,
	})
	require.ErrorIs(t, err, inventory.ErrConsistencyViolation)
	assert.NotErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConsistencyViolations.WithLabelValues("discard")))

	drifts, err := f.manager.Reconcile(ctx, true)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, int64(60), drifts[0].Aggregate)
	assert.Equal(t, int64(50), drifts[0].BatchSum)
	assert.False(t, drifts[0].Repaired)
	assert.Equal(t, int64(60), f.available(t, "LOC-A"))

	drifts, err = f.manager.Reconcile(ctx, false)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.True(t, drifts[0].Repaired)
	assert.Equal(t, int64(50), f.available(t, "LOC-A"))

	_, err = f.manager.Discard(ctx, inventory.DiscardRequest{
		ItemID: "ITEM-1", LocationID: "LOC-A", Quantity: 50, Reason: inventory.DiscardReasonDamaged,
	})
	require.NoError(t, err)
	f.assertConsistent(t)
}

// TestManager_ConcurrentMoves は在庫50に対して30の移動を2つ同時に行うテスト
func TestManager_ConcurrentMoves(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	f.receive(t, lot.ID, "LOC-A", 50, "1")

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Move(context.Background(), inventory.MoveRequest{
				ItemID: "ITEM-1", FromLocationID: "LOC-A", ToLocationID: "LOC-B", Quantity: 30,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, inventory.ErrInsufficientStock):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(20), f.available(t, "LOC-A"))
	assert.Equal(t, int64(30), f.available(t, "LOC-B"))
	f.assertConsistent(t)
}

// TestManager_ContentionRetry はロック競合時の再試行のテスト
func TestManager_ContentionRetry(t *testing.T) {
	ctx := context.Background()
	base := newFixture(t)
	lot := base.lot(t, jan)

	flaky := &flakyStorage{Storage: base.store, failures: 2}
	metrics := inventory.NewMetrics(nil)
	manager := inventory.NewManager(flaky, base.catalog, nil, zap.NewNop(), &inventory.Config{
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, inventory.WithMetrics(metrics))

	_, err := manager.Receive(ctx, inventory.ReceiveRequest{ItemID: "ITEM-1", LotID: lot.ID, LocationID: "LOC-A", Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ContentionRetries.WithLabelValues("receive")))

	// 再試行回数を超えた場合は Contention を返す
	flaky.failures, flaky.calls = 10, 0
	noRetry := inventory.NewManager(flaky, base.catalog, nil, zap.NewNop(), &inventory.Config{MaxRetries: 1, RetryBackoff: time.Millisecond})
	_, err = noRetry.Receive(ctx, inventory.ReceiveRequest{ItemID: "ITEM-1", LotID: lot.ID, LocationID: "LOC-A", Quantity: 4})
	require.ErrorIs(t, err, inventory.ErrContention)
	assert.Equal(t, 2, flaky.calls)
	assert.Equal(t, int64(4), base.available(t, "LOC-A"))
}

// TestManager_AuditFailureDoesNotRollback は監査記録の失敗が台帳に影響しないテスト
func TestManager_AuditFailureDoesNotRollback(t *testing.T) {
	base := newFixture(t)
	lot := base.lot(t, jan)

	audit := new(MockAuditSink)
	audit.On("Record", mock.Anything, mock.MatchedBy(func(e inventory.AuditEntry) bool {
		return e.Action == inventory.AuditActionReceive && e.ActorID == "auditor"
	})).Return(errors.New("audit service down"))

	metrics := inventory.NewMetrics(nil)
	manager := inventory.NewManager(base.store, base.catalog, audit, zap.NewNop(), nil, inventory.WithMetrics(metrics))

	ctx := inventory.WithActor(context.Background(), "auditor")
	_, err := manager.Receive(ctx, inventory.ReceiveRequest{ItemID: "ITEM-1", LotID: lot.ID, LocationID: "LOC-A", Quantity: 3})

	require.NoError(t, err)
	assert.Equal(t, int64(3), base.available(t, "LOC-A"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditFailures))
	audit.AssertExpectations(t)
}

// TestManager_CreateLot はロット作成と発注番号の自動採番のテスト
func TestManager_CreateLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.lot(t, jan)
	second := f.lot(t, feb)
	assert.Equal(t, "PO-0001", first.OrderNumber)
	assert.Equal(t, "PO-0002", second.OrderNumber)
	assert.Equal(t, inventory.ProcurementTypePurchase, first.ProcurementType)

	donation, err := f.manager.CreateLot(ctx, inventory.LotInput{OrderNumber: "DON-7", ProcurementType: inventory.ProcurementTypeDonation})
	require.NoError(t, err)
	assert.Equal(t, "DON-7", donation.OrderNumber)

	_, err = f.manager.CreateLot(ctx, inventory.LotInput{OrderNumber: "DON-7"})
	assert.ErrorIs(t, err, inventory.ErrDuplicateOrderNumber)
	assert.ErrorIs(t, err, inventory.ErrInvalidArgument)

	_, err = f.manager.CreateLot(ctx, inventory.LotInput{ProcurementType: "Barter"})
	assert.ErrorIs(t, err, inventory.ErrInvalidArgument)
}

// TestManager_ReceiveProcurement は一括入荷のテスト
func TestManager_ReceiveProcurement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.manager.ReceiveProcurement(ctx, inventory.ProcurementReceipt{
		Lot:        inventory.LotInput{Supplier: "仕入先A", OrderDate: &jan},
		LocationID: "LOC-A",
		Lines: []inventory.ReceiptLine{
			{ItemID: "ITEM-2", Quantity: 4, UnitPrice: decimal.NewFromInt(50)},
			{ItemID: "ITEM-1", Quantity: 6, UnitPrice: decimal.NewFromInt(100)},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.BatchIDs, 2)
	assert.Len(t, result.Lot.Lines, 2)

	qty, err := f.manager.Availability(ctx, "ITEM-2", "LOC-A")
	require.NoError(t, err)
	assert.Equal(t, int64(4), qty)
	assert.Equal(t, int64(6), f.available(t, "LOC-A"))

	// 未知の商品が含まれる場合はロットも作成されない
	_, err = f.manager.ReceiveProcurement(ctx, inventory.ProcurementReceipt{
		Lot:   inventory.LotInput{OrderNumber: "PO-X"},
		Lines: []inventory.ReceiptLine{{ItemID: "NOPE", Quantity: 1}},
	})
	require.ErrorIs(t, err, inventory.ErrNotFound)
	_, err = f.manager.CreateLot(ctx, inventory.LotInput{OrderNumber: "PO-X"})
	assert.NoError(t, err)
}

// TestManager_EnsureRemovable は在庫が残る商品・ロケーションの削除拒否のテスト
func TestManager_EnsureRemovable(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	f.receive(t, lot.ID, "LOC-A", 5, "1")
	ctx := context.Background()

	assert.ErrorIs(t, f.manager.EnsureRemovable(ctx, "ITEM-1", ""), inventory.ErrStockRemaining)
	assert.ErrorIs(t, f.manager.EnsureRemovable(ctx, "", "LOC-A"), inventory.ErrStockRemaining)
	assert.NoError(t, f.manager.EnsureRemovable(ctx, "", "LOC-B"))

	assert.ErrorIs(t, f.catalog.DeleteLocation(ctx, "LOC-A"), inventory.ErrStockRemaining)
	assert.NoError(t, f.catalog.DeleteLocation(ctx, "LOC-B"))

	_, err := f.manager.Discard(ctx, inventory.DiscardRequest{ItemID: "ITEM-1", LocationID: "LOC-A", Quantity: 5, Reason: inventory.DiscardReasonOther})
	require.NoError(t, err)
	assert.NoError(t, f.catalog.DeleteItem(ctx, "ITEM-1"))
}

// TestTracker はロット追跡と履歴のテスト
func TestTracker(t *testing.T) {
	f := newFixture(t)
	lot := f.lot(t, jan)
	f.receive(t, lot.ID, "LOC-A", 10, "100")
	ctx := context.Background()

	_, err := f.manager.Move(ctx, inventory.MoveRequest{ItemID: "ITEM-1", FromLocationID: "LOC-A", ToLocationID: "LOC-B", Quantity: 4})
	require.NoError(t, err)
	_, err = f.manager.Discard(ctx, inventory.DiscardRequest{ItemID: "ITEM-1", LocationID: "LOC-B", Quantity: 1, Reason: inventory.DiscardReasonDamaged})
	require.NoError(t, err)

	tracker := inventory.NewTracker(f.store, zap.NewNop())

	trace, err := tracker.TraceLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), trace.Remaining)
	assert.Equal(t, int64(6), trace.ByLocation["LOC-A"])
	assert.Equal(t, int64(3), trace.ByLocation["LOC-B"])

	history, err := tracker.History(ctx, "ITEM-1", 10)
	require.NoError(t, err)
	require.Len(t, history.Entries, 2)
	assert.Equal(t, int64(1), history.DeadStock)

	_, err = tracker.TraceLot(ctx, "missing-lot")
	assert.ErrorIs(t, err, inventory.ErrLotNotFound)
}

// TestTracker_HistoryLimit は履歴件数上限の既定値と上限値のテスト
func TestTracker_HistoryLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"default when zero", 0, 100},
		{"default when negative", -5, 100},
		{"kept within range", 250, 250},
		{"clamped to max", 5000, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &limitRecorder{Storage: storage.NewMemoryStorage(nil, time.Second)}
			tracker := inventory.NewTracker(rec, zap.NewNop())

			_, err := tracker.History(context.Background(), "ITEM-1", tt.limit)

			require.NoError(t, err)
			assert.Equal(t, []int{tt.want}, rec.limits)
		})
	}
}

// TestValuationEngine は在庫評価のテスト
func TestValuationEngine(t *testing.T) {
	f := newFixture(t)
	janLot := f.lot(t, jan)
	febLot := f.lot(t, feb)
	f.receive(t, janLot.ID, "LOC-A", 10, "100")
	f.receive(t, febLot.ID, "LOC-A", 10, "130")
	ctx := context.Background()

	engine := inventory.NewValuationEngine(f.store, zap.NewNop())

	value, err := engine.LocationValue(ctx, "ITEM-1", "LOC-A")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2300).Equal(value))

	avg, err := engine.AverageUnitCost(ctx, "ITEM-1", "LOC-A")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(115).Equal(avg))

	projected, err := engine.ProjectedCost(ctx, "ITEM-1", "LOC-A", 12)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1260).Equal(projected.Cost()))

	// 試算は在庫を変更しない
	assert.Equal(t, int64(20), f.available(t, "LOC-A"))

	_, err = engine.ProjectedCost(ctx, "ITEM-1", "LOC-A", 21)
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
}
