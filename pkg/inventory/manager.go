package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager implements the Ledger interface on top of a transactional Storage
// トランザクション対応ストレージ上で Ledger インターフェースを実装
type Manager struct {
	storage   Storage    // ストレージ層
	catalog   Catalog    // カタログ参照
	audit     AuditSink  // 監査記録
	allocator *Allocator // FIFO引当
	metrics   *Metrics   // メトリクス（nil可）
	logger    *zap.Logger
	config    *Config
	now       func() time.Time
}

var _ Ledger = (*Manager)(nil)

// Config holds configuration for the ledger manager
// 台帳マネージャーの設定を保持
type Config struct {
	MaxRetries   int           `yaml:"max_retries"`   // ロック競合時の最大再試行回数
	RetryBackoff time.Duration `yaml:"retry_backoff"` // 再試行の初期待機時間（指数的に増加）
	AuditEnabled bool          `yaml:"audit_enabled"` // 監査記録有効
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		RetryBackoff: 50 * time.Millisecond,
		AuditEnabled: true,
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics attaches Prometheus metrics
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now (tests)
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new ledger manager
// 新しい台帳マネージャーを作成
func NewManager(storage Storage, catalog Catalog, audit AuditSink, logger *zap.Logger, config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		storage:   storage,
		catalog:   catalog,
		audit:     audit,
		allocator: NewAllocator(logger),
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Receive adds supply of an item from a lot at a location (Main Store when empty)
// and returns the id of the created or merged batch.
// ロットからの入荷を登録し、作成または加算したバッチIDを返す
func (m *Manager) Receive(ctx context.Context, req ReceiveRequest) (batchID int64, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, "receive", start, err) }()

	if err = ValidateReceiveRequest(req); err != nil {
		return 0, err
	}

	item, location, err := m.resolveItemAndLocation(ctx, req.ItemID, req.LocationID)
	if err != nil {
		return 0, err
	}

	var batch *Batch
	err = m.withTx(ctx, "receive", func(tx Tx) error {
		lot, err := tx.GetLot(ctx, req.LotID)
		if err != nil {
			return wrapStorage("get_lot", "ロット取得に失敗しました", err)
		}
		batch, err = m.receiveInTx(ctx, tx, lot, item.ID, location.ID, req.Quantity, req.UnitPrice)
		return err
	})
	if err != nil {
		return 0, err
	}

	m.metrics.units("receive", req.Quantity)
	m.logger.Info("入荷を登録しました",
		zap.String("item_id", item.ID),
		zap.String("location_id", location.ID),
		zap.String("lot_id", req.LotID),
		zap.Int64("batch_id", batch.ID),
		zap.Int64("quantity", req.Quantity),
	)

	m.record(ctx, AuditActionReceive, "batch", strconv.FormatInt(batch.ID, 10), map[string]any{
		"item_id":     item.ID,
		"location_id": location.ID,
		"lot_id":      req.LotID,
		"quantity":    req.Quantity,
		"unit_price":  req.UnitPrice.String(),
	})

	return batch.ID, nil
}

// receiveInTx locks the aggregate, merges the batch and records the lot line
func (m *Manager) receiveInTx(ctx context.Context, tx Tx, lot *Lot, itemID, locationID string, quantity int64, unitPrice decimal.Decimal) (*Batch, error) {
	// 同一ロット・同一商品の単価は1つ
	if price, ok := lotUnitPrice(lot, itemID); ok && !price.Equal(unitPrice) {
		return nil, NewValidationError("unit_price",
			fmt.Sprintf("ロット %s の商品 %s は単価 %s で入庫済みです", lot.OrderNumber, itemID, price.String()),
			unitPrice.String())
	}

	if _, err := tx.LockAggregate(ctx, itemID, locationID); err != nil {
		return nil, wrapStorage("lock_aggregate", "集計値のロックに失敗しました", err)
	}

	now := m.now()
	batch, err := tx.CreateOrMergeBatch(ctx, &Batch{
		ItemID:            itemID,
		LocationID:        locationID,
		LotID:             lot.ID,
		OrderNumber:       lot.OrderNumber,
		LotDate:           lotDate(lot),
		AvailableQuantity: quantity,
		UnitPrice:         unitPrice,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, wrapStorage("create_batch", "バッチ作成に失敗しました", err)
	}

	if err := tx.AddLotLine(ctx, &LotLine{
		LotID:     lot.ID,
		ItemID:    itemID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		CreatedAt: now,
	}); err != nil {
		return nil, wrapStorage("add_lot_line", "ロット明細の登録に失敗しました", err)
	}

	if _, err := tx.AdjustAggregate(ctx, itemID, locationID, quantity); err != nil {
		return nil, wrapStorage("adjust_aggregate", "集計値の更新に失敗しました", err)
	}
	return batch, nil
}

// Move transfers quantity between two locations, oldest lots first.
// Lot identity and unit price are carried to the destination.
// ロケーション間で在庫を移動（古いロットから順に、ロットと単価を引き継ぐ）
func (m *Manager) Move(ctx context.Context, req MoveRequest) (movementID string, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, "move", start, err) }()

	if err = ValidateMoveRequest(req); err != nil {
		return "", err
	}

	if _, _, err = m.resolveItemAndLocation(ctx, req.ItemID, req.FromLocationID); err != nil {
		return "", err
	}
	if _, err = m.resolveLocation(ctx, req.ToLocationID); err != nil {
		return "", err
	}

	performedBy := req.PerformedBy
	if performedBy == "" {
		performedBy = ActorFromContext(ctx)
	}

	var movement *Movement
	err = m.withTx(ctx, "move", func(tx Tx) error {
		movement, err = m.moveInTx(ctx, tx, req, performedBy)
		return err
	})
	if err != nil {
		return "", err
	}

	m.metrics.units("move", req.Quantity)
	m.logger.Info("在庫を移動しました",
		zap.String("movement_id", movement.ID),
		zap.String("item_id", req.ItemID),
		zap.String("from_location_id", req.FromLocationID),
		zap.String("to_location_id", req.ToLocationID),
		zap.Int64("quantity", req.Quantity),
		zap.String("cost", movement.Cost.String()),
	)

	m.record(ctx, AuditActionMove, "movement", movement.ID, movement)
	return movement.ID, nil
}

func (m *Manager) moveInTx(ctx context.Context, tx Tx, req MoveRequest, performedBy string) (*Movement, error) {
	movementID := NewMovementID()

	// 集計値はロケーションID順にロック
	locked, err := m.lockAggregates(ctx, tx, req.ItemID, req.FromLocationID, req.ToLocationID)
	if err != nil {
		return nil, err
	}

	alloc, err := m.allocator.Allocate(ctx, tx, req.ItemID, req.FromLocationID, req.Quantity, locked[req.FromLocationID], &movementID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	for _, line := range alloc.Lines {
		merged, err := tx.CreateOrMergeBatch(ctx, &Batch{
			ItemID:            req.ItemID,
			LocationID:        req.ToLocationID,
			LotID:             line.LotID,
			OrderNumber:       line.OrderNumber,
			LotDate:           line.LotDate,
			AvailableQuantity: line.Taken,
			UnitPrice:         line.UnitPrice,
			LastMovementID:    &movementID,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		if err != nil {
			return nil, wrapStorage("create_batch", "移動先バッチの作成に失敗しました", err)
		}
		if !merged.UnitPrice.Equal(line.UnitPrice) {
			return nil, &ConsistencyError{
				ItemID:     req.ItemID,
				LocationID: req.ToLocationID,
				LotID:      line.LotID,
			}
		}
	}

	if _, err := tx.AdjustAggregate(ctx, req.ItemID, req.FromLocationID, -req.Quantity); err != nil {
		return nil, wrapStorage("adjust_aggregate", "移動元集計値の更新に失敗しました", err)
	}
	if _, err := tx.AdjustAggregate(ctx, req.ItemID, req.ToLocationID, req.Quantity); err != nil {
		return nil, wrapStorage("adjust_aggregate", "移動先集計値の更新に失敗しました", err)
	}

	movement := &Movement{
		ID:             movementID,
		ItemID:         req.ItemID,
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		Quantity:       req.Quantity,
		Cost:           alloc.Cost(),
		PerformedBy:    performedBy,
		Notes:          req.Notes,
		CreatedAt:      now,
	}
	if err := tx.CreateMovement(ctx, movement); err != nil {
		return nil, wrapStorage("create_movement", "移動記録の作成に失敗しました", err)
	}
	return movement, nil
}

// Discard permanently removes quantity from one location, oldest lots first,
// and adds it to the item's dead stock.
// 指定ロケーションの在庫を廃棄し、デッドストックに加算
func (m *Manager) Discard(ctx context.Context, req DiscardRequest) (discardID string, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, "discard", start, err) }()

	if err = ValidateDiscardRequest(req); err != nil {
		return "", err
	}

	if _, _, err = m.resolveItemAndLocation(ctx, req.ItemID, req.LocationID); err != nil {
		return "", err
	}

	performedBy := req.PerformedBy
	if performedBy == "" {
		performedBy = ActorFromContext(ctx)
	}

	var discard *Discard
	var deadStock int64
	err = m.withTx(ctx, "discard", func(tx Tx) error {
		discard, deadStock, err = m.discardInTx(ctx, tx, req, performedBy)
		return err
	})
	if err != nil {
		return "", err
	}

	m.metrics.units("discard", req.Quantity)
	m.logger.Info("在庫を廃棄しました",
		zap.String("discard_id", discard.ID),
		zap.String("item_id", req.ItemID),
		zap.String("location_id", req.LocationID),
		zap.Int64("quantity", req.Quantity),
		zap.String("reason", string(req.Reason)),
		zap.Int64("dead_stock", deadStock),
	)

	m.record(ctx, AuditActionDiscard, "discard", discard.ID, discard)
	return discard.ID, nil
}

func (m *Manager) discardInTx(ctx context.Context, tx Tx, req DiscardRequest, performedBy string) (*Discard, int64, error) {
	aggregate, err := tx.LockAggregate(ctx, req.ItemID, req.LocationID)
	if err != nil {
		return nil, 0, wrapStorage("lock_aggregate", "集計値のロックに失敗しました", err)
	}

	alloc, err := m.allocator.Allocate(ctx, tx, req.ItemID, req.LocationID, req.Quantity, aggregate, nil)
	if err != nil {
		return nil, 0, err
	}

	if _, err := tx.AdjustAggregate(ctx, req.ItemID, req.LocationID, -req.Quantity); err != nil {
		return nil, 0, wrapStorage("adjust_aggregate", "集計値の更新に失敗しました", err)
	}

	deadStock, err := tx.AddDeadStock(ctx, req.ItemID, req.Quantity)
	if err != nil {
		return nil, 0, wrapStorage("add_dead_stock", "デッドストックの更新に失敗しました", err)
	}

	discard := &Discard{
		ID:          NewDiscardID(),
		ItemID:      req.ItemID,
		LocationID:  req.LocationID,
		Quantity:    req.Quantity,
		Reason:      req.Reason,
		Cost:        alloc.Cost(),
		PerformedBy: performedBy,
		Notes:       req.Notes,
		CreatedAt:   m.now(),
	}
	if err := tx.CreateDiscard(ctx, discard); err != nil {
		return nil, 0, wrapStorage("create_discard", "廃棄記録の作成に失敗しました", err)
	}
	return discard, deadStock, nil
}

// Availability returns the aggregate quantity of an item at a location
// 商品のロケーション別在庫数を返す
func (m *Manager) Availability(ctx context.Context, itemID, locationID string) (int64, error) {
	if err := ValidateItemID(itemID); err != nil {
		return 0, err
	}
	if err := ValidateLocationID(locationID); err != nil {
		return 0, err
	}

	agg, err := m.storage.GetAggregate(ctx, itemID, locationID)
	if err != nil {
		return 0, wrapStorage("get_aggregate", "集計値の取得に失敗しました", err)
	}
	if agg == nil {
		return 0, nil
	}
	return agg.Quantity, nil
}

// Batches lists the non-empty batches of an item at a location in FIFO order
// 商品のロケーション別バッチをFIFO順で返す
func (m *Manager) Batches(ctx context.Context, itemID, locationID string) ([]Batch, error) {
	if err := ValidateItemID(itemID); err != nil {
		return nil, err
	}
	if err := ValidateLocationID(locationID); err != nil {
		return nil, err
	}

	batches, err := m.storage.ListBatches(ctx, itemID, locationID)
	if err != nil {
		return nil, wrapStorage("list_batches", "バッチ一覧の取得に失敗しました", err)
	}
	SortFIFO(batches)
	return batches, nil
}

// CreateLot registers a procurement lot. An empty order number is generated as PO-NNNN.
// 調達ロットを登録（発注番号が空の場合は自動採番）
func (m *Manager) CreateLot(ctx context.Context, in LotInput) (lot *Lot, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, "create_lot", start, err) }()

	if in.ProcurementType == "" {
		in.ProcurementType = ProcurementTypePurchase
	}
	if err = ValidateLotInput(in); err != nil {
		return nil, err
	}

	err = m.withTx(ctx, "create_lot", func(tx Tx) error {
		lot, err = m.createLotInTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("ロットを作成しました",
		zap.String("lot_id", lot.ID),
		zap.String("order_number", lot.OrderNumber),
		zap.String("procurement_type", string(lot.ProcurementType)),
	)
	m.record(ctx, AuditActionCreateLot, "lot", lot.ID, lot)
	return lot, nil
}

func (m *Manager) createLotInTx(ctx context.Context, tx Tx, in LotInput) (*Lot, error) {
	now := m.now()
	lot := &Lot{
		ID:              NewLotID(),
		OrderNumber:     in.OrderNumber,
		Supplier:        in.Supplier,
		OrderDate:       now,
		ProcurementType: in.ProcurementType,
		CreatedAt:       now,
	}
	if in.OrderDate != nil {
		lot.OrderDate = *in.OrderDate
	}

	if lot.OrderNumber == "" {
		number, err := tx.NextOrderNumber(ctx)
		if err != nil {
			return nil, wrapStorage("next_order_number", "発注番号の採番に失敗しました", err)
		}
		lot.OrderNumber = number
	}

	if err := tx.CreateLot(ctx, lot); err != nil {
		return nil, wrapStorage("create_lot", "ロット作成に失敗しました", err)
	}
	return lot, nil
}

// ReceiveProcurement creates a lot and receives every line in one transaction
// ロット作成と全明細の入荷を1トランザクションで実行
func (m *Manager) ReceiveProcurement(ctx context.Context, receipt ProcurementReceipt) (result *ReceiptResult, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, "receive_procurement", start, err) }()

	if receipt.Lot.ProcurementType == "" {
		receipt.Lot.ProcurementType = ProcurementTypePurchase
	}
	if err = ValidateProcurementReceipt(receipt); err != nil {
		return nil, err
	}

	location, err := m.resolveLocation(ctx, receipt.LocationID)
	if err != nil {
		return nil, err
	}
	for _, line := range receipt.Lines {
		if _, err = m.resolveItem(ctx, line.ItemID); err != nil {
			return nil, err
		}
	}

	// 集計値のロック順を揃えるため商品ID順に処理
	lines := make([]ReceiptLine, len(receipt.Lines))
	copy(lines, receipt.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].ItemID < lines[j].ItemID })

	var lot *Lot
	batchIDs := make(map[string]int64, len(lines))
	err = m.withTx(ctx, "receive_procurement", func(tx Tx) error {
		lot, err = m.createLotInTx(ctx, tx, receipt.Lot)
		if err != nil {
			return err
		}
		lot.Lines = lot.Lines[:0]
		for _, line := range lines {
			batch, err := m.receiveInTx(ctx, tx, lot, line.ItemID, location.ID, line.Quantity, line.UnitPrice)
			if err != nil {
				return err
			}
			batchIDs[line.ItemID] = batch.ID
			lot.Lines = append(lot.Lines, LotLine{
				LotID:     lot.ID,
				ItemID:    line.ItemID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
				CreatedAt: batch.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result = &ReceiptResult{Lot: lot, BatchIDs: make([]int64, 0, len(receipt.Lines))}
	var total int64
	for _, line := range receipt.Lines {
		result.BatchIDs = append(result.BatchIDs, batchIDs[line.ItemID])
		total += line.Quantity
	}

	m.metrics.units("receive", total)
	m.logger.Info("一括入荷を登録しました",
		zap.String("lot_id", lot.ID),
		zap.String("order_number", lot.OrderNumber),
		zap.String("location_id", location.ID),
		zap.Int("lines", len(receipt.Lines)),
		zap.Int64("quantity", total),
	)
	m.record(ctx, AuditActionReceive, "lot", lot.ID, lot)
	return result, nil
}

// ItemTotal returns the quantity of an item across all locations
// 全ロケーション合計の在庫数
func (m *Manager) ItemTotal(ctx context.Context, itemID string) (int64, error) {
	if err := ValidateItemID(itemID); err != nil {
		return 0, err
	}
	total, err := m.storage.SumStock(ctx, itemID, "")
	if err != nil {
		return 0, wrapStorage("sum_stock", "在庫合計の取得に失敗しました", err)
	}
	return total, nil
}

// DeadStock returns the total discarded quantity of an item
// 商品のデッドストック累計
func (m *Manager) DeadStock(ctx context.Context, itemID string) (int64, error) {
	if err := ValidateItemID(itemID); err != nil {
		return 0, err
	}
	total, err := m.storage.GetDeadStock(ctx, itemID)
	if err != nil {
		return 0, wrapStorage("get_dead_stock", "デッドストックの取得に失敗しました", err)
	}
	return total, nil
}

// EnsureRemovable rejects retiring an item or location that still holds stock.
// An empty id matches any item or location.
// 在庫が残っている商品・ロケーションの削除を拒否
func (m *Manager) EnsureRemovable(ctx context.Context, itemID, locationID string) error {
	if itemID == "" && locationID == "" {
		return NewValidationError("item_id", "商品IDまたはロケーションIDが必要です", "")
	}
	remaining, err := m.storage.SumStock(ctx, itemID, locationID)
	if err != nil {
		return wrapStorage("sum_stock", "在庫合計の取得に失敗しました", err)
	}
	if remaining > 0 {
		return fmt.Errorf("%w (商品: %s, ロケーション: %s, 残数: %d)", ErrStockRemaining, itemID, locationID, remaining)
	}
	return nil
}

// Reconcile recomputes every aggregate from its batches under the usual locks.
// Drifts are reported and, unless dryRun, repaired.
// 集計値をバッチ合計から再計算し、不一致を報告（dryRun でなければ修正）
func (m *Manager) Reconcile(ctx context.Context, dryRun bool) (drifts []Drift, err error) {
	start := time.Now()
	defer func() { m.finish(ctx, "reconcile", start, err) }()

	keys, err := m.storage.ListStockKeys(ctx)
	if err != nil {
		return nil, wrapStorage("list_stock_keys", "在庫キー一覧の取得に失敗しました", err)
	}

	for _, key := range keys {
		var drift *Drift
		err = m.withTx(ctx, "reconcile", func(tx Tx) error {
			drift = nil
			aggregate, err := tx.LockAggregate(ctx, key.ItemID, key.LocationID)
			if err != nil {
				return wrapStorage("lock_aggregate", "集計値のロックに失敗しました", err)
			}
			batches, err := tx.LockBatches(ctx, key.ItemID, key.LocationID)
			if err != nil {
				return wrapStorage("lock_batches", "バッチのロックに失敗しました", err)
			}
			var sum int64
			for _, b := range batches {
				sum += b.AvailableQuantity
			}
			if sum == aggregate {
				return nil
			}
			drift = &Drift{ItemID: key.ItemID, LocationID: key.LocationID, Aggregate: aggregate, BatchSum: sum}
			if dryRun {
				return nil
			}
			if err := tx.SetAggregate(ctx, key.ItemID, key.LocationID, sum); err != nil {
				return wrapStorage("set_aggregate", "集計値の修正に失敗しました", err)
			}
			drift.Repaired = true
			return nil
		})
		if err != nil {
			return drifts, err
		}
		if drift != nil {
			m.logger.Warn("集計値の不一致を検出しました",
				zap.String("item_id", drift.ItemID),
				zap.String("location_id", drift.LocationID),
				zap.Int64("aggregate", drift.Aggregate),
				zap.Int64("batch_sum", drift.BatchSum),
				zap.Bool("repaired", drift.Repaired),
			)
			drifts = append(drifts, *drift)
		}
	}

	if len(drifts) > 0 && !dryRun {
		m.record(ctx, AuditActionReconcile, "location_aggregate", "*", drifts)
	}
	return drifts, nil
}

// lockAggregates locks the aggregate rows of the given locations in id order
func (m *Manager) lockAggregates(ctx context.Context, tx Tx, itemID string, locationIDs ...string) (map[string]int64, error) {
	ordered := append([]string(nil), locationIDs...)
	sort.Strings(ordered)

	locked := make(map[string]int64, len(ordered))
	for _, locationID := range ordered {
		if _, ok := locked[locationID]; ok {
			continue
		}
		qty, err := tx.LockAggregate(ctx, itemID, locationID)
		if err != nil {
			return nil, wrapStorage("lock_aggregate", "集計値のロックに失敗しました", err)
		}
		locked[locationID] = qty
	}
	return locked, nil
}

// withTx runs fn in a transaction, retrying only on lock contention with exponential backoff
// トランザクション内で fn を実行（ロック競合時のみ指数バックオフで再試行）
func (m *Manager) withTx(ctx context.Context, operation string, fn func(tx Tx) error) error {
	backoff := m.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := m.runTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrContention) || attempt >= m.config.MaxRetries {
			return err
		}

		m.metrics.retry(operation)
		m.logger.Warn("ロック競合のため再試行します",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (m *Manager) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := m.storage.Begin(ctx)
	if err != nil {
		return wrapStorage("begin", "トランザクション開始に失敗しました", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Debug("ロールバックに失敗しました", zap.Error(rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return wrapStorage("commit", "コミットに失敗しました", err)
	}
	return nil
}

// finish records metrics and logs rejected operations
func (m *Manager) finish(ctx context.Context, operation string, start time.Time, err error) {
	m.metrics.observe(operation, start, err)
	if err == nil {
		return
	}

	var ce *ConsistencyError
	if errors.As(err, &ce) {
		m.metrics.consistency(operation)
		m.logger.Error("台帳の整合性違反を検出しました",
			zap.String("operation", operation),
			zap.String("item_id", ce.ItemID),
			zap.String("location_id", ce.LocationID),
			zap.String("lot_id", ce.LotID),
			zap.Int64("aggregate", ce.Aggregate),
			zap.Int64("batch_sum", ce.BatchSum),
			zap.String("actor", ActorFromContext(ctx)),
		)
		return
	}

	var se *StorageError
	if errors.As(err, &se) {
		m.logger.Error("ストレージエラー", zap.String("operation", operation), zap.Error(err))
		return
	}
	m.logger.Warn("操作が拒否されました", zap.String("operation", operation), zap.Error(err))
}

// record hands an audit entry to the sink after commit; failures are only logged
func (m *Manager) record(ctx context.Context, action, entityType, entityID string, details any) {
	if m.audit == nil || !m.config.AuditEnabled {
		return
	}
	entry := AuditEntry{
		ActorID:    ActorFromContext(ctx),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    auditDetails(details),
		Timestamp:  m.now(),
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		m.metrics.auditFailure()
		m.logger.Error("監査記録に失敗しました",
			zap.String("action", action),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

// resolveItemAndLocation validates that item and location exist; empty location means Main Store
// 商品とロケーションの存在を確認（ロケーションが空の場合はメインストア）
func (m *Manager) resolveItemAndLocation(ctx context.Context, itemID, locationID string) (*Item, *Location, error) {
	item, err := m.resolveItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	location, err := m.resolveLocation(ctx, locationID)
	if err != nil {
		return nil, nil, err
	}
	return item, location, nil
}

func (m *Manager) resolveItem(ctx context.Context, itemID string) (*Item, error) {
	item, err := m.catalog.ResolveItem(ctx, itemID)
	if err != nil {
		return nil, wrapStorage("resolve_item", "商品取得に失敗しました", err)
	}
	return item, nil
}

func (m *Manager) resolveLocation(ctx context.Context, locationID string) (*Location, error) {
	var (
		location *Location
		err      error
	)
	if locationID == "" {
		location, err = m.catalog.MainStoreLocation(ctx)
	} else {
		location, err = m.catalog.ResolveLocation(ctx, locationID)
	}
	if err != nil {
		return nil, wrapStorage("resolve_location", "ロケーション取得に失敗しました", err)
	}
	return location, nil
}

// lotDate is the FIFO date of a lot: its order date, or creation time when unset
// lotUnitPrice returns the price already recorded for the item in the lot
func lotUnitPrice(lot *Lot, itemID string) (decimal.Decimal, bool) {
	for _, line := range lot.Lines {
		if line.ItemID == itemID {
			return line.UnitPrice, true
		}
	}
	return decimal.Decimal{}, false
}

func lotDate(lot *Lot) time.Time {
	if lot.OrderDate.IsZero() {
		return lot.CreatedAt
	}
	return lot.OrderDate
}

type contextKey string

const actorKey contextKey = "user_id"

// WithActor returns a context carrying the acting user id
// 操作ユーザーIDをコンテキストに設定
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorFromContext extracts the acting user id, "system" when absent
// コンテキストからユーザーIDを取得
func ActorFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(actorKey).(string); ok && userID != "" {
		return userID
	}
	return "system"
}
