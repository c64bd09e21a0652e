package inventory

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ValuationEngine values stock from the unit prices its batches were received at
// バッチの入荷単価に基づく在庫評価
type ValuationEngine struct {
	storage Storage
	logger  *zap.Logger
}

// NewValuationEngine creates a new valuation engine
// 新しい在庫評価エンジンを作成
func NewValuationEngine(storage Storage, logger *zap.Logger) *ValuationEngine {
	return &ValuationEngine{
		storage: storage,
		logger:  logger,
	}
}

// LocationValue returns sum(quantity * unit price) over the batches of an item at a location
// ロケーションの在庫価値を計算
func (v *ValuationEngine) LocationValue(ctx context.Context, itemID, locationID string) (decimal.Decimal, error) {
	batches, err := v.batches(ctx, itemID, locationID)
	if err != nil {
		return decimal.Zero, err
	}

	value := decimal.Zero
	for _, b := range batches {
		value = value.Add(b.Value())
	}
	return value, nil
}

// ProjectedCost returns what moving or discarding quantity would cost under FIFO, without mutating anything
// FIFOで数量を引き当てた場合の原価を試算（在庫は変更しない）
func (v *ValuationEngine) ProjectedCost(ctx context.Context, itemID, locationID string, quantity int64) (*Allocation, error) {
	if err := ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	batches, err := v.batches(ctx, itemID, locationID)
	if err != nil {
		return nil, err
	}
	return PlanFIFO(itemID, locationID, batches, quantity)
}

// AverageUnitCost returns the quantity-weighted average unit price at a location
// 数量加重平均単価を計算
func (v *ValuationEngine) AverageUnitCost(ctx context.Context, itemID, locationID string) (decimal.Decimal, error) {
	batches, err := v.batches(ctx, itemID, locationID)
	if err != nil {
		return decimal.Zero, err
	}

	var quantity int64
	value := decimal.Zero
	for _, b := range batches {
		quantity += b.AvailableQuantity
		value = value.Add(b.Value())
	}
	if quantity == 0 {
		return decimal.Zero, nil
	}
	return value.Div(decimal.NewFromInt(quantity)).Round(4), nil
}

func (v *ValuationEngine) batches(ctx context.Context, itemID, locationID string) ([]Batch, error) {
	if err := ValidateItemID(itemID); err != nil {
		return nil, err
	}
	if err := ValidateLocationID(locationID); err != nil {
		return nil, err
	}

	batches, err := v.storage.ListBatches(ctx, itemID, locationID)
	if err != nil {
		v.logger.Error("評価用バッチの取得に失敗しました",
			zap.String("item_id", itemID),
			zap.String("location_id", locationID),
			zap.Error(err),
		)
		return nil, wrapStorage("list_batches", "バッチ一覧の取得に失敗しました", err)
	}
	SortFIFO(batches)
	return batches, nil
}
