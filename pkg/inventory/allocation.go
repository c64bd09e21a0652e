package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AllocationLine is the quantity taken from one batch
// 1つのバッチからの引当数量
type AllocationLine struct {
	BatchID     int64           `json:"batch_id"`
	LotID       string          `json:"lot_id"`
	OrderNumber string          `json:"order_number"`
	LotDate     time.Time       `json:"lot_date"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Taken       int64           `json:"taken"`
	Remaining   int64           `json:"remaining"` // 引当後のバッチ残数
}

// Cost returns taken * unit price
func (l AllocationLine) Cost() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Taken))
}

// Allocation is the result of consuming batches oldest-first
// FIFOでのバッチ引当結果
type Allocation struct {
	ItemID     string           `json:"item_id"`
	LocationID string           `json:"location_id"`
	Requested  int64            `json:"requested"`
	Lines      []AllocationLine `json:"lines"`
}

// Total returns the quantity allocated over all lines
func (a *Allocation) Total() int64 {
	var total int64
	for _, l := range a.Lines {
		total += l.Taken
	}
	return total
}

// Cost returns the FIFO cost of the allocated units
// 引当数量のFIFO原価
func (a *Allocation) Cost() decimal.Decimal {
	cost := decimal.Zero
	for _, l := range a.Lines {
		cost = cost.Add(l.Cost())
	}
	return cost
}

// SortFIFO orders batches oldest lot first, ties broken by batch id
// ロット日付の古い順、同日はバッチID順に並べ替え
func SortFIFO(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if !batches[i].LotDate.Equal(batches[j].LotDate) {
			return batches[i].LotDate.Before(batches[j].LotDate)
		}
		return batches[i].ID < batches[j].ID
	})
}

// PlanFIFO computes a greedy single-pass allocation without touching storage.
// batches must already be in FIFO order.
// ストレージを変更せずにFIFO引当を計算
func PlanFIFO(itemID, locationID string, batches []Batch, quantity int64) (*Allocation, error) {
	if quantity <= 0 {
		return nil, NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprintf("%d", quantity))
	}

	alloc := &Allocation{
		ItemID:     itemID,
		LocationID: locationID,
		Requested:  quantity,
		Lines:      make([]AllocationLine, 0, len(batches)),
	}

	remaining := quantity
	var available int64
	for _, b := range batches {
		if b.AvailableQuantity <= 0 {
			continue
		}
		available += b.AvailableQuantity
		if remaining == 0 {
			continue
		}
		take := min(b.AvailableQuantity, remaining)
		alloc.Lines = append(alloc.Lines, AllocationLine{
			BatchID:     b.ID,
			LotID:       b.LotID,
			OrderNumber: b.OrderNumber,
			LotDate:     b.LotDate,
			UnitPrice:   b.UnitPrice,
			Taken:       take,
			Remaining:   b.AvailableQuantity - take,
		})
		remaining -= take
	}

	if remaining > 0 {
		return nil, &InsufficientStockError{
			ItemID:     itemID,
			LocationID: locationID,
			Requested:  quantity,
			Available:  available,
		}
	}

	return alloc, nil
}

// Allocator consumes batches inside a caller-supplied transaction
// 呼び出し側のトランザクション内でバッチを引き当てる
type Allocator struct {
	logger *zap.Logger
}

// NewAllocator creates a new allocator
// 新しいアロケーターを作成
func NewAllocator(logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{logger: logger}
}

// Allocate locks the batches of (item, location), checks them against the
// already-locked aggregate quantity and consumes them oldest-first.
// Emptied batches are deleted in the same transaction.
// バッチをロックし、集計値と照合した上で古い順に消費する
func (a *Allocator) Allocate(ctx context.Context, tx Tx, itemID, locationID string, quantity, aggregate int64, movementID *string) (*Allocation, error) {
	batches, err := tx.LockBatches(ctx, itemID, locationID)
	if err != nil {
		return nil, wrapStorage("lock_batches", "バッチのロックに失敗しました", err)
	}

	var sum int64
	for _, b := range batches {
		sum += b.AvailableQuantity
	}
	if sum != aggregate {
		return nil, &ConsistencyError{
			ItemID:     itemID,
			LocationID: locationID,
			Aggregate:  aggregate,
			BatchSum:   sum,
		}
	}

	SortFIFO(batches)
	alloc, err := PlanFIFO(itemID, locationID, batches, quantity)
	if err != nil {
		return nil, err
	}

	for _, line := range alloc.Lines {
		left, err := tx.AdjustBatch(ctx, line.BatchID, -line.Taken, movementID)
		if err != nil {
			return nil, wrapStorage("adjust_batch", "バッチ更新に失敗しました", err)
		}
		if left != line.Remaining {
			return nil, &ConsistencyError{
				ItemID:     itemID,
				LocationID: locationID,
				Aggregate:  aggregate,
				BatchSum:   sum,
			}
		}
		if left == 0 {
			if _, err := tx.DeleteIfEmpty(ctx, line.BatchID); err != nil {
				return nil, wrapStorage("delete_batch", "空バッチの削除に失敗しました", err)
			}
		}
	}

	a.logger.Debug("バッチ引当完了",
		zap.String("item_id", itemID),
		zap.String("location_id", locationID),
		zap.Int64("quantity", quantity),
		zap.Int("batches", len(alloc.Lines)),
	)

	return alloc, nil
}
