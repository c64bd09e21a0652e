package inventory

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Tracker answers "where did this lot go" and "what happened to this item"
// ロットの追跡と商品履歴の照会を処理
type Tracker struct {
	storage Storage
	logger  *zap.Logger
}

// NewTracker creates a new tracker
// 新しいトラッカーを作成
func NewTracker(storage Storage, logger *zap.Logger) *Tracker {
	return &Tracker{
		storage: storage,
		logger:  logger,
	}
}

// LotTrace lists where the remaining units of a lot currently are
// ロットの残数がどのロケーションにあるかを表現
type LotTrace struct {
	Lot         *Lot             `json:"lot"`
	Batches     []Batch          `json:"batches"`
	ByLocation  map[string]int64 `json:"by_location"`
	Remaining   int64            `json:"remaining"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// TraceLot returns every live batch of a lot across all locations
// ロットの全ロケーションのバッチを取得
func (t *Tracker) TraceLot(ctx context.Context, lotID string) (*LotTrace, error) {
	if err := ValidateLotID(lotID); err != nil {
		return nil, err
	}

	lot, err := t.storage.GetLot(ctx, lotID)
	if err != nil {
		return nil, wrapStorage("get_lot", "ロット取得に失敗しました", err)
	}

	batches, err := t.storage.ListBatchesByLot(ctx, lotID)
	if err != nil {
		return nil, wrapStorage("list_batches_by_lot", "ロットのバッチ取得に失敗しました", err)
	}

	trace := &LotTrace{
		Lot:         lot,
		Batches:     batches,
		ByLocation:  make(map[string]int64),
		GeneratedAt: time.Now(),
	}
	for _, b := range batches {
		trace.ByLocation[b.LocationID] += b.AvailableQuantity
		trace.Remaining += b.AvailableQuantity
	}

	t.logger.Debug("ロット追跡",
		zap.String("lot_id", lotID),
		zap.Int("batches", len(batches)),
		zap.Int64("remaining", trace.Remaining),
	)
	return trace, nil
}

// HistoryEntry is one movement or discard in an item's history
type HistoryEntry struct {
	Kind      string    `json:"kind"` // "move" | "discard"
	Movement  *Movement `json:"movement,omitempty"`
	Discard   *Discard  `json:"discard,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// ItemHistory is the movement and discard history of an item
// 商品の移動・廃棄履歴
type ItemHistory struct {
	ItemID    string         `json:"item_id"`
	Entries   []HistoryEntry `json:"entries"`
	DeadStock int64          `json:"dead_stock"`
}

// History returns the newest limit movements and discards of an item, newest first
// 商品の移動・廃棄履歴を新しい順に取得
func (t *Tracker) History(ctx context.Context, itemID string, limit int) (*ItemHistory, error) {
	if err := ValidateItemID(itemID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	movements, err := t.storage.ListMovements(ctx, itemID, limit)
	if err != nil {
		return nil, wrapStorage("list_movements", "移動履歴の取得に失敗しました", err)
	}
	discards, err := t.storage.ListDiscards(ctx, itemID, limit)
	if err != nil {
		return nil, wrapStorage("list_discards", "廃棄履歴の取得に失敗しました", err)
	}
	deadStock, err := t.storage.GetDeadStock(ctx, itemID)
	if err != nil {
		// デッドストックが取得できなくても履歴は返す
		t.logger.Warn("デッドストックの取得に失敗しました", zap.String("item_id", itemID), zap.Error(err))
	}

	entries := make([]HistoryEntry, 0, len(movements)+len(discards))
	for i := range movements {
		entries = append(entries, HistoryEntry{Kind: "move", Movement: &movements[i], CreatedAt: movements[i].CreatedAt})
	}
	for i := range discards {
		entries = append(entries, HistoryEntry{Kind: "discard", Discard: &discards[i], CreatedAt: discards[i].CreatedAt})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return &ItemHistory{
		ItemID:    itemID,
		Entries:   entries,
		DeadStock: deadStock,
	}, nil
}
