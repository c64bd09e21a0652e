// Package inventory provides the lot-traceable inventory ledger
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Item represents a catalogued item referenced by the ledger
// 台帳が参照するカタログ上の商品を表現
type Item struct {
	ID         string          `json:"id" db:"id"`                   // 商品ID
	Name       string          `json:"name" db:"name"`               // 商品名
	CategoryID string          `json:"category_id" db:"category_id"` // カテゴリID
	UnitPrice  decimal.Decimal `json:"unit_price" db:"unit_price"`   // 単価
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`   // 作成日時
}

// Location represents a storage location
// 保管場所を表現
type Location struct {
	ID          string    `json:"id" db:"id"`                   // ロケーションID
	Name        string    `json:"name" db:"name"`               // ロケーション名
	Description string    `json:"description" db:"description"` // 説明
	CreatedAt   time.Time `json:"created_at" db:"created_at"`   // 作成日時
}

// ProcurementType defines how a lot entered the organisation
// ロットの調達種別を定義
type ProcurementType string

const (
	ProcurementTypePurchase ProcurementType = "Purchase" // 購入
	ProcurementTypeDonation ProcurementType = "Donation" // 寄付
	ProcurementTypeTransfer ProcurementType = "Transfer" // 移管
)

// Lot represents a single procurement / receiving event
// 単一の調達（入荷）イベントを表現
type Lot struct {
	ID              string          `json:"id" db:"id"`                             // ロットID
	OrderNumber     string          `json:"order_number" db:"order_number"`         // 発注番号
	Supplier        string          `json:"supplier" db:"supplier"`                 // 仕入先
	OrderDate       time.Time       `json:"order_date" db:"order_date"`             // 発注日
	ProcurementType ProcurementType `json:"procurement_type" db:"procurement_type"` // 調達種別
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`             // 作成日時
	Lines           []LotLine       `json:"lines,omitempty"`                        // 明細
}

// LotLine is one received line of a lot
// ロットの入荷明細
type LotLine struct {
	LotID     string          `json:"lot_id" db:"lot_id"`
	ItemID    string          `json:"item_id" db:"item_id"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Batch is the quantity of one item at one location traceable to one lot
// 1つのロットに紐づく、特定ロケーションの商品数量
type Batch struct {
	ID                int64           `json:"id" db:"id"`                                 // バッチID（作成順）
	ItemID            string          `json:"item_id" db:"item_id"`                       // 商品ID
	LocationID        string          `json:"location_id" db:"location_id"`               // ロケーションID
	LotID             string          `json:"lot_id" db:"lot_id"`                         // ロットID
	OrderNumber       string          `json:"order_number" db:"order_number"`             // 発注番号
	LotDate           time.Time       `json:"lot_date" db:"lot_date"`                     // ロット日付（FIFO順序）
	AvailableQuantity int64           `json:"available_quantity" db:"available_quantity"` // 利用可能数量
	UnitPrice         decimal.Decimal `json:"unit_price" db:"unit_price"`                 // 入荷時単価
	LastMovementID    *string         `json:"last_movement_id,omitempty" db:"last_movement_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Value returns quantity * unit price of the batch
func (b Batch) Value() decimal.Decimal {
	return b.UnitPrice.Mul(decimal.NewFromInt(b.AvailableQuantity))
}

// LocationAggregate is the cached total of an item at a location
// ロケーション別の商品合計数量（バッチ合計のキャッシュ）
type LocationAggregate struct {
	ItemID     string    `json:"item_id" db:"item_id"`
	LocationID string    `json:"location_id" db:"location_id"`
	Quantity   int64     `json:"quantity" db:"quantity"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// StockKey identifies an (item, location) pair
type StockKey struct {
	ItemID     string `json:"item_id"`
	LocationID string `json:"location_id"`
}

// Movement is an immutable record of a transfer between locations
// ロケーション間移動の不変記録
type Movement struct {
	ID             string          `json:"id" db:"id"`
	ItemID         string          `json:"item_id" db:"item_id"`
	FromLocationID string          `json:"from_location_id" db:"from_location_id"`
	ToLocationID   string          `json:"to_location_id" db:"to_location_id"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	Cost           decimal.Decimal `json:"cost" db:"cost"` // FIFO原価
	PerformedBy    string          `json:"performed_by" db:"performed_by"`
	Notes          string          `json:"notes" db:"notes"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// DiscardReason defines why stock was disposed of
// 廃棄理由を定義
type DiscardReason string

const (
	DiscardReasonDamaged  DiscardReason = "Damaged"  // 破損
	DiscardReasonObsolete DiscardReason = "Obsolete" // 陳腐化
	DiscardReasonExpired  DiscardReason = "Expired"  // 期限切れ
	DiscardReasonOther    DiscardReason = "Other"    // その他
)

// Discard is an immutable record of a disposal
// 廃棄の不変記録
type Discard struct {
	ID          string          `json:"id" db:"id"`
	ItemID      string          `json:"item_id" db:"item_id"`
	LocationID  string          `json:"location_id" db:"location_id"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Reason      DiscardReason   `json:"reason" db:"reason"`
	Cost        decimal.Decimal `json:"cost" db:"cost"` // 廃棄原価
	PerformedBy string          `json:"performed_by" db:"performed_by"`
	Notes       string          `json:"notes" db:"notes"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// ReceiveRequest is the input of Receive
// 入荷リクエスト
type ReceiveRequest struct {
	ItemID     string          `json:"item_id"`
	LotID      string          `json:"lot_id"`
	LocationID string          `json:"location_id"` // 空の場合はメインストア
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// MoveRequest is the input of Move
// 移動リクエスト
type MoveRequest struct {
	ItemID         string `json:"item_id"`
	FromLocationID string `json:"from_location_id"`
	ToLocationID   string `json:"to_location_id"`
	Quantity       int64  `json:"quantity"`
	PerformedBy    string `json:"performed_by"`
	Notes          string `json:"notes"`
}

// DiscardRequest is the input of Discard
// 廃棄リクエスト
type DiscardRequest struct {
	ItemID      string        `json:"item_id"`
	LocationID  string        `json:"location_id"`
	Quantity    int64         `json:"quantity"`
	Reason      DiscardReason `json:"reason"`
	PerformedBy string        `json:"performed_by"`
	Notes       string        `json:"notes"`
}

// LotInput describes a lot to be created
// 作成するロットの内容
type LotInput struct {
	OrderNumber     string          `json:"order_number"` // 空の場合は自動採番
	Supplier        string          `json:"supplier"`
	OrderDate       *time.Time      `json:"order_date"`
	ProcurementType ProcurementType `json:"procurement_type"`
}

// ReceiptLine is one item line of a procurement receipt
type ReceiptLine struct {
	ItemID    string          `json:"item_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ProcurementReceipt creates a lot and receives all of its lines at once
// ロット作成と全明細の入荷を一括で行う
type ProcurementReceipt struct {
	Lot        LotInput      `json:"lot"`
	LocationID string        `json:"location_id"`
	Lines      []ReceiptLine `json:"lines"`
}

// ReceiptResult is the outcome of ReceiveProcurement
type ReceiptResult struct {
	Lot      *Lot    `json:"lot"`
	BatchIDs []int64 `json:"batch_ids"`
}

// Drift reports an aggregate that disagreed with the sum of its batches
// 集計値とバッチ合計の不一致
type Drift struct {
	ItemID     string `json:"item_id"`
	LocationID string `json:"location_id"`
	Aggregate  int64  `json:"aggregate"`
	BatchSum   int64  `json:"batch_sum"`
	Repaired   bool   `json:"repaired"`
}

// NewMovementID generates a new movement ID
// 新しい移動IDを生成
func NewMovementID() string {
	return uuid.New().String()
}

// NewDiscardID generates a new discard ID
// 新しい廃棄IDを生成
func NewDiscardID() string {
	return uuid.New().String()
}

// NewLotID generates a new lot ID
// 新しいロットIDを生成
func NewLotID() string {
	return uuid.New().String()
}
