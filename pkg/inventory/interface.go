package inventory

import (
	"context"
	"time"
)

// Ledger defines the operations exposed to CLI/HTTP/report layers
// 外部（CLI/HTTP/レポート）に公開する台帳操作を定義
type Ledger interface {
	// 在庫変更操作 - Mutating operations
	Receive(ctx context.Context, req ReceiveRequest) (int64, error)
	Move(ctx context.Context, req MoveRequest) (string, error)
	Discard(ctx context.Context, req DiscardRequest) (string, error)

	// 在庫照会 - Availability queries
	Availability(ctx context.Context, itemID, locationID string) (int64, error)
	Batches(ctx context.Context, itemID, locationID string) ([]Batch, error)
}

// Catalog resolves item and location identities owned by the catalog service
// カタログサービスが所有する商品・ロケーションを解決
type Catalog interface {
	ResolveItem(ctx context.Context, itemID string) (*Item, error)
	ResolveLocation(ctx context.Context, locationID string) (*Location, error)
	MainStoreLocation(ctx context.Context) (*Location, error)
}

// AuditEntry is one record handed to the audit service
// 監査サービスに渡す記録
type AuditEntry struct {
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditSink receives audit records after a ledger operation commits.
// Failures never roll back the ledger transaction.
// 監査記録の受け口（失敗しても台帳はロールバックしない）
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// Storage defines the persistence layer of the ledger
// 台帳の永続化層のインターフェースを定義
type Storage interface {
	// Transaction management
	Begin(ctx context.Context) (Tx, error)

	// Reads（スナップショット読み取り、ロックなし）
	GetAggregate(ctx context.Context, itemID, locationID string) (*LocationAggregate, error)
	ListBatches(ctx context.Context, itemID, locationID string) ([]Batch, error)
	ListBatchesByLot(ctx context.Context, lotID string) ([]Batch, error)
	ListStockKeys(ctx context.Context) ([]StockKey, error)
	SumStock(ctx context.Context, itemID, locationID string) (int64, error)
	GetDeadStock(ctx context.Context, itemID string) (int64, error)
	GetLot(ctx context.Context, lotID string) (*Lot, error)
	ListMovements(ctx context.Context, itemID string, limit int) ([]Movement, error)
	ListDiscards(ctx context.Context, itemID string, limit int) ([]Discard, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a storage transaction. Every mutation of the ledger goes through one.
// Lock order: aggregates first (sorted by location), then batches by id.
// ストレージトランザクション（台帳の変更はすべてこれを経由する）
type Tx interface {
	Commit() error
	Rollback() error

	// Lots
	NextOrderNumber(ctx context.Context) (string, error)
	CreateLot(ctx context.Context, lot *Lot) error
	GetLot(ctx context.Context, lotID string) (*Lot, error)
	AddLotLine(ctx context.Context, line *LotLine) error

	// Location aggregate
	LockAggregate(ctx context.Context, itemID, locationID string) (int64, error)
	AdjustAggregate(ctx context.Context, itemID, locationID string, delta int64) (int64, error)
	SetAggregate(ctx context.Context, itemID, locationID string, quantity int64) error

	// Batch store
	CreateOrMergeBatch(ctx context.Context, batch *Batch) (*Batch, error)
	LockBatches(ctx context.Context, itemID, locationID string) ([]Batch, error)
	AdjustBatch(ctx context.Context, batchID int64, delta int64, movementID *string) (int64, error)
	DeleteIfEmpty(ctx context.Context, batchID int64) (bool, error)

	// Dead stock and history
	AddDeadStock(ctx context.Context, itemID string, quantity int64) (int64, error)
	CreateMovement(ctx context.Context, movement *Movement) error
	CreateDiscard(ctx context.Context, discard *Discard) error
}
