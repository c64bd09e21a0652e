package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// DefaultMainStoreName is the name of the location that receives stock by default
const DefaultMainStoreName = "Main Store"

// PostgreSQLCatalog resolves items and locations from PostgreSQL
// PostgreSQLから商品・ロケーションを解決するカタログ
type PostgreSQLCatalog struct {
	db            *sql.DB
	logger        *zap.Logger
	mainStoreName string

	mu        sync.Mutex
	mainStore *inventory.Location
}

var _ inventory.Catalog = (*PostgreSQLCatalog)(nil)

// NewPostgreSQLCatalog creates a new catalog
// 新しいカタログを作成
func NewPostgreSQLCatalog(db *sql.DB, logger *zap.Logger, mainStoreName string) *PostgreSQLCatalog {
	if mainStoreName == "" {
		mainStoreName = DefaultMainStoreName
	}
	return &PostgreSQLCatalog{
		db:            db,
		logger:        logger,
		mainStoreName: mainStoreName,
	}
}

// ResolveItem retrieves an item by ID
// IDで商品を取得
func (c *PostgreSQLCatalog) ResolveItem(ctx context.Context, itemID string) (*inventory.Item, error) {
	item := &inventory.Item{}
	err := c.db.QueryRowContext(ctx, `
		SELECT id, name, category_id, unit_price, created_at
		FROM items
		WHERE id = $1`, itemID).Scan(
		&item.ID,
		&item.Name,
		&item.CategoryID,
		&item.UnitPrice,
		&item.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrItemNotFound
		}
		return nil, mapError("get_item", itemID, err)
	}
	return item, nil
}

// ResolveLocation retrieves a location by ID
// IDでロケーションを取得
func (c *PostgreSQLCatalog) ResolveLocation(ctx context.Context, locationID string) (*inventory.Location, error) {
	return c.scanLocation(ctx, `
		SELECT id, name, description, created_at
		FROM locations
		WHERE id = $1`, locationID)
}

// MainStoreLocation returns the main store, creating it on first use
// メインストアを取得（存在しない場合は作成）
func (c *PostgreSQLCatalog) MainStoreLocation(ctx context.Context) (*inventory.Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mainStore != nil {
		return c.mainStore, nil
	}

	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, description, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO NOTHING`,
		uuid.New().String(), c.mainStoreName, "メインストア（既定の入荷先）",
	); err != nil {
		return nil, mapError("create_main_store", c.mainStoreName, err)
	}

	location, err := c.scanLocation(ctx, `
		SELECT id, name, description, created_at
		FROM locations
		WHERE name = $1`, c.mainStoreName)
	if err != nil {
		return nil, err
	}

	c.mainStore = location
	c.logger.Info("メインストアを解決しました", zap.String("location_id", location.ID), zap.String("name", location.Name))
	return location, nil
}

// CreateItem registers an item
// 商品を登録
func (c *PostgreSQLCatalog) CreateItem(ctx context.Context, item *inventory.Item) error {
	if err := inventory.ValidateItemID(item.ID); err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO items (id, name, category_id, unit_price, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		item.ID,
		item.Name,
		item.CategoryID,
		item.UnitPrice,
		item.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := asPQ(err); ok && pqErr.Code == pgUniqueViolation {
			return inventory.NewValidationError("id", "商品は既に存在します", item.ID)
		}
		return mapError("create_item", item.ID, err)
	}
	return nil
}

// CreateLocation registers a location
// ロケーションを登録
func (c *PostgreSQLCatalog) CreateLocation(ctx context.Context, location *inventory.Location) error {
	if err := inventory.ValidateLocationID(location.ID); err != nil {
		return err
	}
	if location.CreatedAt.IsZero() {
		location.CreatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)`,
		location.ID,
		location.Name,
		location.Description,
		location.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := asPQ(err); ok && pqErr.Code == pgUniqueViolation {
			return inventory.NewValidationError("id", "ロケーションは既に存在します", location.ID)
		}
		return mapError("create_location", location.ID, err)
	}
	return nil
}

// ListLocations lists every location by name
// ロケーション一覧を取得
func (c *PostgreSQLCatalog) ListLocations(ctx context.Context) ([]inventory.Location, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, description, created_at
		FROM locations
		ORDER BY name`)
	if err != nil {
		return nil, mapError("list_locations", "locations", err)
	}
	defer rows.Close()

	var locations []inventory.Location
	for rows.Next() {
		var l inventory.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Description, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("ロケーションのスキャンに失敗しました: %w", err)
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// DeleteItem removes an item that no longer holds any batch
// バッチが残っていない商品を削除
func (c *PostgreSQLCatalog) DeleteItem(ctx context.Context, itemID string) error {
	return c.deleteWithoutStock(ctx, "items", "item_id", itemID, inventory.ErrItemNotFound)
}

// DeleteLocation removes a location that no longer holds any batch
// バッチが残っていないロケーションを削除
func (c *PostgreSQLCatalog) DeleteLocation(ctx context.Context, locationID string) error {
	if err := c.deleteWithoutStock(ctx, "locations", "location_id", locationID, inventory.ErrLocationNotFound); err != nil {
		return err
	}
	c.mu.Lock()
	if c.mainStore != nil && c.mainStore.ID == locationID {
		c.mainStore = nil
	}
	c.mu.Unlock()
	return nil
}

// deleteWithoutStock checks for remaining batches and deletes in one transaction.
// table and column are fixed identifiers, never user input.
func (c *PostgreSQLCatalog) deleteWithoutStock(ctx context.Context, table, column, id string, notFound error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("delete_"+table, id, err)
	}
	defer tx.Rollback()

	var remaining int64
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(SUM(available_quantity), 0) FROM batches WHERE %s = $1`, column), id,
	).Scan(&remaining); err != nil {
		return mapError("delete_"+table, id, err)
	}
	if remaining > 0 {
		return fmt.Errorf("%w (%s: %s, 残数: %d)", inventory.ErrStockRemaining, column, id, remaining)
	}

	// 空の集計値行は参照を残さないよう先に削除
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM location_aggregates WHERE %s = $1 AND quantity = 0`, column), id,
	); err != nil {
		return mapError("delete_"+table, id, err)
	}

	result, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		if pqErr, ok := asPQ(err); ok && pqErr.Code == pgForeignKeyViolation {
			return inventory.NewValidationError("id", "履歴から参照されているため削除できません", id)
		}
		return mapError("delete_"+table, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除行数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return notFound
	}

	if err := tx.Commit(); err != nil {
		return mapError("delete_"+table, id, err)
	}
	c.logger.Info("カタログから削除しました", zap.String("table", table), zap.String("id", id))
	return nil
}

func (c *PostgreSQLCatalog) scanLocation(ctx context.Context, query string, arg string) (*inventory.Location, error) {
	location := &inventory.Location{}
	err := c.db.QueryRowContext(ctx, query, arg).Scan(
		&location.ID,
		&location.Name,
		&location.Description,
		&location.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrLocationNotFound
		}
		return nil, mapError("get_location", arg, err)
	}
	return location, nil
}

// PostgreSQLAuditSink writes audit records to the audit_logs table
// 監査記録を audit_logs テーブルに書き込む
type PostgreSQLAuditSink struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ inventory.AuditSink = (*PostgreSQLAuditSink)(nil)

// NewPostgreSQLAuditSink creates a new audit sink
func NewPostgreSQLAuditSink(db *sql.DB, logger *zap.Logger) *PostgreSQLAuditSink {
	return &PostgreSQLAuditSink{db: db, logger: logger}
}

// Record implements inventory.AuditSink
func (a *PostgreSQLAuditSink) Record(ctx context.Context, entry inventory.AuditEntry) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(),
		entry.ActorID,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		entry.Details,
		entry.Timestamp,
	)
	return mapError("record_audit", entry.EntityID, err)
}
