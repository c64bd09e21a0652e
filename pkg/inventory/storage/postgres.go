package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// PostgreSQL error codes
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgLockNotAvailable    = "55P03"
	pgDeadlockDetected    = "40P01"
	pgSerializationFail   = "40001"
)

// DefaultLockTimeout bounds lock waits when no positive timeout is configured
const DefaultLockTimeout = 2 * time.Second

// Options configures the PostgreSQL connection pool and lock waits
// 接続プールとロック待機の設定
type Options struct {
	LockTimeout     time.Duration // ロック待機の上限（0 以下は DefaultLockTimeout）
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns the pool settings used by the API server
func DefaultOptions() Options {
	return Options{
		LockTimeout:     DefaultLockTimeout,
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
	opts   Options
}

var _ inventory.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger, opts Options) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	return NewPostgreSQLStorageWithDB(db, logger, opts), nil
}

// NewPostgreSQLStorageWithDB wraps an existing connection pool
// 既存の接続プールからストレージを作成
func NewPostgreSQLStorageWithDB(db *sql.DB, logger *zap.Logger, opts Options) *PostgreSQLStorage {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	return &PostgreSQLStorage{
		db:     db,
		logger: logger,
		opts:   opts,
	}
}

// DB exposes the pool for the catalog and audit sink
func (s *PostgreSQLStorage) DB() *sql.DB {
	return s.db
}

// Begin starts a new database transaction with a bounded lock wait
// ロック待機上限付きでトランザクションを開始
func (s *PostgreSQLStorage) Begin(ctx context.Context) (inventory.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("begin", "transaction", err)
	}

	// SET はプレースホルダを受け付けない
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.opts.LockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		_ = tx.Rollback()
		return nil, mapError("set_lock_timeout", "transaction", err)
	}

	return &postgresTx{tx: tx, logger: s.logger}, nil
}

// GetAggregate reads the aggregate of (item, location); nil when absent
// 集計値を取得（存在しない場合は nil）
func (s *PostgreSQLStorage) GetAggregate(ctx context.Context, itemID, locationID string) (*inventory.LocationAggregate, error) {
	query := `
		SELECT item_id, location_id, quantity, updated_at
		FROM location_aggregates
		WHERE item_id = $1 AND location_id = $2`

	agg := &inventory.LocationAggregate{}
	err := s.db.QueryRowContext(ctx, query, itemID, locationID).Scan(
		&agg.ItemID,
		&agg.LocationID,
		&agg.Quantity,
		&agg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("get_aggregate", itemID+"@"+locationID, err)
	}
	return agg, nil
}

// ListBatches lists the non-empty batches of (item, location) in FIFO order
// バッチをFIFO順で取得
func (s *PostgreSQLStorage) ListBatches(ctx context.Context, itemID, locationID string) ([]inventory.Batch, error) {
	query := batchSelect + `
		WHERE b.item_id = $1 AND b.location_id = $2 AND b.available_quantity > 0
		ORDER BY l.order_date, b.id`

	return queryBatches(ctx, s.db, "list_batches", query, itemID, locationID)
}

// ListBatchesByLot lists every live batch of a lot
// ロットの全バッチを取得
func (s *PostgreSQLStorage) ListBatchesByLot(ctx context.Context, lotID string) ([]inventory.Batch, error) {
	query := batchSelect + `
		WHERE b.lot_id = $1 AND b.available_quantity > 0
		ORDER BY b.location_id, b.id`

	return queryBatches(ctx, s.db, "list_batches_by_lot", query, lotID)
}

// ListStockKeys lists every (item, location) pair that has an aggregate or a batch
// 集計値またはバッチを持つ (商品, ロケーション) の一覧
func (s *PostgreSQLStorage) ListStockKeys(ctx context.Context) ([]inventory.StockKey, error) {
	query := `
		SELECT item_id, location_id FROM location_aggregates
		UNION
		SELECT item_id, location_id FROM batches
		ORDER BY 1, 2`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError("list_stock_keys", "location_aggregates", err)
	}
	defer rows.Close()

	var keys []inventory.StockKey
	for rows.Next() {
		var key inventory.StockKey
		if err := rows.Scan(&key.ItemID, &key.LocationID); err != nil {
			return nil, fmt.Errorf("在庫キーのスキャンに失敗しました: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// SumStock sums batch quantities; an empty id matches any item or location
// バッチ数量の合計（空のIDは全件）
func (s *PostgreSQLStorage) SumStock(ctx context.Context, itemID, locationID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(available_quantity), 0)
		FROM batches
		WHERE ($1 = '' OR item_id = $1) AND ($2 = '' OR location_id = $2)`

	var total int64
	if err := s.db.QueryRowContext(ctx, query, itemID, locationID).Scan(&total); err != nil {
		return 0, mapError("sum_stock", itemID+"@"+locationID, err)
	}
	return total, nil
}

// GetDeadStock returns the dead stock total of an item (0 when none)
// 商品のデッドストック累計を取得
func (s *PostgreSQLStorage) GetDeadStock(ctx context.Context, itemID string) (int64, error) {
	var quantity int64
	err := s.db.QueryRowContext(ctx,
		`SELECT quantity FROM dead_stock_totals WHERE item_id = $1`, itemID,
	).Scan(&quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, mapError("get_dead_stock", itemID, err)
	}
	return quantity, nil
}

// GetLot retrieves a lot with its lines
// IDでロットを取得
func (s *PostgreSQLStorage) GetLot(ctx context.Context, lotID string) (*inventory.Lot, error) {
	return getLot(ctx, s.db, lotID)
}

// ListMovements lists the newest movements of an item
// 商品の移動履歴を取得
func (s *PostgreSQLStorage) ListMovements(ctx context.Context, itemID string, limit int) ([]inventory.Movement, error) {
	query := `
		SELECT id, item_id, from_location_id, to_location_id, quantity, cost, performed_by, notes, created_at
		FROM movements
		WHERE item_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, itemID, limit)
	if err != nil {
		return nil, mapError("list_movements", itemID, err)
	}
	defer rows.Close()

	var movements []inventory.Movement
	for rows.Next() {
		var m inventory.Movement
		if err := rows.Scan(
			&m.ID,
			&m.ItemID,
			&m.FromLocationID,
			&m.ToLocationID,
			&m.Quantity,
			&m.Cost,
			&m.PerformedBy,
			&m.Notes,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("移動履歴のスキャンに失敗しました: %w", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// ListDiscards lists the newest discards of an item
// 商品の廃棄履歴を取得
func (s *PostgreSQLStorage) ListDiscards(ctx context.Context, itemID string, limit int) ([]inventory.Discard, error) {
	query := `
		SELECT id, item_id, location_id, quantity, reason, cost, performed_by, notes, created_at
		FROM discards
		WHERE item_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, itemID, limit)
	if err != nil {
		return nil, mapError("list_discards", itemID, err)
	}
	defer rows.Close()

	var discards []inventory.Discard
	for rows.Next() {
		var d inventory.Discard
		if err := rows.Scan(
			&d.ID,
			&d.ItemID,
			&d.LocationID,
			&d.Quantity,
			&d.Reason,
			&d.Cost,
			&d.PerformedBy,
			&d.Notes,
			&d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("廃棄履歴のスキャンに失敗しました: %w", err)
		}
		discards = append(discards, d)
	}
	return discards, rows.Err()
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// postgresTx implements inventory.Tx on a *sql.Tx
type postgresTx struct {
	tx     *sql.Tx
	logger *zap.Logger
}

func (t *postgresTx) Commit() error {
	return mapError("commit", "transaction", t.tx.Commit())
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback()
}

// NextOrderNumber draws the next PO-NNNN number from lot_order_seq
func (t *postgresTx) NextOrderNumber(ctx context.Context) (string, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, `SELECT nextval('lot_order_seq')`).Scan(&n); err != nil {
		return "", mapError("next_order_number", "lot_order_seq", err)
	}
	return fmt.Sprintf("PO-%04d", n), nil
}

func (t *postgresTx) CreateLot(ctx context.Context, lot *inventory.Lot) error {
	query := `
		INSERT INTO lots (id, order_number, supplier, order_date, procurement_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := t.tx.ExecContext(ctx, query,
		lot.ID,
		lot.OrderNumber,
		lot.Supplier,
		lot.OrderDate,
		lot.ProcurementType,
		lot.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := asPQ(err); ok && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("%s: %w", lot.OrderNumber, inventory.ErrDuplicateOrderNumber)
		}
		return mapError("create_lot", lot.ID, err)
	}
	return nil
}

func (t *postgresTx) GetLot(ctx context.Context, lotID string) (*inventory.Lot, error) {
	return getLot(ctx, t.tx, lotID)
}

func (t *postgresTx) AddLotLine(ctx context.Context, line *inventory.LotLine) error {
	query := `
		INSERT INTO lot_lines (lot_id, item_id, quantity, unit_price, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := t.tx.ExecContext(ctx, query, line.LotID, line.ItemID, line.Quantity, line.UnitPrice, line.CreatedAt)
	return mapError("add_lot_line", line.LotID, err)
}

// LockAggregate ensures the aggregate row exists and locks it FOR UPDATE
// 集計値の行を作成（未作成時）してロック
func (t *postgresTx) LockAggregate(ctx context.Context, itemID, locationID string) (int64, error) {
	resource := itemID + "@" + locationID

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO location_aggregates (item_id, location_id, quantity, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (item_id, location_id) DO NOTHING`, itemID, locationID); err != nil {
		return 0, mapError("lock_aggregate", resource, err)
	}

	var quantity int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT quantity FROM location_aggregates
		WHERE item_id = $1 AND location_id = $2
		FOR UPDATE`, itemID, locationID).Scan(&quantity)
	if err != nil {
		return 0, mapError("lock_aggregate", resource, err)
	}
	return quantity, nil
}

func (t *postgresTx) AdjustAggregate(ctx context.Context, itemID, locationID string, delta int64) (int64, error) {
	var quantity int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO location_aggregates (item_id, location_id, quantity, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (item_id, location_id) DO UPDATE
		SET quantity = location_aggregates.quantity + EXCLUDED.quantity,
		    updated_at = EXCLUDED.updated_at
		RETURNING quantity`, itemID, locationID, delta).Scan(&quantity)
	if err != nil {
		return 0, mapError("adjust_aggregate", itemID+"@"+locationID, err)
	}
	return quantity, nil
}

func (t *postgresTx) SetAggregate(ctx context.Context, itemID, locationID string, quantity int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO location_aggregates (item_id, location_id, quantity, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (item_id, location_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`, itemID, locationID, quantity)
	return mapError("set_aggregate", itemID+"@"+locationID, err)
}

// CreateOrMergeBatch inserts a batch or adds to the existing (item, location, lot) batch.
// The existing batch keeps its unit price.
// バッチを作成、または既存バッチに数量を加算
func (t *postgresTx) CreateOrMergeBatch(ctx context.Context, batch *inventory.Batch) (*inventory.Batch, error) {
	query := `
		INSERT INTO batches (item_id, location_id, lot_id, available_quantity, unit_price, last_movement_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (item_id, location_id, lot_id) DO UPDATE
		SET available_quantity = batches.available_quantity + EXCLUDED.available_quantity,
		    last_movement_id = COALESCE(EXCLUDED.last_movement_id, batches.last_movement_id),
		    updated_at = EXCLUDED.updated_at
		RETURNING id, available_quantity, unit_price, created_at, updated_at`

	out := *batch
	err := t.tx.QueryRowContext(ctx, query,
		batch.ItemID,
		batch.LocationID,
		batch.LotID,
		batch.AvailableQuantity,
		batch.UnitPrice,
		nullString(batch.LastMovementID),
		batch.UpdatedAt,
	).Scan(&out.ID, &out.AvailableQuantity, &out.UnitPrice, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, mapError("create_batch", batch.ItemID+"@"+batch.LocationID, err)
	}
	return &out, nil
}

// LockBatches locks the non-empty batches of (item, location) in batch id order
// バッチをID順にロック
func (t *postgresTx) LockBatches(ctx context.Context, itemID, locationID string) ([]inventory.Batch, error) {
	query := batchSelect + `
		WHERE b.item_id = $1 AND b.location_id = $2 AND b.available_quantity > 0
		ORDER BY b.id
		FOR UPDATE OF b`

	return queryBatches(ctx, t.tx, "lock_batches", query, itemID, locationID)
}

func (t *postgresTx) AdjustBatch(ctx context.Context, batchID int64, delta int64, movementID *string) (int64, error) {
	var quantity int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE batches
		SET available_quantity = available_quantity + $2,
		    last_movement_id = COALESCE($3, last_movement_id),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING available_quantity`, batchID, delta, nullString(movementID)).Scan(&quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, inventory.ErrBatchNotFound
		}
		return 0, mapError("adjust_batch", fmt.Sprintf("batch:%d", batchID), err)
	}
	return quantity, nil
}

func (t *postgresTx) DeleteIfEmpty(ctx context.Context, batchID int64) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM batches WHERE id = $1 AND available_quantity = 0`, batchID)
	if err != nil {
		return false, mapError("delete_batch", fmt.Sprintf("batch:%d", batchID), err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除行数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

func (t *postgresTx) AddDeadStock(ctx context.Context, itemID string, quantity int64) (int64, error) {
	var total int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO dead_stock_totals (item_id, quantity, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (item_id) DO UPDATE
		SET quantity = dead_stock_totals.quantity + EXCLUDED.quantity,
		    updated_at = EXCLUDED.updated_at
		RETURNING quantity`, itemID, quantity).Scan(&total)
	if err != nil {
		return 0, mapError("add_dead_stock", itemID, err)
	}
	return total, nil
}

func (t *postgresTx) CreateMovement(ctx context.Context, m *inventory.Movement) error {
	query := `
		INSERT INTO movements (id, item_id, from_location_id, to_location_id, quantity, cost, performed_by, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := t.tx.ExecContext(ctx, query,
		m.ID,
		m.ItemID,
		m.FromLocationID,
		m.ToLocationID,
		m.Quantity,
		m.Cost,
		m.PerformedBy,
		m.Notes,
		m.CreatedAt,
	)
	return mapError("create_movement", m.ID, err)
}

func (t *postgresTx) CreateDiscard(ctx context.Context, d *inventory.Discard) error {
	query := `
		INSERT INTO discards (id, item_id, location_id, quantity, reason, cost, performed_by, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := t.tx.ExecContext(ctx, query,
		d.ID,
		d.ItemID,
		d.LocationID,
		d.Quantity,
		d.Reason,
		d.Cost,
		d.PerformedBy,
		d.Notes,
		d.CreatedAt,
	)
	return mapError("create_discard", d.ID, err)
}

const batchSelect = `
		SELECT b.id, b.item_id, b.location_id, b.lot_id, l.order_number, l.order_date,
		       b.available_quantity, b.unit_price, b.last_movement_id, b.created_at, b.updated_at
		FROM batches b
		JOIN lots l ON l.id = b.lot_id`

func queryBatches(ctx context.Context, q queryer, operation, query string, args ...any) ([]inventory.Batch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(operation, "batches", err)
	}
	defer rows.Close()

	var batches []inventory.Batch
	for rows.Next() {
		var (
			b              inventory.Batch
			lastMovementID sql.NullString
		)
		if err := rows.Scan(
			&b.ID,
			&b.ItemID,
			&b.LocationID,
			&b.LotID,
			&b.OrderNumber,
			&b.LotDate,
			&b.AvailableQuantity,
			&b.UnitPrice,
			&lastMovementID,
			&b.CreatedAt,
			&b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("バッチのスキャンに失敗しました: %w", err)
		}
		if lastMovementID.Valid {
			id := lastMovementID.String
			b.LastMovementID = &id
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(operation, "batches", err)
	}
	return batches, nil
}

func getLot(ctx context.Context, q queryer, lotID string) (*inventory.Lot, error) {
	lot := &inventory.Lot{}
	err := q.QueryRowContext(ctx, `
		SELECT id, order_number, supplier, order_date, procurement_type, created_at
		FROM lots
		WHERE id = $1`, lotID).Scan(
		&lot.ID,
		&lot.OrderNumber,
		&lot.Supplier,
		&lot.OrderDate,
		&lot.ProcurementType,
		&lot.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrLotNotFound
		}
		return nil, mapError("get_lot", lotID, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT lot_id, item_id, quantity, unit_price, created_at
		FROM lot_lines
		WHERE lot_id = $1
		ORDER BY id`, lotID)
	if err != nil {
		return nil, mapError("get_lot_lines", lotID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var line inventory.LotLine
		if err := rows.Scan(&line.LotID, &line.ItemID, &line.Quantity, &line.UnitPrice, &line.CreatedAt); err != nil {
			return nil, fmt.Errorf("ロット明細のスキャンに失敗しました: %w", err)
		}
		lot.Lines = append(lot.Lines, line)
	}
	return lot, rows.Err()
}

// mapError translates driver errors into ledger error kinds
// ドライバーのエラーを台帳のエラー種別に変換
func mapError(operation, resource string, err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := asPQ(err); ok {
		switch pqErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFail:
			return inventory.NewContentionError(operation, resource, err)
		case pgCheckViolation:
			return fmt.Errorf("%s [%s]: %w (%s)", operation, resource, inventory.ErrInvariantViolation, pqErr.Constraint)
		}
	}
	return fmt.Errorf("%s [%s]: %w", operation, resource, err)
}

func asPQ(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr, true
	}
	return nil, false
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
