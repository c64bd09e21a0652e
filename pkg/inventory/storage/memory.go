package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// MemoryStorage is an in-process Storage for development and tests.
// Transactions are serialized by a single-slot semaphore and work on a private
// copy of the state that replaces the committed state on Commit.
// 開発・テスト用のインメモリストレージ
type MemoryStorage struct {
	mu          sync.RWMutex
	state       *memState
	sem         chan struct{}
	lockTimeout time.Duration
	logger      *zap.Logger
}

var _ inventory.Storage = (*MemoryStorage)(nil)

type batchKey struct {
	itemID, locationID, lotID string
}

type memState struct {
	lots        map[string]*inventory.Lot
	batches     map[int64]*inventory.Batch
	byKey       map[batchKey]int64
	aggregates  map[inventory.StockKey]*inventory.LocationAggregate
	deadStock   map[string]int64
	movements   []inventory.Movement
	discards    []inventory.Discard
	nextBatchID int64
	nextOrder   int64
}

func newMemState() *memState {
	return &memState{
		lots:       make(map[string]*inventory.Lot),
		batches:    make(map[int64]*inventory.Batch),
		byKey:      make(map[batchKey]int64),
		aggregates: make(map[inventory.StockKey]*inventory.LocationAggregate),
		deadStock:  make(map[string]int64),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		lots:        make(map[string]*inventory.Lot, len(s.lots)),
		batches:     make(map[int64]*inventory.Batch, len(s.batches)),
		byKey:       make(map[batchKey]int64, len(s.byKey)),
		aggregates:  make(map[inventory.StockKey]*inventory.LocationAggregate, len(s.aggregates)),
		deadStock:   make(map[string]int64, len(s.deadStock)),
		movements:   append([]inventory.Movement(nil), s.movements...),
		discards:    append([]inventory.Discard(nil), s.discards...),
		nextBatchID: s.nextBatchID,
		nextOrder:   s.nextOrder,
	}
	for id, lot := range s.lots {
		l := *lot
		l.Lines = append([]inventory.LotLine(nil), lot.Lines...)
		c.lots[id] = &l
	}
	for id, b := range s.batches {
		cp := *b
		c.batches[id] = &cp
	}
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	for k, a := range s.aggregates {
		cp := *a
		c.aggregates[k] = &cp
	}
	for k, v := range s.deadStock {
		c.deadStock[k] = v
	}
	return c
}

// NewMemoryStorage creates an empty in-memory storage.
// A non-positive lockTimeout falls back to DefaultLockTimeout.
// 空のインメモリストレージを作成
func NewMemoryStorage(logger *zap.Logger, lockTimeout time.Duration) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryStorage{
		state:       newMemState(),
		sem:         make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Begin waits up to the lock timeout for the transaction slot
// ロック待機上限までトランザクション枠を待つ
func (s *MemoryStorage) Begin(ctx context.Context) (inventory.Tx, error) {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
	case <-timer.C:
		return nil, inventory.NewContentionError("begin", "memory", fmt.Errorf("lock timeout %s", s.lockTimeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.RLock()
	state := s.state.clone()
	s.mu.RUnlock()

	return &memoryTx{store: s, state: state}, nil
}

// GetAggregate reads the aggregate of (item, location); nil when absent
func (s *MemoryStorage) GetAggregate(_ context.Context, itemID, locationID string) (*inventory.LocationAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.state.aggregates[inventory.StockKey{ItemID: itemID, LocationID: locationID}]
	if !ok {
		return nil, nil
	}
	cp := *agg
	return &cp, nil
}

// ListBatches lists the non-empty batches of (item, location) in FIFO order
func (s *MemoryStorage) ListBatches(_ context.Context, itemID, locationID string) ([]inventory.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := s.state.filterBatches(func(b *inventory.Batch) bool {
		return b.ItemID == itemID && b.LocationID == locationID
	})
	inventory.SortFIFO(batches)
	return batches, nil
}

// ListBatchesByLot lists every live batch of a lot
func (s *MemoryStorage) ListBatchesByLot(_ context.Context, lotID string) ([]inventory.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := s.state.filterBatches(func(b *inventory.Batch) bool { return b.LotID == lotID })
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].LocationID != batches[j].LocationID {
			return batches[i].LocationID < batches[j].LocationID
		}
		return batches[i].ID < batches[j].ID
	})
	return batches, nil
}

// ListStockKeys lists every (item, location) pair that has an aggregate or a batch
func (s *MemoryStorage) ListStockKeys(_ context.Context) ([]inventory.StockKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[inventory.StockKey]struct{})
	for k := range s.state.aggregates {
		seen[k] = struct{}{}
	}
	for _, b := range s.state.batches {
		seen[inventory.StockKey{ItemID: b.ItemID, LocationID: b.LocationID}] = struct{}{}
	}

	keys := make([]inventory.StockKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ItemID != keys[j].ItemID {
			return keys[i].ItemID < keys[j].ItemID
		}
		return keys[i].LocationID < keys[j].LocationID
	})
	return keys, nil
}

// SumStock sums batch quantities; an empty id matches any item or location
func (s *MemoryStorage) SumStock(_ context.Context, itemID, locationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, b := range s.state.batches {
		if (itemID == "" || b.ItemID == itemID) && (locationID == "" || b.LocationID == locationID) {
			total += b.AvailableQuantity
		}
	}
	return total, nil
}

// GetDeadStock returns the dead stock total of an item
func (s *MemoryStorage) GetDeadStock(_ context.Context, itemID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.deadStock[itemID], nil
}

// GetLot retrieves a lot with its lines
func (s *MemoryStorage) GetLot(_ context.Context, lotID string) (*inventory.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getLot(lotID)
}

// ListMovements lists the newest movements of an item
func (s *MemoryStorage) ListMovements(_ context.Context, itemID string, limit int) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []inventory.Movement
	for i := len(s.state.movements) - 1; i >= 0 && len(out) < limit; i-- {
		if m := s.state.movements[i]; m.ItemID == itemID {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListDiscards lists the newest discards of an item
func (s *MemoryStorage) ListDiscards(_ context.Context, itemID string, limit int) ([]inventory.Discard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []inventory.Discard
	for i := len(s.state.discards) - 1; i >= 0 && len(out) < limit; i-- {
		if d := s.state.discards[i]; d.ItemID == itemID {
			out = append(out, d)
		}
	}
	return out, nil
}

// CorruptAggregate overwrites an aggregate without touching its batches.
// Used to exercise consistency checks and reconciliation.
// 集計値のみを書き換える（整合性チェックの検証用）
func (s *MemoryStorage) CorruptAggregate(itemID, locationID string, quantity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inventory.StockKey{ItemID: itemID, LocationID: locationID}
	s.state.aggregates[key] = &inventory.LocationAggregate{
		ItemID:     itemID,
		LocationID: locationID,
		Quantity:   quantity,
		UpdatedAt:  time.Now(),
	}
}

// CorruptBatchPrice overwrites the unit price of one (item, location, lot) batch.
// Used to exercise the lot price check on moves.
// バッチ単価のみを書き換える（整合性チェックの検証用）
func (s *MemoryStorage) CorruptBatchPrice(itemID, locationID, lotID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.state.byKey[batchKey{itemID, locationID, lotID}]; ok {
		s.state.batches[id].UnitPrice = price
	}
}

func (s *MemoryStorage) Ping(context.Context) error { return nil }

func (s *MemoryStorage) Close() error { return nil }

func (s *memState) filterBatches(match func(*inventory.Batch) bool) []inventory.Batch {
	var out []inventory.Batch
	for _, b := range s.batches {
		if b.AvailableQuantity > 0 && match(b) {
			out = append(out, *b)
		}
	}
	return out
}

func (s *memState) getLot(lotID string) (*inventory.Lot, error) {
	lot, ok := s.lots[lotID]
	if !ok {
		return nil, inventory.ErrLotNotFound
	}
	cp := *lot
	cp.Lines = append([]inventory.LotLine(nil), lot.Lines...)
	return &cp, nil
}

// memoryTx implements inventory.Tx on a private copy of the state
type memoryTx struct {
	store *MemoryStorage
	state *memState
	done  bool
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("トランザクションは既に終了しています")
	}
	t.done = true

	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()

	<-t.store.sem
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	<-t.store.sem
	return nil
}

func (t *memoryTx) NextOrderNumber(context.Context) (string, error) {
	t.state.nextOrder++
	return fmt.Sprintf("PO-%04d", t.state.nextOrder), nil
}

func (t *memoryTx) CreateLot(_ context.Context, lot *inventory.Lot) error {
	for _, existing := range t.state.lots {
		if existing.OrderNumber == lot.OrderNumber {
			return fmt.Errorf("%s: %w", lot.OrderNumber, inventory.ErrDuplicateOrderNumber)
		}
	}
	cp := *lot
	cp.Lines = nil
	t.state.lots[lot.ID] = &cp
	return nil
}

func (t *memoryTx) GetLot(_ context.Context, lotID string) (*inventory.Lot, error) {
	return t.state.getLot(lotID)
}

func (t *memoryTx) AddLotLine(_ context.Context, line *inventory.LotLine) error {
	lot, ok := t.state.lots[line.LotID]
	if !ok {
		return inventory.ErrLotNotFound
	}
	lot.Lines = append(lot.Lines, *line)
	return nil
}

func (t *memoryTx) LockAggregate(_ context.Context, itemID, locationID string) (int64, error) {
	return t.aggregate(itemID, locationID).Quantity, nil
}

func (t *memoryTx) AdjustAggregate(_ context.Context, itemID, locationID string, delta int64) (int64, error) {
	agg := t.aggregate(itemID, locationID)
	if agg.Quantity+delta < 0 {
		return 0, fmt.Errorf("集計値が負になります (%s@%s): %w", itemID, locationID, inventory.ErrInvariantViolation)
	}
	agg.Quantity += delta
	agg.UpdatedAt = time.Now()
	return agg.Quantity, nil
}

func (t *memoryTx) SetAggregate(_ context.Context, itemID, locationID string, quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("集計値が負になります (%s@%s): %w", itemID, locationID, inventory.ErrInvariantViolation)
	}
	agg := t.aggregate(itemID, locationID)
	agg.Quantity = quantity
	agg.UpdatedAt = time.Now()
	return nil
}

func (t *memoryTx) aggregate(itemID, locationID string) *inventory.LocationAggregate {
	key := inventory.StockKey{ItemID: itemID, LocationID: locationID}
	agg, ok := t.state.aggregates[key]
	if !ok {
		agg = &inventory.LocationAggregate{ItemID: itemID, LocationID: locationID, UpdatedAt: time.Now()}
		t.state.aggregates[key] = agg
	}
	return agg
}

func (t *memoryTx) CreateOrMergeBatch(_ context.Context, batch *inventory.Batch) (*inventory.Batch, error) {
	if batch.AvailableQuantity < 0 {
		return nil, fmt.Errorf("バッチ数量が負です: %w", inventory.ErrInvariantViolation)
	}
	lot, ok := t.state.lots[batch.LotID]
	if !ok {
		return nil, inventory.ErrLotNotFound
	}

	key := batchKey{batch.ItemID, batch.LocationID, batch.LotID}
	if id, ok := t.state.byKey[key]; ok {
		existing := t.state.batches[id]
		existing.AvailableQuantity += batch.AvailableQuantity
		if batch.LastMovementID != nil {
			existing.LastMovementID = batch.LastMovementID
		}
		existing.UpdatedAt = batch.UpdatedAt
		out := *existing
		return &out, nil
	}

	t.state.nextBatchID++
	created := *batch
	created.ID = t.state.nextBatchID
	created.OrderNumber = lot.OrderNumber
	created.LotDate = lot.OrderDate
	if created.LotDate.IsZero() {
		created.LotDate = lot.CreatedAt
	}
	t.state.batches[created.ID] = &created
	t.state.byKey[key] = created.ID

	out := created
	return &out, nil
}

func (t *memoryTx) LockBatches(_ context.Context, itemID, locationID string) ([]inventory.Batch, error) {
	batches := t.state.filterBatches(func(b *inventory.Batch) bool {
		return b.ItemID == itemID && b.LocationID == locationID
	})
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
	return batches, nil
}

func (t *memoryTx) AdjustBatch(_ context.Context, batchID int64, delta int64, movementID *string) (int64, error) {
	b, ok := t.state.batches[batchID]
	if !ok {
		return 0, inventory.ErrBatchNotFound
	}
	if b.AvailableQuantity+delta < 0 {
		return 0, fmt.Errorf("バッチ %d の数量が負になります: %w", batchID, inventory.ErrInvariantViolation)
	}
	b.AvailableQuantity += delta
	if movementID != nil {
		b.LastMovementID = movementID
	}
	b.UpdatedAt = time.Now()
	return b.AvailableQuantity, nil
}

func (t *memoryTx) DeleteIfEmpty(_ context.Context, batchID int64) (bool, error) {
	b, ok := t.state.batches[batchID]
	if !ok || b.AvailableQuantity != 0 {
		return false, nil
	}
	delete(t.state.batches, batchID)
	delete(t.state.byKey, batchKey{b.ItemID, b.LocationID, b.LotID})
	return true, nil
}

func (t *memoryTx) AddDeadStock(_ context.Context, itemID string, quantity int64) (int64, error) {
	if quantity < 0 {
		return 0, fmt.Errorf("デッドストックは減少できません: %w", inventory.ErrInvariantViolation)
	}
	t.state.deadStock[itemID] += quantity
	return t.state.deadStock[itemID], nil
}

func (t *memoryTx) CreateMovement(_ context.Context, m *inventory.Movement) error {
	t.state.movements = append(t.state.movements, *m)
	return nil
}

func (t *memoryTx) CreateDiscard(_ context.Context, d *inventory.Discard) error {
	t.state.discards = append(t.state.discards, *d)
	return nil
}

// MemoryCatalog is an in-process Catalog
// インメモリのカタログ
type MemoryCatalog struct {
	mu            sync.RWMutex
	items         map[string]*inventory.Item
	locations     map[string]*inventory.Location
	mainStoreName string
	store         inventory.Storage
}

var _ inventory.Catalog = (*MemoryCatalog)(nil)

// NewMemoryCatalog creates an empty catalog; store is consulted before deletions
func NewMemoryCatalog(store inventory.Storage, mainStoreName string) *MemoryCatalog {
	if mainStoreName == "" {
		mainStoreName = DefaultMainStoreName
	}
	return &MemoryCatalog{
		items:         make(map[string]*inventory.Item),
		locations:     make(map[string]*inventory.Location),
		mainStoreName: mainStoreName,
		store:         store,
	}
}

func (c *MemoryCatalog) ResolveItem(_ context.Context, itemID string) (*inventory.Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[itemID]
	if !ok {
		return nil, inventory.ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (c *MemoryCatalog) ResolveLocation(_ context.Context, locationID string) (*inventory.Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	location, ok := c.locations[locationID]
	if !ok {
		return nil, inventory.ErrLocationNotFound
	}
	cp := *location
	return &cp, nil
}

// MainStoreLocation returns the main store, creating it on first use
func (c *MemoryCatalog) MainStoreLocation(_ context.Context) (*inventory.Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.locations {
		if l.Name == c.mainStoreName {
			cp := *l
			return &cp, nil
		}
	}

	location := &inventory.Location{
		ID:          uuid.New().String(),
		Name:        c.mainStoreName,
		Description: "メインストア（既定の入荷先）",
		CreatedAt:   time.Now(),
	}
	c.locations[location.ID] = location
	cp := *location
	return &cp, nil
}

func (c *MemoryCatalog) CreateItem(_ context.Context, item *inventory.Item) error {
	if err := inventory.ValidateItemID(item.ID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[item.ID]; ok {
		return inventory.NewValidationError("id", "商品は既に存在します", item.ID)
	}
	cp := *item
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	c.items[item.ID] = &cp
	return nil
}

func (c *MemoryCatalog) CreateLocation(_ context.Context, location *inventory.Location) error {
	if err := inventory.ValidateLocationID(location.ID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.locations[location.ID]; ok {
		return inventory.NewValidationError("id", "ロケーションは既に存在します", location.ID)
	}
	for _, l := range c.locations {
		if l.Name == location.Name {
			return inventory.NewValidationError("name", "ロケーション名は既に存在します", location.Name)
		}
	}
	cp := *location
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	c.locations[location.ID] = &cp
	return nil
}

// ListLocations lists every location by name
func (c *MemoryCatalog) ListLocations(_ context.Context) ([]inventory.Location, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]inventory.Location, 0, len(c.locations))
	for _, l := range c.locations {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteItem removes an item that no longer holds any batch
func (c *MemoryCatalog) DeleteItem(ctx context.Context, itemID string) error {
	if err := c.ensureEmpty(ctx, itemID, ""); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[itemID]; !ok {
		return inventory.ErrItemNotFound
	}
	delete(c.items, itemID)
	return nil
}

// DeleteLocation removes a location that no longer holds any batch
func (c *MemoryCatalog) DeleteLocation(ctx context.Context, locationID string) error {
	if err := c.ensureEmpty(ctx, "", locationID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.locations[locationID]; !ok {
		return inventory.ErrLocationNotFound
	}
	delete(c.locations, locationID)
	return nil
}

func (c *MemoryCatalog) ensureEmpty(ctx context.Context, itemID, locationID string) error {
	if c.store == nil {
		return nil
	}
	remaining, err := c.store.SumStock(ctx, itemID, locationID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return fmt.Errorf("%w (商品: %s, ロケーション: %s, 残数: %d)", inventory.ErrStockRemaining, itemID, locationID, remaining)
	}
	return nil
}

// MemoryAuditSink keeps audit records in memory
// 監査記録をメモリに保持
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []inventory.AuditEntry
}

var _ inventory.AuditSink = (*MemoryAuditSink)(nil)

// NewMemoryAuditSink creates an empty audit sink
func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (a *MemoryAuditSink) Record(_ context.Context, entry inventory.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

// Entries returns a copy of the recorded entries
func (a *MemoryAuditSink) Entries() []inventory.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]inventory.AuditEntry(nil), a.entries...)
}
