package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// LedgerService is the part of the ledger manager served over HTTP
// HTTPで公開する台帳操作
type LedgerService interface {
	inventory.Ledger

	CreateLot(ctx context.Context, in inventory.LotInput) (*inventory.Lot, error)
	ReceiveProcurement(ctx context.Context, receipt inventory.ProcurementReceipt) (*inventory.ReceiptResult, error)
	ItemTotal(ctx context.Context, itemID string) (int64, error)
	DeadStock(ctx context.Context, itemID string) (int64, error)
	EnsureRemovable(ctx context.Context, itemID, locationID string) error
	Reconcile(ctx context.Context, dryRun bool) ([]inventory.Drift, error)
}

// CatalogAdmin manages catalog entries; both storage catalogs implement it
// カタログの登録・削除
type CatalogAdmin interface {
	inventory.Catalog

	CreateItem(ctx context.Context, item *inventory.Item) error
	CreateLocation(ctx context.Context, location *inventory.Location) error
	ListLocations(ctx context.Context) ([]inventory.Location, error)
	DeleteItem(ctx context.Context, itemID string) error
	DeleteLocation(ctx context.Context, locationID string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handlers for the ledger API
// 台帳API用のHTTPハンドラーを保持
type Handlers struct {
	ledger    LedgerService
	catalog   CatalogAdmin
	tracker   *inventory.Tracker
	valuation *inventory.ValuationEngine
	health    pinger
	logger    *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(ledger LedgerService, catalog CatalogAdmin, tracker *inventory.Tracker, valuation *inventory.ValuationEngine, health pinger, logger *zap.Logger) *Handlers {
	return &Handlers{
		ledger:    ledger,
		catalog:   catalog,
		tracker:   tracker,
		valuation: valuation,
		health:    health,
		logger:    logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// ValuationResponse is the valuation of an item at a location
// 評価額レスポンス
type ValuationResponse struct {
	ItemID          string          `json:"item_id"`
	LocationID      string          `json:"location_id"`
	Quantity        int64           `json:"quantity"`
	Value           decimal.Decimal `json:"value"`
	AverageUnitCost decimal.Decimal `json:"average_unit_cost"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		h.logger.Warn("ヘルスチェックに失敗しました", zap.Error(err))
		h.sendError(w, http.StatusServiceUnavailable, "unavailable", "ストレージに接続できません")
		return
	}

	h.sendSuccess(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "zaiLedger",
	})
}

// Receive handles stock receipt requests
// 入荷リクエストを処理
func (h *Handlers) Receive(w http.ResponseWriter, r *http.Request) {
	var req inventory.ReceiveRequest
	if !h.decode(w, r, &req) {
		return
	}

	batchID, err := h.ledger.Receive(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, map[string]int64{"batch_id": batchID})
}

// ReceiveProcurement handles lot creation with all of its receipt lines
// 調達ロットの一括入荷を処理
func (h *Handlers) ReceiveProcurement(w http.ResponseWriter, r *http.Request) {
	var receipt inventory.ProcurementReceipt
	if !h.decode(w, r, &receipt) {
		return
	}

	result, err := h.ledger.ReceiveProcurement(r.Context(), receipt)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, result)
}

// Move handles transfers between locations
// ロケーション間移動を処理
func (h *Handlers) Move(w http.ResponseWriter, r *http.Request) {
	var req inventory.MoveRequest
	if !h.decode(w, r, &req) {
		return
	}

	movementID, err := h.ledger.Move(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, map[string]string{"movement_id": movementID})
}

// Discard handles disposal requests
// 廃棄リクエストを処理
func (h *Handlers) Discard(w http.ResponseWriter, r *http.Request) {
	var req inventory.DiscardRequest
	if !h.decode(w, r, &req) {
		return
	}

	discardID, err := h.ledger.Discard(r.Context(), req)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, map[string]string{"discard_id": discardID})
}

// GetAvailability handles availability queries
// 在庫数照会を処理
func (h *Handlers) GetAvailability(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	quantity, err := h.ledger.Availability(r.Context(), vars["itemId"], vars["locationId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, map[string]interface{}{
		"item_id":     vars["itemId"],
		"location_id": vars["locationId"],
		"quantity":    quantity,
	})
}

// GetBatches handles batch listing in FIFO order
// バッチ一覧（FIFO順）を処理
func (h *Handlers) GetBatches(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	batches, err := h.ledger.Batches(r.Context(), vars["itemId"], vars["locationId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	if batches == nil {
		batches = []inventory.Batch{}
	}

	h.sendSuccess(w, http.StatusOK, batches)
}

// GetItemStock handles the total and dead stock of an item
// 商品の総在庫とデッドストックを処理
func (h *Handlers) GetItemStock(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemId"]

	total, err := h.ledger.ItemTotal(r.Context(), itemID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	dead, err := h.ledger.DeadStock(r.Context(), itemID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, map[string]interface{}{
		"item_id":        itemID,
		"total_quantity": total,
		"dead_stock":     dead,
	})
}

// GetHistory handles movement and discard history requests
// 履歴取得リクエストを処理
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemId"]

	// limitパラメータの取得
	limit := 50 // デフォルト
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	history, err := h.tracker.History(r.Context(), itemID, limit)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, history)
}

// CreateLot handles lot creation
// ロット作成を処理
func (h *Handlers) CreateLot(w http.ResponseWriter, r *http.Request) {
	var in inventory.LotInput
	if !h.decode(w, r, &in) {
		return
	}

	lot, err := h.ledger.CreateLot(r.Context(), in)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, lot)
}

// TraceLot handles lot traceability requests
// ロット追跡を処理
func (h *Handlers) TraceLot(w http.ResponseWriter, r *http.Request) {
	trace, err := h.tracker.TraceLot(r.Context(), mux.Vars(r)["lotId"])
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, trace)
}

// GetValuation handles valuation of an item at a location
// 在庫評価を処理
func (h *Handlers) GetValuation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	itemID, locationID := vars["itemId"], vars["locationId"]

	value, err := h.valuation.LocationValue(r.Context(), itemID, locationID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	average, err := h.valuation.AverageUnitCost(r.Context(), itemID, locationID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	quantity, err := h.ledger.Availability(r.Context(), itemID, locationID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, ValuationResponse{
		ItemID:          itemID,
		LocationID:      locationID,
		Quantity:        quantity,
		Value:           value,
		AverageUnitCost: average,
	})
}

// ProjectCost handles FIFO cost projection for a quantity
// FIFO原価の試算を処理
func (h *Handlers) ProjectCost(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	quantity, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_argument", "quantityパラメータが不正です")
		return
	}

	allocation, err := h.valuation.ProjectedCost(r.Context(), vars["itemId"], vars["locationId"], quantity)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, map[string]interface{}{
		"allocation": allocation,
		"cost":       allocation.Cost(),
	})
}

// Reconcile handles aggregate reconciliation; dry_run=true only reports
// 集計値の再計算を処理
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	drifts, err := h.ledger.Reconcile(r.Context(), dryRun)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}
	if drifts == nil {
		drifts = []inventory.Drift{}
	}

	h.sendSuccess(w, http.StatusOK, map[string]interface{}{
		"dry_run": dryRun,
		"drifts":  drifts,
	})
}

// CreateItem handles create item requests
// 商品作成リクエストを処理
func (h *Handlers) CreateItem(w http.ResponseWriter, r *http.Request) {
	var item inventory.Item
	if !h.decode(w, r, &item) {
		return
	}
	item.CreatedAt = time.Now()

	if err := h.catalog.CreateItem(r.Context(), &item); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, item)
}

// DeleteItem handles item retirement; rejected while stock remains
// 商品削除を処理（在庫が残っている場合は拒否）
func (h *Handlers) DeleteItem(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemId"]

	if err := h.ledger.EnsureRemovable(r.Context(), itemID, ""); err != nil {
		h.sendLedgerError(w, err)
		return
	}
	if err := h.catalog.DeleteItem(r.Context(), itemID); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, map[string]string{"message": "商品を削除しました"})
}

// CreateLocation handles create location requests
// ロケーション作成リクエストを処理
func (h *Handlers) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var location inventory.Location
	if !h.decode(w, r, &location) {
		return
	}
	location.CreatedAt = time.Now()

	if err := h.catalog.CreateLocation(r.Context(), &location); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, location)
}

// ListLocations handles location listing
// ロケーション一覧を処理
func (h *Handlers) ListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := h.catalog.ListLocations(r.Context())
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, locations)
}

// DeleteLocation handles location retirement; rejected while stock remains
// ロケーション削除を処理（在庫が残っている場合は拒否）
func (h *Handlers) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	locationID := mux.Vars(r)["locationId"]

	if err := h.ledger.EnsureRemovable(r.Context(), "", locationID); err != nil {
		h.sendLedgerError(w, err)
		return
	}
	if err := h.catalog.DeleteLocation(r.Context(), locationID); err != nil {
		h.sendLedgerError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, map[string]string{"message": "ロケーションを削除しました"})
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_argument", "無効なリクエスト形式です")
		return false
	}
	return true
}

// statusFor maps a ledger error kind to an HTTP status and code
// エラー種別をHTTPステータスに変換
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, inventory.ErrContention):
		return http.StatusServiceUnavailable, "contention"
	case errors.Is(err, inventory.ErrConsistencyViolation):
		return http.StatusInternalServerError, "consistency_violation"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handlers) sendLedgerError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError && code == "internal" {
		h.logger.Error("リクエスト処理中にエラーが発生しました", zap.Error(err))
		message = "内部エラーが発生しました"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	h.sendError(w, status, code, message)
}

// sendSuccess sends successful response
// 成功レスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("レスポンスエンコードに失敗しました", zap.Error(err))
	}
}

// sendError sends error response
// エラーレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message, Code: code}); err != nil {
		h.logger.Error("エラーレスポンスエンコードに失敗しました", zap.Error(err))
	}
}
