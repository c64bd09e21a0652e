package inventory

import (
	"errors"
	"fmt"
)

// Error kinds of the ledger
// 台帳のエラー種別

var (
	// ErrNotFound is the kind of unknown item, location or lot errors
	// 商品・ロケーション・ロットが存在しない場合のエラー種別
	ErrNotFound = errors.New("見つかりません")

	// ErrInvalidArgument is the kind of caller input errors
	// 呼び出し側の入力エラー種別
	ErrInvalidArgument = errors.New("無効な引数です")

	// ErrInsufficientStock is returned when supply at the scoped location is short
	// 対象ロケーションの在庫不足
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrContention is returned when locks could not be acquired in time; safe to retry
	// ロック取得タイムアウト（再試行可能）
	ErrContention = errors.New("ロック競合が発生しました")

	// ErrConsistencyViolation is returned when the aggregate disagrees with its batches
	// 集計値とバッチ合計の不整合
	ErrConsistencyViolation = errors.New("内部整合性エラーが発生しました")

	// ErrInvariantViolation is returned when a batch would become negative
	// バッチ数量が負になる操作
	ErrInvariantViolation = errors.New("不変条件違反です")
)

var (
	ErrItemNotFound     = fmt.Errorf("商品が見つかりません: %w", ErrNotFound)
	ErrLocationNotFound = fmt.Errorf("ロケーションが見つかりません: %w", ErrNotFound)
	ErrLotNotFound      = fmt.Errorf("ロットが見つかりません: %w", ErrNotFound)
	ErrBatchNotFound    = fmt.Errorf("バッチが見つかりません: %w", ErrNotFound)

	// ErrSameLocation is returned when a move has identical source and destination
	// 移動元と移動先が同じ場合のエラー
	ErrSameLocation = fmt.Errorf("移動元と移動先が同じです: %w", ErrInvalidArgument)

	// ErrStockRemaining is returned when an item or location still holds batches
	// 在庫が残っているため削除できない場合のエラー
	ErrStockRemaining = fmt.Errorf("在庫が残っているため削除できません: %w", ErrInvalidArgument)

	// ErrDuplicateOrderNumber is returned when a lot order number is already taken
	ErrDuplicateOrderNumber = fmt.Errorf("発注番号は既に存在します: %w", ErrInvalidArgument)
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// InsufficientStockError carries the context a UI needs to explain the rejection
// 在庫不足の詳細（要求数と利用可能数）
type InsufficientStockError struct {
	ItemID     string `json:"item_id"`
	LocationID string `json:"location_id"`
	Requested  int64  `json:"requested"`
	Available  int64  `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫が不足しています (商品: %s, ロケーション: %s, 要求: %d, 利用可能: %d)",
		e.ItemID, e.LocationID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ConsistencyError reports an aggregate/batch-sum mismatch, or a lot whose
// unit price differs between two batches of the same item.
// Error() stays opaque; the fields are for logs only.
// 集計値とバッチ合計の不一致、またはロット単価の不一致（メッセージは詳細を含まない）
type ConsistencyError struct {
	ItemID     string
	LocationID string
	LotID      string
	Aggregate  int64
	BatchSum   int64
}

func (e *ConsistencyError) Error() string {
	return ErrConsistencyViolation.Error()
}

func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistencyViolation
}

// ContentionError represents a lock acquisition failure
// ロック取得失敗を表現
type ContentionError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Cause     error  `json:"-"`
}

func (e *ContentionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ロック競合 [%s:%s]: %v", e.Operation, e.Resource, e.Cause)
	}
	return fmt.Sprintf("ロック競合 [%s:%s]", e.Operation, e.Resource)
}

func (e *ContentionError) Is(target error) bool {
	return target == ErrContention
}

func (e *ContentionError) Unwrap() error {
	return e.Cause
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewContentionError creates a new contention error
// 新しいロック競合エラーを作成
func NewContentionError(operation, resource string, cause error) *ContentionError {
	return &ContentionError{
		Operation: operation,
		Resource:  resource,
		Cause:     cause,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// wrapStorage keeps ledger error kinds intact and wraps anything else as a StorageError
func wrapStorage(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNotFound, ErrInvalidArgument, ErrInsufficientStock, ErrContention, ErrConsistencyViolation, ErrInvariantViolation} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return NewStorageError(operation, message, err)
}
