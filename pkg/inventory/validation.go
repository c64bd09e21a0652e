package inventory

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// 最大数量（int64 の加算で桁あふれしない範囲）
const maxQuantity int64 = 999_999_999

// 最大単価（NUMERIC(12, 2) に収まる範囲）
var maxUnitPrice = decimal.RequireFromString("9999999999.99")

var (
	idPattern          = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	orderNumberPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_./-]*$`)
)

// ValidateItemID 商品IDの形式をバリデーション
func ValidateItemID(itemID string) error {
	return validateID("item_id", "商品ID", itemID)
}

// ValidateLocationID ロケーションIDの形式をバリデーション
func ValidateLocationID(locationID string) error {
	return validateID("location_id", "ロケーションID", locationID)
}

// ValidateLotID ロットIDの形式をバリデーション
func ValidateLotID(lotID string) error {
	return validateID("lot_id", "ロットID", lotID)
}

func validateID(field, label, value string) error {
	if value == "" {
		return NewValidationError(field, label+"が空です", value)
	}
	if len(value) > 255 {
		return NewValidationError(field, label+"が長すぎます", value)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	if !idPattern.MatchString(value) {
		return NewValidationError(field, label+"に無効な文字が含まれています", value)
	}
	return nil
}

// ValidateQuantity 数量をバリデーション（正の値のみ）
func ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprintf("%d", quantity))
	}
	if quantity > maxQuantity {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", quantity))
	}
	return nil
}

// ValidateUnitPrice 単価をバリデーション
func ValidateUnitPrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return NewValidationError("unit_price", "単価は0以上である必要があります", price.String())
	}
	if !price.Equal(price.Round(2)) {
		return NewValidationError("unit_price", "単価は小数点以下2桁までです", price.String())
	}
	if price.GreaterThan(maxUnitPrice) {
		return NewValidationError("unit_price", "単価が有効範囲を超えています", price.String())
	}
	return nil
}

// ValidateDiscardReason 廃棄理由をバリデーション
func ValidateDiscardReason(reason DiscardReason) error {
	switch reason {
	case DiscardReasonDamaged, DiscardReasonObsolete, DiscardReasonExpired, DiscardReasonOther:
		return nil
	}
	return NewValidationError("reason", "無効な廃棄理由です", string(reason))
}

// ValidateProcurementType 調達種別をバリデーション
func ValidateProcurementType(t ProcurementType) error {
	switch t {
	case ProcurementTypePurchase, ProcurementTypeDonation, ProcurementTypeTransfer:
		return nil
	}
	return NewValidationError("procurement_type", "無効な調達種別です", string(t))
}

// ValidateOrderNumber 発注番号をバリデーション（空は自動採番）
func ValidateOrderNumber(orderNumber string) error {
	if orderNumber == "" {
		return nil
	}
	if len(orderNumber) > 50 {
		return NewValidationError("order_number", "発注番号が長すぎます", orderNumber)
	}
	if !orderNumberPattern.MatchString(orderNumber) {
		return NewValidationError("order_number", "発注番号に無効な文字が含まれています", orderNumber)
	}
	return nil
}

// ValidateNotes 備考をバリデーション
func ValidateNotes(notes string) error {
	if n := utf8.RuneCountInString(notes); n > 1000 {
		return NewValidationError("notes", "備考が長すぎます", fmt.Sprintf("%d文字", n))
	}
	return nil
}

// ValidateReceiveRequest 入荷リクエストをバリデーション
func ValidateReceiveRequest(req ReceiveRequest) error {
	if err := ValidateItemID(req.ItemID); err != nil {
		return err
	}
	if err := ValidateLotID(req.LotID); err != nil {
		return err
	}
	// 空のロケーションはメインストアを意味する
	if req.LocationID != "" {
		if err := ValidateLocationID(req.LocationID); err != nil {
			return err
		}
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return err
	}
	return ValidateUnitPrice(req.UnitPrice)
}

// ValidateMoveRequest 移動リクエストをバリデーション
func ValidateMoveRequest(req MoveRequest) error {
	if err := ValidateItemID(req.ItemID); err != nil {
		return err
	}
	if err := ValidateLocationID(req.FromLocationID); err != nil {
		return err
	}
	if err := ValidateLocationID(req.ToLocationID); err != nil {
		return err
	}
	if req.FromLocationID == req.ToLocationID {
		return ErrSameLocation
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return err
	}
	return ValidateNotes(req.Notes)
}

// ValidateDiscardRequest 廃棄リクエストをバリデーション
func ValidateDiscardRequest(req DiscardRequest) error {
	if err := ValidateItemID(req.ItemID); err != nil {
		return err
	}
	if err := ValidateLocationID(req.LocationID); err != nil {
		return err
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return err
	}
	if err := ValidateDiscardReason(req.Reason); err != nil {
		return err
	}
	return ValidateNotes(req.Notes)
}

// ValidateLotInput ロット作成入力をバリデーション
func ValidateLotInput(in LotInput) error {
	if err := ValidateOrderNumber(in.OrderNumber); err != nil {
		return err
	}
	if len(strings.TrimSpace(in.Supplier)) > 255 {
		return NewValidationError("supplier", "仕入先名が長すぎます", in.Supplier)
	}
	return ValidateProcurementType(in.ProcurementType)
}

// ValidateProcurementReceipt 一括入荷をバリデーション
func ValidateProcurementReceipt(r ProcurementReceipt) error {
	if err := ValidateLotInput(r.Lot); err != nil {
		return err
	}
	if r.LocationID != "" {
		if err := ValidateLocationID(r.LocationID); err != nil {
			return err
		}
	}
	if len(r.Lines) == 0 {
		return NewValidationError("lines", "明細が空です", "")
	}
	seen := make(map[string]struct{}, len(r.Lines))
	for _, line := range r.Lines {
		if err := ValidateItemID(line.ItemID); err != nil {
			return err
		}
		if _, dup := seen[line.ItemID]; dup {
			return NewValidationError("lines", "同じ商品の明細が重複しています", line.ItemID)
		}
		seen[line.ItemID] = struct{}{}
		if err := ValidateQuantity(line.Quantity); err != nil {
			return err
		}
		if err := ValidateUnitPrice(line.UnitPrice); err != nil {
			return err
		}
	}
	return nil
}
