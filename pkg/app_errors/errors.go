package apperrors

import "errors"

var (
	// 搶票熱路徑
	ErrOutOfStock          = errors.New("out of stock")
	ErrStockNotEnough      = errors.New("stock not enough")
	ErrStockCASConflict    = errors.New("stock cas conflict")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrDuplicatePurchase   = errors.New("duplicate purchase")
	ErrCacheDeleteFailed   = errors.New("cache delete failed")
	ErrSequenceFallback    = errors.New("sequence exhausted fallback")
	ErrOrderDispatchFailed = errors.New("order dispatch failed")

	ErrInventoryNotFound   = errors.New("inventory not found")
	ErrIntentNotFound      = errors.New("purchase intent not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidOrderStatus  = errors.New("invalid order status")
	ErrInternalServerError = errors.New("internal server error")
)

// 穩定錯誤碼，對外回應與日誌使用
const (
	CodeOutOfStock          = "OUT_OF_STOCK"
	CodeStockNotEnough      = "STOCK_NOT_ENOUGH"
	CodeStockCASConflict    = "STOCK_CAS_CONFLICT"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeDuplicatePurchase   = "DUPLICATE_PURCHASE"
	CodeCacheDeleteFailed   = "CACHE_DELETE_FAILED"
	CodeSequenceFallback    = "SEQUENCE_EXHAUSTED_FALLBACK"
	CodeOrderDispatchFailed = "ORDER_DISPATCH_FAILED"
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInvalidOrderStatus  = "INVALID_ORDER_STATUS"
	CodeInternal            = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrOutOfStock, CodeOutOfStock},
	{ErrStockNotEnough, CodeStockNotEnough},
	{ErrStockCASConflict, CodeStockCASConflict},
	{ErrRateLimitExceeded, CodeRateLimitExceeded},
	{ErrDuplicatePurchase, CodeDuplicatePurchase},
	{ErrCacheDeleteFailed, CodeCacheDeleteFailed},
	{ErrSequenceFallback, CodeSequenceFallback},
	{ErrOrderDispatchFailed, CodeOrderDispatchFailed},
	{ErrInventoryNotFound, CodeNotFound},
	{ErrIntentNotFound, CodeNotFound},
	{ErrOrderNotFound, CodeNotFound},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrInvalidOrderStatus, CodeInvalidOrderStatus},
}

// Code 回傳錯誤對應的穩定錯誤碼；未知錯誤一律為 INTERNAL
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsRetryable 拒絕發生在預留庫存之前，呼叫端可稍後重試
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrStockNotEnough) ||
		errors.Is(err, ErrStockCASConflict)
}
