package handler

import (
	"math"
	"net/http"
	"strconv"
	"ticket-rush/internal/ratelimit"
	apperrors "ticket-rush/pkg/app_errors"
	"ticket-rush/pkg/logger"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func BindJson(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  apperrors.CodeInvalidInput,
			"error": "Invalid request format",
		})
		return err
	}
	return nil
}

func BindQuery(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindQuery(obj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  apperrors.CodeInvalidInput,
			"error": "Invalid request format",
		})
		return err
	}
	return nil
}

func BindUri(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindUri(obj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  apperrors.CodeInvalidInput,
			"error": "Invalid request format",
		})
		return err
	}
	return nil
}

// StatusFor 錯誤碼對應的 HTTP 狀態
func StatusFor(code string) int {
	switch code {
	case apperrors.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperrors.CodeOutOfStock,
		apperrors.CodeStockNotEnough,
		apperrors.CodeStockCASConflict,
		apperrors.CodeDuplicatePurchase,
		apperrors.CodeInvalidOrderStatus:
		return http.StatusConflict
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// handleError 以穩定錯誤碼回應；非預期錯誤不回傳內部訊息
func handleError(c *gin.Context, err error, operation string) {
	code := apperrors.Code(err)
	status := StatusFor(code)
	log := logger.WithComponent("handler").With(
		zap.String("operation", operation),
		zap.String("code", code),
		zap.Error(err),
	)

	if rejected, ok := ratelimit.IsRejected(err); ok {
		c.Header("Retry-After", retryAfter(rejected.ResetAt))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("Unexpected error")
		message = "Internal server error"
	} else {
		log.Debug("Request rejected")
	}

	c.JSON(status, gin.H{
		"code":  code,
		"error": message,
	})
}

// retryAfter 以秒為單位，最少 1 秒
func retryAfter(resetAt time.Time) string {
	if resetAt.IsZero() {
		return "1"
	}
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func handleSuccess(c *gin.Context, data interface{}, statusCode int) {
	if data != nil {
		c.JSON(statusCode, data)
	} else {
		c.Status(statusCode)
	}
}
