package apperrors_test

import (
	"errors"
	"fmt"
	"testing"

	apperrors "ticket-rush/pkg/app_errors"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	t.Run("Sentinel", func(t *testing.T) {
		assert.Equal(t, apperrors.CodeOutOfStock, apperrors.Code(apperrors.ErrOutOfStock))
		assert.Equal(t, apperrors.CodeDuplicatePurchase, apperrors.Code(apperrors.ErrDuplicatePurchase))
		assert.Equal(t, apperrors.CodeNotFound, apperrors.Code(apperrors.ErrIntentNotFound))
	})

	t.Run("Wrapped", func(t *testing.T) {
		err := fmt.Errorf("scope user:42: %w", apperrors.ErrRateLimitExceeded)
		assert.Equal(t, apperrors.CodeRateLimitExceeded, apperrors.Code(err))
	})

	t.Run("Unknown", func(t *testing.T) {
		assert.Equal(t, apperrors.CodeInternal, apperrors.Code(errors.New("boom")))
		assert.Equal(t, "", apperrors.Code(nil))
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, apperrors.IsRetryable(apperrors.ErrRateLimitExceeded))
	assert.True(t, apperrors.IsRetryable(fmt.Errorf("x: %w", apperrors.ErrStockNotEnough)))
	assert.False(t, apperrors.IsRetryable(apperrors.ErrOutOfStock))
	assert.False(t, apperrors.IsRetryable(apperrors.ErrDuplicatePurchase))
}
