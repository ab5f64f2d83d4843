package handler_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"ticket-rush/internal/handler"
	"ticket-rush/internal/model"
	"ticket-rush/internal/ratelimit"
	apperrors "ticket-rush/pkg/app_errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setupPurchaseTestRouter(mockService *MockPurchaseService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler.NewPurchaseHandler(mockService).RegisterRoutes(router)
	return router
}

func TestPurchase(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockService := new(MockPurchaseService)
		router := setupPurchaseTestRouter(mockService)

		receipt := &model.PurchaseReceipt{
			IntentID:  uuid.New(),
			StockKey:  "2026-10-20",
			UserID:    1,
			Status:    model.IntentStatusPending,
			Remaining: 99,
		}
		mockService.On("Purchase", mock.Anything, mock.MatchedBy(func(req model.PurchaseRequest) bool {
			return req.UserID == 1 && req.StockKey == "2026-10-20" && req.ClientIP != ""
		})).Return(receipt, nil).Once()

		req := createJSONHTTPRequest("POST", "/api/v1/purchases", model.PurchaseRequest{UserID: 1, StockKey: "2026-10-20"})
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		var got model.PurchaseReceipt
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, receipt.IntentID, got.IntentID)
		mockService.AssertExpectations(t)
	})

	t.Run("Blocking variant caps wait", func(t *testing.T) {
		mockService := new(MockPurchaseService)
		router := setupPurchaseTestRouter(mockService)

		mockService.On("PurchaseBlocking", mock.Anything, mock.Anything, 5*time.Second).
			Return(&model.PurchaseReceipt{}, nil).Once()

		req := createJSONHTTPRequest("POST", "/api/v1/purchases?wait_ms=60000", model.PurchaseRequest{UserID: 1, StockKey: "2026-10-20"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		mockService.AssertExpectations(t)
	})

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"Out of stock", apperrors.ErrOutOfStock, http.StatusConflict, apperrors.CodeOutOfStock},
		{"Lost the race", fmt.Errorf("%w: 5 attempts", apperrors.ErrStockNotEnough), http.StatusConflict, apperrors.CodeStockNotEnough},
		{"Duplicate", apperrors.ErrDuplicatePurchase, http.StatusConflict, apperrors.CodeDuplicatePurchase},
		{"Unknown date", apperrors.ErrInventoryNotFound, http.StatusNotFound, apperrors.CodeNotFound},
		{"Invalid", apperrors.ErrInvalidInput, http.StatusBadRequest, apperrors.CodeInvalidInput},
		{"Internal", fmt.Errorf("pool closed"), http.StatusInternalServerError, apperrors.CodeInternal},
	}
	for _, tc := range cases {
		t.Run("Failed - "+tc.name, func(t *testing.T) {
			mockService := new(MockPurchaseService)
			router := setupPurchaseTestRouter(mockService)
			mockService.On("Purchase", mock.Anything, mock.Anything).Return(nil, tc.err).Once()

			req := createJSONHTTPRequest("POST", "/api/v1/purchases", model.PurchaseRequest{UserID: 1, StockKey: "2026-10-20"})
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code)
			if tc.status == http.StatusInternalServerError {
				assert.Equal(t, "Internal server error", body.Error)
			}
		})
	}

	t.Run("Failed - Rate limited sets Retry-After", func(t *testing.T) {
		mockService := new(MockPurchaseService)
		router := setupPurchaseTestRouter(mockService)
		rejected := &ratelimit.RejectedError{
			Scope:   ratelimit.ScopeUser,
			Key:     "rl:tb:user:1",
			ResetAt: time.Now().Add(2500 * time.Millisecond),
		}
		mockService.On("Purchase", mock.Anything, mock.Anything).Return(nil, rejected).Once()

		req := createJSONHTTPRequest("POST", "/api/v1/purchases", model.PurchaseRequest{UserID: 1, StockKey: "2026-10-20"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "3", w.Header().Get("Retry-After"))
	})

	t.Run("Failed - BindingError", func(t *testing.T) {
		mockService := new(MockPurchaseService)
		router := setupPurchaseTestRouter(mockService)

		req := createJSONHTTPRequest("POST", "/api/v1/purchases", InvalidJSON)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		mockService.AssertNotCalled(t, "Purchase")
	})
}

func TestGetIntent(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockService := new(MockPurchaseService)
		router := setupPurchaseTestRouter(mockService)
		id := uuid.New()
		mockService.On("GetIntent", mock.Anything, id).Return(&model.IntentView{
			Intent: &model.PurchaseIntent{IntentID: id, Status: model.IntentStatusPending},
		}, nil).Once()

		req := httptest.NewRequest("GET", "/api/v1/intents/"+id.String(), nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockService.AssertExpectations(t)
	})

	t.Run("Failed - Invalid id", func(t *testing.T) {
		mockService := new(MockPurchaseService)
		router := setupPurchaseTestRouter(mockService)

		req := httptest.NewRequest("GET", "/api/v1/intents/not-a-uuid", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		mockService.AssertNotCalled(t, "GetIntent")
	})

	t.Run("Failed - Not found", func(t *testing.T) {
		mockService := new(MockPurchaseService)
		router := setupPurchaseTestRouter(mockService)
		mockService.On("GetIntent", mock.Anything, mock.Anything).Return(nil, apperrors.ErrIntentNotFound).Once()

		req := httptest.NewRequest("GET", "/api/v1/intents/"+uuid.NewString(), nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
