package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"ticket-rush/internal/model"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

const InvalidJSON = `{"user_id": "not-a-number"`

func createJSONHTTPRequest(method, url string, body interface{}) *http.Request {
	var buf []byte
	switch b := body.(type) {
	case string:
		buf = []byte(b)
	default:
		buf, _ = json.Marshal(b)
	}
	req, _ := http.NewRequest(method, url, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// ---- mocks ----

type MockPurchaseService struct {
	mock.Mock
}

func (m *MockPurchaseService) Purchase(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseReceipt, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PurchaseReceipt), args.Error(1)
}

func (m *MockPurchaseService) PurchaseBlocking(ctx context.Context, req model.PurchaseRequest, timeout time.Duration) (*model.PurchaseReceipt, error) {
	args := m.Called(ctx, req, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PurchaseReceipt), args.Error(1)
}

func (m *MockPurchaseService) GetIntent(ctx context.Context, intentID uuid.UUID) (*model.IntentView, error) {
	args := m.Called(ctx, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IntentView), args.Error(1)
}

type MockOrderService struct {
	mock.Mock
}

func (m *MockOrderService) ListUserOrders(ctx context.Context, userID int64) ([]*model.Order, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Order), args.Error(1)
}

func (m *MockOrderService) GetOrder(ctx context.Context, orderNo string) (*model.Order, error) {
	return m.order(m.Called(ctx, orderNo))
}

func (m *MockOrderService) Pay(ctx context.Context, orderNo string) (*model.Order, error) {
	return m.order(m.Called(ctx, orderNo))
}

func (m *MockOrderService) Cancel(ctx context.Context, orderNo string) (*model.Order, error) {
	return m.order(m.Called(ctx, orderNo))
}

func (m *MockOrderService) ExpireUnpaid(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Int(0), args.Error(1)
}

func (m *MockOrderService) order(args mock.Arguments) (*model.Order, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Order), args.Error(1)
}

type MockInventoryService struct {
	mock.Mock
}

func (m *MockInventoryService) List(ctx context.Context) ([]*model.TicketInventory, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.TicketInventory), args.Error(1)
}

func (m *MockInventoryService) GetAvailability(ctx context.Context, stockKey string) (*model.TicketInventory, error) {
	return m.inventory(m.Called(ctx, stockKey))
}

func (m *MockInventoryService) Create(ctx context.Context, req model.CreateInventoryRequest) (*model.TicketInventory, error) {
	return m.inventory(m.Called(ctx, req))
}

func (m *MockInventoryService) Restock(ctx context.Context, stockKey string, quantity int) (*model.TicketInventory, error) {
	return m.inventory(m.Called(ctx, stockKey, quantity))
}

func (m *MockInventoryService) SetTotal(ctx context.Context, stockKey string, total int) (*model.TicketInventory, error) {
	return m.inventory(m.Called(ctx, stockKey, total))
}

func (m *MockInventoryService) Delete(ctx context.Context, stockKey string, force bool) error {
	return m.Called(ctx, stockKey, force).Error(0)
}

func (m *MockInventoryService) inventory(args mock.Arguments) (*model.TicketInventory, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TicketInventory), args.Error(1)
}
