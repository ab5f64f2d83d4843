package service

import (
	"context"
	"ticket-rush/internal/model"
	apperrors "ticket-rush/pkg/app_errors"
)

type InventoryService interface {
	List(ctx context.Context) ([]*model.TicketInventory, error)
	// GetAvailability 經快取讀取，可能落後資料庫最多一個雙刪延遲
	GetAvailability(ctx context.Context, stockKey string) (*model.TicketInventory, error)
	Create(ctx context.Context, req model.CreateInventoryRequest) (*model.TicketInventory, error)
	Restock(ctx context.Context, stockKey string, quantity int) (*model.TicketInventory, error)
	SetTotal(ctx context.Context, stockKey string, total int) (*model.TicketInventory, error)
	Delete(ctx context.Context, stockKey string, force bool) error
}

type InventoryServiceImpl struct {
	ledger       StockLedger
	availability AvailabilityReader
}

func NewInventoryService(ledger StockLedger, availability AvailabilityReader) InventoryService {
	return &InventoryServiceImpl{
		ledger:       ledger,
		availability: availability,
	}
}

func (s *InventoryServiceImpl) List(ctx context.Context) ([]*model.TicketInventory, error) {
	return s.ledger.List(ctx)
}

func (s *InventoryServiceImpl) GetAvailability(ctx context.Context, stockKey string) (*model.TicketInventory, error) {
	if !model.ValidStockKey(stockKey) {
		return nil, apperrors.ErrInvalidInput
	}
	return s.availability.GetInventory(ctx, stockKey)
}

func (s *InventoryServiceImpl) Create(ctx context.Context, req model.CreateInventoryRequest) (*model.TicketInventory, error) {
	return s.ledger.CreateInventory(ctx, req)
}

func (s *InventoryServiceImpl) Restock(ctx context.Context, stockKey string, quantity int) (*model.TicketInventory, error) {
	return s.ledger.Restock(ctx, stockKey, quantity)
}

func (s *InventoryServiceImpl) SetTotal(ctx context.Context, stockKey string, total int) (*model.TicketInventory, error) {
	return s.ledger.AdjustTotal(ctx, stockKey, total)
}

func (s *InventoryServiceImpl) Delete(ctx context.Context, stockKey string, force bool) error {
	return s.ledger.Delete(ctx, stockKey, force)
}
