package repository

import (
	"context"
	"errors"
	"fmt"
	"ticket-rush/internal/model"
	apperrors "ticket-rush/pkg/app_errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type InventoryRepository interface {
	Create(ctx context.Context, inv *model.TicketInventory) (*model.TicketInventory, error)
	// EnsureExists 第一次更新時才建立，已存在則回傳現有資料
	EnsureExists(ctx context.Context, stockKey string, total int, price decimal.Decimal) (*model.TicketInventory, error)
	List(ctx context.Context) ([]*model.TicketInventory, error)
	FindByKey(ctx context.Context, stockKey string) (*model.TicketInventory, error)
	Delete(ctx context.Context, stockKey string, force bool) error

	// Transaction methods
	FindByKeyForUpdate(ctx context.Context, tx pgx.Tx, stockKey string) (*model.TicketInventory, error)
	// CompareAndSwap 以 version 為條件賣出 delta 張(負數為歸還)；version 不符回傳 Conflict
	CompareAndSwap(ctx context.Context, tx pgx.Tx, stockKey string, expectedVersion int64, delta int) (model.CASResult, error)
	// AddStock 同時增加 total 與 remaining
	AddStock(ctx context.Context, tx pgx.Tx, stockKey string, expectedVersion int64, quantity int) (model.CASResult, error)
	SetTotal(ctx context.Context, tx pgx.Tx, stockKey string, total int) (*model.TicketInventory, error)
}

type InventoryRepositoryImpl struct {
	pool *pgxpool.Pool
}

func NewInventoryRepository(pool *pgxpool.Pool) InventoryRepository {
	return &InventoryRepositoryImpl{
		pool: pool,
	}
}

const inventoryColumns = `stock_key, total_count, remaining_count, sold_count, version, price, created_at, updated_at`

func scanInventory(row pgx.Row) (*model.TicketInventory, error) {
	var inv model.TicketInventory
	err := row.Scan(
		&inv.StockKey,
		&inv.TotalCount,
		&inv.RemainingCount,
		&inv.SoldCount,
		&inv.Version,
		&inv.Price,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrInventoryNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (r *InventoryRepositoryImpl) Create(ctx context.Context, inv *model.TicketInventory) (*model.TicketInventory, error) {
	query := `
		INSERT INTO ticket_inventories (stock_key, total_count, remaining_count, sold_count, version, price)
		VALUES ($1, $2, $2, 0, 1, $3)
		RETURNING ` + inventoryColumns

	created, err := scanInventory(r.pool.QueryRow(ctx, query, inv.StockKey, inv.TotalCount, inv.Price))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return nil, apperrors.ErrInvalidInput
		}
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}
	return created, nil
}

func (r *InventoryRepositoryImpl) EnsureExists(ctx context.Context, stockKey string, total int, price decimal.Decimal) (*model.TicketInventory, error) {
	query := `
		INSERT INTO ticket_inventories (stock_key, total_count, remaining_count, sold_count, version, price)
		VALUES ($1, $2, $2, 0, 1, $3)
		ON CONFLICT (stock_key) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, stockKey, total, price); err != nil {
		return nil, fmt.Errorf("failed to ensure inventory: %w", err)
	}
	return r.FindByKey(ctx, stockKey)
}

func (r *InventoryRepositoryImpl) List(ctx context.Context) ([]*model.TicketInventory, error) {
	query := `SELECT ` + inventoryColumns + ` FROM ticket_inventories ORDER BY stock_key`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inventories := make([]*model.TicketInventory, 0)
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		inventories = append(inventories, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return inventories, nil
}

func (r *InventoryRepositoryImpl) FindByKey(ctx context.Context, stockKey string) (*model.TicketInventory, error) {
	query := `SELECT ` + inventoryColumns + ` FROM ticket_inventories WHERE stock_key = $1`
	return scanInventory(r.pool.QueryRow(ctx, query, stockKey))
}

func (r *InventoryRepositoryImpl) FindByKeyForUpdate(ctx context.Context, tx pgx.Tx, stockKey string) (*model.TicketInventory, error) {
	query := `SELECT ` + inventoryColumns + ` FROM ticket_inventories WHERE stock_key = $1 FOR UPDATE`
	return scanInventory(tx.QueryRow(ctx, query, stockKey))
}

func (r *InventoryRepositoryImpl) CompareAndSwap(ctx context.Context, tx pgx.Tx, stockKey string, expectedVersion int64, delta int) (model.CASResult, error) {
	query := `
		UPDATE ticket_inventories
		SET remaining_count = remaining_count - $3,
			sold_count = sold_count + $3,
			version = version + 1,
			updated_at = $4
		WHERE stock_key = $1
		  AND version = $2
		  AND remaining_count - $3 >= 0
		  AND sold_count + $3 >= 0
		RETURNING ` + inventoryColumns

	updated, err := scanInventory(tx.QueryRow(ctx, query, stockKey, expectedVersion, delta, time.Now().UTC()))
	if err == nil {
		return model.CASResult{Outcome: model.CASApplied, State: updated}, nil
	}
	if !errors.Is(err, apperrors.ErrInventoryNotFound) {
		return model.CASResult{}, err
	}

	// 0 rows：判斷是版本衝突還是庫存不足
	current, err := r.findInTx(ctx, tx, stockKey)
	if err != nil {
		return model.CASResult{}, err
	}
	return ClassifyMiss(current, expectedVersion), nil
}

func (r *InventoryRepositoryImpl) AddStock(ctx context.Context, tx pgx.Tx, stockKey string, expectedVersion int64, quantity int) (model.CASResult, error) {
	if quantity <= 0 {
		return model.CASResult{}, apperrors.ErrInvalidInput
	}

	query := `
		UPDATE ticket_inventories
		SET total_count = total_count + $3,
			remaining_count = remaining_count + $3,
			version = version + 1,
			updated_at = $4
		WHERE stock_key = $1 AND version = $2
		RETURNING ` + inventoryColumns

	updated, err := scanInventory(tx.QueryRow(ctx, query, stockKey, expectedVersion, quantity, time.Now().UTC()))
	if err == nil {
		return model.CASResult{Outcome: model.CASApplied, State: updated}, nil
	}
	if !errors.Is(err, apperrors.ErrInventoryNotFound) {
		return model.CASResult{}, err
	}

	current, err := r.findInTx(ctx, tx, stockKey)
	if err != nil {
		return model.CASResult{}, err
	}
	return model.CASResult{Outcome: model.CASConflict, State: current}, nil
}

func (r *InventoryRepositoryImpl) SetTotal(ctx context.Context, tx pgx.Tx, stockKey string, total int) (*model.TicketInventory, error) {
	query := `
		UPDATE ticket_inventories
		SET total_count = $2,
			remaining_count = $2 - sold_count,
			version = version + 1,
			updated_at = $3
		WHERE stock_key = $1 AND sold_count <= $2
		RETURNING ` + inventoryColumns

	updated, err := scanInventory(tx.QueryRow(ctx, query, stockKey, total, time.Now().UTC()))
	if errors.Is(err, apperrors.ErrInventoryNotFound) {
		// 存在但已售出超過新的總量
		if _, findErr := r.findInTx(ctx, tx, stockKey); findErr == nil {
			return nil, apperrors.ErrInvalidInput
		}
	}
	return updated, err
}

func (r *InventoryRepositoryImpl) Delete(ctx context.Context, stockKey string, force bool) error {
	query := `DELETE FROM ticket_inventories WHERE stock_key = $1 AND (sold_count = 0 OR $2)`

	result, err := r.pool.Exec(ctx, query, stockKey, force)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		if _, err := r.FindByKey(ctx, stockKey); err != nil {
			return err
		}
		// 已有售出，需要管理者強制刪除
		return apperrors.ErrInvalidInput
	}

	return nil
}

func (r *InventoryRepositoryImpl) findInTx(ctx context.Context, tx pgx.Tx, stockKey string) (*model.TicketInventory, error) {
	query := `SELECT ` + inventoryColumns + ` FROM ticket_inventories WHERE stock_key = $1`
	return scanInventory(tx.QueryRow(ctx, query, stockKey))
}

// ClassifyMiss 條件更新沒有命中時，依目前狀態判斷是版本衝突還是庫存不足
func ClassifyMiss(current *model.TicketInventory, expectedVersion int64) model.CASResult {
	if current.Version != expectedVersion {
		return model.CASResult{Outcome: model.CASConflict, State: current}
	}
	return model.CASResult{Outcome: model.CASOutOfStock, State: current}
}
