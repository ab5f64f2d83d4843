package repository

import (
	"context"
	"errors"
	"fmt"
	"ticket-rush/internal/model"
	apperrors "ticket-rush/pkg/app_errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type IntentRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.PurchaseIntent, error)
	// ExistsLive 使用者在該日期是否已有未放棄的意圖(僅作為快速預檢)
	ExistsLive(ctx context.Context, userID int64, stockKey string) (bool, error)
	// ListStalePending 取出 updated_at 早於 before 的 PENDING 意圖
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.PurchaseIntent, error)
	// IncrementRetry 只對 PENDING 生效，回傳新的 retry_count
	IncrementRetry(ctx context.Context, id uuid.UUID) (int, error)

	// Transaction methods
	Create(ctx context.Context, tx pgx.Tx, intent *model.PurchaseIntent) (*model.PurchaseIntent, error)
	FindByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.PurchaseIntent, error)
	// TransitionStatus 只在目前狀態為 from 時更新，回傳是否成功
	TransitionStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to model.IntentStatus) (bool, error)
}

type IntentRepositoryImpl struct {
	pool *pgxpool.Pool
}

func NewIntentRepository(pool *pgxpool.Pool) IntentRepository {
	return &IntentRepositoryImpl{
		pool: pool,
	}
}

const intentColumns = `intent_id, stock_key, user_id, status, retry_count, idempotency_hash, created_at, updated_at`

func scanIntent(row pgx.Row) (*model.PurchaseIntent, error) {
	var intent model.PurchaseIntent
	err := row.Scan(
		&intent.IntentID,
		&intent.StockKey,
		&intent.UserID,
		&intent.Status,
		&intent.RetryCount,
		&intent.IdempotencyHash,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

func (r *IntentRepositoryImpl) Create(ctx context.Context, tx pgx.Tx, intent *model.PurchaseIntent) (*model.PurchaseIntent, error) {
	query := `
		INSERT INTO purchase_intents (intent_id, stock_key, user_id, status, retry_count, idempotency_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + intentColumns

	created, err := scanIntent(tx.QueryRow(ctx, query,
		intent.IntentID, intent.StockKey, intent.UserID, intent.Status, intent.RetryCount, intent.IdempotencyHash,
	))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return nil, apperrors.ErrDuplicatePurchase
		}
		return nil, fmt.Errorf("failed to create purchase intent: %w", err)
	}

	return created, nil
}

func (r *IntentRepositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*model.PurchaseIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM purchase_intents WHERE intent_id = $1`
	return scanIntent(r.pool.QueryRow(ctx, query, id))
}

func (r *IntentRepositoryImpl) FindByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.PurchaseIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM purchase_intents WHERE intent_id = $1 FOR UPDATE`
	return scanIntent(tx.QueryRow(ctx, query, id))
}

func (r *IntentRepositoryImpl) ExistsLive(ctx context.Context, userID int64, stockKey string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM purchase_intents
			WHERE user_id = $1 AND stock_key = $2 AND status <> $3
		)
	`

	var exists bool
	err := r.pool.QueryRow(ctx, query, userID, stockKey, model.IntentStatusAbandoned).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *IntentRepositoryImpl) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.PurchaseIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM purchase_intents
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, model.IntentStatusPending, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intents := make([]*model.PurchaseIntent, 0)
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return intents, nil
}

func (r *IntentRepositoryImpl) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE purchase_intents
		SET retry_count = retry_count + 1, updated_at = $2
		WHERE intent_id = $1 AND status = $3
		RETURNING retry_count
	`

	var retries int
	err := r.pool.QueryRow(ctx, query, id, time.Now().UTC(), model.IntentStatusPending).Scan(&retries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrIntentNotFound
		}
		return 0, err
	}
	return retries, nil
}

func (r *IntentRepositoryImpl) TransitionStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to model.IntentStatus) (bool, error) {
	query := `
		UPDATE purchase_intents
		SET status = $3, updated_at = $4
		WHERE intent_id = $1 AND status = $2
	`

	result, err := tx.Exec(ctx, query, id, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to update intent status: %w", err)
	}
	return result.RowsAffected() == 1, nil
}
