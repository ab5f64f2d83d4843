package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// 唯一索引是重複購買的唯一防線：intent 只約束未放棄的，order 約束全部
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ticket_inventories (
		stock_key       TEXT PRIMARY KEY,
		total_count     INTEGER NOT NULL CHECK (total_count >= 0),
		remaining_count INTEGER NOT NULL CHECK (remaining_count >= 0),
		sold_count      INTEGER NOT NULL DEFAULT 0 CHECK (sold_count >= 0),
		version         BIGINT  NOT NULL DEFAULT 1,
		price           NUMERIC(12, 2) NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (remaining_count = total_count - sold_count)
	)`,
	`CREATE TABLE IF NOT EXISTS purchase_intents (
		intent_id        UUID PRIMARY KEY,
		stock_key        TEXT NOT NULL REFERENCES ticket_inventories (stock_key),
		user_id          BIGINT NOT NULL,
		status           TEXT NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		idempotency_hash TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_intents_user_stock_live
		ON purchase_intents (user_id, stock_key) WHERE status <> 'ABANDONED'`,
	`CREATE INDEX IF NOT EXISTS idx_intents_pending
		ON purchase_intents (updated_at) WHERE status = 'PENDING'`,
	`CREATE TABLE IF NOT EXISTS orders (
		id          BIGSERIAL PRIMARY KEY,
		order_no    TEXT NOT NULL UNIQUE,
		intent_id   UUID NOT NULL UNIQUE REFERENCES purchase_intents (intent_id),
		user_id     BIGINT NOT NULL,
		ticket_code TEXT NOT NULL UNIQUE,
		stock_key   TEXT NOT NULL,
		status      TEXT NOT NULL,
		amount      NUMERIC(12, 2) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_orders_user_stock UNIQUE (user_id, stock_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at DESC)`,
}

// Migrate 建立資料表，可重複執行
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
