package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema holds the DDL for the ledger, closing sessions and idempotency keys.
//
//go:embed schema.sql
var Schema string

// InitializeSchema creates all tables if they don't exist.
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("platform/db: initialize schema: %w", err)
	}
	return nil
}
