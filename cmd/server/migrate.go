package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/matt-riley/rolloutz/migrations"
)

// runMigrations brings the schema up to date through a database/sql handle
// borrowed from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	version, err := migrations.Up(ctx, db, log)
	if err != nil {
		return err
	}
	log.Info("schema ready", "version", version)
	return nil
}
