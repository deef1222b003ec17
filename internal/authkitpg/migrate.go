package authkitpg

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations to databaseURL.
func Migrate(ctx context.Context, databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("authkitpg.migrate.open: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFiles)
	if dialectErr := goose.SetDialect("postgres"); dialectErr != nil {
		return fmt.Errorf("authkitpg.migrate.dialect: %w", dialectErr)
	}
	if upErr := gooseUpContext(ctx, db, "migrations"); upErr != nil {
		return fmt.Errorf("authkitpg.migrate.up: %w", upErr)
	}
	return nil
}
