// Package migrate applies the embedded PostgreSQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var migrations embed.FS

const dir = "sql"

// goose keeps its configuration in package globals.
var mu sync.Mutex

// seams for tests
var (
	gooseUp      = goose.UpContext
	gooseDown    = goose.DownContext
	gooseStatus  = goose.StatusContext
	gooseVersion = goose.GetDBVersionContext
)

func setup() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("migrate: dialect: %w", err)
	}
	return nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	mu.Lock()
	defer mu.Unlock()
	if err := setup(); err != nil {
		return err
	}
	if err := gooseUp(ctx, db, dir); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, db *sql.DB) error {
	mu.Lock()
	defer mu.Unlock()
	if err := setup(); err != nil {
		return err
	}
	if err := gooseDown(ctx, db, dir); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Status prints the migration table through the goose logger.
func Status(ctx context.Context, db *sql.DB) error {
	mu.Lock()
	defer mu.Unlock()
	if err := setup(); err != nil {
		return err
	}
	return gooseStatus(ctx, db, dir)
}

// Version reports the current schema version.
func Version(ctx context.Context, db *sql.DB) (int64, error) {
	mu.Lock()
	defer mu.Unlock()
	if err := setup(); err != nil {
		return 0, err
	}
	return gooseVersion(ctx, db)
}
