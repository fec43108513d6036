package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	// Register pgx stdlib driver for database/sql usage in migrations.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/xhad/docsqa/pkg/logger"
)

// DimensionEnv is substituted into the chunk table's vector column type.
const DimensionEnv = "DOCSQA_EMBEDDING_DIM"

//go:embed migrations/*.sql
var migrationsFS embed.FS
var gooseMu sync.Mutex

// ApplyMigrations creates or upgrades the schema. The embedding column is
// created as vector(dimension); later runs never change it.
func ApplyMigrations(ctx context.Context, dsn string, dimension int) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()
	return runMigrations(ctx, db, dimension)
}

// ApplyMigrationsWithLock holds a Postgres advisory lock while migrating so
// concurrent starters do not race.
func ApplyMigrationsWithLock(ctx context.Context, dsn string, dimension int) error {
	const lockTimeout = 45 * time.Second
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire dedicated connection: %w", err)
	}
	defer conn.Close()

	log := logger.FromContext(ctx)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx,
		"select pg_advisory_lock(hashtext($1), hashtext($2))", "docsqa", "migrations"); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx),
			"select pg_advisory_unlock(hashtext($1), hashtext($2))", "docsqa", "migrations"); err != nil {
			log.Warn("failed to release migration advisory lock", "error", err)
		}
	}()
	return runMigrations(ctx, db, dimension)
}

func runMigrations(ctx context.Context, db *sql.DB, dimension int) error {
	if dimension < 1 {
		return fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	prev, hadPrev := os.LookupEnv(DimensionEnv)
	if err := os.Setenv(DimensionEnv, strconv.Itoa(dimension)); err != nil {
		return fmt.Errorf("set %s: %w", DimensionEnv, err)
	}
	defer func() {
		if hadPrev {
			_ = os.Setenv(DimensionEnv, prev)
		} else {
			_ = os.Unsetenv(DimensionEnv)
		}
	}()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
