package migration

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"
)

// Executor runs a single SQL statement
type Executor interface {
	Exec(ctx context.Context, stmt string) error
}

// SQLExecutor runs statements through database/sql
type SQLExecutor struct {
	db *sql.DB
}

// NewSQLExecutor wraps an open database
func NewSQLExecutor(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{db: db}
}

// OpenSQLite opens a sqlite database at dsn with the pure Go driver
func OpenSQLite(dsn string) (*SQLExecutor, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection keeps ":memory:" databases shared across statements
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return &SQLExecutor{db: db}, nil
}

// Exec implements Executor
func (e *SQLExecutor) Exec(ctx context.Context, stmt string) error {
	_, err := e.db.ExecContext(ctx, stmt)
	return err
}

// DB returns the underlying database
func (e *SQLExecutor) DB() *sql.DB {
	return e.db
}

// Close closes the database
func (e *SQLExecutor) Close() error {
	return e.db.Close()
}

// PgxExecutor runs statements on a PostgreSQL pool
type PgxExecutor struct {
	pool *pgxpool.Pool
}

// NewPgxExecutor connects a pool to dsn
func NewPgxExecutor(ctx context.Context, dsn string) (*PgxExecutor, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return &PgxExecutor{pool: pool}, nil
}

// Exec implements Executor
func (e *PgxExecutor) Exec(ctx context.Context, stmt string) error {
	_, err := e.pool.Exec(ctx, stmt)
	return err
}

// Close closes the pool
func (e *PgxExecutor) Close() error {
	e.pool.Close()
	return nil
}

// Open returns the executor for a configured driver: "sqlite" or "pgx"
func Open(ctx context.Context, driver, dsn string) (Executor, func() error, error) {
	switch driver {
	case "", "sqlite":
		e, err := OpenSQLite(dsn)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	case "pgx", "postgres":
		e, err := NewPgxExecutor(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown sql driver %q", driver)
	}
}
