package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxConns        = int32(10)
	minConns        = int32(1)
	maxConnLifetime = time.Hour
	maxConnIdleTime = 30 * time.Minute
	connectTimeout  = 15 * time.Second
)

// DB is the subset of pgxpool.Pool the repository uses; pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open creates a connection pool for dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = maxConnLifetime
	poolConfig.MaxConnIdleTime = maxConnIdleTime

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Schema creates the tables the repository reads and writes. The provider
// trigger that inserts profiles on sign-up is deployment specific and not
// part of it.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL,
	name               TEXT NOT NULL DEFAULT '',
	role               TEXT NOT NULL DEFAULT 'member',
	active             BOOLEAN NOT NULL DEFAULT TRUE,
	invited_by         TEXT,
	registration_token TEXT,
	registered         BOOLEAN NOT NULL DEFAULT FALSE,
	phone              TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS invitations (
	token      TEXT PRIMARY KEY,
	email      TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	used       BOOLEAN NOT NULL DEFAULT FALSE,
	used_by    TEXT,
	used_at    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
