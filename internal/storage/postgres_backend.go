package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"time"

	_ "github.com/lib/pq"
)

// PostgresBackend stores records in a single table and implements named locks
// with PostgreSQL advisory locks.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates a PostgreSQL storage backend.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &Error{Backend: "postgres", Op: "open", Err: err}
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &PostgresBackend{db: db}, nil
}

func (p *PostgresBackend) Initialize(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return &Error{Backend: "postgres", Op: "initialize", Err: err}
	}
	// schema is one table; ensured at init rather than via migrations
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grok_tokens (
			token VARCHAR(512) PRIMARY KEY,
			pool_name VARCHAR(64) NOT NULL,
			data TEXT NOT NULL,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grok_tokens_pool ON grok_tokens (pool_name)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return &Error{Backend: "postgres", Op: "initialize", Err: err}
		}
	}
	return nil
}

func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

func (p *PostgresBackend) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresBackend) LoadTokens(ctx context.Context) (Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT pool_name, data FROM grok_tokens`)
	if err != nil {
		return nil, &Error{Backend: "postgres", Op: "load", Err: err}
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var poolName, data string
		if err := rows.Scan(&poolName, &data); err != nil {
			return nil, &Error{Backend: "postgres", Op: "load", Err: err}
		}
		snap[poolName] = append(snap[poolName], Record(data))
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Backend: "postgres", Op: "load", Err: err}
	}
	return snap, nil
}

func (p *PostgresBackend) SaveTokens(ctx context.Context, snap Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Backend: "postgres", Op: "save", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM grok_tokens`); err != nil {
		return &Error{Backend: "postgres", Op: "save", Err: err}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO grok_tokens (token, pool_name, data, updated_at) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return &Error{Backend: "postgres", Op: "save", Err: err}
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for poolName, records := range snap {
		for _, rec := range records {
			key := recordKey(rec)
			if key == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx, key, poolName, string(rec), now); err != nil {
				return &Error{Backend: "postgres", Op: "save", Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &Error{Backend: "postgres", Op: "save", Err: err}
	}
	return nil
}

// AcquireLock maps the lock name onto a 64-bit advisory lock key. Advisory
// locks are session-scoped, so the lock is held on a dedicated connection
// that is only returned to the pool on release.
func (p *PostgresBackend) AcquireLock(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, &Error{Backend: "postgres", Op: "lock", Err: err}
	}
	key := advisoryKey(name)

	err = pollLock(ctx, timeout, func() (bool, error) {
		var got bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
			return false, &Error{Backend: "postgres", Op: "lock", Err: err}
		}
		return got, nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(releaseCtx, `SELECT pg_advisory_unlock($1)`, key)
		_ = conn.Close()
	}
	return release, nil
}

func advisoryKey(name string) int64 {
	sum := sha256.Sum256([]byte("grok2api:" + name))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
