// Package postgres mirrors fetched business records into Postgres so they
// can be queried with SQL. The JSON entity store stays authoritative.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTable = "businesses"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// EntityStoreConfig controls the Postgres connection pool used for the mirror.
type EntityStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execPinger interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// EntityStore upserts business records keyed by id.
type EntityStore struct {
	pool  execPinger
	table string
	now   func() time.Time
}

// NewEntityStore connects a pool using cfg.
func NewEntityStore(ctx context.Context, cfg EntityStoreConfig) (*EntityStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &EntityStore{pool: pool, table: table, now: time.Now}, nil
}

// NewEntityStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEntityStoreWithPool(pool execPinger, table string) (*EntityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &EntityStore{pool: pool, table: name, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *EntityStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *EntityStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the mirror table when it does not exist.
func (s *EntityStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	payload JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// UpsertEntities writes one page of records in a single statement. Each
// record must carry a string "id"; a later fetch of the same id replaces the
// row.
func (s *EntityStore) UpsertEntities(ctx context.Context, category string, records []json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, category, payload, fetched_at)
SELECT e->>'id', $2, e, $3
FROM jsonb_array_elements($1::jsonb) AS e
WHERE e ? 'id'
ON CONFLICT (id) DO UPDATE
SET category = EXCLUDED.category,
	payload = EXCLUDED.payload,
	fetched_at = EXCLUDED.fetched_at`, s.table)

	if _, err := s.pool.Exec(ctx, query, payload, category, s.now().UTC()); err != nil {
		return fmt.Errorf("upsert %d entities: %w", len(records), err)
	}
	return nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}
