// Supervisord is a local process supervisor and monitoring service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the embedded SQL persistence layer (C1):
// pooled connections, write-ahead journaling, schema migrations, and
// CRUD plus batch operations over programs, events, samples, webhook
// destinations, and plug-in bindings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 10 * time.Second
	defaultPoolSize    = 5
	schemaVersionKey   = "schema_version"
)

// Sentinel errors surfaced to callers, replacing the source's exception
// hierarchy with return-value classification per spec.md's error taxonomy.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")       // unique / foreign-key violation
	ErrBusy     = errors.New("store busy")     // transient lock contention
	ErrFatal    = errors.New("store unhealthy") // schema/connectivity fault
)

// Store wraps a pooled SQLite connection and provides typed accessors
// for every table in the schema.
type Store struct {
	db *sql.DB

	waitMu    chan struct{} // capacity PoolSize; never read or written, SetMaxOpenConns bounds the pool
	poolSize  int
	acquireCount  int64
	acquireWaitNs int64
}

// Options configures Open.
type Options struct {
	PoolSize        int           // default 5
	BusyTimeout     time.Duration // default 10s
	PageCacheKiB    int           // default 10240 (>=10 MiB)
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.PoolSize <= 0 {
		out.PoolSize = defaultPoolSize
	}
	if out.BusyTimeout <= 0 {
		out.BusyTimeout = defaultBusyTimeout
	}
	if out.PageCacheKiB <= 0 {
		out.PageCacheKiB = 10240
	}
	return out
}

// Open opens (or creates) the SQLite database at path, applies durability
// and concurrency pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string, opts *Options) (*Store, error) {
	o := opts.withDefaults()

	// journal_mode=WAL for concurrent readers during writes; synchronous=NORMAL
	// is the documented safe tradeoff under WAL; foreign_keys=ON enforces the
	// cascade-delete ownership tree; cache_size is negative KiB per sqlite docs;
	// temp_store=MEMORY keeps temporary tables off disk.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(-%d)&_pragma=temp_store(MEMORY)",
		path, int(o.BusyTimeout.Milliseconds()), o.PageCacheKiB,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(o.PoolSize)
	db.SetMaxOpenConns(o.PoolSize)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %v", ErrFatal, err)
	}

	s := &Store{
		db:       db,
		waitMu:   make(chan struct{}, o.PoolSize),
		poolSize: o.PoolSize,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrFatal, err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction, adding the time
// spent beginning it to the Store's acquire count and total-wait counters.
// The maximum wait is not tracked and the counters are not logged.
// The connection is always returned to the pool,
// even on error or panic, per spec.md §4.1's borrow-scope contract.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	s.recordAcquire(time.Since(start))
	if err != nil {
		return translateErr(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return translateErr(err)
	}
	if err := tx.Commit(); err != nil {
		return translateErr(err)
	}
	return nil
}

func (s *Store) recordAcquire(d time.Duration) {
	s.acquireCount++
	s.acquireWaitNs += int64(d)
}

// PoolStats reports aggregate connection-acquire statistics.
type PoolStats struct {
	AcquireCount  int64
	MaxWait       time.Duration
	TotalWait     time.Duration
}

// Stats returns database/sql's own pool counters (open/idle/in-use
// connections); the acquire counters recorded by WithTx are not included.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

// translateErr maps a raw sqlite driver error onto the spec.md error
// taxonomy (StoreConflict / StoreBusy / propagated StoreFatal).
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint") || strings.Contains(msg, "foreign key constraint"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	default:
		return err
	}
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	const target = 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const q = `INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	_, err := s.db.ExecContext(ctx, q, schemaVersionKey, fmt.Sprintf("%d", v))
	return err
}

func (s *Store) migrateToV1(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS programs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  path TEXT NOT NULL,
  args TEXT NOT NULL DEFAULT '',
  child_pid INTEGER,
  shutdown_start_epoch INTEGER,
  shutdown_end_epoch INTEGER,
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_programs_name ON programs(name);

CREATE TABLE IF NOT EXISTS webhook_urls (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  program_id INTEGER NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
  url TEXT NOT NULL,
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhook_urls_program ON webhook_urls(program_id);

CREATE TABLE IF NOT EXISTS program_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  program_id INTEGER NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
  kind TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '',
  ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_program_events_program_ts ON program_events(program_id, ts DESC);

CREATE TABLE IF NOT EXISTS resource_usage (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  program_id INTEGER NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
  cpu_percent REAL NOT NULL,
  memory_mb REAL NOT NULL,
  ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_resource_usage_program_ts ON resource_usage(program_id, ts DESC);

CREATE TABLE IF NOT EXISTS plugin_configs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  program_id INTEGER NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
  plugin_id TEXT NOT NULL,
  config_json TEXT NOT NULL DEFAULT '{}',
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(program_id, plugin_id)
);
CREATE INDEX IF NOT EXISTS idx_plugin_configs_program ON plugin_configs(program_id);

CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  username TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Owned by the external auth boundary (login lockout bookkeeping is out
-- of core scope, spec.md §1); the core only exposes a read-only view of
-- it via the Query Surface's admin security-status operation.
CREATE TABLE IF NOT EXISTS locked_accounts (
  username TEXT PRIMARY KEY,
  failed_attempts INTEGER NOT NULL DEFAULT 0,
  locked_until TIMESTAMP
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}
