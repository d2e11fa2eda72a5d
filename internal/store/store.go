// Package store implements the hub's persistent state on SQLite.
//
// The store is the single source of truth for hosts, projects, connectors,
// the command queue, ops and the audit trail:
// - Every state machine transition is a conditional UPDATE
// - Leasing and redemption are single statements, never read-then-write
// - Timestamps are stored as unix milliseconds
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store provides persistence for all hub state.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
	now func() time.Time
}

// New creates a Store on an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
		now: time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time. Conditional updates rely on statement
	// atomicity, not on connection-level locking.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// runMigrations creates or updates the schema.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS hosts (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		owner      TEXT NOT NULL,
		region     TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'off',
		last_seen  INTEGER,
		metadata   TEXT NOT NULL DEFAULT '{}',
		deleted    INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hosts_owner ON hosts(owner);
	CREATE INDEX IF NOT EXISTS idx_hosts_region ON hosts(region);

	CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		host_id     TEXT,
		last_edited INTEGER,
		last_backup INTEGER,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_host ON projects(host_id);

	CREATE TABLE IF NOT EXISTS connectors (
		id              TEXT PRIMARY KEY,
		account_id      TEXT NOT NULL,
		host_id         TEXT,
		name            TEXT,
		version         TEXT,
		credential_hash TEXT NOT NULL,
		revoked         INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		last_poll       INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_connectors_host ON connectors(host_id);

	-- Pairing tokens are stored hashed; the plaintext is shown once.
	CREATE TABLE IF NOT EXISTS pairing_tokens (
		token_hash   TEXT PRIMARY KEY,
		connector_id TEXT NOT NULL,
		account_id   TEXT NOT NULL,
		host_id      TEXT NOT NULL,
		expires      INTEGER NOT NULL,
		redeemed     INTEGER,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pairing_tokens_expires ON pairing_tokens(expires);

	-- seq breaks ties between commands created in the same millisecond.
	CREATE TABLE IF NOT EXISTS commands (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		connector_id TEXT NOT NULL,
		action       TEXT NOT NULL,
		payload      TEXT NOT NULL DEFAULT '{}',
		state        TEXT NOT NULL,
		result       TEXT,
		error        TEXT,
		requested_by TEXT,
		attempts     INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_lease ON commands(connector_id, state, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_commands_state ON commands(state, updated_at);

	CREATE TABLE IF NOT EXISTS ops (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		scope_type TEXT NOT NULL,
		scope_id   TEXT NOT NULL,
		created_by TEXT,
		routing    TEXT,
		input      TEXT,
		status     TEXT NOT NULL,
		result     TEXT,
		error      TEXT,
		error_code TEXT,
		progress   TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ops_scope ON ops(scope_type, scope_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ops_status ON ops(status, updated_at);

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		admin      INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	-- Unified system events and audit trail
	CREATE TABLE IF NOT EXISTS event_log (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		category  TEXT NOT NULL,
		level     TEXT NOT NULL,
		actor     TEXT,
		host_id   TEXT,
		action    TEXT,
		message   TEXT NOT NULL,
		details   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_event_log_host ON event_log(host_id, timestamp DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

type scanner interface {
	Scan(dest ...any) error
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

// notFound maps sql.ErrNoRows to ops.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ops.ErrNotFound)
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
