// Package persistence owns the sqlite store behind the bridge: ingress
// dedupe, the two durable job queues, sessions, turns, event logs, action
// tokens and metric counters. All cross-table steps run in a single
// transaction so a crash between steps cannot lose or duplicate work.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "tb-v1-2026-08-telegram-cli-bridge"

	// DefaultLeaseDuration is used when the caller passes a zero lease.
	DefaultLeaseDuration = 30 * time.Second

	defaultMaxAttempts = 3
	retryBaseDelay     = 1 * time.Second
	retryMaxDelay      = 30 * time.Second

	maxErrorTextLen = 4000
	maxLastErrorLen = 2000
)

var (
	// ErrActiveRunExists is returned when a chat already has a queued or
	// running turn.
	ErrActiveRunExists = errors.New("an active run already exists for this chat")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
)

type Store struct {
	db    *sql.DB
	lease time.Duration
}

// Open opens (or creates) the sqlite database at path and applies the
// schema. The single-connection pool plus busy_timeout keeps concurrent
// worker goroutines serialized at the driver level.
func Open(path string, lease time.Duration) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, lease: lease}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LeaseDuration returns the configured queue lease TTL.
func (s *Store) LeaseDuration() time.Duration {
	return s.lease
}

// Ping verifies the database connection for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= schemaVersion {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema v%d: %w", schemaVersion, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS bots (
	bot_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	adapter_name TEXT NOT NULL DEFAULT 'echo',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS telegram_updates (
	bot_id TEXT NOT NULL,
	update_id INTEGER NOT NULL,
	chat_id INTEGER,
	payload_json TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	PRIMARY KEY (bot_id, update_id)
);

CREATE TABLE IF NOT EXISTS telegram_update_jobs (
	job_id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	update_id INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	lease_owner TEXT,
	lease_expires_at INTEGER,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (bot_id, update_id)
);
CREATE INDEX IF NOT EXISTS idx_update_jobs_claim
	ON telegram_update_jobs (bot_id, status, available_at);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	adapter_name TEXT NOT NULL,
	adapter_model TEXT NOT NULL DEFAULT '',
	adapter_thread_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	rolling_summary_md TEXT NOT NULL DEFAULT '',
	last_turn_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
	ON sessions (bot_id, chat_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS session_summaries (
	summary_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	summary_md TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_summaries_session
	ON session_summaries (session_id, created_at);

CREATE TABLE IF NOT EXISTS turns (
	turn_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	bot_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	user_text TEXT NOT NULL,
	assistant_text TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	error_text TEXT NOT NULL DEFAULT '',
	started_at INTEGER,
	finished_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id, created_at);

CREATE TABLE IF NOT EXISTS cli_run_jobs (
	job_id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	turn_id TEXT NOT NULL UNIQUE REFERENCES turns(turn_id),
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL,
	lease_owner TEXT,
	lease_expires_at INTEGER,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_run_jobs_one_active
	ON cli_run_jobs (bot_id, chat_id)
	WHERE status IN ('queued', 'leased', 'in_flight');
CREATE INDEX IF NOT EXISTS idx_run_jobs_claim
	ON cli_run_jobs (bot_id, status, available_at);

CREATE TABLE IF NOT EXISTS cli_events (
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	turn_id TEXT NOT NULL REFERENCES turns(turn_id),
	seq INTEGER NOT NULL,
	ts TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	UNIQUE (turn_id, seq)
);

CREATE TABLE IF NOT EXISTS action_tokens (
	token TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	expires_at INTEGER NOT NULL,
	consumed_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_tokens_expiry ON action_tokens (expires_at);

CREATE TABLE IF NOT EXISTS deferred_button_actions (
	action_id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	prompt_text TEXT NOT NULL,
	origin_turn_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deferred_actions_pending
	ON deferred_button_actions (bot_id, chat_id, status, created_at);

CREATE TABLE IF NOT EXISTS runtime_metric_counters (
	bot_id TEXT NOT NULL,
	metric_key TEXT NOT NULL,
	metric_value INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (bot_id, metric_key)
);

CREATE TABLE IF NOT EXISTS audit_logs (
	audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id TEXT NOT NULL,
	chat_id INTEGER,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	detail_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
`

// retryOnBusy retries f when sqlite returns BUSY or LOCKED, with bounded
// jittered backoff on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// retryDelay computes the exponential requeue delay for a failed job
// attempt: 1s, 2s, 4s, ... capped at 30s.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay << uint(attempt-1)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	return delay
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
