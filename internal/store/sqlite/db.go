// Package sqlite implements the zapdesk stores on SQLite for standalone
// mode: one tenant, no external database. Schema is bootstrapped in code on
// open; managed deployments use Postgres with real migrations instead.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (and creates if needed) the standalone database.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; WAL keeps readers unblocked during lane writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return db, nil
}

// migrate creates tables on first run. Mirrors migrations/0001_core for
// Postgres, minus the array/jsonb types SQLite does not have.
func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			active INTEGER NOT NULL DEFAULT 1,
			quiet_period_seconds INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			activation_condition TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			linkable INTEGER NOT NULL DEFAULT 0,
			tools TEXT NOT NULL DEFAULT '[]',
			channel_credentials TEXT NOT NULL DEFAULT '{}',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_links (
			id TEXT PRIMARY KEY,
			principal_agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			linked_agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			activation_condition TEXT,
			priority INTEGER,
			transfer_mode TEXT NOT NULL DEFAULT 'internal',
			carries_context INTEGER NOT NULL DEFAULT 1,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_links_pair
			ON agent_links(principal_agent_id, linked_agent_id) WHERE active = 1`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			contact TEXT NOT NULL,
			active_agent_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(tenant_id, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			agent_id TEXT,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON conversation_messages(conversation_id, id)`,
		`CREATE TABLE IF NOT EXISTS transfer_records (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			from_agent_id TEXT,
			to_agent_id TEXT,
			reason TEXT NOT NULL DEFAULT '',
			transfer_mode TEXT NOT NULL,
			context_snapshot TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			failure_reason TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_conversation
			ON transfer_records(conversation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:32], err)
		}
	}
	return nil
}

// Time columns are stored as RFC 3339 text.
const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
