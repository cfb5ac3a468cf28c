package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Import the libSQL driver; it registers "libsql" with database/sql.
	// Handles remote URLs (libsql://, https://, wss://).
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	// Import the pure-Go SQLite driver for local file: URLs.
	// libsql-client-go delegates file: URLs to this driver.
	_ "modernc.org/sqlite"
)

// driverName is the database/sql driver to use. Tests may override it.
var driverName = "libsql"

// Connect opens a libSQL database connection and verifies it with a ping.
//
// Supported URL schemes:
//
//	Local file:  "file:path/to/arcbot.db"
//	Remote Turso: "libsql://[db-name].turso.io?authToken=[token]"
//
// Local files get a single connection so concurrent writers never see
// SQLITE_BUSY.
func Connect(dbURL string) (*sql.DB, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("db: database URL must not be empty")
	}

	db, err := sql.Open(driverName, dbURL)
	if err != nil {
		return nil, fmt.Errorf("db: open libsql: %w", err)
	}
	if strings.HasPrefix(dbURL, "file:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	return db, nil
}

// schema holds every table the stores need. Timestamps are unix millis.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS notes (
		persona    TEXT    NOT NULL,
		id         INTEGER NOT NULL,
		content    TEXT    NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (persona, id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id           TEXT    PRIMARY KEY,
		type         TEXT    NOT NULL,
		participants TEXT    NOT NULL,
		prompt_body  TEXT    NOT NULL,
		chat_id      TEXT    NOT NULL,
		chat_kind    TEXT    NOT NULL,
		start_time   INTEGER NOT NULL,
		UNIQUE (chat_id, chat_kind)
	)`,
	`CREATE TABLE IF NOT EXISTS active_roles (
		chat_id   TEXT NOT NULL,
		chat_kind TEXT NOT NULL,
		persona   TEXT NOT NULL,
		PRIMARY KEY (chat_id, chat_kind)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		chat_id    TEXT    NOT NULL,
		chat_kind  TEXT    NOT NULL,
		message_id TEXT    NOT NULL,
		user_id    TEXT    NOT NULL,
		user_name  TEXT    NOT NULL,
		content    TEXT    NOT NULL,
		sent_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_by_chat ON messages (chat_id, chat_kind, sent_at)`,
}

// Migrate creates any missing tables. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("db: migrate: %w", err)
		}
	}
	return nil
}
