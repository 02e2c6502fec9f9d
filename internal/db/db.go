package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

type Database struct {
	Conn   *sql.DB
	Driver string
}

func NewDatabase(driver, dsn string) (*Database, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	switch driver {
	case DriverSQLite:
		// One connection: keeps ":memory:" databases alive and avoids SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
		if _, err := conn.Exec(`
			PRAGMA foreign_keys = ON;
			PRAGMA journal_mode = WAL;
			PRAGMA busy_timeout = 5000;
		`); err != nil {
			conn.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	default:
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(25)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}
	return &Database{Conn: conn, Driver: driver}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites postgres "$N" placeholders into sqlite's "?N" form.
// Queries in this module are written for postgres.
func (d *Database) Rebind(query string) string {
	if d.Driver != DriverSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?$1")
}

func (d *Database) AutoMigrate() error {
	var queries []string
	if d.Driver == DriverSQLite {
		queries = sqliteSchema
	} else {
		queries = postgresSchema
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            participant_a_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            participant_b_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ NOT NULL,
            last_seq BIGINT NOT NULL DEFAULT 0,
            CHECK (participant_a_id < participant_b_id),
            UNIQUE (participant_a_id, participant_b_id)
        )`,

	`ALTER TABLE conversations ADD COLUMN IF NOT EXISTS last_seq BIGINT NOT NULL DEFAULT 0`,

	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            seq BIGINT NOT NULL,
            sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL DEFAULT '',
            attachment_ref TEXT NOT NULL DEFAULT '',
            client_nonce TEXT,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE (conversation_id, seq)
        )`,

	`CREATE UNIQUE INDEX IF NOT EXISTS messages_nonce_idx
            ON messages (conversation_id, sender_id, client_nonce)
            WHERE client_nonce IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS notifications (
            id BIGSERIAL PRIMARY KEY,
            user_id BIGINT NOT NULL,
            type VARCHAR(64) NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            message TEXT NOT NULL DEFAULT '',
            metadata TEXT NOT NULL DEFAULT '{}',
            created_at TIMESTAMPTZ NOT NULL,
            read_at TIMESTAMPTZ
        )`,

	`CREATE INDEX IF NOT EXISTS notifications_unread_idx
            ON notifications (user_id) WHERE read_at IS NULL`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            username TEXT UNIQUE NOT NULL,
            password TEXT NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS conversations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            participant_a_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            participant_b_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            created_at DATETIME NOT NULL,
            last_seq INTEGER NOT NULL DEFAULT 0,
            CHECK (participant_a_id < participant_b_id),
            UNIQUE (participant_a_id, participant_b_id)
        )`,

	`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            seq INTEGER NOT NULL,
            sender_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL DEFAULT '',
            attachment_ref TEXT NOT NULL DEFAULT '',
            client_nonce TEXT,
            created_at DATETIME NOT NULL,
            UNIQUE (conversation_id, seq)
        )`,

	`CREATE UNIQUE INDEX IF NOT EXISTS messages_nonce_idx
            ON messages (conversation_id, sender_id, client_nonce)
            WHERE client_nonce IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS notifications (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            type TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            message TEXT NOT NULL DEFAULT '',
            metadata TEXT NOT NULL DEFAULT '{}',
            created_at DATETIME NOT NULL,
            read_at DATETIME
        )`,

	`CREATE INDEX IF NOT EXISTS notifications_unread_idx
            ON notifications (user_id) WHERE read_at IS NULL`,
}
