// Package localstore persists the client-side chat state that must survive a
// restart: the sent-by-me ledger and the last resolved identity snapshot.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/supportchat/internal/logging"
)

// Store is the sqlite-backed local state store.
type Store struct {
	db   *sql.DB
	path string
}

const currentSchemaVersion = 2

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps a ":memory:" database alive and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_debug("localstore: opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// table doesn't exist yet
		version = 0
	}

	if version >= currentSchemaVersion {
		L_trace("localstore: schema up to date", "version", version)
		return nil
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("localstore: applied migration", "version", i+1)
	}
	return nil
}

// migrateV1 creates the ledger
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sent_ledger (
		message_id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sent_ledger_room ON sent_ledger(room_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)", time.Now().Unix())
	return err
}

// migrateV2 adds the identity snapshot
func migrateV2(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS identity_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (2, ?)", time.Now().Unix())
	return err
}

// RecordSent adds a message id to the sent-by-me ledger. Recording the same
// id twice is a no-op.
func (s *Store) RecordSent(ctx context.Context, roomID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sent_ledger (message_id, room_id, recorded_at) VALUES (?, ?, ?)",
		messageID, roomID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record sent %s: %w", messageID, err)
	}
	return nil
}

// SentIDs returns the ledger entries for a room, oldest first.
func (s *Store) SentIDs(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT message_id FROM sent_ledger WHERE room_id = ? ORDER BY recorded_at, message_id", roomID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveIdentity stores v (JSON-encoded) as the identity snapshot, replacing any previous one.
func (s *Store) SaveIdentity(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identity_snapshot (id, data, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// LoadIdentity decodes the identity snapshot into v. It reports false when no
// snapshot has been saved.
func (s *Store) LoadIdentity(ctx context.Context, v any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM identity_snapshot WHERE id = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load identity: %w", err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode identity: %w", err)
	}
	return true, nil
}
