// Package store provides durable pipeline state in a single SQLite file.
//
// Two tables back the intake stages: checkpoints holds one advancing cursor
// per stream (the activity poller's last consumed event id), and
// processed_events is the dedupe set keyed by event fingerprint. Both
// producers write through this store concurrently, so the database opens in
// WAL mode with a busy timeout and a single connection to serialize writes.
// MarkSeen is the atomicity point: INSERT OR IGNORE reports whether this
// call inserted the key, and callers must not advance their checkpoint until
// that insert has succeeded.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"coinbot/pkg/types"
)

// Store persists checkpoints and the dedupe set.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Single writer. SQLite serializes anyway; one connection avoids
	// SQLITE_BUSY churn between the two producers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		stream_name TEXT PRIMARY KEY,
		value       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processed_events (
		dedupe_key   TEXT PRIMARY KEY,
		event_id     TEXT NOT NULL,
		tx_hash      TEXT,
		sequence     TEXT,
		market_id    TEXT NOT NULL,
		seen_at_unix INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_processed_events_tx ON processed_events(tx_hash);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckpointGet returns the cursor for a stream. The second return is false
// when no checkpoint exists yet (first boot).
func (s *Store) CheckpointGet(stream string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM checkpoints WHERE stream_name = ?`, stream,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("checkpoint get %q: %w", stream, err)
	}
	return value, true, nil
}

// CheckpointSet upserts the cursor for a stream.
func (s *Store) CheckpointSet(stream, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (stream_name, value) VALUES (?, ?)
		 ON CONFLICT(stream_name) DO UPDATE SET value = excluded.value`,
		stream, value,
	)
	if err != nil {
		return fmt.Errorf("checkpoint set %q: %w", stream, err)
	}
	return nil
}

// MarkSeen inserts the event's fingerprint into the dedupe set.
// Returns true iff this call inserted the key; concurrent callers racing on
// the same key see exactly one true.
func (s *Store) MarkSeen(key types.EventKey) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_events
		 (dedupe_key, event_id, tx_hash, sequence, market_id, seen_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.DedupeKey(), key.EventID, key.TxHash, key.Sequence, key.MarketID, key.SeenAtUnix,
	)
	if err != nil {
		return false, fmt.Errorf("dedupe mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedupe rows affected: %w", err)
	}
	return n > 0, nil
}

// AlreadySeen reports whether a fingerprint is in the dedupe set.
func (s *Store) AlreadySeen(dedupeKey string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM processed_events WHERE dedupe_key = ?`, dedupeKey,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return true, nil
}
