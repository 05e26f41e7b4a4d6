// ABOUTME: SQLite-backed delivery journal owned by the hub process.
// ABOUTME: Records registry and routing events plus mailbox archives from unregister.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/2389/courier/internal/mailbox"
)

// EventKind classifies a journal event.
type EventKind string

const (
	EventHubStarted   EventKind = "hub_started"
	EventHubStopped   EventKind = "hub_stopped"
	EventRegistered   EventKind = "registered"
	EventUnregistered EventKind = "unregistered"
	EventDisconnected EventKind = "disconnected"
	EventRouteOK      EventKind = "route_accepted"
	EventRouteFailed  EventKind = "route_failed"
)

// Event is one journal row. Identity is the primary subject (recipient for
// routes); Peer is the counterparty (sender for routes).
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Identity  string    `json:"identity,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal persists hub events and archived mailboxes in SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal at path. The schema is created if it
// doesn't exist, and parent directories are created as needed.
func Open(path string) (*Journal, error) {
	logger := slog.Default().With("component", "journal")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	// WAL mode lets the unregister CLI archive entries while the hub holds
	// the database open.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return j, nil
}

func (j *Journal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			identity TEXT NOT NULL DEFAULT '',
			peer TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_created
			ON events(created_at);

		CREATE INDEX IF NOT EXISTS idx_events_identity
			ON events(identity, created_at);

		CREATE TABLE IF NOT EXISTS archives (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			seq INTEGER NOT NULL,
			entry_json TEXT NOT NULL,
			archived_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_archives_identity
			ON archives(identity, archived_at, seq);
	`
	_, err := j.db.Exec(schema)
	return err
}

// RecordEvent inserts one event, filling ID and CreatedAt when unset.
func (j *Journal) RecordEvent(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, identity, peer, message_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Kind), event.Identity, event.Peer,
		event.MessageID, event.Detail, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Events returns the most recent events, newest first, up to limit
// (a non-positive limit returns 100).
func (j *Journal) Events(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, identity, peer, message_id, detail, created_at
		FROM events ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Identity, &e.Peer,
			&e.MessageID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ArchiveMailbox copies undelivered mailbox entries into the archives
// table, one row per entry, in a single transaction.
func (j *Journal) ArchiveMailbox(ctx context.Context, identity string, entries []mailbox.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO archives (id, identity, seq, entry_json, archived_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing archive insert: %w", err)
	}
	defer stmt.Close()

	// All rows of a batch share archived_at; seq preserves mailbox order
	// within it.
	now := time.Now().UTC()
	for seq, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding archived entry: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, uuid.New().String(), identity, seq, string(data), now); err != nil {
			return fmt.Errorf("inserting archived entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive: %w", err)
	}

	j.logger.Info("archived mailbox entries", "identity", identity, "count", len(entries))
	return nil
}

// ArchivedEntries returns an identity's archived mailbox entries, oldest
// first, up to limit (non-positive for all).
func (j *Journal) ArchivedEntries(ctx context.Context, identity string, limit int) ([]mailbox.Entry, error) {
	query := `
		SELECT entry_json FROM archives
		WHERE identity = ? ORDER BY archived_at, seq`
	args := []any{identity}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying archives: %w", err)
	}
	defer rows.Close()

	entries := []mailbox.Entry{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning archive row: %w", err)
		}
		var entry mailbox.Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			j.logger.Warn("skipping malformed archived entry", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
