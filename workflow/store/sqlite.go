package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/workflow/emit"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed CheckpointStore.
//
// It stores workflow checkpoints in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process workflows
//   - Local workflows requiring persistence
//   - Prototyping before migrating to a distributed store
//
// SQLiteStore uses WAL mode for concurrent reads and transactional writes.
//
// Schema:
//   - checkpoints: one row per (run_id, checkpoint_id)
//   - events_outbox: transactional event delivery
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./dev.db" - file in current directory
//   - "/tmp/workflow.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file and tables if they
// don't exist, enables WAL mode for concurrent reads, and sets a busy
// timeout so concurrent writers don't fail immediately on lock contention.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			super_step INTEGER NOT NULL,
			label TEXT DEFAULT '',
			data BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, checkpoint_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_run: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_label ON checkpoints(run_id, label)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_label: %w", err)
	}

	eventsOutboxTable := `
		CREATE TABLE IF NOT EXISTS events_outbox (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_data TEXT NOT NULL,
			emitted_at TIMESTAMP NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, eventsOutboxTable); err != nil {
		return fmt.Errorf("failed to create events_outbox table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_events_pending ON events_outbox(emitted_at, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_events_pending: %w", err)
	}
	return nil
}

// CreateCheckpoint persists one checkpoint's bytes, upserting on
// (run_id, checkpoint_id).
func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, runID string, rec CheckpointRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	query := `
		INSERT INTO checkpoints (run_id, checkpoint_id, super_step, label, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, checkpoint_id) DO UPDATE SET
			super_step = excluded.super_step,
			label = excluded.label,
			data = excluded.data,
			created_at = excluded.created_at
	`
	_, err := s.db.ExecContext(ctx, query, runID, rec.CheckpointID, rec.SuperStep, rec.Label, rec.Data, rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, runID, checkpointID string) (CheckpointRecord, error) {
	if err := s.checkOpen(); err != nil {
		return CheckpointRecord{}, err
	}
	query := `SELECT checkpoint_id, super_step, label, data, created_at FROM checkpoints WHERE run_id = ? AND checkpoint_id = ?`
	return s.scanOne(ctx, query, runID, checkpointID)
}

func (s *SQLiteStore) RetrieveLatest(ctx context.Context, runID string) (CheckpointRecord, error) {
	if err := s.checkOpen(); err != nil {
		return CheckpointRecord{}, err
	}
	query := `SELECT checkpoint_id, super_step, label, data, created_at FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`
	return s.scanOne(ctx, query, runID)
}

func (s *SQLiteStore) RetrieveByLabel(ctx context.Context, runID, label string) (CheckpointRecord, error) {
	if err := s.checkOpen(); err != nil {
		return CheckpointRecord{}, err
	}
	query := `SELECT checkpoint_id, super_step, label, data, created_at FROM checkpoints WHERE run_id = ? AND label = ? ORDER BY created_at DESC LIMIT 1`
	return s.scanOne(ctx, query, runID, label)
}

func (s *SQLiteStore) scanOne(ctx context.Context, query string, args ...any) (CheckpointRecord, error) {
	var (
		rec          CheckpointRecord
		createdAtStr string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&rec.CheckpointID, &rec.SuperStep, &rec.Label, &rec.Data, &createdAtStr)
	if err == sql.ErrNoRows {
		return CheckpointRecord{}, ErrNotFound
	}
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) RetrieveIndex(ctx context.Context, runID string) ([]CheckpointIndexEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT checkpoint_id, super_step, label, created_at FROM checkpoints WHERE run_id = ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []CheckpointIndexEntry
	for rows.Next() {
		var entry CheckpointIndexEntry
		var createdAtStr string
		if err := rows.Scan(&entry.CheckpointID, &entry.SuperStep, &entry.Label, &createdAtStr); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint index row: %w", err)
		}
		entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint index rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT id, event_data FROM events_outbox WHERE emitted_at IS NULL ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		var id, eventJSON string
		if err := rows.Scan(&id, &eventJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var event emit.Event
		if err := json.Unmarshal([]byte(eventJSON), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}
	placeholders := ""
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = id
	}
	// #nosec G201 -- placeholders are "?" marks for a parameterized query, not user input
	query := fmt.Sprintf(`UPDATE events_outbox SET emitted_at = CURRENT_TIMESTAMP WHERE id IN (%s)`, placeholders)
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark events as emitted: %w", err)
	}
	return nil
}

// EnqueueEvent inserts one event into the transactional outbox for later
// delivery via PendingEvents/MarkEventsEmitted.
func (s *SQLiteStore) EnqueueEvent(ctx context.Context, id, runID string, e emit.Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events_outbox (id, run_id, event_data) VALUES (?, ?, ?)`, id, runID, string(data))
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Close closes the database connection. Calling Close multiple times is safe.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
