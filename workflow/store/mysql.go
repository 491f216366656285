package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/workflow/emit"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed CheckpointStore.
//
// Designed for:
//   - Production workflows requiring durable checkpoints
//   - Distributed systems with multiple workers resuming the same run
//   - Long-running workflows that survive process restarts
//   - Audit trails and compliance requirements
//
// Schema:
//   - checkpoints: one row per (run_id, checkpoint_id)
//   - events_outbox: transactional event delivery
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/workflows
//	user:password@tcp(127.0.0.1:3306)/workflows?parseTime=true
//
// Security Warning:
//
//	NEVER hardcode credentials in source code. Read the DSN from an
//	environment variable or a secret manager at startup.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			super_step INT NOT NULL,
			label VARCHAR(255) DEFAULT '',
			data LONGBLOB NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (run_id, checkpoint_id),
			INDEX idx_run_created (run_id, created_at),
			INDEX idx_run_label (run_id, label)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	eventsOutboxTable := `
		CREATE TABLE IF NOT EXISTS events_outbox (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			event_data JSON NOT NULL,
			emitted_at TIMESTAMP NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_pending (emitted_at, created_at),
			INDEX idx_run_id (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, eventsOutboxTable); err != nil {
		return fmt.Errorf("failed to create events_outbox table: %w", err)
	}
	return nil
}

// CreateCheckpoint persists one checkpoint's bytes, upserting on
// (run_id, checkpoint_id).
func (m *MySQLStore) CreateCheckpoint(ctx context.Context, runID string, rec CheckpointRecord) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	query := `
		INSERT INTO checkpoints (run_id, checkpoint_id, super_step, label, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			super_step = VALUES(super_step),
			label = VALUES(label),
			data = VALUES(data),
			created_at = VALUES(created_at)
	`
	_, err := m.db.ExecContext(ctx, query, runID, rec.CheckpointID, rec.SuperStep, rec.Label, rec.Data, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (m *MySQLStore) Retrieve(ctx context.Context, runID, checkpointID string) (CheckpointRecord, error) {
	if err := m.checkOpen(); err != nil {
		return CheckpointRecord{}, err
	}
	query := `SELECT checkpoint_id, super_step, label, data, created_at FROM checkpoints WHERE run_id = ? AND checkpoint_id = ?`
	return m.scanOne(ctx, query, runID, checkpointID)
}

func (m *MySQLStore) RetrieveLatest(ctx context.Context, runID string) (CheckpointRecord, error) {
	if err := m.checkOpen(); err != nil {
		return CheckpointRecord{}, err
	}
	query := `SELECT checkpoint_id, super_step, label, data, created_at FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`
	return m.scanOne(ctx, query, runID)
}

func (m *MySQLStore) RetrieveByLabel(ctx context.Context, runID, label string) (CheckpointRecord, error) {
	if err := m.checkOpen(); err != nil {
		return CheckpointRecord{}, err
	}
	query := `SELECT checkpoint_id, super_step, label, data, created_at FROM checkpoints WHERE run_id = ? AND label = ? ORDER BY created_at DESC LIMIT 1`
	return m.scanOne(ctx, query, runID, label)
}

func (m *MySQLStore) scanOne(ctx context.Context, query string, args ...any) (CheckpointRecord, error) {
	var rec CheckpointRecord
	err := m.db.QueryRowContext(ctx, query, args...).Scan(&rec.CheckpointID, &rec.SuperStep, &rec.Label, &rec.Data, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return CheckpointRecord{}, ErrNotFound
	}
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return rec, nil
}

func (m *MySQLStore) RetrieveIndex(ctx context.Context, runID string) ([]CheckpointIndexEntry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT checkpoint_id, super_step, label, created_at FROM checkpoints WHERE run_id = ? ORDER BY created_at ASC`
	rows, err := m.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []CheckpointIndexEntry
	for rows.Next() {
		var entry CheckpointIndexEntry
		if err := rows.Scan(&entry.CheckpointID, &entry.SuperStep, &entry.Label, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint index row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint index rows: %w", err)
	}
	return entries, nil
}

func (m *MySQLStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT id, event_data FROM events_outbox WHERE emitted_at IS NULL ORDER BY created_at ASC LIMIT ?`
	rows, err := m.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		var id string
		var eventJSON []byte
		if err := rows.Scan(&id, &eventJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var event emit.Event
		if err := json.Unmarshal(eventJSON, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

func (m *MySQLStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if err := m.checkOpen(); err != nil {
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
	_, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark events as emitted: %w", err)
	}
	return nil
}

// EnqueueEvent inserts one event into the transactional outbox.
func (m *MySQLStore) EnqueueEvent(ctx context.Context, id, runID string, e emit.Event) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `INSERT INTO events_outbox (id, run_id, event_data) VALUES (?, ?, ?)`, id, runID, data)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Close closes the database connection pool.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
