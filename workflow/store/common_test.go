package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmesh/workflow/emit"
)

// eventFixture builds a minimal emit.Event carrying the event_id key the
// outbox implementations key deletion on.
func eventFixture(msg string) emit.Event {
	return emit.Event{RunID: "run-1", Msg: msg, Meta: map[string]any{"event_id": msg}}
}

// TestCheckpointStoreContractConsistency verifies MemCheckpointStore,
// SQLiteStore, and MySQLStore behave identically for the core
// create/retrieve/index operations.
func TestCheckpointStoreContractConsistency(t *testing.T) {
	scenarios := []struct {
		name      string
		storeFunc func(t *testing.T) (CheckpointStore, func())
	}{
		{
			name: "MemCheckpointStore",
			storeFunc: func(t *testing.T) (CheckpointStore, func()) {
				return NewMemCheckpointStore(), func() {}
			},
		},
		{
			name: "SQLiteStore",
			storeFunc: func(t *testing.T) (CheckpointStore, func()) {
				dbPath := filepath.Join(t.TempDir(), "contract.db")
				st, err := NewSQLiteStore(dbPath)
				if err != nil {
					t.Fatalf("NewSQLiteStore failed: %v", err)
				}
				return st, func() { _ = st.Close() }
			},
		},
		{
			name: "MySQLStore",
			storeFunc: func(t *testing.T) (CheckpointStore, func()) {
				dsn := os.Getenv("TEST_MYSQL_DSN")
				if dsn == "" {
					t.Skip("skipping MySQL test: TEST_MYSQL_DSN not set")
				}
				st, err := NewMySQLStore(dsn)
				if err != nil {
					t.Fatalf("NewMySQLStore failed: %v", err)
				}
				return st, func() { _ = st.Close() }
			},
		},
	}

	for _, sc := range scenarios {
		t.Run(sc.name+"/CreateAndRetrieve", func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := sc.storeFunc(t)
			defer cleanup()

			runID := "contract-" + sc.name
			rec := CheckpointRecord{
				CheckpointID: "cp-1",
				SuperStep:    7,
				Label:        "mid_run",
				Data:         []byte(`{"hello":"world"}`),
				CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
			}

			if err := st.CreateCheckpoint(ctx, runID, rec); err != nil {
				t.Fatalf("CreateCheckpoint failed: %v", err)
			}

			got, err := st.Retrieve(ctx, runID, "cp-1")
			if err != nil {
				t.Fatalf("Retrieve failed: %v", err)
			}
			if got.SuperStep != rec.SuperStep {
				t.Errorf("SuperStep mismatch: got %d, want %d", got.SuperStep, rec.SuperStep)
			}
			if string(got.Data) != string(rec.Data) {
				t.Errorf("Data mismatch: got %s, want %s", got.Data, rec.Data)
			}

			byLabel, err := st.RetrieveByLabel(ctx, runID, "mid_run")
			if err != nil {
				t.Fatalf("RetrieveByLabel failed: %v", err)
			}
			if byLabel.CheckpointID != "cp-1" {
				t.Errorf("RetrieveByLabel mismatch: got %s", byLabel.CheckpointID)
			}
		})

		t.Run(sc.name+"/RetrieveMissingIsNotFound", func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := sc.storeFunc(t)
			defer cleanup()

			if _, err := st.Retrieve(ctx, "nonexistent-run", "nonexistent-cp"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}
