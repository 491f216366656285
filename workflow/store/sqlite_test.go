package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return st
}

func TestSQLiteStore_CreateRetrieve(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	defer func() { _ = st.Close() }()

	rec := CheckpointRecord{CheckpointID: "cp-1", SuperStep: 1, Data: []byte(`{"x":1}`), CreatedAt: time.Now()}
	if err := st.CreateCheckpoint(ctx, "run-1", rec); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}

	got, err := st.Retrieve(ctx, "run-1", "cp-1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if string(got.Data) != `{"x":1}` {
		t.Errorf("Data mismatch: got %s", got.Data)
	}
}

func TestSQLiteStore_RetrieveNotFound(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	defer func() { _ = st.Close() }()

	if _, err := st.Retrieve(ctx, "run-x", "cp-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_RetrieveLatestAndIndex(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	defer func() { _ = st.Close() }()

	base := time.Now()
	for i := 1; i <= 3; i++ {
		rec := CheckpointRecord{
			CheckpointID: string(rune('a' + i - 1)),
			SuperStep:    i,
			CreatedAt:    base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := st.CreateCheckpoint(ctx, "run-1", rec); err != nil {
			t.Fatalf("CreateCheckpoint(%d) failed: %v", i, err)
		}
	}

	latest, err := st.RetrieveLatest(ctx, "run-1")
	if err != nil {
		t.Fatalf("RetrieveLatest failed: %v", err)
	}
	if latest.SuperStep != 3 {
		t.Errorf("expected SuperStep 3, got %d", latest.SuperStep)
	}

	entries, err := st.RetrieveIndex(ctx, "run-1")
	if err != nil {
		t.Fatalf("RetrieveIndex failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.SuperStep != i+1 {
			t.Errorf("entry %d: expected SuperStep %d, got %d", i, i+1, e.SuperStep)
		}
	}
}

func TestSQLiteStore_RetrieveByLabel(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	defer func() { _ = st.Close() }()

	rec := CheckpointRecord{CheckpointID: "cp-1", SuperStep: 1, Label: "before_validation", CreatedAt: time.Now()}
	if err := st.CreateCheckpoint(ctx, "run-1", rec); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}

	got, err := st.RetrieveByLabel(ctx, "run-1", "before_validation")
	if err != nil {
		t.Fatalf("RetrieveByLabel failed: %v", err)
	}
	if got.CheckpointID != "cp-1" {
		t.Errorf("CheckpointID mismatch: got %s", got.CheckpointID)
	}
}

func TestSQLiteStore_EventOutbox(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	defer func() { _ = st.Close() }()

	if err := st.EnqueueEvent(ctx, "ev-1", "run-1", eventFixture("started")); err != nil {
		t.Fatalf("EnqueueEvent failed: %v", err)
	}
	if err := st.EnqueueEvent(ctx, "ev-2", "run-1", eventFixture("super_step")); err != nil {
		t.Fatalf("EnqueueEvent failed: %v", err)
	}

	pending, err := st.PendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("PendingEvents failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events, got %d", len(pending))
	}

	if err := st.MarkEventsEmitted(ctx, []string{"ev-1"}); err != nil {
		t.Fatalf("MarkEventsEmitted failed: %v", err)
	}

	pending, err = st.PendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("PendingEvents failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Msg != "super_step" {
		t.Fatalf("expected only ev-2 pending, got %+v", pending)
	}
}

func TestSQLiteStore_ClosedRejectsOperations(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Double close is a no-op.
	if err := st.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := st.CreateCheckpoint(ctx, "run-1", CheckpointRecord{CheckpointID: "cp-1"}); err == nil {
		t.Error("expected error writing to a closed store")
	}
}
