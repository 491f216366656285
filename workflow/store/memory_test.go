package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmesh/workflow/emit"
)

func TestMemCheckpointStore_CreateRetrieve(t *testing.T) {
	ctx := context.Background()
	st := NewMemCheckpointStore()

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

func TestMemCheckpointStore_RetrieveNotFound(t *testing.T) {
	ctx := context.Background()
	st := NewMemCheckpointStore()

	if _, err := st.Retrieve(ctx, "run-x", "cp-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.RetrieveLatest(ctx, "run-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemCheckpointStore_RetrieveLatest(t *testing.T) {
	ctx := context.Background()
	st := NewMemCheckpointStore()

	for i := 1; i <= 3; i++ {
		rec := CheckpointRecord{CheckpointID: string(rune('a' + i - 1)), SuperStep: i, CreatedAt: time.Now()}
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
}

func TestMemCheckpointStore_RetrieveByLabel(t *testing.T) {
	ctx := context.Background()
	st := NewMemCheckpointStore()

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

	if _, err := st.RetrieveByLabel(ctx, "run-1", "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemCheckpointStore_RetrieveIndex(t *testing.T) {
	ctx := context.Background()
	st := NewMemCheckpointStore()

	for i := 1; i <= 3; i++ {
		rec := CheckpointRecord{CheckpointID: string(rune('a' + i - 1)), SuperStep: i, CreatedAt: time.Now()}
		if err := st.CreateCheckpoint(ctx, "run-1", rec); err != nil {
			t.Fatalf("CreateCheckpoint(%d) failed: %v", i, err)
		}
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

func TestMemCheckpointStore_EventOutbox(t *testing.T) {
	ctx := context.Background()
	st := NewMemCheckpointStore()

	st.EnqueueEvent(emit.Event{RunID: "run-1", Msg: "started", Meta: map[string]any{"event_id": "ev-1"}})
	st.EnqueueEvent(emit.Event{RunID: "run-1", Msg: "super_step", Meta: map[string]any{"event_id": "ev-2"}})

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

func TestMemCheckpointStore_CreateCheckpointOverwrites(t *testing.T) {
	ctx := context.Background()
	st := NewMemCheckpointStore()

	rec1 := CheckpointRecord{CheckpointID: "cp-1", SuperStep: 1, Data: []byte("v1"), CreatedAt: time.Now()}
	rec2 := CheckpointRecord{CheckpointID: "cp-1", SuperStep: 2, Data: []byte("v2"), CreatedAt: time.Now()}

	if err := st.CreateCheckpoint(ctx, "run-1", rec1); err != nil {
		t.Fatalf("CreateCheckpoint(rec1) failed: %v", err)
	}
	if err := st.CreateCheckpoint(ctx, "run-1", rec2); err != nil {
		t.Fatalf("CreateCheckpoint(rec2) failed: %v", err)
	}

	got, err := st.Retrieve(ctx, "run-1", "cp-1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if string(got.Data) != "v2" {
		t.Errorf("expected overwritten data 'v2', got %s", got.Data)
	}

	entries, err := st.RetrieveIndex(ctx, "run-1")
	if err != nil {
		t.Fatalf("RetrieveIndex failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("overwrite should not duplicate index entries, got %d", len(entries))
	}
}
