// Package store provides persistence implementations for workflow checkpoints.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentmesh/workflow/emit"
)

// ErrNotFound is returned when a requested run ID or checkpoint ID does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointStore persists workflow checkpoints and the event-outbox records
// that accompany them. It is not parameterized over a state type: every
// checkpoint is the engine's own workflow.Checkpoint, already reduced to a
// JSON-serializable byte slice by
// workflow.MarshalCheckpoint before it reaches the store.
//
// Implementations can use:
//   - In-memory storage (for testing, see memory.go).
//   - Relational databases (SQLite, MySQL).
//   - Key-value stores (Redis, DynamoDB).
//   - Object storage (S3, GCS).
type CheckpointStore interface {
	// CreateCheckpoint persists one checkpoint's wire-encoded bytes under
	// (runID, checkpointID). A checkpoint with a non-empty label is also
	// indexed by label for RetrieveByLabel. Writing a checkpoint whose ID
	// already exists for the run overwrites it.
	CreateCheckpoint(ctx context.Context, runID string, rec CheckpointRecord) error

	// Retrieve loads one checkpoint by (runID, checkpointID). Returns
	// ErrNotFound if no such checkpoint exists.
	Retrieve(ctx context.Context, runID, checkpointID string) (CheckpointRecord, error)

	// RetrieveLatest loads the most recently created checkpoint for a run.
	// Returns ErrNotFound if the run has no checkpoints.
	RetrieveLatest(ctx context.Context, runID string) (CheckpointRecord, error)

	// RetrieveByLabel loads the most recent checkpoint carrying the given
	// label for a run. Returns ErrNotFound if no checkpoint with that
	// label exists.
	RetrieveByLabel(ctx context.Context, runID, label string) (CheckpointRecord, error)

	// RetrieveIndex lists every checkpoint recorded for a run, ordered
	// oldest first, without their payload bytes. Used to populate a
	// resumption/debugging UI without paying to decode every checkpoint.
	RetrieveIndex(ctx context.Context, runID string) ([]CheckpointIndexEntry, error)

	// PendingEvents retrieves events from the transactional outbox that
	// haven't been emitted, ordered by creation time, for at-least-once
	// delivery of emit.Event records that were persisted alongside a
	// checkpoint write.
	PendingEvents(ctx context.Context, limit int) ([]emit.Event, error)

	// MarkEventsEmitted marks events as successfully emitted so
	// PendingEvents won't return them again.
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error
}

// CheckpointRecord is the wire form of one workflow.Checkpoint as the store
// sees it: opaque marshaled bytes plus the index fields a store needs to
// query without decoding them (super-step, label, timestamp).
type CheckpointRecord struct {
	CheckpointID string
	SuperStep    int
	Label        string
	CreatedAt    time.Time
	Data         []byte
}

// CheckpointIndexEntry is one row of a run's checkpoint history, returned by
// RetrieveIndex without the (potentially large) checkpoint payload.
type CheckpointIndexEntry struct {
	CheckpointID string
	SuperStep    int
	Label        string
	CreatedAt    time.Time
}
