package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agentmesh/workflow/emit"
)

// MemCheckpointStore is an in-memory CheckpointStore. Designed for testing,
// single-process workflows, and short-lived runs where durability isn't
// required; data is lost when the process terminates.
type MemCheckpointStore struct {
	mu sync.RWMutex

	byRun      map[string]map[string]CheckpointRecord // runID -> checkpointID -> record
	order      map[string][]string                    // runID -> checkpointIDs in creation order
	labelIndex map[string]map[string]string            // runID -> label -> checkpointID

	pendingEvents []emit.Event
}

// NewMemCheckpointStore creates a new in-memory checkpoint store.
func NewMemCheckpointStore() *MemCheckpointStore {
	return &MemCheckpointStore{
		byRun:      make(map[string]map[string]CheckpointRecord),
		order:      make(map[string][]string),
		labelIndex: make(map[string]map[string]string),
	}
}

// CreateCheckpoint stores one checkpoint's record, indexed by (runID,
// checkpointID) and additionally by label when the record carries one. A
// checkpoint ID that already exists for the run is overwritten in place
// without disturbing its position in the creation order.
func (m *MemCheckpointStore) CreateCheckpoint(_ context.Context, runID string, rec CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byRun[runID] == nil {
		m.byRun[runID] = make(map[string]CheckpointRecord)
	}
	if _, exists := m.byRun[runID][rec.CheckpointID]; !exists {
		m.order[runID] = append(m.order[runID], rec.CheckpointID)
	}
	m.byRun[runID][rec.CheckpointID] = rec

	if rec.Label != "" {
		if m.labelIndex[runID] == nil {
			m.labelIndex[runID] = make(map[string]string)
		}
		m.labelIndex[runID][rec.Label] = rec.CheckpointID
	}
	return nil
}

// Retrieve loads one checkpoint by (runID, checkpointID).
func (m *MemCheckpointStore) Retrieve(_ context.Context, runID, checkpointID string) (CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs, ok := m.byRun[runID]
	if !ok {
		return CheckpointRecord{}, ErrNotFound
	}
	rec, ok := recs[checkpointID]
	if !ok {
		return CheckpointRecord{}, ErrNotFound
	}
	return rec, nil
}

// RetrieveLatest loads the most recently created checkpoint for a run.
func (m *MemCheckpointStore) RetrieveLatest(_ context.Context, runID string) (CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.order[runID]
	if len(ids) == 0 {
		return CheckpointRecord{}, ErrNotFound
	}
	return m.byRun[runID][ids[len(ids)-1]], nil
}

// RetrieveByLabel loads the checkpoint currently indexed under a label for
// a run. A later CreateCheckpoint with the same label replaces the index
// entry, so this always returns the most recent match.
func (m *MemCheckpointStore) RetrieveByLabel(_ context.Context, runID, label string) (CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	labels, ok := m.labelIndex[runID]
	if !ok {
		return CheckpointRecord{}, ErrNotFound
	}
	id, ok := labels[label]
	if !ok {
		return CheckpointRecord{}, ErrNotFound
	}
	return m.byRun[runID][id], nil
}

// RetrieveIndex lists every checkpoint recorded for a run, oldest first,
// without the payload bytes.
func (m *MemCheckpointStore) RetrieveIndex(_ context.Context, runID string) ([]CheckpointIndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.order[runID]
	entries := make([]CheckpointIndexEntry, 0, len(ids))
	for _, id := range ids {
		rec := m.byRun[runID][id]
		entries = append(entries, CheckpointIndexEntry{
			CheckpointID: rec.CheckpointID,
			SuperStep:    rec.SuperStep,
			Label:        rec.Label,
			CreatedAt:    rec.CreatedAt,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].SuperStep < entries[j].SuperStep })
	return entries, nil
}

// PendingEvents retrieves events from the transactional outbox that haven't
// been emitted, ordered by insertion order.
func (m *MemCheckpointStore) PendingEvents(_ context.Context, limit int) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := len(m.pendingEvents)
	if limit > 0 && limit < count {
		count = limit
	}
	result := make([]emit.Event, count)
	copy(result, m.pendingEvents[:count])
	return result, nil
}

// MarkEventsEmitted removes events from the pending queue by the event_id
// key in their Meta map. Unknown IDs are silently ignored.
func (m *MemCheckpointStore) MarkEventsEmitted(_ context.Context, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(eventIDs) == 0 {
		return nil
	}
	toRemove := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		toRemove[id] = true
	}

	filtered := make([]emit.Event, 0, len(m.pendingEvents))
	for _, event := range m.pendingEvents {
		eventID := ""
		if event.Meta != nil {
			if id, ok := event.Meta["event_id"].(string); ok {
				eventID = id
			}
		}
		if !toRemove[eventID] {
			filtered = append(filtered, event)
		}
	}
	m.pendingEvents = filtered
	return nil
}

// EnqueueEvent appends an event to the transactional outbox. Exposed so a
// scheduler writing a checkpoint can stage its accompanying events in the
// same call without needing a separate outbox API.
func (m *MemCheckpointStore) EnqueueEvent(e emit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingEvents = append(m.pendingEvents, e)
}
