package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// ScopeValue restricts what may be stored in a scope: the JSON-compatible
// primitive subset plus the engine's recognized structured types. Handlers
// that try to write anything else get ErrCodeInvalidScopeValue from
// QueueScopeWrite when the write is queued, rather than a silent
// JSON-marshal failure at checkpoint time.
type ScopeValue interface{}

// ChatMessage is a structured scope value representing one turn of a
// conversation, recognized natively by the agent executor adapter and the
// declarative compiler's expression functions (e.g. UserMessage).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TableRecord is a structured scope value representing one row of tabular
// state, recognized by the compiler's edit_table action.
type TableRecord map[string]ScopeValue

func isRecognizedScopeValue(v ScopeValue) bool {
	switch v.(type) {
	case nil, bool, string, int, int64, float64,
		[]ScopeValue, map[string]ScopeValue,
		ChatMessage, []ChatMessage, TableRecord, []TableRecord:
		return true
	default:
		return false
	}
}

// scopeKey addresses one value within a scope.
type scopeKey struct {
	scope ScopeName
	path  string
}

// pendingWrite records one queued write for deterministic commit ordering:
// first by the writing executor's declaration ordinal, then by the
// emission sequence within that executor's handler invocation.
type pendingWrite struct {
	key           scopeKey
	value         ScopeValue
	sourceOrdinal int
	emissionSeq   int
}

// ScopeConflict is recorded (never fatal) whenever two pending writes in the
// same super-step target the same key; the diagnostic names both writers so
// operators can spot racing executors even though the engine always
// resolves deterministically.
type ScopeConflict struct {
	Key          string
	Winner       ExecutorID
	Loser        ExecutorID
	SuperStep    int
}

// scopeStore holds committed scope state plus the write buffer accumulated
// during the super-step currently in flight. Reads made by a handler within
// a super-step never observe that super-step's own pending writes: a scope
// read always returns the value committed at the end of the previous
// super-step (read-after-write-within-superstep isolation, per Invariant 4).
type scopeStore struct {
	mu        sync.RWMutex
	committed map[scopeKey]ScopeValue
	pending   []pendingWrite
	conflicts []ScopeConflict
}

func newScopeStore() *scopeStore {
	return &scopeStore{committed: make(map[scopeKey]ScopeValue)}
}

// read returns the committed value for (scope, path).
func (s *scopeStore) read(scope ScopeName, path string) (ScopeValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.committed[scopeKey{scope, path}]
	return v, ok
}

// queueWrite buffers a write to be applied at the next commit boundary.
func (s *scopeStore) queueWrite(scope ScopeName, path string, value ScopeValue, sourceOrdinal, emissionSeq int) error {
	if !isRecognizedScopeValue(value) {
		return newError(ErrCodeInvalidScopeValue, fmt.Sprintf("value for %s.%s is not an engine-recognized scope value kind", scope, path), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingWrite{
		key:           scopeKey{scope, path},
		value:         value,
		sourceOrdinal: sourceOrdinal,
		emissionSeq:   emissionSeq,
	})
	return nil
}

// commit applies all pending writes in deterministic order (declaration
// order of the writing executor, then emission order within that
// executor's handler) and clears the pending buffer. Last write wins;
// earlier conflicting writes to the same key are recorded as diagnostics.
func (s *scopeStore) commit(superStep int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]pendingWrite, len(s.pending))
	copy(ordered, s.pending)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].sourceOrdinal != ordered[j].sourceOrdinal {
			return ordered[i].sourceOrdinal < ordered[j].sourceOrdinal
		}
		return ordered[i].emissionSeq < ordered[j].emissionSeq
	})

	lastWriterOrdinal := make(map[scopeKey]int)
	for _, w := range ordered {
		if prevOrdinal, ok := lastWriterOrdinal[w.key]; ok {
			s.conflicts = append(s.conflicts, ScopeConflict{
				Key:       fmt.Sprintf("%s.%s", w.key.scope, w.key.path),
				SuperStep: superStep,
				Loser:     ExecutorID(fmt.Sprintf("#%d", prevOrdinal)),
				Winner:    ExecutorID(fmt.Sprintf("#%d", w.sourceOrdinal)),
			})
		}
		s.committed[w.key] = w.value
		lastWriterOrdinal[w.key] = w.sourceOrdinal
	}
	s.pending = s.pending[:0]
}

// Conflicts returns a snapshot of all scope conflicts recorded so far.
func (s *scopeStore) Conflicts() []ScopeConflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScopeConflict, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

// snapshot returns a copy of committed state for checkpointing.
func (s *scopeStore) snapshot() map[ScopeName]map[string]ScopeValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[ScopeName]map[string]ScopeValue{
		ScopeTopic:        {},
		ScopeConversation: {},
		ScopeSystem:       {},
	}
	for k, v := range s.committed {
		out[k.scope][k.path] = v
	}
	return out
}

// restore replaces committed state from a checkpoint snapshot.
func (s *scopeStore) restore(snap map[ScopeName]map[string]ScopeValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = make(map[scopeKey]ScopeValue)
	for scope, kv := range snap {
		for path, v := range kv {
			s.committed[scopeKey{scope, path}] = v
		}
	}
}
