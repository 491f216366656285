package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// initRNG seeds a deterministic random source from the run id. The
// scheduler keeps it on the run state and draws retry-backoff jitter from
// it rather than from the global source, so the jitter sequence depends
// only on the run id. It is not exposed to handlers through Context.
func initRNG(runID RunID) *rand.Rand {
	h := sha256.Sum256([]byte(runID))
	seed := int64(binary.BigEndian.Uint64(h[:8]))
	return rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic replay seed, not security-sensitive
}

// RecordedIO captures one agent-provider invocation's request/response so a
// replayed run can reproduce the same agent output without re-invoking the
// external provider, matching Invariant 3 (byte-identical replay modulo
// live agent sampling when replay is not requested).
type RecordedIO struct {
	ExecutorID ExecutorID      `json:"executor_id"`
	Attempt    int             `json:"attempt"`
	Request    json.RawMessage `json:"request"`
	Response   json.RawMessage `json:"response"`
	Hash       string          `json:"hash"`
	Timestamp  time.Time       `json:"timestamp"`
}

// recordIO serializes request/response and hashes the response for replay
// mismatch detection.
func recordIO(executorID ExecutorID, attempt int, request, response any) (RecordedIO, error) {
	reqJSON, err := json.Marshal(request)
	if err != nil {
		return RecordedIO{}, fmt.Errorf("marshal request: %w", err)
	}
	respJSON, err := json.Marshal(response)
	if err != nil {
		return RecordedIO{}, fmt.Errorf("marshal response: %w", err)
	}
	sum := sha256.Sum256(respJSON)
	return RecordedIO{
		ExecutorID: executorID,
		Attempt:    attempt,
		Request:    reqJSON,
		Response:   respJSON,
		Hash:       "sha256:" + hex.EncodeToString(sum[:]),
		Timestamp:  time.Now(),
	}, nil
}

// lookupRecordedIO finds a prior recording for (executorID, attempt), used
// during replay to avoid re-invoking an agent provider.
func lookupRecordedIO(recordings []RecordedIO, executorID ExecutorID, attempt int) (RecordedIO, bool) {
	for _, r := range recordings {
		if r.ExecutorID == executorID && r.Attempt == attempt {
			return r, true
		}
	}
	return RecordedIO{}, false
}

// verifyReplayHash reports ErrCodeReplayDivergence if actualResponse's hash
// does not match the recorded one, indicating a non-deterministic handler.
func verifyReplayHash(recorded RecordedIO, actualResponse any) error {
	actualJSON, err := json.Marshal(actualResponse)
	if err != nil {
		return fmt.Errorf("marshal actual response: %w", err)
	}
	sum := sha256.Sum256(actualJSON)
	actualHash := "sha256:" + hex.EncodeToString(sum[:])
	if actualHash != recorded.Hash {
		return newError(ErrCodeReplayDivergence, fmt.Sprintf("executor %s attempt %d: expected %s, got %s", recorded.ExecutorID, recorded.Attempt, recorded.Hash, actualHash), nil)
	}
	return nil
}
