package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// payloadRegistry maps a PayloadType tag to a zero-value factory so the
// checkpoint marshaller can round-trip the polymorphic Envelope.Payload
// field through a "$type" discriminator, the way a sum type would be
// encoded in languages with native tagged unions.
var payloadRegistry = struct {
	mu    sync.RWMutex
	zeros map[PayloadType]func() Payload
}{zeros: make(map[PayloadType]func() Payload)}

// RegisterPayloadType makes a concrete Payload type checkpoint-serializable.
// Call this once per Payload implementation, typically from an init() in
// the package that defines it, mirroring how the compiler's CompiledAction
// variants register themselves.
func RegisterPayloadType(zero func() Payload) {
	p := zero()
	payloadRegistry.mu.Lock()
	defer payloadRegistry.mu.Unlock()
	payloadRegistry.zeros[p.PayloadType()] = zero
}

func init() {
	RegisterPayloadType(func() Payload { return &BreakLoop{} })
	RegisterPayloadType(func() Payload { return &ContinueLoop{} })
	RegisterPayloadType(func() Payload { return &EndConversation{} })
	RegisterPayloadType(func() Payload { return &EndDialog{} })
}

// wireEnvelope is Envelope's on-disk shape: Payload is split into its type
// tag and raw JSON so it can be reconstituted via payloadRegistry.
type wireEnvelope struct {
	PayloadType PayloadType     `json:"payload_type"`
	Payload     json.RawMessage `json:"payload"`
	SourceID    ExecutorID      `json:"source_id"`
	TargetID    *ExecutorID     `json:"target_id,omitempty"`
	DeliveryID  DeliveryID      `json:"delivery_id,omitempty"`
	EdgeGroup   EdgeGroupID     `json:"edge_group,omitempty"`
}

func marshalEnvelope(e Envelope) (wireEnvelope, error) {
	if e.Payload == nil {
		return wireEnvelope{}, fmt.Errorf("workflow: cannot marshal envelope with nil payload")
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("workflow: marshal payload: %w", err)
	}
	return wireEnvelope{
		PayloadType: e.Payload.PayloadType(),
		Payload:     raw,
		SourceID:    e.SourceID,
		TargetID:    e.TargetID,
		DeliveryID:  e.DeliveryID,
		EdgeGroup:   e.EdgeGroup,
	}, nil
}

func unmarshalEnvelope(w wireEnvelope) (Envelope, error) {
	payloadRegistry.mu.RLock()
	zero, ok := payloadRegistry.zeros[w.PayloadType]
	payloadRegistry.mu.RUnlock()
	if !ok {
		return Envelope{}, fmt.Errorf("workflow: no registered payload type %q (call RegisterPayloadType)", w.PayloadType)
	}
	payload := zero()
	if err := json.Unmarshal(w.Payload, payload); err != nil {
		return Envelope{}, fmt.Errorf("workflow: unmarshal payload %q: %w", w.PayloadType, err)
	}
	return Envelope{
		Payload:    payload,
		SourceID:   w.SourceID,
		TargetID:   w.TargetID,
		DeliveryID: w.DeliveryID,
		EdgeGroup:  w.EdgeGroup,
	}, nil
}

// wireCheckpoint is Checkpoint's on-disk shape, substituting wireEnvelope
// for every Envelope-bearing field and wireScopeValue for every ScopeValue,
// so both round-trip through their own "$type"-style discriminator instead
// of degrading to generic map[string]interface{}/[]interface{} the way a
// bare json.Marshal of an interface{} value would.
type wireCheckpoint struct {
	SchemaVersion           int                                            `json:"schema_version"`
	RunID                   RunID                                          `json:"run_id"`
	CheckpointID            CheckpointID                                   `json:"checkpoint_id"`
	ParentID                *CheckpointID                                  `json:"parent_id,omitempty"`
	WorkflowName            string                                         `json:"workflow_name"`
	SuperStep               int                                            `json:"super_step"`
	CreatedAt               string                                         `json:"created_at"`
	ScopesSnapshot          map[ScopeName]map[string]wireScopeValue        `json:"scopes_snapshot"`
	ExecutorStates          map[ExecutorID][]byte                         `json:"executor_states"`
	InboxSnapshot           []wireEnvelope                                 `json:"inbox_snapshot"`
	EdgeBuffers             map[EdgeGroupID]map[DeliveryID][]wireEnvelope `json:"edge_buffers"`
	PendingExternalRequests []ExternalInputRequest                        `json:"pending_external_requests"`
	RecordedIOs             []RecordedIO                                   `json:"recorded_ios"`
	Label                   string                                         `json:"label,omitempty"`
}

// scopeValueKind discriminates wireScopeValue's Data payload, covering
// every case isRecognizedScopeValue (scope.go) accepts.
type scopeValueKind string

const (
	scopeValueNull            scopeValueKind = "null"
	scopeValueBool            scopeValueKind = "bool"
	scopeValueString          scopeValueKind = "string"
	scopeValueInt             scopeValueKind = "int"
	scopeValueInt64           scopeValueKind = "int64"
	scopeValueFloat64         scopeValueKind = "float64"
	scopeValueList            scopeValueKind = "list"
	scopeValueMap             scopeValueKind = "map"
	scopeValueChatMessage     scopeValueKind = "chat_message"
	scopeValueChatMessageList scopeValueKind = "chat_message_list"
	scopeValueTableRecord     scopeValueKind = "table_record"
	scopeValueTableRecordList scopeValueKind = "table_record_list"
)

// wireScopeValue is one ScopeValue's on-disk shape: its recognized Go type
// tagged explicitly so UnmarshalCheckpoint reconstructs the same concrete
// type a handler originally wrote, rather than the generic
// map[string]interface{}/[]interface{} encoding/json would otherwise
// produce for an interface{}-typed field.
type wireScopeValue struct {
	Kind scopeValueKind  `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func marshalScopeValueData(kind scopeValueKind, v any) (wireScopeValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return wireScopeValue{}, fmt.Errorf("workflow: marshal scope value (%s): %w", kind, err)
	}
	return wireScopeValue{Kind: kind, Data: raw}, nil
}

// marshalScopeValue encodes one ScopeValue, recursing into []ScopeValue,
// map[string]ScopeValue, and TableRecord so a structured value nested
// inside another round-trips through the same discriminator treatment at
// every level.
func marshalScopeValue(v ScopeValue) (wireScopeValue, error) {
	switch t := v.(type) {
	case nil:
		return wireScopeValue{Kind: scopeValueNull}, nil
	case bool:
		return marshalScopeValueData(scopeValueBool, t)
	case string:
		return marshalScopeValueData(scopeValueString, t)
	case int:
		return marshalScopeValueData(scopeValueInt, t)
	case int64:
		return marshalScopeValueData(scopeValueInt64, t)
	case float64:
		return marshalScopeValueData(scopeValueFloat64, t)
	case ChatMessage:
		return marshalScopeValueData(scopeValueChatMessage, t)
	case []ChatMessage:
		return marshalScopeValueData(scopeValueChatMessageList, t)
	case TableRecord:
		wired, err := marshalScopeValueMap(t)
		if err != nil {
			return wireScopeValue{}, err
		}
		return marshalScopeValueData(scopeValueTableRecord, wired)
	case []TableRecord:
		wiredList := make([]map[string]wireScopeValue, len(t))
		for i, rec := range t {
			wired, err := marshalScopeValueMap(rec)
			if err != nil {
				return wireScopeValue{}, err
			}
			wiredList[i] = wired
		}
		return marshalScopeValueData(scopeValueTableRecordList, wiredList)
	case []ScopeValue:
		wired := make([]wireScopeValue, len(t))
		for i, item := range t {
			w, err := marshalScopeValue(item)
			if err != nil {
				return wireScopeValue{}, err
			}
			wired[i] = w
		}
		return marshalScopeValueData(scopeValueList, wired)
	case map[string]ScopeValue:
		wired, err := marshalScopeValueMap(t)
		if err != nil {
			return wireScopeValue{}, err
		}
		return marshalScopeValueData(scopeValueMap, wired)
	default:
		return wireScopeValue{}, fmt.Errorf("workflow: cannot marshal scope value of type %T", v)
	}
}

func marshalScopeValueMap(m map[string]ScopeValue) (map[string]wireScopeValue, error) {
	out := make(map[string]wireScopeValue, len(m))
	for k, v := range m {
		w, err := marshalScopeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = w
	}
	return out, nil
}

func unmarshalScopeValue(w wireScopeValue) (ScopeValue, error) {
	switch w.Kind {
	case scopeValueNull, "":
		return nil, nil
	case scopeValueBool:
		var v bool
		err := json.Unmarshal(w.Data, &v)
		return v, err
	case scopeValueString:
		var v string
		err := json.Unmarshal(w.Data, &v)
		return v, err
	case scopeValueInt:
		var v int
		err := json.Unmarshal(w.Data, &v)
		return v, err
	case scopeValueInt64:
		var v int64
		err := json.Unmarshal(w.Data, &v)
		return v, err
	case scopeValueFloat64:
		var v float64
		err := json.Unmarshal(w.Data, &v)
		return v, err
	case scopeValueChatMessage:
		var v ChatMessage
		err := json.Unmarshal(w.Data, &v)
		return v, err
	case scopeValueChatMessageList:
		var v []ChatMessage
		err := json.Unmarshal(w.Data, &v)
		return v, err
	case scopeValueTableRecord:
		var wired map[string]wireScopeValue
		if err := json.Unmarshal(w.Data, &wired); err != nil {
			return nil, err
		}
		m, err := unmarshalScopeValueMap(wired)
		return TableRecord(m), err
	case scopeValueTableRecordList:
		var wiredList []map[string]wireScopeValue
		if err := json.Unmarshal(w.Data, &wiredList); err != nil {
			return nil, err
		}
		list := make([]TableRecord, len(wiredList))
		for i, wired := range wiredList {
			m, err := unmarshalScopeValueMap(wired)
			if err != nil {
				return nil, err
			}
			list[i] = TableRecord(m)
		}
		return list, nil
	case scopeValueList:
		var wired []wireScopeValue
		if err := json.Unmarshal(w.Data, &wired); err != nil {
			return nil, err
		}
		out := make([]ScopeValue, len(wired))
		for i, wv := range wired {
			v, err := unmarshalScopeValue(wv)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case scopeValueMap:
		var wired map[string]wireScopeValue
		if err := json.Unmarshal(w.Data, &wired); err != nil {
			return nil, err
		}
		return unmarshalScopeValueMap(wired)
	default:
		return nil, fmt.Errorf("workflow: unknown scope value kind %q", w.Kind)
	}
}

func unmarshalScopeValueMap(wired map[string]wireScopeValue) (map[string]ScopeValue, error) {
	out := make(map[string]ScopeValue, len(wired))
	for k, wv := range wired {
		v, err := unmarshalScopeValue(wv)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func marshalScopesSnapshot(snap map[ScopeName]map[string]ScopeValue) (map[ScopeName]map[string]wireScopeValue, error) {
	if snap == nil {
		return nil, nil
	}
	out := make(map[ScopeName]map[string]wireScopeValue, len(snap))
	for scope, values := range snap {
		wired, err := marshalScopeValueMap(values)
		if err != nil {
			return nil, fmt.Errorf("workflow: marshal scope %q: %w", scope, err)
		}
		out[scope] = wired
	}
	return out, nil
}

func unmarshalScopesSnapshot(wired map[ScopeName]map[string]wireScopeValue) (map[ScopeName]map[string]ScopeValue, error) {
	if wired == nil {
		return nil, nil
	}
	out := make(map[ScopeName]map[string]ScopeValue, len(wired))
	for scope, values := range wired {
		m, err := unmarshalScopeValueMap(values)
		if err != nil {
			return nil, fmt.Errorf("workflow: unmarshal scope %q: %w", scope, err)
		}
		out[scope] = m
	}
	return out, nil
}

// MarshalCheckpoint encodes a Checkpoint to JSON using "$type"-style
// discriminators for its polymorphic Envelope payloads. Metadata keys
// (map-typed fields) are written in Go's default (alphabetical) map
// iteration-independent json.Marshal order; readers must not assume any
// particular key order, per this implementation's resolution of the
// checkpoint metadata ordering Open Question.
func MarshalCheckpoint(cp Checkpoint) ([]byte, error) {
	scopes, err := marshalScopesSnapshot(cp.ScopesSnapshot)
	if err != nil {
		return nil, err
	}
	wcp := wireCheckpoint{
		SchemaVersion:           checkpointSchemaVersion,
		RunID:                   cp.RunID,
		CheckpointID:            cp.CheckpointID,
		ParentID:                cp.ParentID,
		WorkflowName:            cp.WorkflowName,
		SuperStep:               cp.SuperStep,
		CreatedAt:               cp.CreatedAt.Format(timeLayout),
		ScopesSnapshot:          scopes,
		ExecutorStates:          cp.ExecutorStates,
		PendingExternalRequests: cp.PendingExternalRequests,
		RecordedIOs:             cp.RecordedIOs,
		Label:                   cp.Label,
	}
	for _, e := range cp.InboxSnapshot {
		we, err := marshalEnvelope(e)
		if err != nil {
			return nil, err
		}
		wcp.InboxSnapshot = append(wcp.InboxSnapshot, we)
	}
	if cp.EdgeBuffers != nil {
		wcp.EdgeBuffers = make(map[EdgeGroupID]map[DeliveryID][]wireEnvelope)
		for group, cohorts := range cp.EdgeBuffers {
			wcp.EdgeBuffers[group] = make(map[DeliveryID][]wireEnvelope)
			for cohort, envs := range cohorts {
				for _, e := range envs {
					we, err := marshalEnvelope(e)
					if err != nil {
						return nil, err
					}
					wcp.EdgeBuffers[group][cohort] = append(wcp.EdgeBuffers[group][cohort], we)
				}
			}
		}
	}
	return json.Marshal(wcp)
}

// UnmarshalCheckpoint decodes a checkpoint previously written by
// MarshalCheckpoint, rejecting a mismatched schema version outright rather
// than guessing a migration.
func UnmarshalCheckpoint(data []byte) (Checkpoint, error) {
	var wcp wireCheckpoint
	if err := json.Unmarshal(data, &wcp); err != nil {
		return Checkpoint{}, fmt.Errorf("workflow: unmarshal checkpoint: %w", err)
	}
	if wcp.SchemaVersion != checkpointSchemaVersion {
		return Checkpoint{}, newError(ErrCodeCheckpointNotFound, fmt.Sprintf("unsupported checkpoint schema version %d", wcp.SchemaVersion), nil)
	}
	createdAt, err := parseTimeLayout(wcp.CreatedAt)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("workflow: parse checkpoint timestamp: %w", err)
	}
	scopes, err := unmarshalScopesSnapshot(wcp.ScopesSnapshot)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{
		SchemaVersion:           wcp.SchemaVersion,
		RunID:                   wcp.RunID,
		CheckpointID:            wcp.CheckpointID,
		ParentID:                wcp.ParentID,
		WorkflowName:            wcp.WorkflowName,
		SuperStep:               wcp.SuperStep,
		CreatedAt:               createdAt,
		ScopesSnapshot:          scopes,
		ExecutorStates:          wcp.ExecutorStates,
		PendingExternalRequests: wcp.PendingExternalRequests,
		RecordedIOs:             wcp.RecordedIOs,
		Label:                   wcp.Label,
	}
	for _, we := range wcp.InboxSnapshot {
		e, err := unmarshalEnvelope(we)
		if err != nil {
			return Checkpoint{}, err
		}
		cp.InboxSnapshot = append(cp.InboxSnapshot, e)
	}
	if wcp.EdgeBuffers != nil {
		cp.EdgeBuffers = make(map[EdgeGroupID]map[DeliveryID][]Envelope)
		for group, cohorts := range wcp.EdgeBuffers {
			cp.EdgeBuffers[group] = make(map[DeliveryID][]Envelope)
			for cohort, wes := range cohorts {
				for _, we := range wes {
					e, err := unmarshalEnvelope(we)
					if err != nil {
						return Checkpoint{}, err
					}
					cp.EdgeBuffers[group][cohort] = append(cp.EdgeBuffers[group][cohort], e)
				}
			}
		}
	}
	return cp, nil
}
