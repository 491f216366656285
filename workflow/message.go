package workflow

import "go.opentelemetry.io/otel/trace"

// Envelope carries one Payload between executors through an edge group. It
// is the unit the scheduler queues, routes, and records in a checkpoint's
// inbox snapshot.
type Envelope struct {
	// Payload is the typed message body. Routing dispatches on
	// Payload.PayloadType(), never on Go's runtime type.
	Payload Payload

	// SourceID is the executor that emitted this envelope, or "" for the
	// synthetic envelope that starts a run.
	SourceID ExecutorID

	// TargetID pins delivery to a single executor, bypassing edge
	// evaluation, when set by Context.EmitTo. Nil for normal edge-routed
	// envelopes.
	TargetID *ExecutorID

	// DeliveryID correlates sibling deliveries of one fan-out cohort and
	// is reused unchanged as the downstream fan-in join key. Assigned by
	// the fan-out edge runner and copied onto every envelope a handler
	// emits while handling a delivery that carries it; empty when no
	// fan-out lies upstream.
	DeliveryID DeliveryID

	// EdgeGroup is the id of the edge group this envelope traversed, for
	// observability tagging. Empty for the run's seed envelope.
	EdgeGroup EdgeGroupID

	// TraceSpan carries the OpenTelemetry span context this envelope was
	// emitted under, so the receiving handler's span nests correctly.
	TraceSpan trace.SpanContext

	// emissionSeq is assigned by the emitting handler's Context in the
	// order EmitTo/Emit were called, breaking ties between envelopes
	// emitted by the same executor within one super-step.
	emissionSeq int
	// sourceOrdinal is the emitting executor's declaration index, used as
	// the primary deterministic commit-order key.
	sourceOrdinal int
}

// DeliveryStatus records what happened to an Envelope as it passed through
// an edge group, surfaced on every emitted trace span and event.
type DeliveryStatus string

const (
	DeliveryDelivered            DeliveryStatus = "delivered"
	DeliveryDroppedConditionFalse DeliveryStatus = "dropped_condition_false"
	DeliveryDroppedTypeMismatch  DeliveryStatus = "dropped_type_mismatch"
	DeliveryDroppedTargetMismatch DeliveryStatus = "dropped_target_mismatch"
	DeliveryBuffered             DeliveryStatus = "buffered"
	DeliveryException           DeliveryStatus = "exception"
)
