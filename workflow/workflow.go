package workflow

import (
	"fmt"
	"time"
)

// Workflow is an immutable, validated graph: a set of executors and the
// edge groups connecting them, reachable from a single declared start
// executor. Construct one with Builder; a Workflow is safe to start
// multiple concurrent runs from.
type Workflow struct {
	Name      string
	start     ExecutorID
	executors map[ExecutorID]*ExecutorBinding
	edges     []*EdgeGroup
	// outgoing maps an executor id to the edge groups whose From equals it,
	// in declaration order, precomputed at Build time.
	outgoing map[ExecutorID][]*EdgeGroup
	// fanInBySource maps a source executor to the fan-in groups it feeds,
	// for quick lookup during routing.
	fanInBySource map[ExecutorID][]*EdgeGroup
}

// StartExecutor returns the id of the executor that receives a run's seed
// envelope.
func (w *Workflow) StartExecutor() ExecutorID { return w.start }

// Executor returns the binding for id, or nil if unregistered.
func (w *Workflow) Executor(id ExecutorID) *ExecutorBinding { return w.executors[id] }

// Builder incrementally assembles a Workflow, validating the complete graph
// at Build().
type Builder struct {
	name      string
	start     ExecutorID
	startSet  bool
	executors []*ExecutorBinding
	byID      map[ExecutorID]*ExecutorBinding
	edges     []*EdgeGroup
	err       error
}

// NewBuilder starts a fresh Workflow construction.
func NewBuilder() *Builder {
	return &Builder{byID: make(map[ExecutorID]*ExecutorBinding)}
}

// WithName sets the workflow's display name, purely for diagnostics and
// trace tagging.
func (b *Builder) WithName(name string) *Builder {
	b.name = name
	return b
}

// WithStart designates the executor that receives a run's seed envelope.
func (b *Builder) WithStart(id ExecutorID) *Builder {
	b.start = id
	b.startSet = true
	return b
}

// AddExecutor registers one executor. Registration order becomes the
// executor's ordinal, the primary key for deterministic commit ordering.
func (b *Builder) AddExecutor(spec ExecutorSpec) *Builder {
	if b.err != nil {
		return b
	}
	if _, exists := b.byID[spec.ID]; exists {
		b.err = newError(ErrCodeDuplicateExecutor, string(spec.ID), nil)
		return b
	}
	seen := make(map[PayloadType]bool, len(spec.Handlers))
	handlers := make([]handlerEntry, 0, len(spec.Handlers))
	for _, h := range spec.Handlers {
		if seen[h.Type] {
			b.err = newError(ErrCodeTypeMismatch, fmt.Sprintf("executor %s declares handler for %s twice", spec.ID, h.Type), nil)
			return b
		}
		seen[h.Type] = true
		handlers = append(handlers, handlerEntry{inputType: h.Type, fn: h.Handler})
	}
	binding := &ExecutorBinding{
		ID:        spec.ID,
		Kind:      spec.Kind,
		handlers:  handlers,
		Policy:    spec.Policy,
		OnRestore: spec.OnRestore,
		ordinal:   len(b.executors),
	}
	b.executors = append(b.executors, binding)
	b.byID[spec.ID] = binding
	return b
}

// AddEdge declares a direct (optionally conditional) edge.
func (b *Builder) AddEdge(from, to ExecutorID, when Predicate) *Builder {
	return b.addEdge(&EdgeGroup{Kind: EdgeKindDirect, From: from, To: to, When: when})
}

// AddFanOut declares a fan-out edge delivering one envelope to every
// target, all sharing a freshly minted DeliveryID.
func (b *Builder) AddFanOut(from ExecutorID, targets ...ExecutorID) *Builder {
	return b.addEdge(&EdgeGroup{Kind: EdgeKindFanOut, From: from, Targets: targets})
}

// AddFanIn declares a fan-in edge that joins one envelope from each of
// sources (correlated by DeliveryID) before delivering the joined cohort to
// to.
func (b *Builder) AddFanIn(sources []ExecutorID, to ExecutorID, cohortTimeout time.Duration) *Builder {
	group := &EdgeGroup{Kind: EdgeKindFanIn, Sources: sources, To: to, CohortTimeout: cohortTimeout}
	return b.addEdge(group)
}

// AddSwitch declares a switch edge: the first matching case wins, falling
// back to def if provided.
func (b *Builder) AddSwitch(from ExecutorID, cases []SwitchCase, def *ExecutorID) *Builder {
	return b.addEdge(&EdgeGroup{Kind: EdgeKindSwitch, From: from, Cases: cases, Default: def})
}

func (b *Builder) addEdge(g *EdgeGroup) *Builder {
	if b.err != nil {
		return b
	}
	g.ordinal = len(b.edges)
	g.ID = EdgeGroupID(fmt.Sprintf("edge-%d", g.ordinal))
	b.edges = append(b.edges, g)
	return b
}

// Build validates the accumulated graph and returns an immutable Workflow.
// Validation covers: a start executor is set and registered, every edge
// endpoint references a registered executor, the graph is connected from
// start, and every edge's destination(s) declare a handler for at least one
// PayloadType (full type compatibility is enforced dynamically at delivery
// time against the payload actually produced, since Go interfaces do not
// let the builder know every payload type a handler's Emit calls might
// produce).
func (b *Builder) Build() (*Workflow, error) {
	if b.err != nil {
		return nil, b.err
	}
	if !b.startSet {
		return nil, newError(ErrCodeNoStartExecutor, "no start executor configured", nil)
	}
	if _, ok := b.byID[b.start]; !ok {
		return nil, newError(ErrCodeExecutorNotFound, string(b.start), nil)
	}

	for _, g := range b.edges {
		ids := g.endpointIDs()
		for _, id := range ids {
			if _, ok := b.byID[id]; !ok {
				return nil, newError(ErrCodeExecutorNotFound, fmt.Sprintf("edge %s references unregistered executor %s", g.ID, id), nil)
			}
		}
		dests := g.destinations()
		if g.Kind == EdgeKindFanIn {
			dests = []ExecutorID{g.To}
		}
		for _, to := range dests {
			if len(b.byID[to].handlers) == 0 {
				return nil, newError(ErrCodeTypeMismatch, fmt.Sprintf("edge %s destination %s declares no handler", g.ID, to), nil)
			}
		}
	}

	outgoing := make(map[ExecutorID][]*EdgeGroup)
	fanInBySource := make(map[ExecutorID][]*EdgeGroup)
	for _, g := range b.edges {
		if g.Kind == EdgeKindFanIn {
			for _, src := range g.Sources {
				fanInBySource[src] = append(fanInBySource[src], g)
			}
			continue
		}
		outgoing[g.From] = append(outgoing[g.From], g)
	}

	reachable := map[ExecutorID]bool{b.start: true}
	frontier := []ExecutorID{b.start}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, g := range outgoing[cur] {
			for _, to := range g.destinations() {
				if !reachable[to] {
					reachable[to] = true
					frontier = append(frontier, to)
				}
			}
		}
		for _, g := range fanInBySource[cur] {
			if !reachable[g.To] {
				reachable[g.To] = true
				frontier = append(frontier, g.To)
			}
		}
	}
	for id := range b.byID {
		if !reachable[id] {
			return nil, newError(ErrCodeUnreachableExecutor, string(id), nil)
		}
	}

	return &Workflow{
		Name:          b.name,
		start:         b.start,
		executors:     b.byID,
		edges:         b.edges,
		outgoing:      outgoing,
		fanInBySource: fanInBySource,
	}, nil
}

// endpointIDs returns every executor id an edge group references, for
// existence validation.
func (g *EdgeGroup) endpointIDs() []ExecutorID {
	switch g.Kind {
	case EdgeKindDirect:
		return []ExecutorID{g.From, g.To}
	case EdgeKindFanOut:
		ids := append([]ExecutorID{g.From}, g.Targets...)
		return ids
	case EdgeKindFanIn:
		ids := append([]ExecutorID{}, g.Sources...)
		return append(ids, g.To)
	case EdgeKindSwitch:
		ids := []ExecutorID{g.From}
		for _, c := range g.Cases {
			ids = append(ids, c.To)
		}
		if g.Default != nil {
			ids = append(ids, *g.Default)
		}
		return ids
	}
	return nil
}

// destinations returns the downstream executor ids an edge group can route
// to, for reachability analysis.
func (g *EdgeGroup) destinations() []ExecutorID {
	switch g.Kind {
	case EdgeKindDirect:
		return []ExecutorID{g.To}
	case EdgeKindFanOut:
		return g.Targets
	case EdgeKindSwitch:
		ids := make([]ExecutorID, 0, len(g.Cases)+1)
		for _, c := range g.Cases {
			ids = append(ids, c.To)
		}
		if g.Default != nil {
			ids = append(ids, *g.Default)
		}
		return ids
	}
	return nil
}
