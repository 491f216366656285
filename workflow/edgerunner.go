package workflow

import "sync"

// routedDelivery is the outcome of evaluating one EdgeGroup against one
// Envelope: either a concrete next-step delivery, or a DeliveryStatus
// explaining why none was produced. Both edge runners and the scheduler's
// observability hooks consume this.
type routedDelivery struct {
	envelope Envelope
	status   DeliveryStatus
}

// scopeReaderView adapts scopeStore to the ScopeReader interface predicates
// receive, without exposing write access.
type scopeReaderView struct{ s *scopeStore }

func (v scopeReaderView) ReadScope(scope ScopeName, path string) (ScopeValue, bool) {
	return v.s.read(scope, path)
}

// route evaluates one EdgeGroup against one outgoing envelope from its
// From executor, returning zero or more routed deliveries. Fan-in edges are
// handled separately by fanInJoiner since they consume across multiple
// super-steps of partial arrivals, not a single envelope.
func route(group *EdgeGroup, env Envelope, scopes *scopeStore) []routedDelivery {
	reader := scopeReaderView{scopes}
	switch group.Kind {
	case EdgeKindDirect:
		if group.When != nil && !group.When(env.Payload, reader) {
			return []routedDelivery{{status: DeliveryDroppedConditionFalse}}
		}
		out := env
		out.TargetID = &group.To
		out.EdgeGroup = group.ID
		return []routedDelivery{{envelope: out, status: DeliveryDelivered}}

	case EdgeKindFanOut:
		cohort := env.DeliveryID
		if cohort == "" {
			cohort = DeliveryID(newUUID())
		}
		deliveries := make([]routedDelivery, 0, len(group.Targets))
		for _, target := range group.Targets {
			t := target
			out := env
			out.TargetID = &t
			out.DeliveryID = cohort
			out.EdgeGroup = group.ID
			deliveries = append(deliveries, routedDelivery{envelope: out, status: DeliveryDelivered})
		}
		return deliveries

	case EdgeKindSwitch:
		for _, c := range group.Cases {
			if c.When(env.Payload, reader) {
				t := c.To
				out := env
				out.TargetID = &t
				out.EdgeGroup = group.ID
				return []routedDelivery{{envelope: out, status: DeliveryDelivered}}
			}
		}
		if group.Default != nil {
			t := *group.Default
			out := env
			out.TargetID = &t
			out.EdgeGroup = group.ID
			return []routedDelivery{{envelope: out, status: DeliveryDelivered}}
		}
		return []routedDelivery{{status: DeliveryDroppedConditionFalse}}

	case EdgeKindFanIn:
		// Handled by fanInJoiner; route is never called directly for
		// fan-in groups during normal dispatch.
		return nil
	}
	return nil
}

// fanInCohort accumulates envelopes arriving for one (edge group, delivery
// id) pair until every declared Source has reported or the cohort times
// out.
type fanInCohort struct {
	received map[ExecutorID]Envelope
}

// fanInJoiner buffers partial fan-in arrivals across super-steps, keyed by
// (EdgeGroupID, DeliveryID), so a cohort's envelopes accumulate until every
// declared source has reported before the join fires.
type fanInJoiner struct {
	mu      sync.Mutex
	cohorts map[EdgeGroupID]map[DeliveryID]*fanInCohort
}

func newFanInJoiner() *fanInJoiner {
	return &fanInJoiner{cohorts: make(map[EdgeGroupID]map[DeliveryID]*fanInCohort)}
}

// offer records one arrival from source for the given fan-in group and
// cohort key. It returns the joined envelopes and true once every declared
// Source has reported, clearing the cohort; otherwise it returns
// (nil, false) and the arrival is buffered.
func (j *fanInJoiner) offer(group *EdgeGroup, source ExecutorID, cohort DeliveryID, env Envelope) ([]Envelope, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	byCohort, ok := j.cohorts[group.ID]
	if !ok {
		byCohort = make(map[DeliveryID]*fanInCohort)
		j.cohorts[group.ID] = byCohort
	}
	c, ok := byCohort[cohort]
	if !ok {
		c = &fanInCohort{received: make(map[ExecutorID]Envelope)}
		byCohort[cohort] = c
	}
	c.received[source] = env

	for _, want := range group.Sources {
		if _, got := c.received[want]; !got {
			return nil, false
		}
	}

	ordered := make([]Envelope, 0, len(group.Sources))
	for _, want := range group.Sources {
		ordered = append(ordered, c.received[want])
	}
	delete(byCohort, cohort)
	return ordered, true
}

// snapshot captures every partially-joined cohort across all fan-in groups,
// keyed the way Checkpoint.EdgeBuffers stores them, so a restored run can
// resume waiting for exactly the sources that had not yet reported.
func (j *fanInJoiner) snapshot() map[EdgeGroupID]map[DeliveryID][]Envelope {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.cohorts) == 0 {
		return nil
	}
	out := make(map[EdgeGroupID]map[DeliveryID][]Envelope, len(j.cohorts))
	for gid, byCohort := range j.cohorts {
		if len(byCohort) == 0 {
			continue
		}
		m := make(map[DeliveryID][]Envelope, len(byCohort))
		for cohort, c := range byCohort {
			envs := make([]Envelope, 0, len(c.received))
			for _, e := range c.received {
				envs = append(envs, e)
			}
			m[cohort] = envs
		}
		out[gid] = m
	}
	return out
}

// restore replaces the joiner's buffered cohorts from a Checkpoint's
// EdgeBuffers, reconstructing each cohort's received-by-source map from the
// envelopes' own SourceID field.
func (j *fanInJoiner) restore(snap map[EdgeGroupID]map[DeliveryID][]Envelope) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cohorts = make(map[EdgeGroupID]map[DeliveryID]*fanInCohort)
	for gid, byCohort := range snap {
		m := make(map[DeliveryID]*fanInCohort, len(byCohort))
		for cohort, envs := range byCohort {
			c := &fanInCohort{received: make(map[ExecutorID]Envelope, len(envs))}
			for _, e := range envs {
				c.received[e.SourceID] = e
			}
			m[cohort] = c
		}
		j.cohorts[gid] = m
	}
}

// evictStale removes the cohorts in cohortAges whose age has reached
// maxAge, returning the evicted cohorts' delivery ids. It does nothing when
// group has no CohortTimeout.
func (j *fanInJoiner) evictStale(group *EdgeGroup, cohortAges map[DeliveryID]int, maxAge int) []DeliveryID {
	if group.CohortTimeout == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	byCohort := j.cohorts[group.ID]
	var evicted []DeliveryID
	for cohort, age := range cohortAges {
		if age < maxAge {
			continue
		}
		if _, ok := byCohort[cohort]; ok {
			delete(byCohort, cohort)
			evicted = append(evicted, cohort)
		}
	}
	return evicted
}
