package cascade

// runState is one node of the per-request state machine. Transitions are
// single-assignment: a run never revisits a state, and an illegal transition
// is an invariant violation surfaced as an internal error.
type runState string

const (
	stateInit       runState = "INIT"
	stateRouted     runState = "ROUTED"
	stateAdmitted   runState = "ADMIT"
	stateBlocked    runState = "BLOCKED"
	stateDrafting   runState = "DRAFTING"
	stateDirect     runState = "DIRECT"
	stateToolLoop   runState = "TOOL_LOOP"
	stateValidating runState = "VALIDATING"
	stateAccepted   runState = "ACCEPTED"
	stateEscalating runState = "ESCALATING"
	stateEscalated  runState = "ESCALATED"
	stateDone       runState = "DONE"
)

var stateTransitions = map[runState][]runState{
	stateInit:       {stateRouted},
	stateRouted:     {stateAdmitted, stateBlocked},
	stateAdmitted:   {stateDrafting, stateDirect},
	stateDrafting:   {stateToolLoop, stateValidating},
	stateDirect:     {stateToolLoop, stateDone},
	stateToolLoop:   {stateDone},
	stateValidating: {stateAccepted, stateEscalating},
	stateAccepted:   {stateDone},
	stateEscalating: {stateEscalated},
	stateEscalated:  {stateDone},
}

// machine tracks the run's position and the path taken, for audit.
type machine struct {
	current runState
	path    []runState
}

func newMachine() machine {
	return machine{current: stateInit, path: []runState{stateInit}}
}

// to advances the machine or fails with an internal error when the
// transition is not in the graph.
func (m *machine) to(next runState) error {
	for _, allowed := range stateTransitions[m.current] {
		if allowed == next {
			m.current = next
			m.path = append(m.path, next)
			return nil
		}
	}
	return Errorf(KindInternal, "pipeline.state", "illegal transition %s -> %s", m.current, next)
}
