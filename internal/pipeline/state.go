package pipeline

import "fmt"

// State is a step of the triage state machine. It is a closed set: the
// zero value is StateStart and values outside the constants are invalid.
type State int

const (
	StateStart State = iota
	StateSecurityChecked
	StateBlocked
	StateProceeding
	StateDuplicateChecked
	StateDuplicateStop
	StateAnalyzed
	StateLabeled
	StateDone
	StateFailed
	StateAborted

	numStates
)

var stateNames = [numStates]string{
	StateStart:            "start",
	StateSecurityChecked:  "security_checked",
	StateBlocked:          "blocked",
	StateProceeding:       "proceeding",
	StateDuplicateChecked: "duplicate_checked",
	StateDuplicateStop:    "duplicate_stop",
	StateAnalyzed:         "analyzed",
	StateLabeled:          "labeled",
	StateDone:             "done",
	StateFailed:           "failed",
	StateAborted:          "aborted",
}

func (s State) String() string {
	if s.IsValid() {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsValid checks if the state is one of the defined states
func (s State) IsValid() bool {
	return s >= StateStart && s < numStates
}

// ParseState is the inverse of String
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateStart, fmt.Errorf("invalid state: %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid state: %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no transition leaves the state
func (s State) IsTerminal() bool {
	return len(s.ValidTransitions()) == 0
}

// ValidTransitions defines the state machine.
//
//	start → security_checked → blocked
//	                         → proceeding → duplicate_checked → duplicate_stop
//	                                                          → proceeding
//	                           proceeding → analyzed → labeled → done
//
// Every non-terminal state can move to aborted when a newer event for the
// same issue supersedes the run. start and proceeding can move to failed.
// Proceeding is entered twice, once after each gate; from there the run
// either checks duplicates or analyzes.
func (s State) ValidTransitions() []State {
	switch s {
	case StateStart:
		return []State{StateSecurityChecked, StateFailed, StateAborted}
	case StateSecurityChecked:
		return []State{StateBlocked, StateProceeding, StateAborted}
	case StateProceeding:
		return []State{StateDuplicateChecked, StateAnalyzed, StateFailed, StateAborted}
	case StateDuplicateChecked:
		return []State{StateDuplicateStop, StateProceeding, StateAborted}
	case StateAnalyzed:
		return []State{StateLabeled, StateAborted}
	case StateLabeled:
		return []State{StateDone}
	default:
		// blocked, duplicate_stop, done, failed, aborted are terminal
		return nil
	}
}

// CanTransitionTo checks if a transition from this state to target is valid
func (s State) CanTransitionTo(target State) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// Outcome summarizes how a run ended
type Outcome string

const (
	OutcomeBlocked   Outcome = "blocked"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// OutcomeOf maps a terminal state to its outcome
func OutcomeOf(s State) Outcome {
	switch s {
	case StateBlocked:
		return OutcomeBlocked
	case StateDuplicateStop:
		return OutcomeDuplicate
	case StateDone:
		return OutcomeDone
	case StateAborted:
		return OutcomeAborted
	default:
		return OutcomeFailed
	}
}
