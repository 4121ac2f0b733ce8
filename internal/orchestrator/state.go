package orchestrator

import "fmt"

// State is a phase of a stacking run.
type State string

const (
	StateInit        State = "init"
	StateWarpMeasure State = "warp_measure"
	StateExec        State = "exec"
	StateEnd         State = "end"
	StateDone        State = "done"
	StateAborted     State = "aborted"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateAborted
}

// transition validates from -> to. Every non-terminal state may abort.
// Init may jump ahead for the partial entry points: init-only (Done),
// direct exec with a recorded kernel (Exec) and standalone end (End). An
// init that measures for a batch script ends right after WarpMeasure.
func transition(from, to State) error {
	if from.IsTerminal() {
		return fmt.Errorf("run already %s, cannot move to %s", from, to)
	}
	if to == StateAborted {
		return nil
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition %s -> %s", from, to)
	}
	return nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateInit:
		return to == StateWarpMeasure || to == StateExec || to == StateEnd || to == StateDone
	case StateWarpMeasure:
		return to == StateExec || to == StateDone
	case StateExec:
		return to == StateEnd || to == StateDone
	case StateEnd:
		return to == StateDone
	default:
		return false
	}
}
