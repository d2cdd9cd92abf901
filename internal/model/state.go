package model

// ExecState is the status of a trade in the two-leg execution saga.
type ExecState string

const (
	StatePending            ExecState = "PENDING"
	StateLeg1Sent           ExecState = "LEG1_SENT"
	StateLeg1Filled         ExecState = "LEG1_FILLED"
	StateLeg2Sent           ExecState = "LEG2_SENT"
	StateComplete           ExecState = "COMPLETE"
	StateRollbackQueued     ExecState = "ROLLBACK_QUEUED"
	StateRollbackInProgress ExecState = "ROLLBACK_IN_PROGRESS"
	StateRollbackComplete   ExecState = "ROLLBACK_COMPLETE"
	StateFailed             ExecState = "FAILED"
	StateClosing            ExecState = "CLOSING"
	StateClosed             ExecState = "CLOSED"
)

var transitions = map[ExecState][]ExecState{
	StatePending:            {StateLeg1Sent},
	StateLeg1Sent:           {StateLeg1Filled},
	StateLeg1Filled:         {StateLeg2Sent},
	StateLeg2Sent:           {StateComplete, StateRollbackQueued},
	StateRollbackQueued:     {StateRollbackInProgress},
	StateRollbackInProgress: {StateRollbackComplete, StateFailed},
	StateClosing:            {StateClosed, StateFailed},
}

// IsTerminal reports whether no further transition is allowed.
func (s ExecState) IsTerminal() bool {
	switch s {
	case StateClosed, StateFailed, StateRollbackComplete:
		return true
	}
	return false
}

// IsOpenPosition reports whether the trade is a hedged position held on both venues.
func (s ExecState) IsOpenPosition() bool {
	return s == StateComplete
}

// CanTransition reports whether from -> to is an edge of the execution graph.
// CLOSING is reachable from every non-terminal state except itself.
func CanTransition(from, to ExecState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateClosing {
		return from != StateClosing
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
