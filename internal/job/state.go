package job

// State is the observed lifecycle state of a launched job.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateRunning
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsFinishing reports whether no further progress can occur from s.
func (s State) IsFinishing() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s is a finishing state other than DONE.
func (s State) IsFailure() bool {
	return s == StateFailed || s == StateCancelled
}
