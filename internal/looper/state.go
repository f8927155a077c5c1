package looper

// State is the lifecycle state of frequency steering.
type State int

const (
	// NotWorking: steering inactive, default frequencies in force.
	NotWorking State = iota
	// Waiting: a monitored app became eligible and the settling delay runs.
	Waiting
	// Working: frequencies are actively steered.
	Working
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Working:
		return "working"
	default:
		return "not_working"
	}
}
