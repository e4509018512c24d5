package normalize

// State is the lifecycle state of a Runner.
type State int

const (
	// StateCreated - runner constructed, nothing launched
	StateCreated State = iota
	// StateRunning - process launched, streams being read
	StateRunning
	// StateExitedSuccess - streams drained and exit code 0 observed
	StateExitedSuccess
	// StateExitedFailure - streams drained and non-zero exit code observed
	StateExitedFailure
	// StateClosed - Close was called
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateExitedSuccess:
		return "ExitedSuccess"
	case StateExitedFailure:
		return "ExitedFailure"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
