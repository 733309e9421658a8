package session

// State is the lifecycle position of a call. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingStart
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// End reasons recorded in logs, metrics and the ledger.
const (
	ReasonStop             = "stop"
	ReasonTransportClosed  = "transport_closed"
	ReasonHardCutoff       = "hard_cutoff"
	ReasonRecognizerFailed = "recognizer_failed"
	ReasonStartFailed      = "start_failed"
	ReasonShutdown         = "shutdown"
)
