package realtime

import "time"

// ConnectionState is the state of a ConnectionManager.
type ConnectionState int

const (
	StateInitialized ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateSuspended
	StateClosing
	StateClosed
	StateFailed

	numStates = int(StateFailed) + 1
)

var stateNames = [numStates]string{
	"initialized", "connecting", "connected", "disconnected",
	"suspended", "closing", "closed", "failed",
}

func (s ConnectionState) String() string {
	if s >= 0 && int(s) < numStates {
		return stateNames[s]
	}
	return "unknown"
}

// stateInfo is the behaviour attached to a ConnectionState.
type stateInfo struct {
	state       ConnectionState
	terminal    bool
	queueEvents bool
	sendEvents  bool
	retryDelay  time.Duration
	failState   ConnectionState
}

// stateTable is indexed by ConnectionState. Each manager owns its own copy
// since retry delays come from options and connecting.failState moves to
// suspended once the suspend timer fires.
type stateTable [numStates]stateInfo

func newStateTable(o *Options) *stateTable {
	return &stateTable{
		StateInitialized: {
			state:       StateInitialized,
			queueEvents: true,
			failState:   StateDisconnected,
		},
		StateConnecting: {
			state:       StateConnecting,
			queueEvents: true,
			retryDelay:  o.WebSocketConnectTimeout + o.RealtimeRequestTimeout,
			failState:   StateDisconnected,
		},
		StateConnected: {
			state:      StateConnected,
			sendEvents: true,
			failState:  StateDisconnected,
		},
		StateDisconnected: {
			state:       StateDisconnected,
			queueEvents: true,
			retryDelay:  o.DisconnectedRetryTimeout,
			failState:   StateDisconnected,
		},
		StateSuspended: {
			state:      StateSuspended,
			retryDelay: o.SuspendedRetryTimeout,
			failState:  StateSuspended,
		},
		StateClosing: {
			state:      StateClosing,
			retryDelay: o.RealtimeRequestTimeout,
			failState:  StateClosed,
		},
		StateClosed: {
			state:     StateClosed,
			terminal:  true,
			failState: StateClosed,
		},
		StateFailed: {
			state:     StateFailed,
			terminal:  true,
			failState: StateFailed,
		},
	}
}

func (t *stateTable) get(s ConnectionState) *stateInfo {
	return &t[s]
}

// ConnectionStateChange is delivered to state listeners.
type ConnectionStateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	// RetryIn is set when a retry has been scheduled.
	RetryIn time.Duration
	Reason  *ErrorInfo
}
