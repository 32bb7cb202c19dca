package whip

// State is the externally visible connection state of an ingest session.
type State string

const (
	StateDisconnected          State = "disconnected"
	StateConnecting            State = "connecting"
	StateConnected             State = "connected"
	StateFailed                State = "failed"
	StateDisconnectedTransient State = "disconnected-transient"
	StateClosed                State = "closed"
)

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// StateChange is delivered to the session's listener on every transition.
type StateChange struct {
	State              State
	Err                error
	ICEConnectionState string
	ICEGatheringState  string
}

// StateListener receives state-change events. Events are delivered by a single
// dispatcher goroutine per session, in transition order.
type StateListener func(StateChange)

// transportEvent is what the peer callbacks enqueue for the dispatcher. Peer
// callbacks never mutate session state directly; the dispatcher applies every
// transition so the intentional-close suppression lives in exactly one place.
type transportEvent struct {
	kind transportEventKind
	err  error
}

type transportEventKind int

const (
	eventConnected transportEventKind = iota
	eventFailed
	eventDisconnected
	eventClosed
	eventConnectTimeout
	eventGraceExpired
)
