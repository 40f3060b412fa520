package model

import "fmt"

// State is the lifecycle state of a pooled livestream.
type State string

const (
	StateCreatedInternal           State = "created_internal"
	StateCreated                   State = "created"
	StatePendingUser               State = "pending_user"
	StatePendingUserConnect        State = "pending_user_connect"
	StateLive                      State = "live"
	StatePendingClosure            State = "pending_closure"
	StateClosed                    State = "closed"
	StateUserNoResponseTimeout     State = "user_no_response_timeout"
	StateUserNeverConnectedTimeout State = "user_never_connected_timeout"
)

// States lists every state in graph order.
var States = []State{
	StateCreatedInternal,
	StateCreated,
	StatePendingUser,
	StatePendingUserConnect,
	StateLive,
	StatePendingClosure,
	StateClosed,
	StateUserNoResponseTimeout,
	StateUserNeverConnectedTimeout,
}

func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }

// ParseState converts a persisted value back into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown livestream state %q", v)
	}
	return s, nil
}

// Event is a named edge in the livestream state graph.
type Event string

const (
	EventPublish        Event = "publish"
	EventClaim          Event = "claim"
	EventStartStreaming Event = "start_streaming"
	EventConnect        Event = "connect"
	EventDisconnect     Event = "disconnect"
	EventExpire         Event = "expire"
	EventClose          Event = "close"
	EventNoResponse     Event = "no_response"
	EventNeverConnected Event = "never_connected"
	EventReset          Event = "reset"
)

type edge struct {
	from  State
	event Event
}

// transitions is the single source of truth for legal state changes.
var transitions = map[edge]State{
	{StateCreatedInternal, EventPublish}:           StateCreated,
	{StateCreated, EventClaim}:                     StatePendingUser,
	{StatePendingUser, EventStartStreaming}:        StatePendingUserConnect,
	{StatePendingUserConnect, EventConnect}:        StateLive,
	{StateLive, EventDisconnect}:                   StatePendingClosure,
	{StateLive, EventExpire}:                       StatePendingClosure,
	{StatePendingClosure, EventClose}:              StateClosed,
	{StatePendingUser, EventNoResponse}:            StateUserNoResponseTimeout,
	{StatePendingUserConnect, EventNeverConnected}: StateUserNeverConnectedTimeout,
	{StateClosed, EventReset}:                      StateCreated,
	{StateUserNoResponseTimeout, EventReset}:       StateCreated,
	{StateUserNeverConnectedTimeout, EventReset}:   StateCreated,
}

// Next returns the state reached by applying ev in from. ok is false when the
// edge does not exist.
func Next(from State, ev Event) (State, bool) {
	to, ok := transitions[edge{from, ev}]
	return to, ok
}

// Sources returns the states from which ev is legal.
func Sources(ev Event) []State {
	out := make([]State, 0, 3)
	for _, s := range States {
		if _, ok := transitions[edge{s, ev}]; ok {
			out = append(out, s)
		}
	}
	return out
}
