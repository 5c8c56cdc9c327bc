package calls

import "time"

// Snapshot is a point-in-time copy of a tracked call.
type Snapshot struct {
	CallID         string     `json:"callId"`
	ControlURL     string     `json:"controlUrl"`
	StartTime      time.Time  `json:"startTime"`
	ElapsedSeconds float64    `json:"elapsedSeconds"`
	Ended          bool       `json:"ended"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// EventType identifies a registry lifecycle event
type EventType string

const (
	EventTracked           EventType = "call_tracked"
	EventTerminated        EventType = "call_terminated"
	EventTerminationFailed EventType = "termination_failed"
	EventEnded             EventType = "call_ended"
	EventRemoved           EventType = "call_removed"
)

// Event is published to listeners whenever a call changes state.
type Event struct {
	Type  EventType `json:"type"`
	Call  Snapshot  `json:"call"`
	Time  time.Time `json:"time"`
	Error string    `json:"error,omitempty"`
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

func (f ListenerFunc) OnCallEvent(ev Event) { f(ev) }
