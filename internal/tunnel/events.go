package tunnel

import (
	"fmt"
	"time"

	"gardenlink/internal/transport"
)

// State of the rendezvous link.
type State int32

const (
	StateDisconnected State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type EventType int

const (
	EventStateChanged EventType = iota
	// EventAckRejected: the rendezvous server answered the greeting with
	// something other than the ACK token. The attempt counts as failed.
	EventAckRejected
	EventPeerToPeerStarted
	EventPeerToPeerStopped
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventAckRejected:
		return "ack-rejected"
	case EventPeerToPeerStarted:
		return "p2p-started"
	case EventPeerToPeerStopped:
		return "p2p-stopped"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

type Event struct {
	Type     EventType
	State    State
	Endpoint transport.Endpoint
	Err      error
	Time     time.Time
}

const eventBuffer = 64

// publish never blocks; events are dropped when nobody reads.
func (m *Manager) publish(ev Event) {
	ev.Time = time.Now()
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.log.WithField("event", ev.Type.String()).Debug("Event dropped")
	}
}

// Events delivers state changes and notifications. The channel is closed by
// Stop.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.log.WithField("state", s.String()).Debug("Rendezvous state changed")
	m.publish(Event{Type: EventStateChanged, State: s})
}

func (m *Manager) State() State {
	return State(m.state.Load())
}
