package client

import "time"

type EventType string

const (
	EventConnected EventType = "connected"
	EventDelta     EventType = "delta"
	EventAck       EventType = "ack"
	EventConflict  EventType = "conflict"
	EventDegraded  EventType = "degraded"
	EventResynced  EventType = "resynced"
	EventClosed    EventType = "closed"
	EventWarn      EventType = "warn"
)

type Event struct {
	Time   time.Time
	Type   EventType
	Fields map[string]any
}

func (c *Client) emit(t EventType, f map[string]any) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- Event{Time: time.Now(), Type: t, Fields: f}:
	default: // drop if the consumer is slow
	}
}
