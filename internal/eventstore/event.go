package eventstore

import (
	"strconv"
	"time"
)

// RunScope renders the journal scope for one provider build id.
func RunScope(providerBuildID int64) string {
	return "run:" + strconv.FormatInt(providerBuildID, 10)
}

// Event represents a lifecycle event in the import pipeline journal.
type Event interface {
	// ID returns the unique identifier for this event.
	ID() int64
	// ConfigID returns the repo config this event belongs to.
	ConfigID() int64
	// Scope narrows the event to a part of the import, for example a
	// single build run. Empty for config-level events.
	Scope() string
	// Type returns the event type name.
	Type() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
	// Payload returns the event data as bytes.
	Payload() []byte
	// Metadata returns optional event metadata.
	Metadata() map[string]string
}

// BaseEvent provides a default implementation of Event.
type BaseEvent struct {
	EventID        int64
	EventConfigID  int64
	EventScope     string
	EventType      string
	EventTimestamp time.Time
	EventPayload   []byte
	EventMetadata  map[string]string
}

func (e *BaseEvent) ID() int64                   { return e.EventID }
func (e *BaseEvent) ConfigID() int64             { return e.EventConfigID }
func (e *BaseEvent) Scope() string               { return e.EventScope }
func (e *BaseEvent) Type() string                { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time        { return e.EventTimestamp }
func (e *BaseEvent) Payload() []byte             { return e.EventPayload }
func (e *BaseEvent) Metadata() map[string]string { return e.EventMetadata }
