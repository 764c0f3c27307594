package ied

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridscout/go-ied/logger"
)

// EventKind tags the payload type of an Event.
type EventKind uint8

// Event kinds.
const (
	// ConnectionProgressEvent reports intermediate steps of connection establishment.
	ConnectionProgressEvent EventKind = iota
	// StatusChangedEvent reports device connection state changes.
	StatusChangedEvent
	// SignalUpdatedEvent reports a changed process value.
	SignalUpdatedEvent
	// ControlResultEvent reports the outcome of a control workflow.
	ControlResultEvent
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case ConnectionProgressEvent:
		return "connection-progress"
	case StatusChangedEvent:
		return "status-changed"
	case SignalUpdatedEvent:
		return "signal-updated"
	case ControlResultEvent:
		return "control-result"
	default:
		return "unknown"
	}
}

// Event is an ephemeral notification published by a session, engine or poller.
// Events are never persisted.
type Event struct {
	ID        string
	Kind      EventKind
	Device    string
	Timestamp time.Time
	Payload   any
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(kind EventKind, device string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Device:    device,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// ConnectionProgress is the payload of a ConnectionProgressEvent.
type ConnectionProgress struct {
	Stage   string
	Message string
}

// StatusChanged is the payload of a StatusChangedEvent.
type StatusChanged struct {
	Connected bool
	State     ConnState
	Reason    string
}

// SignalUpdated is the payload of a SignalUpdatedEvent.
type SignalUpdated struct {
	Signal Signal
}

// FailureClass classifies a control workflow failure at the taxonomy level.
type FailureClass uint8

// Control failure classes.
const (
	// FailureNone indicates success.
	FailureNone FailureClass = iota
	// FailureConnection indicates a transport or network level failure.
	FailureConnection
	// FailureControl indicates a protocol-level rejection; Kind and Code carry
	// the decoded service error.
	FailureControl
	// FailureTimeout indicates a select-lease or operate-wait expiry.
	FailureTimeout
)

// String returns the string representation of the failure class.
func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureConnection:
		return "connection"
	case FailureControl:
		return "control"
	case FailureTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ControlResult is the payload of a ControlResultEvent.
type ControlResult struct {
	Ref     string
	Value   Value
	Success bool
	CtlNum  uint8

	// Failure detail, meaningful when Success is false.
	Class   FailureClass
	Kind    ErrorKind
	Code    int
	Message string
}

// EventHandler is invoked synchronously for each published event it subscribed to.
//
// Delivery happens on the publishing component's own goroutine, so events from one
// device are never reordered relative to each other. No ordering guarantee is made
// across devices.
type EventHandler func(Event)

// Subscription identifies a registered handler so it can be unsubscribed.
type Subscription struct {
	kind EventKind
	id   uint64
}

// EventBus is the in-process typed publish/subscribe fabric.
//
// A subscriber that panics during handling is isolated: the fault is logged and
// does not prevent delivery to remaining subscribers or crash the publisher.
type EventBus struct {
	mu     sync.RWMutex
	logger logger.Logger
	nextID uint64
	subs   map[EventKind][]busEntry
}

type busEntry struct {
	id      uint64
	handler EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus(l logger.Logger) *EventBus {
	if l == nil {
		l = logger.GetLogger()
	}

	return &EventBus{
		logger: l,
		subs:   make(map[EventKind][]busEntry),
	}
}

// Subscribe registers a handler for one event kind and returns its subscription token.
func (b *EventBus) Subscribe(kind EventKind, handler EventHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[kind] = append(b.subs[kind], busEntry{id: b.nextID, handler: handler})

	return Subscription{kind: kind, id: b.nextID}
}

// Unsubscribe removes a previously registered handler. Unknown tokens are ignored.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.subs[sub.kind]
	for i, entry := range entries {
		if entry.id == sub.id {
			b.subs[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish delivers the event synchronously to all handlers registered for its kind,
// in subscription order.
func (b *EventBus) Publish(evt Event) {
	b.mu.RLock()
	entries := b.subs[evt.Kind]
	b.mu.RUnlock()

	for _, entry := range entries {
		b.deliver(entry, evt)
	}
}

// deliver invokes a single handler with panic isolation.
func (b *EventBus) deliver(entry busEntry, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event handler",
				"kind", evt.Kind, "device", evt.Device, "event_id", evt.ID, "panic", r,
			)
		}
	}()

	entry.handler(evt)
}
