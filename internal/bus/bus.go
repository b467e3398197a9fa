// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for AvatarTalk
const (
	// Session events
	EventTypeStateChanged EventType = "session.state_changed"
	EventTypeStatus       EventType = "session.status"

	// Connection events
	EventTypeConnected    EventType = "connection.connected"
	EventTypeDisconnected EventType = "connection.disconnected"
	EventTypeHealthCheck  EventType = "connection.health_check"

	// Audio events
	EventTypeCaptureStarted EventType = "audio.capture_started"
	EventTypeCaptureStopped EventType = "audio.capture_stopped"
	EventTypeAudioFrame     EventType = "audio.frame"
	EventTypeAudioError     EventType = "audio.error"

	// Speech events
	EventTypeSpeechStarted    EventType = "speech.speech_started"
	EventTypeSpeechStopped    EventType = "speech.speech_stopped"
	EventTypeResponseAudio    EventType = "speech.response_audio"
	EventTypeResponseComplete EventType = "speech.response_complete"
	EventTypeTranscript       EventType = "speech.transcript"
	EventTypeSpeechError      EventType = "speech.error"

	// Avatar events
	EventTypeAvatarSpeaking EventType = "avatar.speaking"
	EventTypeAvatarSilent   EventType = "avatar.silent"
	EventTypeAvatarError    EventType = "avatar.error"

	// Video events
	EventTypeVideoReady EventType = "video.ready"
	EventTypeVideoEnded EventType = "video.ended"
	EventTypeVideoError EventType = "video.error"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed later.
type Subscription struct {
	eventType EventType
	id        uint64
}

type registration struct {
	id      uint64
	handler Handler
}

// EventBus is a simple pub/sub event bus. Handlers for an event type are
// invoked synchronously in registration order, so delivery within one type
// is FIFO. No ordering is guaranteed across event types.
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]registration
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]registration),
	}
}

// Subscribe adds a handler for an event type and returns its subscription.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], registration{
		id:      b.nextID,
		handler: handler,
	})
	return Subscription{eventType: eventType, id: b.nextID}
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) []Subscription {
	subs := make([]Subscription, 0, len(eventTypes))
	for _, et := range eventTypes {
		subs = append(subs, b.Subscribe(et, handler))
	}
	return subs
}

// Unsubscribe removes a previously registered handler.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[sub.eventType]
	for i, r := range regs {
		if r.id == sub.id {
			b.handlers[sub.eventType] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to all subscribed handlers in registration order.
// Handlers run on the caller's goroutine; a handler must not block.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[event.Type]))
	copy(regs, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, r := range regs {
		r.handler(event)
	}
}

// PublishAsync delivers an event without blocking the caller. Registration
// order is still respected because a single goroutine walks the handlers.
func (b *EventBus) PublishAsync(event Event) {
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[event.Type]))
	copy(regs, b.handlers[event.Type])
	b.mu.RUnlock()

	go func() {
		for _, r := range regs {
			r.handler(event)
		}
	}()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]registration)
}
