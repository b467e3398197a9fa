// Package session coordinates the whole conversation: credential loading,
// avatar preview and upgrade, the speech relay, health checks, and teardown.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateReady      State = "ready"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// StatusCategory classifies a status event for presentation.
type StatusCategory string

const (
	CategoryConnection StatusCategory = "connection"
	CategoryAudio      StatusCategory = "audio"
	CategorySpeech     StatusCategory = "speech"
	CategoryAvatar     StatusCategory = "avatar"
	CategoryError      StatusCategory = "error"
	CategoryUser       StatusCategory = "user"
)

// StatusLevel is the severity of a status event.
type StatusLevel string

const (
	LevelInfo    StatusLevel = "info"
	LevelSuccess StatusLevel = "success"
	LevelWarning StatusLevel = "warning"
	LevelError   StatusLevel = "error"
)

// StatusEvent is one line of the session's running status feed.
type StatusEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  StatusCategory `json:"category"`
	Message   string         `json:"message"`
	Level     StatusLevel    `json:"level"`
	Details   map[string]any `json:"details,omitempty"`
}

func newStatusEvent(category StatusCategory, level StatusLevel, message string, details map[string]any) StatusEvent {
	return StatusEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Category:  category,
		Message:   message,
		Level:     level,
		Details:   details,
	}
}

// statusHistoryLimit bounds the retained status feed.
const statusHistoryLimit = 100

// statusHistory retains the most recent status events for the terminal view.
type statusHistory struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (h *statusHistory) add(event StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	if len(h.events) > statusHistoryLimit {
		h.events = h.events[len(h.events)-statusHistoryLimit:]
	}
}

func (h *statusHistory) snapshot() []StatusEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StatusEvent, len(h.events))
	copy(out, h.events)
	return out
}

// Character is the persona loaded for a conversation: instructions steer the
// speech service, the face id selects the rendered avatar.
type Character struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
	FaceID       string `json:"face_id"`
	Voice        string `json:"voice"`
}

// CredentialSource provides named secrets.
type CredentialSource interface {
	Get(name string) (string, error)
}

// DefinitionSource provides the active character definition.
type DefinitionSource interface {
	Active() (*Character, error)
}

// Credential names the orchestrator resolves at connect time.
const (
	CredentialSpeechKey = "speech_api_key"
	CredentialAvatarKey = "avatar_api_key"
)
