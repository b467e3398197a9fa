// Package speech manages the remote realtime speech session: handshake,
// configuration push, audio upload, and decoding of transcript and
// audio-response events.
package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/avatartalk/internal/audio"
	"github.com/normanking/avatartalk/internal/bus"
)

const (
	DefaultRealtimeURL = "wss://api.openai.com/v1/realtime"
	DefaultAPIBaseURL  = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-realtime-preview"
)

// Common errors
var (
	ErrNoAPIKey      = errors.New("speech API key not configured")
	ErrNotConnected  = errors.New("speech client not connected")
	ErrConnectFailed = errors.New("speech service handshake failed")
)

// Config holds speech client configuration
type Config struct {
	APIKey             string        `json:"api_key"`
	Model              string        `json:"model"`
	Voice              string        `json:"voice"`
	TurnDetection      string        `json:"turn_detection"`
	TranscriptionModel string        `json:"transcription_model"`
	RealtimeURL        string        `json:"realtime_url"`
	APIBaseURL         string        `json:"api_base_url"`
	ConnectTimeout     time.Duration `json:"connect_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model:              DefaultModel,
		Voice:              "alloy",
		TurnDetection:      "server_vad",
		TranscriptionModel: "whisper-1",
		RealtimeURL:        DefaultRealtimeURL,
		APIBaseURL:         DefaultAPIBaseURL,
		ConnectTimeout:     30 * time.Second,
	}
}

// phase is the tag of the remote-session variant. Illegal operations such as
// sending on an absent session are rejected by checking the tag, never by
// dereferencing a nil connection.
type phase int

const (
	phaseAbsent phase = iota
	phaseConnecting
	phaseConnected
	phaseClosed
)

// Handle describes the live remote session.
type Handle struct {
	Connected bool
	SessionID string
}

type remoteState struct {
	phase  phase
	handle Handle // valid only while phase == phaseConnected
	reason error  // valid only while phase == phaseClosed
}

// Client manages one remote speech session end to end.
type Client struct {
	config     *Config
	logger     zerolog.Logger
	eventBus   *bus.EventBus
	httpClient *http.Client

	mu           sync.Mutex
	state        remoteState
	conn         *websocket.Conn
	instructions string
	sessionReady chan struct{}

	callbackMu      sync.RWMutex
	onAudioResponse func(pcm []byte)
}

// NewClient creates a speech client. Instructions may be empty; when present
// they are pushed via session.update immediately after the stream opens.
func NewClient(config *Config, instructions string, eventBus *bus.EventBus, logger zerolog.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.RealtimeURL == "" {
		config.RealtimeURL = DefaultRealtimeURL
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = DefaultAPIBaseURL
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}

	return &Client{
		config:       config,
		logger:       logger.With().Str("component", "speech").Logger(),
		eventBus:     eventBus,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		instructions: instructions,
	}
}

// OnAudioResponse registers the consumer of decoded audio-response chunks.
func (c *Client) OnAudioResponse(fn func(pcm []byte)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onAudioResponse = fn
}

// IsConnected reports whether the streaming session is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.phase == phaseConnected
}

// SessionID returns the remote session id, empty until session.created.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.handle.SessionID
}

// Connect performs the pre-flight credential check, opens the streaming
// connection, and blocks until the remote session is created. If character
// instructions were supplied, a configuration update is sent as soon as the
// stream is confirmed open.
func (c *Client) Connect(ctx context.Context) error {
	if c.config.APIKey == "" {
		return ErrNoAPIKey
	}

	c.mu.Lock()
	if c.state.phase == phaseConnected || c.state.phase == phaseConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = remoteState{phase: phaseConnecting}
	c.sessionReady = make(chan struct{})
	c.mu.Unlock()

	if err := c.preflight(ctx); err != nil {
		c.setClosed(err)
		return err
	}

	url := fmt.Sprintf("%s?model=%s", c.config.RealtimeURL, c.config.Model)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			c.logger.Error().Int("status", resp.StatusCode).Err(err).Msg("Speech WebSocket connection failed")
		}
		err = fmt.Errorf("%w: %v", ErrConnectFailed, err)
		c.setClosed(err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	ready := c.sessionReady
	c.mu.Unlock()

	go c.readLoop(conn)

	if c.instructions != "" {
		if err := c.UpdateConfiguration(c.instructions); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to push initial configuration")
		}
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		c.Close()
		return fmt.Errorf("%w: %v", ErrConnectFailed, ctx.Err())
	case <-time.After(c.config.ConnectTimeout):
		c.Close()
		return fmt.Errorf("%w: timed out waiting for session", ErrConnectFailed)
	}
}

// preflight validates that the credential is usable before the persistent
// stream is opened.
func (c *Client) preflight(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.APIBaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("preflight request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: preflight: %v", ErrConnectFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: preflight rejected with status %d", ErrConnectFailed, resp.StatusCode)
	}

	c.logger.Debug().Msg("Speech credential preflight passed")
	return nil
}

// SendAudio uploads one captured frame. A silent no-op when not connected;
// frames are dropped, never queued.
func (c *Client) SendAudio(samples []int16) error {
	c.mu.Lock()
	if c.state.phase != phaseConnected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.writeJSON(conn, clientEvent{
		Type:  eventInputAudioAppend,
		Audio: audio.EncodeBase64(audio.PCM16ToBytes(samples)),
	})
}

// CommitAudioBuffer commits the uploaded audio for processing.
func (c *Client) CommitAudioBuffer() error {
	conn, err := c.connectedConn()
	if err != nil {
		return err
	}
	return c.writeJSON(conn, clientEvent{Type: eventInputAudioCommit})
}

// RequestResponse asks the service to generate a spoken response.
func (c *Client) RequestResponse() error {
	conn, err := c.connectedConn()
	if err != nil {
		return err
	}
	return c.writeJSON(conn, clientEvent{Type: eventResponseCreate})
}

// UpdateConfiguration pushes instructions, audio formats, voice, and
// turn-detection mode to the remote session.
func (c *Client) UpdateConfiguration(instructions string) error {
	c.mu.Lock()
	conn := c.conn
	phase := c.state.phase
	c.instructions = instructions
	c.mu.Unlock()

	if conn == nil || (phase != phaseConnected && phase != phaseConnecting) {
		return ErrNotConnected
	}

	return c.writeJSON(conn, clientEvent{
		Type: eventSessionUpdate,
		Session: &sessionConfig{
			Instructions: instructions,
			Audio: &sessionAudio{
				Input: &audioInputConfig{
					Format:        "pcm16",
					TurnDetection: &turnDetection{Type: c.config.TurnDetection},
				},
				Output: &audioOutputConfig{
					Format: "pcm16",
					Voice:  c.config.Voice,
				},
			},
			Transcription: &transcriptionConfig{Model: c.config.TranscriptionModel},
		},
	})
}

// Close ends the session with a normal close code. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	alreadyClosed := c.state.phase == phaseClosed
	c.state = remoteState{phase: phaseClosed}
	c.mu.Unlock()

	if conn == nil || alreadyClosed {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send close frame")
	}

	err := conn.Close()
	c.logger.Info().Msg("Speech session closed")
	return err
}

func (c *Client) connectedConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.phase != phaseConnected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) writeJSON(conn *websocket.Conn, event clientEvent) error {
	if conn == nil {
		return ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteJSON(event)
}

func (c *Client) setClosed(reason error) {
	c.mu.Lock()
	c.state = remoteState{phase: phaseClosed, reason: reason}
	c.mu.Unlock()
}

// readLoop decodes inbound events until the connection ends. A close with a
// normal code finishes quietly; anything else is surfaced as a fatal
// disconnect.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.conn != conn
			c.mu.Unlock()
			if stale {
				// Torn down locally; nothing to report.
				return
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Msg("Speech connection closed normally")
				c.setClosed(nil)
				return
			}

			c.logger.Error().Err(err).Msg("Speech connection lost")
			c.setClosed(err)
			if c.eventBus != nil {
				c.eventBus.Publish(bus.Event{Type: bus.EventTypeDisconnected, Data: map[string]any{
					"service": "speech",
					"error":   err.Error(),
				}})
			}
			return
		}

		var event serverEvent
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Warn().Err(err).Str("message", string(message)).Msg("Failed to parse speech event")
			continue
		}

		c.handleEvent(&event)
	}
}

func (c *Client) handleEvent(event *serverEvent) {
	switch event.Type {
	case eventSessionCreated:
		sessionID := ""
		if event.Session != nil {
			sessionID = event.Session.ID
		}

		c.mu.Lock()
		if c.state.phase != phaseConnecting {
			// Late arrival, e.g. racing a local Close; must not revive.
			c.mu.Unlock()
			return
		}
		c.state = remoteState{
			phase:  phaseConnected,
			handle: Handle{Connected: true, SessionID: sessionID},
		}
		ready := c.sessionReady
		c.sessionReady = nil
		c.mu.Unlock()

		c.logger.Info().Str("session_id", sessionID).Msg("Speech session created")
		if ready != nil {
			close(ready)
		}
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeConnected, Data: map[string]any{
				"service":    "speech",
				"session_id": sessionID,
			}})
		}

	case eventSessionUpdated:
		c.logger.Debug().Msg("Speech session configuration acknowledged")

	case eventSpeechStarted:
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeSpeechStarted})
		}

	case eventSpeechStopped:
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeSpeechStopped})
		}

	case eventAudioDelta:
		if event.Delta == "" {
			return
		}
		pcm, err := audio.DecodeBase64(event.Delta)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to decode audio response chunk")
			return
		}

		c.callbackMu.RLock()
		callback := c.onAudioResponse
		c.callbackMu.RUnlock()
		if callback != nil {
			callback(pcm)
		}

	case eventAudioDone:
		c.logger.Debug().Msg("Audio response complete")
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeResponseComplete})
		}

	case eventTranscriptCompleted:
		c.logger.Info().Str("transcript", event.Transcript).Msg("Transcript completed")
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeTranscript, Data: map[string]any{
				"text": event.Transcript,
			}})
		}

	case eventError:
		errMsg := "unknown error"
		if event.Error != nil {
			errMsg = event.Error.Error()
		}
		c.logger.Error().Str("error", errMsg).Msg("Speech service reported error")
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeSpeechError, Data: map[string]any{
				"error": errMsg,
			}})
		}

	default:
		// Unrecognized types are expected as the protocol evolves.
		c.logger.Debug().Str("type", event.Type).Msg("Unhandled speech event")
	}
}
