// Package avatar manages the remote avatar session: out-of-band session
// creation, the streaming connection, media transport negotiation, and the
// preview/full establishment flows.
package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/normanking/avatartalk/internal/bus"
)

const (
	DefaultAPIBaseURL = "https://api.simli.ai"
	DefaultStreamURL  = "wss://api.simli.ai/startWebRTCSession"

	// ChunkSize is the exact outbound audio chunk size the service requires.
	ChunkSize = 6000

	// SampleRate is the PCM16 rate the service expects.
	SampleRate = 16000
)

// Common errors
var (
	ErrNoAPIKey       = errors.New("avatar API key not configured")
	ErrNotConnected   = errors.New("avatar client not connected")
	ErrConnectFailed  = errors.New("avatar session handshake failed")
	ErrConnectTimeout = errors.New("timed out waiting for avatar session")
)

// IDGenerator hands out monotonically increasing instance ids. One generator
// belongs to one orchestrator so ids stay meaningful in logs when a preview
// client is replaced by a full one.
type IDGenerator func() uint64

// NewIDGenerator creates a fresh generator starting at 1.
func NewIDGenerator() IDGenerator {
	var n uint64
	return func() uint64 {
		return atomic.AddUint64(&n, 1)
	}
}

// VideoSink receives depacketized video data in arrival order.
type VideoSink interface {
	Enqueue(data []byte)
}

// Config holds avatar client configuration
type Config struct {
	APIKey         string        `json:"api_key"`
	FaceID         string        `json:"face_id"`
	HandleSilence  bool          `json:"handle_silence"`
	APIBaseURL     string        `json:"api_base_url"`
	StreamURL      string        `json:"stream_url"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HandleSilence:  true,
		APIBaseURL:     DefaultAPIBaseURL,
		StreamURL:      DefaultStreamURL,
		ConnectTimeout: 30 * time.Second,
	}
}

type phase int

const (
	phaseAbsent phase = iota
	phaseConnecting
	phaseConnected
	phaseClosed
)

// Client manages one remote avatar session.
type Client struct {
	id         uint64
	config     *Config
	logger     zerolog.Logger
	eventBus   *bus.EventBus
	httpClient *http.Client

	videoSink    VideoSink
	audioOut     AudioOutput
	ownsAudioOut bool

	mu          sync.Mutex
	phase       phase
	sessionID   string
	conn        *websocket.Conn
	pc          *webrtc.PeerConnection
	connectedCh chan struct{}
	failedCh    chan error
	preview     bool

	writeMu sync.Mutex
}

// NewClient creates an avatar client. When audioOut is nil an output element
// is created internally and owned (and therefore destroyed) by this client.
func NewClient(config *Config, nextID IDGenerator, videoSink VideoSink, audioOut AudioOutput, eventBus *bus.EventBus, logger zerolog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = DefaultAPIBaseURL
	}
	if config.StreamURL == "" {
		config.StreamURL = DefaultStreamURL
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}

	ownsAudioOut := false
	if audioOut == nil {
		out, err := NewOtoOutput(SampleRate)
		if err != nil {
			return nil, fmt.Errorf("create audio output: %w", err)
		}
		audioOut = out
		ownsAudioOut = true
	}

	id := nextID()
	return &Client{
		id:           id,
		config:       config,
		logger:       logger.With().Str("component", "avatar").Uint64("instance", id).Logger(),
		eventBus:     eventBus,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		videoSink:    videoSink,
		audioOut:     audioOut,
		ownsAudioOut: ownsAudioOut,
	}, nil
}

// InstanceID returns the diagnostic instance id.
func (c *Client) InstanceID() uint64 { return c.id }

// IsConnected reports whether the streaming session is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseConnected
}

// SessionID returns the remote session id, empty until connected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// InitializePreview establishes a silent, video-only session so a live
// avatar is visible before the user commits to a conversation.
func (c *Client) InitializePreview(ctx context.Context) error {
	c.mu.Lock()
	c.preview = true
	c.mu.Unlock()

	c.audioOut.Pause()
	return c.connect(ctx)
}

// Initialize establishes a full session.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.preview = false
	c.mu.Unlock()

	return c.connect(ctx)
}

// connect performs session creation and the streaming handshake. It resolves
// only once the remote START signal arrives, rejects immediately on a failed
// signal, and rejects with a timeout after ConnectTimeout.
func (c *Client) connect(ctx context.Context) error {
	if c.config.APIKey == "" {
		return ErrNoAPIKey
	}

	c.mu.Lock()
	if c.phase == phaseConnected || c.phase == phaseConnecting {
		c.mu.Unlock()
		return nil
	}
	c.phase = phaseConnecting
	c.connectedCh = make(chan struct{})
	c.failedCh = make(chan error, 1)
	connected := c.connectedCh
	failed := c.failedCh
	c.mu.Unlock()

	token, err := c.createSession(ctx)
	if err != nil {
		c.setClosed()
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.config.StreamURL, nil)
	if err != nil {
		if resp != nil {
			c.logger.Error().Int("status", resp.StatusCode).Err(err).Msg("Avatar stream connection failed")
		}
		c.setClosed()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
		c.Close()
		return fmt.Errorf("%w: send session token: %v", ErrConnectFailed, err)
	}

	go c.readLoop(conn)

	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-connected:
		c.logger.Info().Str("session_id", c.SessionID()).Bool("preview", c.preview).Msg("Avatar session connected")
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeConnected, Data: map[string]any{
				"service":  "avatar",
				"instance": c.id,
			}})
		}
		return nil
	case err := <-failed:
		c.Close()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	case <-timer.C:
		c.Close()
		return ErrConnectTimeout
	case <-ctx.Done():
		c.Close()
		return fmt.Errorf("%w: %v", ErrConnectFailed, ctx.Err())
	}
}

// createSession performs the out-of-band session-creation call.
func (c *Client) createSession(ctx context.Context) (string, error) {
	body, err := json.Marshal(createSessionRequest{
		FaceID:        c.config.FaceID,
		APIKey:        c.config.APIKey,
		HandleSilence: c.config.HandleSilence,
		SyncAudio:     true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIBaseURL+"/startAudioToVideoSession", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: create session: %v", ErrConnectFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: create session returned status %d", ErrConnectFailed, resp.StatusCode)
	}

	var created createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("%w: decode session response: %v", ErrConnectFailed, err)
	}
	if created.SessionToken == "" {
		return "", fmt.Errorf("%w: empty session token", ErrConnectFailed)
	}

	return created.SessionToken, nil
}

// SendAudioData forwards PCM16 bytes in fixed-size chunks while connected.
// The final partial chunk is still sent. Data is dropped with a warning when
// not connected.
func (c *Client) SendAudioData(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.phase == phaseConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Warn().Int("bytes", len(data)).Msg("Dropping audio, avatar not connected")
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data[off:end]); err != nil {
			return fmt.Errorf("send audio chunk: %w", err)
		}
	}
	return nil
}

// ClearBuffer flushes remote-side queued audio and any locally buffered
// output. Used when pausing or upgrading a preview.
func (c *Client) ClearBuffer() error {
	c.audioOut.Clear()

	c.mu.Lock()
	conn := c.conn
	connected := c.phase == phaseConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(tokenSkip))
}

// StopAudio mutes the local audio output without touching the connection.
func (c *Client) StopAudio() {
	c.audioOut.Pause()
	c.logger.Debug().Msg("Avatar audio paused")
}

// ResumeAudio unmutes the local audio output.
func (c *Client) ResumeAudio() {
	c.audioOut.Resume()
	c.logger.Debug().Msg("Avatar audio resumed")
}

// Close tears down the remote session. The audio output element is removed
// only if this client created it. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.phase == phaseClosed {
		c.mu.Unlock()
		return nil
	}
	c.phase = phaseClosed
	conn := c.conn
	pc := c.pc
	c.conn = nil
	c.pc = nil
	c.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	if c.ownsAudioOut {
		c.audioOut.Close()
	}

	c.logger.Info().Msg("Avatar session closed")
	return nil
}

// readLoop handles inbound control tokens and signaling messages.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.conn != conn
			c.mu.Unlock()
			if stale {
				return
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Msg("Avatar connection closed normally")
				c.setClosed()
				return
			}

			c.logger.Error().Err(err).Msg("Avatar connection lost")
			c.setClosed()
			if c.eventBus != nil {
				c.eventBus.Publish(bus.Event{Type: bus.EventTypeDisconnected, Data: map[string]any{
					"service":  "avatar",
					"instance": c.id,
					"error":    err.Error(),
				}})
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		if len(message) > 0 && message[0] == '{' {
			c.handleSignal(conn, message)
			continue
		}

		c.handleToken(string(message))
	}
}

// handleToken processes bare control tokens.
func (c *Client) handleToken(token string) {
	switch token {
	case tokenStart:
		c.mu.Lock()
		wasConnecting := c.phase == phaseConnecting
		if wasConnecting {
			c.phase = phaseConnected
		}
		connected := c.connectedCh
		c.connectedCh = nil
		c.mu.Unlock()

		if wasConnecting && connected != nil {
			close(connected)
		}

	case tokenStop:
		c.logger.Info().Msg("Avatar session stopped by remote")
		c.setClosed()
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeDisconnected, Data: map[string]any{
				"service":  "avatar",
				"instance": c.id,
				"reason":   "remote stop",
			}})
		}

	case tokenSpeak:
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeAvatarSpeaking})
		}

	case tokenSilent:
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeAvatarSilent})
		}

	case tokenAck:
		c.logger.Debug().Msg("Avatar acknowledged")

	default:
		c.logger.Debug().Str("token", token).Msg("Unknown avatar control token")
	}
}

// handleSignal processes JSON signaling: media transport offers, session
// metadata, and structured errors.
func (c *Client) handleSignal(conn *websocket.Conn, message []byte) {
	var sig signalMessage
	if err := json.Unmarshal(message, &sig); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to parse avatar signal")
		return
	}

	switch sig.Type {
	case "session":
		c.mu.Lock()
		c.sessionID = sig.SessionID
		c.mu.Unlock()

	case "offer":
		if err := c.negotiate(conn, sig.SDP); err != nil {
			c.logger.Error().Err(err).Msg("Media transport negotiation failed")
			c.fail(err)
		}

	case "error":
		err := fmt.Errorf("avatar service error: %s", sig.Message)
		c.mu.Lock()
		connecting := c.phase == phaseConnecting
		c.mu.Unlock()

		if connecting {
			// A failed signal during the handshake rejects the connect.
			c.fail(err)
			return
		}
		// Mid-session errors are advisory; the session keeps running.
		c.logger.Warn().Str("message", sig.Message).Msg("Avatar service reported error")
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeAvatarError, Data: map[string]any{
				"error": sig.Message,
			}})
		}

	default:
		c.logger.Debug().Str("type", sig.Type).Msg("Unhandled avatar signal")
	}
}

// negotiate answers the remote media-transport offer and wires the incoming
// tracks to the video sink and audio output.
func (c *Client) negotiate(conn *websocket.Conn, offerSDP string) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Debug().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("Avatar media track received")
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			go c.readVideoTrack(track)
		case webrtc.RTPCodecTypeAudio:
			go c.readAudioTrack(track)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}

	<-webrtc.GatheringCompletePromise(pc)

	reply, err := json.Marshal(signalMessage{
		Type: "answer",
		SDP:  pc.LocalDescription().SDP,
	})
	if err != nil {
		pc.Close()
		return err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, reply)
	c.writeMu.Unlock()
	if err != nil {
		pc.Close()
		return fmt.Errorf("send answer: %w", err)
	}

	c.mu.Lock()
	old := c.pc
	c.pc = pc
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// readVideoTrack forwards depacketized video payloads to the sink in
// arrival order.
func (c *Client) readVideoTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		c.forwardVideo(pkt)
	}
}

func (c *Client) forwardVideo(pkt *rtp.Packet) {
	if c.videoSink == nil || len(pkt.Payload) == 0 {
		return
	}
	c.videoSink.Enqueue(pkt.Payload)
}

// readAudioTrack plays the avatar's voice through the local output element.
// The negotiated audio track carries linear PCM.
func (c *Client) readAudioTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) > 0 {
			c.audioOut.Write(pkt.Payload)
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	failed := c.failedCh
	c.failedCh = nil
	c.mu.Unlock()

	if failed != nil {
		select {
		case failed <- err:
		default:
		}
	}
}

func (c *Client) setClosed() {
	c.mu.Lock()
	c.phase = phaseClosed
	c.mu.Unlock()
}
