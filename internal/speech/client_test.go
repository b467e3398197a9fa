package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/avatartalk/internal/audio"
	"github.com/normanking/avatartalk/internal/bus"
)

// fakeService is a minimal in-process speech service: a preflight endpoint
// plus a realtime websocket that records everything the client sends.
type fakeService struct {
	t          *testing.T
	upgrader   websocket.Upgrader
	preflights int
	rejectAuth bool

	mu       sync.Mutex
	conn     *websocket.Conn
	received []map[string]any
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	f := &fakeService{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		f.preflights++
		if f.rejectAuth || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/realtime", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		conn.WriteJSON(map[string]any{
			"type":    "session.created",
			"session": map[string]any{"id": "sess_123"},
		})

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeService) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeService) waitMessages(n int) []map[string]any {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	return f.messages()
}

func (f *fakeService) send(event map[string]any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.WriteJSON(event)
	}
}

func newTestClient(srv *httptest.Server, instructions string, eventBus *bus.EventBus) *Client {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.APIBaseURL = srv.URL
	cfg.RealtimeURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
	cfg.ConnectTimeout = 2 * time.Second
	return NewClient(cfg, instructions, eventBus, zerolog.Nop())
}

func TestClient_ConnectHandshake(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestClient(srv, "", bus.NewEventBus())

	err := c.Connect(context.Background())
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.IsConnected())
	assert.Equal(t, "sess_123", c.SessionID())
	assert.Equal(t, 1, f.preflights)
}

func TestClient_ConnectWithoutKey(t *testing.T) {
	_, srv := newFakeService(t)
	c := newTestClient(srv, "", bus.NewEventBus())
	c.config.APIKey = ""

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestClient_PreflightRejectionSkipsStream(t *testing.T) {
	f, srv := newFakeService(t)
	f.rejectAuth = true
	c := newTestClient(srv, "", bus.NewEventBus())

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.False(t, c.IsConnected())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Nil(t, f.conn, "stream must not be opened when preflight fails")
}

func TestClient_NoConfigUpdateWithoutInstructions(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestClient(srv, "", bus.NewEventBus())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.NoError(t, c.SendAudio([]int16{1, 2, 3}))
	msgs := f.waitMessages(1)
	require.NotEmpty(t, msgs)
	for _, m := range msgs {
		assert.NotEqual(t, "session.update", m["type"])
	}
}

func TestClient_InstructionsPushedAfterOpen(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestClient(srv, "You are a pirate.", bus.NewEventBus())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	msgs := f.waitMessages(1)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "session.update", msgs[0]["type"])

	session := msgs[0]["session"].(map[string]any)
	assert.Equal(t, "You are a pirate.", session["instructions"])

	audioCfg := session["audio"].(map[string]any)
	input := audioCfg["input"].(map[string]any)
	assert.Equal(t, "pcm16", input["format"])
	td := input["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", td["type"])

	output := audioCfg["output"].(map[string]any)
	assert.Equal(t, "pcm16", output["format"])
	assert.Equal(t, "alloy", output["voice"])

	transcription := session["transcription"].(map[string]any)
	assert.Equal(t, "whisper-1", transcription["model"])
}

func TestClient_SendAudioWireFormat(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestClient(srv, "", bus.NewEventBus())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	samples := []int16{100, -100, 0}
	require.NoError(t, c.SendAudio(samples))

	msgs := f.waitMessages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "input_audio_buffer.append", msgs[0]["type"])

	decoded, err := audio.DecodeBase64(msgs[0]["audio"].(string))
	require.NoError(t, err)
	assert.Equal(t, audio.PCM16ToBytes(samples), decoded)
}

func TestClient_SendAudioWhenDisconnectedIsDropped(t *testing.T) {
	_, srv := newFakeService(t)
	c := newTestClient(srv, "", bus.NewEventBus())

	// Never connected: silently dropped, not an error.
	assert.NoError(t, c.SendAudio([]int16{1, 2}))
}

func TestClient_OrderingPreserved(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestClient(srv, "", bus.NewEventBus())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, c.SendAudio([]int16{int16(i)}))
	}

	msgs := f.waitMessages(n)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		decoded, err := audio.DecodeBase64(m["audio"].(string))
		require.NoError(t, err)
		assert.Equal(t, int16(i), audio.BytesToPCM16(decoded)[0], "frame %d out of order", i)
	}
}

func TestClient_AudioResponseDecoded(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestClient(srv, "", bus.NewEventBus())

	received := make(chan []byte, 1)
	c.OnAudioResponse(func(pcm []byte) { received <- pcm })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	want := audio.PCM16ToBytes([]int16{42, -42})
	f.send(map[string]any{
		"type":  "response.output_audio.delta",
		"delta": audio.EncodeBase64(want),
	})

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio response")
	}
}

func TestClient_TranscriptForwarded(t *testing.T) {
	f, srv := newFakeService(t)
	b := bus.NewEventBus()
	c := newTestClient(srv, "", b)

	transcripts := make(chan string, 1)
	b.Subscribe(bus.EventTypeTranscript, func(e bus.Event) {
		transcripts <- e.Data["text"].(string)
	})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	f.send(map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "hello there",
	})

	select {
	case text := <-transcripts:
		assert.Equal(t, "hello there", text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
}

func TestClient_AbnormalCloseIsFatal(t *testing.T) {
	f, srv := newFakeService(t)
	b := bus.NewEventBus()
	c := newTestClient(srv, "", b)

	disconnected := make(chan struct{}, 1)
	b.Subscribe(bus.EventTypeDisconnected, func(bus.Event) {
		disconnected <- struct{}{}
	})

	require.NoError(t, c.Connect(context.Background()))

	// Kill the connection without a close handshake.
	f.mu.Lock()
	f.conn.Close()
	f.mu.Unlock()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnected event after abnormal close")
	}
	assert.False(t, c.IsConnected())
}

func TestClient_SessionCreatedAfterCloseIgnored(t *testing.T) {
	_, srv := newFakeService(t)
	c := newTestClient(srv, "", bus.NewEventBus())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	// A created event racing in after Close must not revive the client.
	c.handleEvent(&serverEvent{Type: eventSessionCreated, Session: &sessionInfo{ID: "sess_late"}})
	assert.False(t, c.IsConnected())
	assert.Empty(t, c.SessionID())
}

func TestClient_UnknownEventIsNotFatal(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestClient(srv, "", bus.NewEventBus())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	f.send(map[string]any{"type": "some.future.event", "payload": json.RawMessage(`{"x":1}`)})
	f.send(map[string]any{"type": "session.updated"})

	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.IsConnected())
}
