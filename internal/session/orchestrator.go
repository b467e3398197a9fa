package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/avatartalk/internal/audio"
	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/normanking/avatartalk/internal/bus"
	"github.com/normanking/avatartalk/internal/speech"
	"github.com/normanking/avatartalk/internal/video"
)

// speechOutputRate is the sample rate of synthesized audio coming back from
// the speech service. The avatar expects 16 kHz, so every response chunk is
// resampled on the way through.
const speechOutputRate = 24000

const (
	DefaultPreviewTimeout = 5 * time.Minute
	DefaultHealthInterval = 10 * time.Second
)

// Common errors
var (
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrMissingCredential = errors.New("required credential missing")
)

// Config holds orchestrator configuration
type Config struct {
	Speech         *speech.Config        `json:"speech"`
	Avatar         *avatar.Config        `json:"avatar"`
	Capture        *audio.CaptureConfig  `json:"capture"`
	PreviewTimeout time.Duration         `json:"preview_timeout"`
	HealthInterval time.Duration         `json:"health_interval"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Speech:         speech.DefaultConfig(),
		Avatar:         avatar.DefaultConfig(),
		Capture:        audio.DefaultCaptureConfig(),
		PreviewTimeout: DefaultPreviewTimeout,
		HealthInterval: DefaultHealthInterval,
	}
}

// Deps are the orchestrator's collaborators. AudioOutput may be nil, in
// which case each avatar client opens its own speaker output.
type Deps struct {
	Credentials      CredentialSource
	Definitions      DefinitionSource
	Surface          video.Surface
	NewCaptureDevice func() audio.CaptureDevice
	AudioOutput      avatar.AudioOutput
}

// Orchestrator drives a conversation session end to end: preview, connect,
// live relay, health checks, and teardown. It owns at most one avatar
// connection and one capture pipeline at any time.
type Orchestrator struct {
	config   *Config
	deps     Deps
	eventBus *bus.EventBus
	logger   zerolog.Logger
	idGen    avatar.IDGenerator
	history  statusHistory

	mu           sync.Mutex
	state        State
	character    *Character
	capture      *audio.CapturePipeline
	speechClient *speech.Client
	avatarClient *avatar.Client
	videoSink    *video.Sink
	previewTimer *time.Timer
	previewLive  bool
	healthStop   chan struct{}

	subs []bus.Subscription
}

// NewOrchestrator creates an orchestrator in the idle state.
func NewOrchestrator(config *Config, deps Deps, eventBus *bus.EventBus, logger zerolog.Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Speech == nil {
		config.Speech = speech.DefaultConfig()
	}
	if config.Avatar == nil {
		config.Avatar = avatar.DefaultConfig()
	}
	if config.Capture == nil {
		config.Capture = audio.DefaultCaptureConfig()
	}
	if config.PreviewTimeout <= 0 {
		config.PreviewTimeout = DefaultPreviewTimeout
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = DefaultHealthInterval
	}

	o := &Orchestrator{
		config:   config,
		deps:     deps,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "session").Logger(),
		idGen:    avatar.NewIDGenerator(),
		state:    StateIdle,
	}

	o.subs = append(o.subs,
		eventBus.Subscribe(bus.EventTypeDisconnected, o.onDisconnected),
		eventBus.Subscribe(bus.EventTypeSpeechError, o.onSpeechError),
		eventBus.Subscribe(bus.EventTypeTranscript, o.onTranscript),
	)
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns the retained status feed, oldest first.
func (o *Orchestrator) Status() []StatusEvent {
	return o.history.snapshot()
}

// HasPreview reports whether a silent preview connection is live.
func (o *Orchestrator) HasPreview() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.previewLive
}

// StartPreview opens a silent avatar-only connection so the user sees a live
// avatar before committing to a conversation. A preview left alone is torn
// down after the idle timeout.
func (o *Orchestrator) StartPreview(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle || o.avatarClient != nil {
		o.mu.Unlock()
		return ErrInvalidState
	}
	o.mu.Unlock()

	key, err := o.deps.Credentials.Get(CredentialAvatarKey)
	if err != nil || key == "" {
		o.emit(CategoryError, LevelError, "Avatar credential missing", nil)
		return fmt.Errorf("%w: %s", ErrMissingCredential, CredentialAvatarKey)
	}

	character := o.loadCharacter()

	client, sink, err := o.newAvatarClient(key, character)
	if err != nil {
		o.emit(CategoryAvatar, LevelError, "Failed to create avatar client", map[string]any{"error": err.Error()})
		return err
	}

	if err := client.InitializePreview(ctx); err != nil {
		client.Close()
		sink.Destroy()
		o.emit(CategoryAvatar, LevelError, "Preview connection failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("start preview: %w", err)
	}

	o.mu.Lock()
	o.avatarClient = client
	o.videoSink = sink
	o.previewLive = true
	o.previewTimer = time.AfterFunc(o.config.PreviewTimeout, o.previewExpired)
	o.mu.Unlock()

	o.emit(CategoryAvatar, LevelSuccess, "Avatar preview started", map[string]any{
		"instance": client.InstanceID(),
	})
	return nil
}

// previewExpired tears down a preview nobody upgraded.
func (o *Orchestrator) previewExpired() {
	o.logger.Info().Msg("Preview idle timeout reached")
	o.teardownPreview("Preview timed out", LevelInfo)
}

// teardownPreview releases the preview connection and its surface.
func (o *Orchestrator) teardownPreview(message string, level StatusLevel) {
	o.mu.Lock()
	if !o.previewLive {
		o.mu.Unlock()
		return
	}
	client := o.avatarClient
	sink := o.videoSink
	timer := o.previewTimer
	o.avatarClient = nil
	o.videoSink = nil
	o.previewLive = false
	o.previewTimer = nil
	o.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if client != nil {
		client.Close()
	}
	if sink != nil {
		sink.Destroy()
	}
	o.emit(CategoryAvatar, level, message, nil)
}

// Initialize loads credentials and the character definition, then connects
// the speech and avatar services in parallel. A live preview connection is
// upgraded in place: its idle timer is cancelled, its audio stays paused, and
// its remote buffer is flushed.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrInvalidState
	}
	o.state = StateConnecting

	var previewClient *avatar.Client
	if o.previewLive {
		if o.previewTimer != nil {
			o.previewTimer.Stop()
			o.previewTimer = nil
		}
		previewClient = o.avatarClient
		o.previewLive = false
	}
	sink := o.videoSink
	o.mu.Unlock()

	// Only a preview whose connection is still up can be upgraded. A dead
	// one is released and replaced with a fresh client; the sink survives.
	if previewClient != nil && !previewClient.IsConnected() {
		previewClient.Close()
		previewClient = nil
		o.mu.Lock()
		o.avatarClient = nil
		o.mu.Unlock()
	}

	o.publishStateChanged(StateConnecting)
	o.emit(CategoryConnection, LevelInfo, "Connecting to services", nil)

	fail := func(err error) error {
		o.releasePartial(previewClient, sink)
		o.setState(StateError)
		o.emit(CategoryError, LevelError, "Session initialization failed", map[string]any{"error": err.Error()})
		return err
	}

	speechKey, err := o.deps.Credentials.Get(CredentialSpeechKey)
	if err != nil || speechKey == "" {
		return fail(fmt.Errorf("%w: %s", ErrMissingCredential, CredentialSpeechKey))
	}
	avatarKey, err := o.deps.Credentials.Get(CredentialAvatarKey)
	if err != nil || avatarKey == "" {
		return fail(fmt.Errorf("%w: %s", ErrMissingCredential, CredentialAvatarKey))
	}

	character := o.loadCharacter()
	instructions := ""
	if character != nil {
		instructions = character.Instructions
	}

	avatarClient := previewClient
	if avatarClient == nil {
		avatarClient, sink, err = o.newAvatarClient(avatarKey, character)
		if err != nil {
			return fail(err)
		}
	} else {
		// Reused preview: keep the connection, keep audio paused until the
		// session actually starts, drop anything still buffered.
		avatarClient.StopAudio()
		if err := avatarClient.ClearBuffer(); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to flush preview buffer")
		}
	}

	speechCfg := *o.config.Speech
	speechCfg.APIKey = speechKey
	if character != nil && character.Voice != "" {
		speechCfg.Voice = character.Voice
	}
	speechClient := speech.NewClient(&speechCfg, instructions, o.eventBus, o.logger)
	speechClient.OnAudioResponse(o.relayResponseAudio)

	var wg sync.WaitGroup
	var speechErr, avatarErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		speechErr = speechClient.Connect(ctx)
	}()

	if previewClient == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			avatarErr = avatarClient.Initialize(ctx)
		}()
	}
	wg.Wait()

	if speechErr != nil || avatarErr != nil {
		speechClient.Close()
		avatarClient.Close()
		if sink != nil {
			sink.Destroy()
		}
		o.mu.Lock()
		o.avatarClient = nil
		o.videoSink = nil
		o.mu.Unlock()

		err := speechErr
		if err == nil {
			err = avatarErr
		}
		o.setState(StateError)
		o.emit(CategoryError, LevelError, "Session initialization failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("initialize session: %w", err)
	}

	o.mu.Lock()
	o.speechClient = speechClient
	o.avatarClient = avatarClient
	o.videoSink = sink
	o.character = character
	o.state = StateConnected
	o.mu.Unlock()

	o.publishStateChanged(StateConnected)
	o.emit(CategoryConnection, LevelSuccess, "Services connected", map[string]any{
		"speech_session": speechClient.SessionID(),
		"avatar_session": avatarClient.SessionID(),
		"reused_preview": previewClient != nil,
	})

	o.setState(StateReady)
	return nil
}

// releasePartial cleans up a reused preview connection when initialization
// fails before the parallel connect even begins.
func (o *Orchestrator) releasePartial(previewClient *avatar.Client, sink *video.Sink) {
	if previewClient != nil {
		previewClient.Close()
	}
	if sink != nil {
		sink.Destroy()
	}
	o.mu.Lock()
	o.avatarClient = nil
	o.videoSink = nil
	o.mu.Unlock()
}

// StartSession begins live capture and unmutes the avatar. Allowed only from
// connected or ready; a failed microphone start leaves the state untouched.
func (o *Orchestrator) StartSession(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateConnected && o.state != StateReady {
		o.mu.Unlock()
		return ErrInvalidState
	}
	if o.capture != nil {
		o.mu.Unlock()
		return ErrInvalidState
	}
	speechClient := o.speechClient
	avatarClient := o.avatarClient
	o.mu.Unlock()

	device := o.deps.NewCaptureDevice()
	pipeline := audio.NewCapturePipeline(o.config.Capture, device, o.eventBus, o.logger)
	pipeline.OnFrame(func(frame audio.Frame) {
		if pipeline.IsMuted() {
			return
		}
		if err := speechClient.SendAudio(frame.Samples); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to forward captured frame")
		}
	})

	if err := pipeline.Start(ctx); err != nil {
		o.emit(CategoryAudio, LevelError, "Microphone unavailable", map[string]any{"error": err.Error()})
		return fmt.Errorf("start capture: %w", err)
	}

	// Audio resumes strictly after capture is live so the avatar never
	// speaks into a session that cannot hear.
	avatarClient.ResumeAudio()

	stop := make(chan struct{})
	o.mu.Lock()
	o.capture = pipeline
	o.healthStop = stop
	o.state = StateActive
	o.mu.Unlock()

	o.publishStateChanged(StateActive)
	o.emit(CategoryConnection, LevelSuccess, "Conversation started", nil)

	go o.healthLoop(stop)
	return nil
}

// healthLoop emits an advisory status heartbeat while the session is active.
func (o *Orchestrator) healthLoop(stop chan struct{}) {
	ticker := time.NewTicker(o.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.mu.Lock()
			speechClient := o.speechClient
			avatarClient := o.avatarClient
			o.mu.Unlock()

			healthy := speechClient != nil && speechClient.IsConnected() &&
				avatarClient != nil && avatarClient.IsConnected()

			level := LevelInfo
			if !healthy {
				level = LevelWarning
			}
			o.emit(CategoryConnection, level, "Health check", map[string]any{"healthy": healthy})
			o.eventBus.Publish(bus.Event{Type: bus.EventTypeHealthCheck, Data: map[string]any{
				"healthy": healthy,
			}})
		}
	}
}

// relayResponseAudio carries one synthesized chunk from the speech service to
// the avatar: decode, downsample, forward. Runs synchronously on the speech
// read loop so chunk order is preserved without a queue.
func (o *Orchestrator) relayResponseAudio(pcm []byte) {
	o.mu.Lock()
	client := o.avatarClient
	o.mu.Unlock()
	if client == nil {
		return
	}

	samples := audio.BytesToPCM16(pcm)
	down := audio.Resample(samples, speechOutputRate, avatar.SampleRate)
	if err := client.SendAudioData(audio.PCM16ToBytes(down)); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to relay response audio")
	}
}

// SetMuted toggles the microphone. Capture keeps running so voice-activity
// feedback stays live; frames are simply not forwarded.
func (o *Orchestrator) SetMuted(muted bool) {
	o.mu.Lock()
	capture := o.capture
	o.mu.Unlock()

	if capture != nil {
		capture.SetMuted(muted)
	}
	o.emit(CategoryAudio, LevelInfo, "Microphone mute changed", map[string]any{"muted": muted})
}

// SetVADThreshold applies a new voice-activity threshold, live if capture is
// running and for every future pipeline.
func (o *Orchestrator) SetVADThreshold(threshold float64) {
	o.mu.Lock()
	o.config.Capture.VADThreshold = threshold
	capture := o.capture
	o.mu.Unlock()

	if capture != nil {
		capture.SetVADThreshold(threshold)
	}
	o.logger.Info().Float64("threshold", threshold).Msg("VAD threshold updated")
}

// IsMuted reports the microphone mute flag.
func (o *Orchestrator) IsMuted() bool {
	o.mu.Lock()
	capture := o.capture
	o.mu.Unlock()
	return capture != nil && capture.IsMuted()
}

// EndSession tears everything down, best effort, in a fixed order: capture,
// speech, avatar, video. Idempotent; always lands in idle.
func (o *Orchestrator) EndSession() error {
	o.mu.Lock()
	if o.state == StateIdle && o.avatarClient == nil && o.capture == nil {
		o.mu.Unlock()
		return nil
	}
	o.state = StateEnding
	o.mu.Unlock()

	o.publishStateChanged(StateEnding)
	o.teardown()
	o.setState(StateIdle)
	o.emit(CategoryConnection, LevelInfo, "Session ended", nil)
	return nil
}

// Destroy ends the session and retires the orchestrator.
func (o *Orchestrator) Destroy() {
	o.EndSession()

	for _, sub := range o.subs {
		o.eventBus.Unsubscribe(sub)
	}
	o.subs = nil

	o.setState(StateClosed)
	o.logger.Info().Msg("Orchestrator destroyed")
}

// teardown releases every live resource. Each step is best effort; a failing
// step never blocks the next.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	capture := o.capture
	speechClient := o.speechClient
	avatarClient := o.avatarClient
	sink := o.videoSink
	timer := o.previewTimer
	stop := o.healthStop
	o.capture = nil
	o.speechClient = nil
	o.avatarClient = nil
	o.videoSink = nil
	o.previewTimer = nil
	o.previewLive = false
	o.healthStop = nil
	o.character = nil
	o.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if timer != nil {
		timer.Stop()
	}
	if capture != nil {
		if err := capture.Stop(); err != nil {
			o.logger.Warn().Err(err).Msg("Capture teardown reported error")
		}
	}
	if speechClient != nil {
		if err := speechClient.Close(); err != nil {
			o.logger.Warn().Err(err).Msg("Speech teardown reported error")
		}
	}
	if avatarClient != nil {
		if err := avatarClient.Close(); err != nil {
			o.logger.Warn().Err(err).Msg("Avatar teardown reported error")
		}
	}
	if sink != nil {
		sink.Destroy()
	}
}

// newAvatarClient builds an avatar client plus the video sink it feeds. The
// existing sink is reused when one survives from a previous preview.
func (o *Orchestrator) newAvatarClient(apiKey string, character *Character) (*avatar.Client, *video.Sink, error) {
	o.mu.Lock()
	sink := o.videoSink
	o.mu.Unlock()
	if sink == nil {
		sink = video.NewSink(o.deps.Surface, o.eventBus, o.logger)
	}

	cfg := *o.config.Avatar
	cfg.APIKey = apiKey
	if character != nil && character.FaceID != "" {
		cfg.FaceID = character.FaceID
	}

	client, err := avatar.NewClient(&cfg, o.idGen, sink, o.deps.AudioOutput, o.eventBus, o.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create avatar client: %w", err)
	}
	return client, sink, nil
}

// loadCharacter fetches the active character definition. Absence is not an
// error; the session simply runs without instructions.
func (o *Orchestrator) loadCharacter() *Character {
	if o.deps.Definitions == nil {
		return nil
	}
	character, err := o.deps.Definitions.Active()
	if err != nil {
		o.logger.Warn().Err(err).Msg("No character definition available")
		return nil
	}
	return character
}

// onDisconnected handles fatal service disconnects reported on the bus.
func (o *Orchestrator) onDisconnected(event bus.Event) {
	o.mu.Lock()
	current := o.avatarClient
	preview := o.previewLive
	fatal := o.state == StateConnecting || o.state == StateConnected ||
		o.state == StateReady || o.state == StateActive
	o.mu.Unlock()

	// Avatar disconnects carry their instance id; an event from a client
	// already replaced or released says nothing about the current session.
	if instance, ok := event.Data["instance"].(uint64); ok {
		if current == nil || current.InstanceID() != instance {
			return
		}
	}

	o.emit(CategoryConnection, LevelError, "Service disconnected", event.Data)

	// A preview lives outside the session state machine; losing its
	// connection releases it so it is never mistaken for upgradeable.
	if preview && !fatal {
		go o.teardownPreview("Preview connection lost", LevelWarning)
		return
	}
	if !fatal {
		return
	}

	go o.failSession()
}

// onSpeechError handles explicit error events from the speech service,
// which end the session. Avatar errors stay advisory.
func (o *Orchestrator) onSpeechError(event bus.Event) {
	o.emit(CategorySpeech, LevelError, "Speech service error", event.Data)

	o.mu.Lock()
	fatal := o.state == StateConnecting || o.state == StateConnected ||
		o.state == StateReady || o.state == StateActive
	o.mu.Unlock()
	if !fatal {
		return
	}

	go o.failSession()
}

// failSession tears everything down and lands in the error state. Runs off
// the publisher's goroutine; the triggering event may originate from a read
// loop this teardown is about to close.
func (o *Orchestrator) failSession() {
	o.teardown()
	o.setState(StateError)
	o.emit(CategoryError, LevelError, "Session lost", nil)
}

// onTranscript surfaces completed transcripts on the status feed.
func (o *Orchestrator) onTranscript(event bus.Event) {
	text, _ := event.Data["text"].(string)
	if text == "" {
		return
	}
	o.emit(CategoryUser, LevelInfo, text, nil)
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	if o.state == state {
		o.mu.Unlock()
		return
	}
	o.state = state
	o.mu.Unlock()
	o.publishStateChanged(state)
}

func (o *Orchestrator) publishStateChanged(state State) {
	o.logger.Debug().Str("state", string(state)).Msg("Session state changed")
	o.eventBus.Publish(bus.Event{Type: bus.EventTypeStateChanged, Data: map[string]any{
		"state": string(state),
	}})
}

// emit records a status event and publishes it for any listeners.
func (o *Orchestrator) emit(category StatusCategory, level StatusLevel, message string, details map[string]any) {
	event := newStatusEvent(category, level, message, details)
	o.history.add(event)
	o.eventBus.Publish(bus.Event{Type: bus.EventTypeStatus, Data: map[string]any{
		"id":       event.ID,
		"category": string(category),
		"level":    string(level),
		"message":  message,
		"details":  details,
	}})
}
