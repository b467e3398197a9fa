package audio

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/avatartalk/internal/bus"
	"github.com/rs/zerolog"
)

// CapturePipeline turns a live microphone input into a stream of fixed-size
// PCM16 frames with per-frame voice-activity classification. At most one
// pipeline may be capturing at a time; the orchestrator enforces that by
// owning a single instance.
type CapturePipeline struct {
	config   *CaptureConfig
	device   CaptureDevice
	vad      *VAD
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu        sync.Mutex
	capturing bool
	muted     bool

	callbackMu sync.RWMutex
	onFrame    func(Frame)
}

// NewCapturePipeline creates a capture pipeline over the given device.
func NewCapturePipeline(config *CaptureConfig, device CaptureDevice, eventBus *bus.EventBus, logger zerolog.Logger) *CapturePipeline {
	if config == nil {
		config = DefaultCaptureConfig()
	}

	return &CapturePipeline{
		config:   config,
		device:   device,
		vad:      NewVAD(config.VADThreshold),
		eventBus: eventBus,
		logger:   logger.With().Str("component", "capture").Logger(),
	}
}

// OnFrame registers the downstream frame consumer. Frames are delivered in
// capture order on the device callback goroutine.
func (p *CapturePipeline) OnFrame(fn func(Frame)) {
	p.callbackMu.Lock()
	defer p.callbackMu.Unlock()
	p.onFrame = fn
}

// Start requests microphone access with a bounded wait and begins capture.
// Starting while already capturing is an error.
func (p *CapturePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.capturing {
		p.mu.Unlock()
		return ErrAlreadyCapturing
	}
	p.capturing = true
	p.mu.Unlock()

	p.device.OnFrame(p.processFrame)

	ctx, cancel := context.WithTimeout(ctx, p.config.AccessTimeout)
	defer cancel()

	if err := p.device.Start(ctx); err != nil {
		p.mu.Lock()
		p.capturing = false
		p.mu.Unlock()

		if ctx.Err() != nil {
			p.logger.Error().Err(err).Msg("Microphone access timed out")
			return ErrDeviceTimeout
		}
		p.logger.Error().Err(err).Msg("Microphone access failed")
		return err
	}

	p.logger.Info().
		Int("sample_rate", p.config.SampleRate).
		Int("frame_size", p.config.FrameSize).
		Msg("Audio capture started")

	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{Type: bus.EventTypeCaptureStarted, Data: map[string]any{
			"sample_rate": p.config.SampleRate,
			"frame_size":  p.config.FrameSize,
		}})
	}

	return nil
}

// processFrame runs on the device callback for every captured frame. Frames
// are classified and emitted whether muted or not; dropping muted payloads is
// the caller's job via IsMuted, so voice-activity UI feedback keeps working.
func (p *CapturePipeline) processFrame(samples []float32) {
	p.mu.Lock()
	capturing := p.capturing
	p.mu.Unlock()
	if !capturing {
		return
	}

	rms, active := p.vad.Process(samples)

	frame := Frame{
		Samples:     QuantizePCM16(samples),
		SampleRate:  p.config.SampleRate,
		CapturedAt:  time.Now(),
		VoiceActive: active,
		RMS:         rms,
	}

	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{Type: bus.EventTypeAudioFrame, Data: map[string]any{
			"voice_active": active,
			"rms":          rms,
			"samples":      len(frame.Samples),
		}})
	}

	p.callbackMu.RLock()
	callback := p.onFrame
	p.callbackMu.RUnlock()

	if callback != nil {
		callback(frame)
	}
}

// Stop tears down the device and stops capture. Idempotent.
func (p *CapturePipeline) Stop() error {
	p.mu.Lock()
	if !p.capturing {
		p.mu.Unlock()
		return nil
	}
	p.capturing = false
	p.mu.Unlock()

	err := p.device.Stop()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Device stop reported error")
		if p.eventBus != nil {
			p.eventBus.Publish(bus.Event{Type: bus.EventTypeAudioError, Data: map[string]any{
				"error": err.Error(),
			}})
		}
	}

	p.logger.Info().Msg("Audio capture stopped")
	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{Type: bus.EventTypeCaptureStopped})
	}
	return err
}

// SetMuted toggles forwarding without stopping capture.
func (p *CapturePipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()

	p.logger.Debug().Bool("muted", muted).Msg("Capture mute changed")
}

// IsMuted reports whether frame payloads should be dropped downstream.
func (p *CapturePipeline) IsMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// IsCapturing reports whether the pipeline is actively capturing.
func (p *CapturePipeline) IsCapturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capturing
}

// SetVADThreshold updates the voice-activity threshold live.
func (p *CapturePipeline) SetVADThreshold(threshold float64) {
	p.vad.SetThreshold(threshold)
}
