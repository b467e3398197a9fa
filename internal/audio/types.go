// Package audio provides microphone capture, voice activity detection, and
// sample-rate conversion for AvatarTalk.
package audio

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrAlreadyCapturing = errors.New("audio capture already running")
	ErrNotCapturing     = errors.New("audio capture not started")
	ErrDeviceTimeout    = errors.New("timed out waiting for microphone access")
	ErrDeviceDenied     = errors.New("microphone access denied")
)

// CaptureConfig holds capture pipeline configuration
type CaptureConfig struct {
	SampleRate    int           `json:"sample_rate"`    // Default: 16000 Hz
	FrameSize     int           `json:"frame_size"`     // Samples per frame, default 4096
	Channels      int           `json:"channels"`       // Default: 1 (mono)
	VADThreshold  float64       `json:"vad_threshold"`  // RMS threshold on [-1,1] scale, default 0.01
	AccessTimeout time.Duration `json:"access_timeout"` // Max wait for device access, default 10s
}

// DefaultCaptureConfig returns sensible defaults
func DefaultCaptureConfig() *CaptureConfig {
	return &CaptureConfig{
		SampleRate:    16000,
		FrameSize:     4096,
		Channels:      1,
		VADThreshold:  0.01,
		AccessTimeout: 10 * time.Second,
	}
}

// Frame is one fixed-size block of captured audio with its VAD classification.
type Frame struct {
	Samples     []int16   `json:"-"`
	SampleRate  int       `json:"sample_rate"`
	CapturedAt  time.Time `json:"captured_at"`
	VoiceActive bool      `json:"voice_active"`
	RMS         float64   `json:"rms"`
}

// CaptureDevice abstracts the platform audio source so the scheduling
// primitive (hardware callback, task queue, test fake) stays behind a stable
// frame-delivery contract. OnFrame must be set before Start; the device calls
// it with float32 samples on [-1,1] at a fixed cadence.
type CaptureDevice interface {
	Start(ctx context.Context) error
	Stop() error
	OnFrame(fn func(samples []float32))
}
