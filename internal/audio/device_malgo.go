package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoDevice is the production CaptureDevice backed by miniaudio. It
// captures float32 mono audio and delivers fixed-size frames to the
// registered callback.
type MalgoDevice struct {
	sampleRate int
	frameSize  int

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	started bool
	pending []float32

	callbackMu sync.RWMutex
	onFrame    func(samples []float32)
}

// NewMalgoDevice creates an unopened capture device.
func NewMalgoDevice(sampleRate, frameSize int) *MalgoDevice {
	return &MalgoDevice{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		pending:    make([]float32, 0, frameSize*2),
	}
}

// OnFrame registers the frame callback. Must be called before Start.
func (d *MalgoDevice) OnFrame(fn func(samples []float32)) {
	d.callbackMu.Lock()
	defer d.callbackMu.Unlock()
	d.onFrame = fn
}

// Start opens the default capture device and begins delivering frames.
// Device acquisition runs in the background so the context deadline bounds
// the wait for access.
func (d *MalgoDevice) Start(ctx context.Context) error {
	done := make(chan error, 1)

	go func() {
		done <- d.open()
	}()

	select {
	case <-ctx.Done():
		// The open may still finish later; tear it down if it did.
		go func() {
			if err := <-done; err == nil {
				d.Stop()
			}
		}()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (d *MalgoDevice) open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrAlreadyCapturing
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(d.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			d.ingest(input, frameCount)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		mctx.Uninit()
		return fmt.Errorf("init capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return fmt.Errorf("start capture device: %w", err)
	}

	d.ctx = mctx
	d.device = device
	d.started = true
	d.pending = d.pending[:0]
	return nil
}

// ingest accumulates raw float32 bytes until a full frame is available.
func (d *MalgoDevice) ingest(input []byte, frameCount uint32) {
	d.mu.Lock()
	for i := 0; i+3 < len(input); i += 4 {
		bits := binary.LittleEndian.Uint32(input[i:])
		d.pending = append(d.pending, math.Float32frombits(bits))
	}

	var frames [][]float32
	for len(d.pending) >= d.frameSize {
		frame := make([]float32, d.frameSize)
		copy(frame, d.pending[:d.frameSize])
		d.pending = d.pending[d.frameSize:]
		frames = append(frames, frame)
	}
	d.mu.Unlock()

	d.callbackMu.RLock()
	callback := d.onFrame
	d.callbackMu.RUnlock()

	if callback != nil {
		for _, frame := range frames {
			callback(frame)
		}
	}
}

// Stop releases the device and audio context in reverse order of
// acquisition. Idempotent.
func (d *MalgoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}
	d.started = false

	if d.device != nil {
		d.device.Stop()
		d.device.Uninit()
		d.device = nil
	}
	if d.ctx != nil {
		d.ctx.Uninit()
		d.ctx = nil
	}
	d.pending = d.pending[:0]
	return nil
}
