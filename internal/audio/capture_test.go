package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/normanking/avatartalk/internal/bus"
	"github.com/rs/zerolog"
)

// fakeDevice is a CaptureDevice that delivers frames on demand.
type fakeDevice struct {
	startErr error
	started  bool
	stopped  int
	onFrame  func([]float32)
	block    bool
}

func (f *fakeDevice) Start(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeDevice) Stop() error {
	f.stopped++
	f.started = false
	return nil
}

func (f *fakeDevice) OnFrame(fn func([]float32)) { f.onFrame = fn }

func (f *fakeDevice) emit(samples []float32) {
	if f.onFrame != nil {
		f.onFrame(samples)
	}
}

func newTestPipeline(t *testing.T, dev CaptureDevice) *CapturePipeline {
	t.Helper()
	cfg := DefaultCaptureConfig()
	cfg.AccessTimeout = 100 * time.Millisecond
	return NewCapturePipeline(cfg, dev, bus.NewEventBus(), zerolog.Nop())
}

func TestCapturePipeline_StartTwiceFails(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(t, dev)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyCapturing) {
		t.Errorf("expected ErrAlreadyCapturing, got %v", err)
	}
}

func TestCapturePipeline_StartTimeout(t *testing.T) {
	dev := &fakeDevice{block: true}
	p := newTestPipeline(t, dev)

	err := p.Start(context.Background())
	if !errors.Is(err, ErrDeviceTimeout) {
		t.Errorf("expected ErrDeviceTimeout, got %v", err)
	}
	if p.IsCapturing() {
		t.Error("pipeline must not be capturing after failed start")
	}
}

func TestCapturePipeline_StartDeviceError(t *testing.T) {
	dev := &fakeDevice{startErr: ErrDeviceDenied}
	p := newTestPipeline(t, dev)

	if err := p.Start(context.Background()); !errors.Is(err, ErrDeviceDenied) {
		t.Errorf("expected ErrDeviceDenied, got %v", err)
	}
	// A failed start leaves the pipeline restartable.
	dev.startErr = nil
	if err := p.Start(context.Background()); err != nil {
		t.Errorf("restart after failure: %v", err)
	}
}

func TestCapturePipeline_FramesInCaptureOrder(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(t, dev)

	var got []int16
	p.OnFrame(func(f Frame) {
		got = append(got, f.Samples[0])
	})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 1; i <= 5; i++ {
		frame := make([]float32, 8)
		frame[0] = float32(i) / 100
		dev.emit(frame)
	}

	if len(got) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("frames reordered: %v", got)
		}
	}
}

func TestCapturePipeline_MutedStillClassifies(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(t, dev)

	var frames []Frame
	p.OnFrame(func(f Frame) { frames = append(frames, f) })

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.SetMuted(true)

	loud := make([]float32, 8)
	for i := range loud {
		loud[i] = 0.5
	}
	dev.emit(loud)

	// Muting does not stop frame emission; it only flags payloads for
	// downstream dropping.
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame while muted, got %d", len(frames))
	}
	if !frames[0].VoiceActive {
		t.Error("expected voice activity computed while muted")
	}
	if !p.IsMuted() {
		t.Error("expected IsMuted true")
	}
}

func TestCapturePipeline_StopIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(t, dev)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if dev.stopped != 1 {
		t.Errorf("expected device stopped once, got %d", dev.stopped)
	}
}

func TestCapturePipeline_NoFramesAfterStop(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(t, dev)

	count := 0
	p.OnFrame(func(Frame) { count++ })

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Stop()
	dev.emit(make([]float32, 8))

	if count != 0 {
		t.Errorf("expected no frames after stop, got %d", count)
	}
}
