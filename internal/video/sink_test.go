package video

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/avatartalk/internal/bus"
)

// recordSurface captures appends and can simulate failures.
type recordSurface struct {
	mu      sync.Mutex
	appends [][]byte
	failOn  int // 1-based append index to fail, 0 = never
	count   int
	closed  bool
}

func (r *recordSurface) Append(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	if r.failOn != 0 && r.count == r.failOn {
		return errors.New("append rejected")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.appends = append(r.appends, cp)
	return nil
}

func (r *recordSurface) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recordSurface) wait(n int, d time.Duration) [][]byte {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.appends) >= n {
			out := make([][]byte, len(r.appends))
			copy(out, r.appends)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.appends))
	copy(out, r.appends)
	return out
}

func TestSink_OrderPreserved(t *testing.T) {
	surface := &recordSurface{}
	s := NewSink(surface, nil, zerolog.Nop())
	defer s.Destroy()

	const n = 50
	for i := 0; i < n; i++ {
		s.Enqueue([]byte{byte(i)})
	}

	got := surface.wait(n, 2*time.Second)
	if len(got) != n {
		t.Fatalf("expected %d appends, got %d", n, len(got))
	}
	for i, data := range got {
		if data[0] != byte(i) {
			t.Errorf("append %d: got %d, order broken", i, data[0])
		}
	}
}

func TestSink_EnqueueCopiesData(t *testing.T) {
	surface := &recordSurface{}
	s := NewSink(surface, nil, zerolog.Nop())
	defer s.Destroy()

	buf := []byte{1, 2, 3}
	s.Enqueue(buf)
	buf[0] = 99

	got := surface.wait(1, time.Second)
	if len(got) != 1 || got[0][0] != 1 {
		t.Fatalf("queued data must not alias the caller's buffer: %v", got)
	}
}

func TestSink_Base64(t *testing.T) {
	surface := &recordSurface{}
	s := NewSink(surface, nil, zerolog.Nop())
	defer s.Destroy()

	want := []byte("frame-data")
	if err := s.EnqueueBase64(base64.StdEncoding.EncodeToString(want)); err != nil {
		t.Fatalf("EnqueueBase64: %v", err)
	}
	if err := s.EnqueueBase64("not!valid!"); err == nil {
		t.Fatal("expected error for malformed base64")
	}

	got := surface.wait(1, time.Second)
	if len(got) != 1 || string(got[0]) != string(want) {
		t.Fatalf("got %q", got)
	}
}

func TestSink_AppendErrorPublishedAndContinues(t *testing.T) {
	b := bus.NewEventBus()
	errs := make(chan string, 1)
	b.Subscribe(bus.EventTypeVideoError, func(e bus.Event) {
		errs <- e.Data["error"].(string)
	})

	surface := &recordSurface{failOn: 1}
	s := NewSink(surface, b, zerolog.Nop())
	defer s.Destroy()

	s.Enqueue([]byte{1})
	s.Enqueue([]byte{2})

	select {
	case msg := <-errs:
		if msg != "append rejected" {
			t.Fatalf("unexpected error %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for video error event")
	}

	got := surface.wait(1, 2*time.Second)
	if len(got) != 1 || got[0][0] != 2 {
		t.Fatalf("sink must keep draining after a failed append: %v", got)
	}
}

func TestSink_ReadyAndEndedEvents(t *testing.T) {
	b := bus.NewEventBus()
	events := make(chan bus.EventType, 2)
	b.SubscribeMultiple([]bus.EventType{bus.EventTypeVideoReady, bus.EventTypeVideoEnded}, func(e bus.Event) {
		events <- e.Type
	})

	surface := &recordSurface{}
	s := NewSink(surface, b, zerolog.Nop())

	if got := <-events; got != bus.EventTypeVideoReady {
		t.Fatalf("expected ready event, got %s", got)
	}

	s.Destroy()
	if got := <-events; got != bus.EventTypeVideoEnded {
		t.Fatalf("expected ended event, got %s", got)
	}

	surface.mu.Lock()
	closed := surface.closed
	surface.mu.Unlock()
	if !closed {
		t.Fatal("surface must be closed on destroy")
	}
}

func TestSink_DestroyIdempotentAndDropsQueue(t *testing.T) {
	surface := &recordSurface{}
	s := NewSink(surface, nil, zerolog.Nop())

	s.Destroy()
	s.Destroy()

	s.Enqueue([]byte{1})
	if s.Pending() != 0 {
		t.Fatal("enqueue after destroy must be dropped")
	}
}

func TestSink_Clear(t *testing.T) {
	// A surface that blocks on the first append so the queue backs up.
	block := make(chan struct{})
	surface := &blockingSurface{release: block, started: make(chan struct{})}
	s := NewSink(surface, nil, zerolog.Nop())
	defer s.Destroy()

	s.Enqueue([]byte{1})
	surface.waitFirst(t)

	s.Enqueue([]byte{2})
	s.Enqueue([]byte{3})
	s.Clear()
	close(block)

	if s.Pending() != 0 {
		t.Fatal("clear must drop queued appends")
	}
}

type blockingSurface struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingSurface) Append(data []byte) error {
	b.once.Do(func() {
		if b.started != nil {
			close(b.started)
		}
		<-b.release
	})
	return nil
}

func (b *blockingSurface) Close() error { return nil }

func (b *blockingSurface) waitFirst(t *testing.T) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(time.Second):
		t.Fatal("first append never started")
	}
}
