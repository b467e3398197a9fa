// Package video delivers avatar video data to a presentation surface in
// strict arrival order.
package video

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/avatartalk/internal/bus"
)

// Surface is where decoded-stream bytes land: a media buffer, a player pipe,
// or a file. Appends arrive one at a time, in order.
type Surface interface {
	Append(data []byte) error
	Close() error
}

// WriterSurface adapts any io.Writer into a Surface.
type WriterSurface struct {
	w io.Writer
}

func NewWriterSurface(w io.Writer) *WriterSurface {
	return &WriterSurface{w: w}
}

func (s *WriterSurface) Append(data []byte) error {
	_, err := s.w.Write(data)
	return err
}

func (s *WriterSurface) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var errDestroyed = errors.New("video sink destroyed")

// Sink serializes appends onto a Surface. Producers may enqueue from any
// goroutine; a single worker drains the queue so the surface never sees
// overlapping appends and order is preserved.
type Sink struct {
	surface  Surface
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     [][]byte
	destroyed bool
}

// NewSink starts the drain worker and announces the surface as ready.
func NewSink(surface Surface, eventBus *bus.EventBus, logger zerolog.Logger) *Sink {
	s := &Sink{
		surface:  surface,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "video").Logger(),
	}
	s.cond = sync.NewCond(&s.mu)

	go s.drain()

	if eventBus != nil {
		eventBus.Publish(bus.Event{Type: bus.EventTypeVideoReady})
	}
	return s
}

// Enqueue adds raw stream bytes to the queue. Data is copied so callers may
// reuse their buffers. Dropped silently after Destroy.
func (s *Sink) Enqueue(data []byte) {
	if len(data) == 0 {
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.queue = append(s.queue, cp)
	s.cond.Signal()
}

// Frame is one opaque unit of stream data.
type Frame struct {
	Data []byte
}

// EnqueueFrame enqueues an opaque frame.
func (s *Sink) EnqueueFrame(frame Frame) {
	s.Enqueue(frame.Data)
}

// EnqueueBase64 decodes and enqueues base64-encoded stream bytes.
func (s *Sink) EnqueueBase64(encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode base64 video: %w", err)
	}
	s.Enqueue(data)
	return nil
}

// Clear drops everything still queued. In-flight appends finish first.
func (s *Sink) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Pending reports how many appends are waiting.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Destroy stops the worker, closes the surface, and announces the end of the
// stream. Idempotent.
func (s *Sink) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if err := s.surface.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Surface close failed")
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.Event{Type: bus.EventTypeVideoEnded})
	}
	s.logger.Debug().Msg("Video sink destroyed")
}

func (s *Sink) next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.destroyed {
		s.cond.Wait()
	}
	if s.destroyed {
		return nil, errDestroyed
	}

	data := s.queue[0]
	s.queue = s.queue[1:]
	return data, nil
}

func (s *Sink) drain() {
	for {
		data, err := s.next()
		if err != nil {
			return
		}

		if err := s.surface.Append(data); err != nil {
			s.logger.Error().Err(err).Msg("Surface append failed")
			if s.eventBus != nil {
				s.eventBus.Publish(bus.Event{Type: bus.EventTypeVideoError, Data: map[string]any{
					"error": err.Error(),
				}})
			}
		}
	}
}
