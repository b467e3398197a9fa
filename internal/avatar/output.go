package avatar

import (
	"sync"

	"github.com/ebitengine/oto/v3"
)

// AudioOutput is the local audio output element the avatar's voice plays
// through. Pause and Resume mute without tearing anything down; Clear drops
// buffered audio that has not reached the speaker yet.
type AudioOutput interface {
	Write(pcm []byte)
	Pause()
	Resume()
	Clear()
	Close() error
}

// OtoOutput plays signed 16-bit mono PCM through the default speaker.
type OtoOutput struct {
	ctx    *oto.Context
	player *oto.Player

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	paused  bool
	playing bool
	closed  bool
}

// NewOtoOutput opens a speaker context at the given sample rate.
func NewOtoOutput(sampleRate int) (*OtoOutput, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, err
	}
	<-ready

	o := &OtoOutput{ctx: ctx}
	o.cond = sync.NewCond(&o.mu)
	return o, nil
}

// Write queues PCM bytes for playback, starting the player on first use.
func (o *OtoOutput) Write(pcm []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.paused {
		return
	}

	o.buf = append(o.buf, pcm...)
	if !o.playing {
		o.playing = true
		o.player = o.ctx.NewPlayer(o)
		o.player.Play()
	}
	o.cond.Signal()
}

// Read implements io.Reader for oto.Player, feeding silence when paused or
// drained so the device keeps running.
func (o *OtoOutput) Read(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.paused || len(o.buf) == 0 || o.closed {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, o.buf)
	o.buf = o.buf[n:]
	return n, nil
}

// Pause mutes playback without releasing the device.
func (o *OtoOutput) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
}

// Resume unmutes playback.
func (o *OtoOutput) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.cond.Signal()
}

// Clear drops any queued audio.
func (o *OtoOutput) Clear() {
	o.mu.Lock()
	o.buf = o.buf[:0]
	o.mu.Unlock()
}

// Close releases the player. The oto context itself cannot be torn down and
// is left for the process lifetime.
func (o *OtoOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.buf = nil
	player := o.player
	o.player = nil
	o.cond.Broadcast()
	o.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
