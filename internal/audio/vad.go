package audio

import (
	"math"
	"sync"
)

// VAD classifies frames as voice-active using RMS energy analysis.
type VAD struct {
	mu        sync.RWMutex
	threshold float64
	active    bool
}

// NewVAD creates a VAD with the given RMS threshold on the [-1,1] float
// scale. A non-positive threshold falls back to the default 0.01.
func NewVAD(threshold float64) *VAD {
	if threshold <= 0 {
		threshold = DefaultCaptureConfig().VADThreshold
	}
	return &VAD{threshold: threshold}
}

// Process computes the RMS energy of one float frame and returns it along
// with the voice-active classification for that frame.
func (v *VAD) Process(samples []float32) (rms float64, active bool) {
	rms = RMS(samples)

	v.mu.Lock()
	active = rms > v.threshold
	v.active = active
	v.mu.Unlock()

	return rms, active
}

// IsActive returns the classification of the most recent frame.
func (v *VAD) IsActive() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

// SetThreshold updates the RMS threshold.
func (v *VAD) SetThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}
	v.mu.Lock()
	v.threshold = threshold
	v.mu.Unlock()
}

// Threshold returns the current RMS threshold.
func (v *VAD) Threshold() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.threshold
}

// RMS computes root-mean-square energy over float samples on [-1,1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// QuantizePCM16 converts float samples to signed 16-bit PCM, clamping each
// sample to [-1,1] before quantization.
func QuantizePCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		f := float64(s)
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		out[i] = int16(f * 32767)
	}
	return out
}
