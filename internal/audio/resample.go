package audio

import (
	"encoding/base64"
	"fmt"
)

// Resample converts PCM16 samples between sample rates using linear
// interpolation between the two nearest source samples at each target index.
// Output length is floor(len(samples) * dstRate / srcRate). When the rates
// match the input is returned unchanged, not copied.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate {
		return samples
	}
	if len(samples) == 0 || srcRate <= 0 || dstRate <= 0 {
		return nil
	}

	outLen := len(samples) * dstRate / srcRate
	out := make([]int16, outLen)

	ratio := float64(srcRate) / float64(dstRate)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		if idx+1 < len(samples) {
			a := float64(samples[idx])
			b := float64(samples[idx+1])
			out[i] = int16(a + (b-a)*frac)
		} else {
			out[i] = samples[len(samples)-1]
		}
	}

	return out
}

// BytesToPCM16 decodes little-endian signed 16-bit bytes into samples.
// A trailing odd byte is ignored.
func BytesToPCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return samples
}

// PCM16ToBytes encodes samples as little-endian signed 16-bit bytes.
func PCM16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[2*i] = byte(s)
		data[2*i+1] = byte(s >> 8)
	}
	return data
}

// EncodeBase64 encodes raw bytes as standard base64 text.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64 text into raw bytes.
func DecodeBase64(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	return data, nil
}
