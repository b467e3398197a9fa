package audio

import (
	"bytes"
	"reflect"
	"testing"
)

func TestResample_IdentityWhenRatesEqual(t *testing.T) {
	samples := []int16{0, 100, -100, 32767, -32768, 7}

	out := Resample(samples, 16000, 16000)

	if !reflect.DeepEqual(out, samples) {
		t.Errorf("expected identical samples, got %v", out)
	}
	// The identity case must return the input, not a copy.
	if len(out) > 0 && &out[0] != &samples[0] {
		t.Error("expected input slice to be returned unchanged")
	}
}

func TestResample_OutputLength(t *testing.T) {
	cases := []struct {
		name     string
		inLen    int
		src, dst int
		want     int
	}{
		{"24k to 16k", 4096, 24000, 16000, 4096 * 16000 / 24000},
		{"16k to 24k", 4096, 16000, 24000, 4096 * 24000 / 16000},
		{"48k to 16k", 1000, 48000, 16000, 333},
		{"8k to 44.1k", 100, 8000, 44100, 551},
		{"single sample", 1, 24000, 16000, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := make([]int16, tc.inLen)
			out := Resample(in, tc.src, tc.dst)
			if len(out) != tc.want {
				t.Errorf("expected %d samples, got %d", tc.want, len(out))
			}
		})
	}
}

func TestResample_LinearInterpolation(t *testing.T) {
	// Doubling the rate interpolates midpoints between neighbors.
	in := []int16{0, 100, 200, 300}
	out := Resample(in, 8000, 16000)

	if len(out) != 8 {
		t.Fatalf("expected 8 samples, got %d", len(out))
	}
	want := []int16{0, 50, 100, 150, 200, 250, 300, 300}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("expected %v, got %v", want, out)
	}
}

func TestResample_EmptyInput(t *testing.T) {
	if out := Resample(nil, 24000, 16000); len(out) != 0 {
		t.Errorf("expected empty output, got %d samples", len(out))
	}
}

func TestPCM16Bytes_RoundTrip(t *testing.T) {
	data := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80, 0x34, 0x12}

	if got := PCM16ToBytes(BytesToPCM16(data)); !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch: %v != %v", got, data)
	}
}

func TestBytesToPCM16_Values(t *testing.T) {
	data := []byte{0xFF, 0x7F, 0x00, 0x80}
	samples := BytesToPCM16(data)

	if samples[0] != 32767 {
		t.Errorf("expected 32767, got %d", samples[0])
	}
	if samples[1] != -32768 {
		t.Errorf("expected -32768, got %d", samples[1])
	}
}

func TestBytesToPCM16_OddLengthIgnoresTrailingByte(t *testing.T) {
	samples := BytesToPCM16([]byte{0x01, 0x00, 0xAB})
	if len(samples) != 1 {
		t.Errorf("expected 1 sample, got %d", len(samples))
	}
}

func TestBase64_RoundTrip(t *testing.T) {
	data := []byte{0, 1, 2, 250, 255, 128}

	decoded, err := DecodeBase64(EncodeBase64(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Errorf("round trip mismatch: %v != %v", decoded, data)
	}
}

func TestDecodeBase64_Malformed(t *testing.T) {
	if _, err := DecodeBase64("not!!valid@@base64"); err == nil {
		t.Error("expected decode error for malformed input")
	}
}
