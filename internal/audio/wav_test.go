package audio

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"
	"time"
)

// sineSamples generates a tone at half amplitude.
func sineSamples(frequency float64, sampleRate int, duration time.Duration) []float64 {
	n := int(duration * time.Duration(sampleRate) / time.Second)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*frequency*float64(i)/float64(sampleRate))
	}
	return samples
}

func TestEncodeContainer(t *testing.T) {
	samples := sineSamples(440, 16000, 100*time.Millisecond)
	pcm := FloatToPCM16(samples)

	wavData, err := EncodeContainer(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeContainer failed: %v", err)
	}

	expectedSize := HeaderSize + len(samples)*2
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if string(wavData[0:4]) != "RIFF" || string(wavData[8:12]) != "WAVE" || string(wavData[36:40]) != "data" {
		t.Errorf("Unexpected chunk markers in header: %q", wavData[:HeaderSize])
	}

	if got := binary.LittleEndian.Uint32(wavData[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("Expected chunk size %d, got %d", 36+len(pcm), got)
	}

	if got := binary.LittleEndian.Uint32(wavData[28:32]); got != 32000 {
		t.Errorf("Expected byte rate 32000, got %d", got)
	}

	if got := binary.LittleEndian.Uint16(wavData[32:34]); got != 2 {
		t.Errorf("Expected block align 2, got %d", got)
	}

	container, err := ParseContainer(wavData)
	if err != nil {
		t.Fatalf("ParseContainer failed: %v", err)
	}

	if container.NumSamples() != len(samples) {
		t.Errorf("Expected %d samples, got %d", len(samples), container.NumSamples())
	}

	if container.Duration() != 100*time.Millisecond {
		t.Errorf("Expected duration 100ms, got %v", container.Duration())
	}

	info := container.Info()
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("Unexpected WAV info: %+v", info)
	}
}

func TestEncodeContainerEmptyPayload(t *testing.T) {
	wavData, err := EncodeContainer(nil, 16000)
	if err != nil {
		t.Fatalf("EncodeContainer failed: %v", err)
	}

	if len(wavData) != HeaderSize {
		t.Fatalf("Expected bare header of %d bytes, got %d", HeaderSize, len(wavData))
	}

	container, err := ParseContainer(wavData)
	if err != nil {
		t.Fatalf("ParseContainer failed: %v", err)
	}

	if container.NumSamples() != 0 {
		t.Errorf("Expected no samples, got %d", container.NumSamples())
	}
}

func TestEncodeContainerErrors(t *testing.T) {
	if _, err := EncodeContainer([]byte{1, 2}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}

	if _, err := EncodeContainer([]byte{1, 2, 3}, 16000); err == nil {
		t.Error("Expected error for odd payload length")
	}
}

func TestParseContainerRejectsNonCanonical(t *testing.T) {
	valid, err := EncodeContainer(make([]byte, 64), 16000)
	if err != nil {
		t.Fatalf("EncodeContainer failed: %v", err)
	}

	tests := []struct {
		name     string
		mutate   func(b []byte) []byte
		errorMsg string
	}{
		{
			name:     "too short",
			mutate:   func(b []byte) []byte { return b[:20] },
			errorMsg: "too short",
		},
		{
			name:     "missing RIFF",
			mutate:   func(b []byte) []byte { copy(b[0:4], "RIFX"); return b },
			errorMsg: "missing RIFF",
		},
		{
			name: "stereo",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[22:24], 2)
				return b
			},
			errorMsg: "only mono",
		},
		{
			name: "8-bit",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[34:36], 8)
				return b
			},
			errorMsg: "only 16-bit",
		},
		{
			name: "wrong byte rate",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[28:32], 44100)
				return b
			},
			errorMsg: "inconsistent",
		},
		{
			name:     "truncated payload",
			mutate:   func(b []byte) []byte { return b[:len(b)-2] },
			errorMsg: "data size mismatch",
		},
		{
			name:     "float format",
			mutate:   func(b []byte) []byte { binary.LittleEndian.PutUint16(b[20:22], 3); return b },
			errorMsg: "only PCM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), valid...))

			_, err := ParseContainer(data)
			if err == nil {
				t.Fatal("Expected error but got none")
			}

			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}
