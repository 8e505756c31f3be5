package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"
)

// buildWAV assembles a WAV file with an arbitrary fmt chunk. A LIST chunk is
// placed before the data chunk so decoders must walk the chunk list.
func buildWAV(audioFormat uint16, channels, sampleRate, bits int, payload []byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	fmtChunk := make([]byte, 16)
	le.PutUint16(fmtChunk[0:2], audioFormat)
	le.PutUint16(fmtChunk[2:4], uint16(channels))
	le.PutUint32(fmtChunk[4:8], uint32(sampleRate))
	le.PutUint32(fmtChunk[8:12], uint32(sampleRate*channels*bits/8))
	le.PutUint16(fmtChunk[12:14], uint16(channels*bits/8))
	le.PutUint16(fmtChunk[14:16], uint16(bits))

	list := []byte("INFOISFT\x03\x00\x00\x00go\x00\x00")

	buf.WriteString("RIFF")
	binary.Write(&buf, le, uint32(4+8+len(fmtChunk)+8+len(list)+8+len(payload)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, le, uint32(len(fmtChunk)))
	buf.Write(fmtChunk)
	buf.WriteString("LIST")
	binary.Write(&buf, le, uint32(len(list)))
	buf.Write(list)
	buf.WriteString("data")
	binary.Write(&buf, le, uint32(len(payload)))
	buf.Write(payload)

	return buf.Bytes()
}

func TestEncodeForUpstreamResamples(t *testing.T) {
	codec := NewCodec(DefaultCodecConfig(), nil)

	for _, sourceRate := range []int{8000, 22050, 44100, 48000} {
		samples := sineSamples(440, sourceRate, time.Second)
		capture, err := EncodeContainer(FloatToPCM16(samples), sourceRate)
		if err != nil {
			t.Fatalf("EncodeContainer failed: %v", err)
		}

		out, degraded := codec.EncodeForUpstream(capture)
		if degraded {
			t.Fatalf("rate %d: unexpected silence fallback", sourceRate)
		}

		container, err := ParseContainer(out)
		if err != nil {
			t.Fatalf("rate %d: output is not a canonical container: %v", sourceRate, err)
		}

		expected := int(math.Round(float64(len(samples)) * 16000 / float64(sourceRate)))
		if diff := container.NumSamples() - expected; diff < -1 || diff > 1 {
			t.Errorf("rate %d: expected %d±1 samples, got %d", sourceRate, expected, container.NumSamples())
		}

		if container.Header.ByteRate != 32000 {
			t.Errorf("rate %d: expected byte rate 32000, got %d", sourceRate, container.Header.ByteRate)
		}

		if int(container.Header.Subchunk2Size) != len(container.PCM) {
			t.Errorf("rate %d: data size %d does not match payload %d",
				sourceRate, container.Header.Subchunk2Size, len(container.PCM))
		}
	}
}

func TestEncodeForUpstreamWithinToleranceKeepsSamples(t *testing.T) {
	codec := NewCodec(DefaultCodecConfig(), nil)

	samples := sineSamples(440, 16050, 500*time.Millisecond)
	capture, _ := EncodeContainer(FloatToPCM16(samples), 16050)

	out, degraded := codec.EncodeForUpstream(capture)
	if degraded {
		t.Fatal("unexpected silence fallback")
	}

	container, err := ParseContainer(out)
	if err != nil {
		t.Fatalf("ParseContainer failed: %v", err)
	}

	if container.NumSamples() != len(samples) {
		t.Errorf("Expected %d samples passed through, got %d", len(samples), container.NumSamples())
	}

	if container.SampleRate() != 16000 {
		t.Errorf("Expected container rate 16000, got %d", container.SampleRate())
	}
}

func TestEncodeForUpstreamMalformedYieldsSilence(t *testing.T) {
	codec := NewCodec(DefaultCodecConfig(), nil)

	inputs := map[string][]byte{
		"empty":         nil,
		"text":          []byte("definitely not audio"),
		"riff no data":  []byte("RIFF\x04\x00\x00\x00WAVE"),
		"unknown codec": buildWAV(0x55, 1, 16000, 16, make([]byte, 32)),
		"zero channels": buildWAV(1, 0, 16000, 16, make([]byte, 32)),
		"rate 1 Hz":     buildWAV(1, 1, 1, 16, make([]byte, 4000)),
		"rate 7999 Hz":  buildWAV(1, 1, 7999, 16, make([]byte, 4000)),
		"rate 192001":   buildWAV(1, 1, 192001, 16, make([]byte, 4000)),
		"rate max i32":  buildWAV(1, 1, math.MaxInt32, 16, make([]byte, 4000)),
		"mp3 no frames": []byte("ID3"),
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			out, degraded := codec.EncodeForUpstream(input)
			if !degraded {
				t.Fatal("Expected silence fallback")
			}

			container, err := ParseContainer(out)
			if err != nil {
				t.Fatalf("fallback is not a canonical container: %v", err)
			}

			if container.NumSamples() != 16000 {
				t.Errorf("Expected 16000 silent samples, got %d", container.NumSamples())
			}

			if container.Duration() != time.Second {
				t.Errorf("Expected 1s of silence, got %v", container.Duration())
			}

			for i, b := range container.PCM {
				if b != 0 {
					t.Fatalf("Expected silence, found byte %d at %d", b, i)
				}
			}
		})
	}
}

func TestDecodeCaptureRateBounds(t *testing.T) {
	tests := []struct {
		rate    int
		wantErr bool
	}{
		{rate: 0, wantErr: true},
		{rate: 1, wantErr: true},
		{rate: MinCaptureSampleRate - 1, wantErr: true},
		{rate: MinCaptureSampleRate},
		{rate: 44100},
		{rate: MaxCaptureSampleRate},
		{rate: MaxCaptureSampleRate + 1, wantErr: true},
	}

	for _, tt := range tests {
		_, _, err := DecodeCapture(buildWAV(1, 1, tt.rate, 16, make([]byte, 64)))
		if tt.wantErr && !errors.Is(err, ErrUnsupportedCapture) {
			t.Errorf("rate %d: expected ErrUnsupportedCapture, got %v", tt.rate, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("rate %d: unexpected error %v", tt.rate, err)
		}
	}
}

// Corrupt captures must never panic or blow up in size; they either decode
// or fall back to silence, and the result is always a canonical container.
func TestEncodeForUpstreamCorruptCaptures(t *testing.T) {
	codec := NewCodec(DefaultCodecConfig(), nil)
	rng := rand.New(rand.NewSource(1))

	riff := func(body []byte) []byte {
		out := []byte("RIFF\x00\x00\x00\x00WAVE")
		return append(out, body...)
	}
	prefixes := map[string]func([]byte) []byte{
		"mpeg1 sync": func(b []byte) []byte { return append([]byte{0xFF, 0xFB}, b...) },
		"mpeg2 sync": func(b []byte) []byte { return append([]byte{0xFF, 0xF3}, b...) },
		"id3":        func(b []byte) []byte { return append([]byte("ID3"), b...) },
		"riff":       riff,
		"riff fmt": func(b []byte) []byte {
			fmtChunk := append([]byte("fmt \x10\x00\x00\x00"), b...)
			return riff(fmtChunk)
		},
	}

	for name, build := range prefixes {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 600; i++ {
				body := make([]byte, rng.Intn(4096))
				rng.Read(body)
				input := build(body)

				out, degraded := codec.EncodeForUpstream(input)

				container, err := ParseContainer(out)
				if err != nil {
					t.Fatalf("iteration %d: output is not a canonical container: %v", i, err)
				}
				if container.SampleRate() != DefaultTargetSampleRate {
					t.Fatalf("iteration %d: expected rate %d, got %d", i, DefaultTargetSampleRate, container.SampleRate())
				}

				// WAV input expands at most 4x: 8-bit samples at the
				// minimum rate become 16-bit samples at twice the rate.
				if !degraded && bytes.HasPrefix(input, []byte("RIFF")) && len(out) > 4*len(input)+HeaderSize {
					t.Fatalf("iteration %d: %d byte capture produced %d bytes", i, len(input), len(out))
				}
			}
		})
	}
}

func TestDecodeCaptureStereoFloat(t *testing.T) {
	frames := 100
	payload := make([]byte, frames*2*4)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint32(payload[i*8:], math.Float32bits(0.5))
		binary.LittleEndian.PutUint32(payload[i*8+4:], math.Float32bits(-0.25))
	}

	samples, rate, err := DecodeCapture(buildWAV(3, 2, 48000, 32, payload))
	if err != nil {
		t.Fatalf("DecodeCapture failed: %v", err)
	}

	if rate != 48000 {
		t.Errorf("Expected rate 48000, got %d", rate)
	}

	if len(samples) != frames {
		t.Fatalf("Expected %d mono samples, got %d", frames, len(samples))
	}

	if math.Abs(samples[0]-0.125) > 1e-6 {
		t.Errorf("Expected downmixed sample 0.125, got %f", samples[0])
	}
}

func TestDecodeCapturePCMDepths(t *testing.T) {
	tests := []struct {
		name    string
		bits    int
		payload []byte
		want    float64
	}{
		{name: "8-bit", bits: 8, payload: []byte{192}, want: 0.5},
		{name: "16-bit", bits: 16, payload: []byte{0x00, 0xC0}, want: -0.5},
		{name: "24-bit", bits: 24, payload: []byte{0x00, 0x00, 0x40}, want: 0.5},
		{name: "32-bit", bits: 32, payload: []byte{0x00, 0x00, 0x00, 0xC0}, want: -0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, _, err := DecodeCapture(buildWAV(1, 1, 8000, tt.bits, tt.payload))
			if err != nil {
				t.Fatalf("DecodeCapture failed: %v", err)
			}

			if len(samples) != 1 {
				t.Fatalf("Expected 1 sample, got %d", len(samples))
			}

			if math.Abs(samples[0]-tt.want) > 1e-6 {
				t.Errorf("Expected %f, got %f", tt.want, samples[0])
			}
		})
	}
}

func TestDecodeCaptureUnsupported(t *testing.T) {
	_, _, err := DecodeCapture([]byte("OggS\x00\x02"))
	if !errors.Is(err, ErrUnsupportedCapture) {
		t.Errorf("Expected ErrUnsupportedCapture, got %v", err)
	}
}

func TestResample(t *testing.T) {
	samples := []float64{0, 1, 2, 3, 4, 5, 6, 7}

	down := Resample(samples, 16000, 8000, 100)
	if len(down) != 4 {
		t.Fatalf("Expected 4 samples, got %d", len(down))
	}
	for i, want := range []float64{0, 2, 4, 6} {
		if down[i] != want {
			t.Errorf("down[%d]: expected %v, got %v", i, want, down[i])
		}
	}

	up := Resample([]float64{1, 2}, 8000, 16000, 100)
	// Source index round(3*0.5)=2 is past the input and maps to silence.
	expected := []float64{1, 2, 2, 0}
	if len(up) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(up))
	}
	for i, want := range expected {
		if up[i] != want {
			t.Errorf("up[%d]: expected %v, got %v", i, want, up[i])
		}
	}

	same := Resample(samples, 16080, 16000, 100)
	if len(same) != len(samples) {
		t.Errorf("Expected passthrough within tolerance, got %d samples", len(same))
	}
}

func TestFloatToPCM16AsymmetricScaling(t *testing.T) {
	pcm := FloatToPCM16([]float64{-1, 1, -2, 2, 0, 0.5})

	want := []int16{-32768, 32767, -32768, 32767, 0, 16383}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if got != w {
			t.Errorf("sample %d: expected %d, got %d", i, w, got)
		}
	}
}

func TestDecodeForPlayback(t *testing.T) {
	pcm := []byte{0x00, 0x80, 0xFF, 0x7F, 0x00, 0x00, 0x00, 0x40, 0x01}

	buf := DecodeForPlayback(pcm, DefaultPlaybackSampleRate)

	want := []float64{-1, 32767.0 / 32768, 0, 0.5}
	if len(buf.Samples) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(buf.Samples))
	}
	for i, w := range want {
		if buf.Samples[i] != w {
			t.Errorf("sample %d: expected %v, got %v", i, w, buf.Samples[i])
		}
	}

	if buf.Peak() != 1 {
		t.Errorf("Expected peak 1, got %v", buf.Peak())
	}

	if buf.SampleRate != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", buf.SampleRate)
	}
}

func TestPlaybackRoundTrip(t *testing.T) {
	samples := sineSamples(440, DefaultPlaybackSampleRate, 50*time.Millisecond)

	buf := DecodeForPlayback(FloatToPCM16(samples), DefaultPlaybackSampleRate)

	if buf.Duration() != 50*time.Millisecond {
		t.Errorf("Expected 50ms, got %v", buf.Duration())
	}

	for i := range samples {
		if math.Abs(buf.Samples[i]-samples[i]) > 1.0/16384 {
			t.Fatalf("sample %d drifted: %f vs %f", i, buf.Samples[i], samples[i])
		}
	}
}
