package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

const (
	// DefaultTargetSampleRate is the rate the upstream session expects.
	DefaultTargetSampleRate = 16000
	// DefaultPlaybackSampleRate is the rate of model audio fragments.
	DefaultPlaybackSampleRate = 24000
	// DefaultResampleTolerance is the rate difference, in Hz, below which
	// captures are passed through without resampling.
	DefaultResampleTolerance = 100
	// DefaultSilenceDuration is the length of the fallback payload.
	DefaultSilenceDuration = time.Second

	// Declared capture rates outside this range are rejected. The bound keeps
	// resampling output within a small multiple of the input size.
	MinCaptureSampleRate = 8000
	MaxCaptureSampleRate = 192000
)

// ErrUnsupportedCapture is returned when a capture matches no known format.
var ErrUnsupportedCapture = errors.New("unsupported capture format")

// CodecConfig holds the codec parameters.
type CodecConfig struct {
	TargetSampleRate  int
	ResampleTolerance int
	SilenceDuration   time.Duration
}

// DefaultCodecConfig returns the parameters used by the relay.
func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		TargetSampleRate:  DefaultTargetSampleRate,
		ResampleTolerance: DefaultResampleTolerance,
		SilenceDuration:   DefaultSilenceDuration,
	}
}

// Codec converts captured audio into the canonical container. It holds no
// per-call state and is safe for concurrent use.
type Codec struct {
	cfg    CodecConfig
	logger *slog.Logger
}

// NewCodec creates a codec. Zero fields in cfg fall back to the defaults.
func NewCodec(cfg CodecConfig, logger *slog.Logger) *Codec {
	def := DefaultCodecConfig()
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = def.TargetSampleRate
	}
	if cfg.ResampleTolerance < 0 {
		cfg.ResampleTolerance = def.ResampleTolerance
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = def.SilenceDuration
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Codec{cfg: cfg, logger: logger}
}

// TargetSampleRate returns the rate of containers produced by the codec.
func (c *Codec) TargetSampleRate() int {
	return c.cfg.TargetSampleRate
}

// EncodeForUpstream converts a capture into a canonical container at the
// target rate. It never fails: an undecodable capture yields the silence
// fallback and degraded is set.
func (c *Codec) EncodeForUpstream(capture []byte) (container []byte, degraded bool) {
	container, err := c.Encode(capture)
	if err != nil {
		c.logger.Warn("Capture decode failed, substituting silence",
			slog.String("error", err.Error()),
			slog.Int("capture_bytes", len(capture)),
			slog.Duration("silence", c.cfg.SilenceDuration),
		)
		return c.Silence(), true
	}
	return container, false
}

// Encode is the strict form of EncodeForUpstream.
func (c *Codec) Encode(capture []byte) ([]byte, error) {
	samples, rate, err := DecodeCapture(capture)
	if err != nil {
		return nil, err
	}

	samples = Resample(samples, rate, c.cfg.TargetSampleRate, c.cfg.ResampleTolerance)

	return EncodeContainer(FloatToPCM16(samples), c.cfg.TargetSampleRate)
}

// Silence returns the fallback payload: SilenceDuration of zero samples at
// the target rate.
func (c *Codec) Silence() []byte {
	n := int(c.cfg.SilenceDuration * time.Duration(c.cfg.TargetSampleRate) / time.Second)
	container, _ := EncodeContainer(make([]byte, n*BytesPerSample), c.cfg.TargetSampleRate)
	return container
}

// DecodeCapture decodes a WAV or MP3 capture into mono samples in [-1, 1].
func DecodeCapture(capture []byte) ([]float64, int, error) {
	switch {
	case len(capture) >= 12 && string(capture[0:4]) == "RIFF" && string(capture[8:12]) == "WAVE":
		return decodeWAVCapture(capture)
	case len(capture) >= 3 && string(capture[0:3]) == "ID3",
		len(capture) >= 2 && capture[0] == 0xFF && capture[1]&0xE0 == 0xE0:
		return decodeMP3Capture(capture)
	default:
		return nil, 0, fmt.Errorf("%w (%d bytes)", ErrUnsupportedCapture, len(capture))
	}
}

// wavFormat is the subset of a fmt chunk needed for decoding.
type wavFormat struct {
	audioFormat   uint16
	channels      int
	sampleRate    int
	bitsPerSample int
}

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// decodeWAVCapture walks the RIFF chunk list, so it accepts any PCM or
// float WAV regardless of chunk order or extra chunks.
func decodeWAVCapture(data []byte) ([]float64, int, error) {
	var (
		format  *wavFormat
		payload []byte
	)

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := data[off+8:]
		if size > len(body) || size < 0 {
			// Streamed captures may leave the size unset; take what is there.
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			f, err := parseWAVFormat(body)
			if err != nil {
				return nil, 0, err
			}
			format = f
		case "data":
			payload = body
		}

		off += 8 + size + size%2
	}

	if format == nil {
		return nil, 0, fmt.Errorf("invalid WAV capture: missing fmt chunk")
	}
	if payload == nil {
		return nil, 0, fmt.Errorf("invalid WAV capture: missing data chunk")
	}

	samples, err := wavSamples(payload, format)
	if err != nil {
		return nil, 0, err
	}
	return samples, format.sampleRate, nil
}

func parseWAVFormat(body []byte) (*wavFormat, error) {
	if len(body) < 16 {
		return nil, fmt.Errorf("invalid WAV capture: fmt chunk too short (%d bytes)", len(body))
	}

	f := &wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(body[0:2]),
		channels:      int(binary.LittleEndian.Uint16(body[2:4])),
		sampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
		bitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
	}
	if f.audioFormat == wavFormatExtensible && len(body) >= 26 {
		f.audioFormat = binary.LittleEndian.Uint16(body[24:26])
	}

	if f.channels < 1 {
		return nil, fmt.Errorf("invalid WAV capture: %d channels", f.channels)
	}
	if err := checkCaptureRate(f.sampleRate); err != nil {
		return nil, err
	}
	return f, nil
}

// wavSamples converts interleaved frames to mono by averaging channels.
func wavSamples(payload []byte, f *wavFormat) ([]float64, error) {
	var read func(b []byte) float64

	switch {
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 8:
		read = func(b []byte) float64 { return (float64(b[0]) - 128) / 128 }
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 16:
		read = func(b []byte) float64 { return float64(int16(binary.LittleEndian.Uint16(b))) / 32768 }
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 24:
		read = func(b []byte) float64 {
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			return float64(v) / 8388608
		}
	case f.audioFormat == wavFormatPCM && f.bitsPerSample == 32:
		read = func(b []byte) float64 { return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648 }
	case f.audioFormat == wavFormatFloat && f.bitsPerSample == 32:
		read = func(b []byte) float64 { return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))) }
	case f.audioFormat == wavFormatFloat && f.bitsPerSample == 64:
		read = func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }
	default:
		return nil, fmt.Errorf("%w: WAV format %d with %d-bit samples",
			ErrUnsupportedCapture, f.audioFormat, f.bitsPerSample)
	}

	width := f.bitsPerSample / 8
	frame := width * f.channels
	frames := len(payload) / frame
	if frames == 0 {
		return nil, fmt.Errorf("no audio data found")
	}

	samples := make([]float64, frames)
	for i := range samples {
		var sum float64
		base := i * frame
		for ch := 0; ch < f.channels; ch++ {
			sum += read(payload[base+ch*width:])
		}
		samples[i] = sum / float64(f.channels)
	}
	return samples, nil
}

func checkCaptureRate(rate int) error {
	if rate < MinCaptureSampleRate || rate > MaxCaptureSampleRate {
		return fmt.Errorf("%w: sample rate %d Hz", ErrUnsupportedCapture, rate)
	}
	return nil
}

// decodeMP3Capture decodes an MP3 stream. The decoder always produces
// 16-bit little-endian stereo.
func decodeMP3Capture(data []byte) ([]float64, int, error) {
	pcm, rate, err := readMP3(data)
	if err != nil {
		return nil, 0, err
	}
	if err := checkCaptureRate(rate); err != nil {
		return nil, 0, err
	}

	const frame = 4
	frames := len(pcm) / frame
	if frames == 0 {
		return nil, 0, fmt.Errorf("no audio data found")
	}

	samples := make([]float64, frames)
	for i := range samples {
		l := int16(binary.LittleEndian.Uint16(pcm[i*frame:]))
		r := int16(binary.LittleEndian.Uint16(pcm[i*frame+2:]))
		samples[i] = (float64(l) + float64(r)) / 2 / 32768
	}
	return samples, rate, nil
}

// readMP3 runs the decoder over data. The decoder indexes frame tables
// without bounds checks and panics on corrupt frames, so panics are turned
// into errors here.
func readMP3(data []byte) (pcm []byte, rate int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pcm, rate = nil, 0
			err = fmt.Errorf("%w: corrupt MP3: %v", ErrUnsupportedCapture, r)
		}
	}()

	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open MP3 capture: %w", err)
	}

	pcm, err = io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode MP3 capture: %w", err)
	}
	return pcm, dec.SampleRate(), nil
}

// Resample maps samples from srcRate to dstRate by nearest-neighbour index
// mapping. Rates within tolerance Hz of each other are passed through.
// Destination indices whose source index falls past the input map to 0.
func Resample(samples []float64, srcRate, dstRate, tolerance int) []float64 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	diff := srcRate - dstRate
	if diff < 0 {
		diff = -diff
	}
	if diff <= tolerance {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	n := int(math.Round(float64(len(samples)) / ratio))

	out := make([]float64, n)
	for i := range out {
		src := int(math.Round(float64(i) * ratio))
		if src < len(samples) {
			out[i] = samples[src]
		}
	}
	return out
}

// FloatToPCM16 clamps samples to [-1, 1] and scales them to little-endian
// signed 16-bit PCM. Negative values scale by 32768 and non-negative values
// by 32767 so both extremes are representable.
func FloatToPCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		s = math.Max(-1, math.Min(1, s))

		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}

// PlaybackBuffer is model audio normalized for rendering.
type PlaybackBuffer struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the playback length.
func (p PlaybackBuffer) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(p.Samples)) * time.Second / time.Duration(p.SampleRate)
}

// Peak returns the largest absolute sample value.
func (p PlaybackBuffer) Peak() float64 {
	var peak float64
	for _, s := range p.Samples {
		peak = math.Max(peak, math.Abs(s))
	}
	return peak
}

// DecodeForPlayback interprets little-endian 16-bit PCM as samples in
// [-1, 1] by dividing by 32768. A trailing odd byte is ignored.
func DecodeForPlayback(pcm []byte, sampleRate int) PlaybackBuffer {
	samples := make([]float64, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))) / 32768
	}
	return PlaybackBuffer{Samples: samples, SampleRate: sampleRate}
}
