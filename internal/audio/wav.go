package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// HeaderSize is the length of the canonical container header.
	HeaderSize = 44
	// BitsPerSample is fixed for every container the relay produces.
	BitsPerSample = 16
	// BytesPerSample is the PCM frame size of a mono 16-bit stream.
	BytesPerSample = BitsPerSample / 8
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// NewWAVHeader returns the canonical mono 16-bit PCM header for a payload of
// dataSize bytes. Every field is derived from dataSize and sampleRate.
func NewWAVHeader(dataSize uint32, sampleRate int) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * BytesPerSample,
		BlockAlign:    BytesPerSample,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeContainer wraps little-endian PCM-16 mono bytes in the canonical
// container. An empty payload is valid and yields a bare header.
func EncodeContainer(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("pcm length must be even (got %d bytes)", len(pcm))
	}

	header := NewWAVHeader(uint32(len(pcm)), sampleRate)

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// Container is a parsed canonical container.
type Container struct {
	Header WAVHeader
	PCM    []byte
}

// ParseContainer validates data as a canonical container and returns its
// header and payload. Any deviation from the mono 16-bit layout, or a header
// whose sizes disagree with the payload, is rejected.
func ParseContainer(data []byte) (*Container, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", HeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(header.ChunkID[:]) != "RIFF":
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(header.Format[:]) != "WAVE":
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(header.Subchunk1ID[:]) != "fmt " || header.Subchunk1Size != 16:
		return nil, fmt.Errorf("invalid WAV file: non-canonical fmt chunk")
	case string(header.Subchunk2ID[:]) != "data":
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	case header.AudioFormat != 1:
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	case header.NumChannels != 1:
		return nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	case header.BitsPerSample != BitsPerSample:
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	case header.SampleRate == 0:
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	expected := NewWAVHeader(header.Subchunk2Size, int(header.SampleRate))
	if header != expected {
		return nil, fmt.Errorf("inconsistent WAV header: byte_rate=%d block_align=%d chunk_size=%d",
			header.ByteRate, header.BlockAlign, header.ChunkSize)
	}

	payload := data[HeaderSize:]
	if uint32(len(payload)) != header.Subchunk2Size {
		return nil, fmt.Errorf("data size mismatch: header declares %d bytes, payload has %d",
			header.Subchunk2Size, len(payload))
	}

	return &Container{Header: header, PCM: payload}, nil
}

// SampleRate returns the declared sample rate.
func (c *Container) SampleRate() int {
	return int(c.Header.SampleRate)
}

// NumSamples returns the number of PCM samples in the payload.
func (c *Container) NumSamples() int {
	return len(c.PCM) / BytesPerSample
}

// Duration returns the playback length of the payload.
func (c *Container) Duration() time.Duration {
	if c.Header.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.NumSamples()) * time.Second / time.Duration(c.Header.SampleRate)
}

// WAVInfo summarizes a container for logs and API responses.
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// Info returns the container metadata.
func (c *Container) Info() WAVInfo {
	return WAVInfo{
		SampleRate:    c.Header.SampleRate,
		Channels:      c.Header.NumChannels,
		BitsPerSample: c.Header.BitsPerSample,
		Duration:      c.Duration().Seconds(),
		DataSize:      c.Header.Subchunk2Size,
		NumSamples:    uint32(c.NumSamples()),
	}
}
