package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Processor detects voice activity by windowed RMS energy. One processor
// is kept per relay session so its statistics describe that caller.
type Processor struct {
	threshold  float64
	windowSize int // Samples per window
	sampleRate int

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	captures      uint64
	silentCapture uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result is the outcome for a single window.
type Result struct {
	RMS      float64 `json:"rms"`
	Peak     float64 `json:"peak"`
	HasVoice bool    `json:"has_voice"`
}

// VoiceSegment is a continuous run of voiced windows within one capture,
// as offsets from the capture start.
type VoiceSegment struct {
	Start    time.Duration `json:"start"`
	End      time.Duration `json:"end"`
	Duration time.Duration `json:"duration"`
}

// Summary describes a whole capture.
type Summary struct {
	Windows      int             `json:"windows"`
	VoiceWindows int             `json:"voice_windows"`
	VoiceRatio   float64         `json:"voice_ratio"`
	Peak         float64         `json:"peak"`
	RMS          float64         `json:"rms"`
	Segments     []*VoiceSegment `json:"segments,omitempty"`
}

// Silent reports whether no window crossed the threshold.
func (s Summary) Silent() bool {
	return s.VoiceWindows == 0
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	Captures        uint64    `json:"captures"`
	SilentCaptures  uint64    `json:"silent_captures"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float64   `json:"threshold"`
}

// NewProcessor creates a new VAD processor. threshold is an RMS level in
// [0, 1] over samples normalized to [-1, 1].
func NewProcessor(threshold float64, windowSize int, sampleRate int) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:  threshold,
		windowSize: windowSize,
		sampleRate: sampleRate,
	}, nil
}

// Process classifies one window of samples.
func (p *Processor) Process(samples []float64) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty window")
	}

	result := p.measure(samples)

	p.mu.Lock()
	p.totalWindows++
	if result.HasVoice {
		p.voiceWindows++
	}
	p.lastProcessed = time.Now()
	p.mu.Unlock()

	return result, nil
}

func (p *Processor) measure(samples []float64) *Result {
	var energy, peak float64
	for _, s := range samples {
		energy += s * s
		peak = math.Max(peak, math.Abs(s))
	}
	rms := math.Sqrt(energy / float64(len(samples)))

	return &Result{
		RMS:      rms,
		Peak:     peak,
		HasVoice: rms >= p.threshold,
	}
}

// Analyze splits a capture into consecutive windows (the last one may be
// short) and summarizes its voice activity.
func (p *Processor) Analyze(samples []float64) Summary {
	var (
		summary Summary
		energy  float64
		current *VoiceSegment
	)

	windowDuration := time.Duration(p.windowSize) * time.Second / time.Duration(p.sampleRate)

	for start := 0; start < len(samples); start += p.windowSize {
		end := min(start+p.windowSize, len(samples))

		result, _ := p.Process(samples[start:end])
		summary.Windows++
		summary.Peak = math.Max(summary.Peak, result.Peak)
		for _, s := range samples[start:end] {
			energy += s * s
		}

		offset := time.Duration(summary.Windows-1) * windowDuration
		if result.HasVoice {
			summary.VoiceWindows++
			if current == nil {
				current = &VoiceSegment{Start: offset}
			}
			continue
		}
		if current != nil {
			current.End = offset
			current.Duration = current.End - current.Start
			summary.Segments = append(summary.Segments, current)
			current = nil
		}
	}

	if current != nil {
		current.End = time.Duration(len(samples)) * time.Second / time.Duration(p.sampleRate)
		current.Duration = current.End - current.Start
		summary.Segments = append(summary.Segments, current)
	}

	if len(samples) > 0 {
		summary.RMS = math.Sqrt(energy / float64(len(samples)))
	}
	if summary.Windows > 0 {
		summary.VoiceRatio = float64(summary.VoiceWindows) / float64(summary.Windows)
	}

	p.mu.Lock()
	p.captures++
	if summary.Silent() {
		p.silentCapture++
	}
	p.mu.Unlock()

	return summary
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		Captures:        p.captures,
		SilentCaptures:  p.silentCapture,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// Reset resets the processor statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.captures = 0
	p.silentCapture = 0
	p.lastProcessed = time.Time{}
}

// GetThreshold returns the current voice detection threshold
func (p *Processor) GetThreshold() float64 {
	return p.threshold
}

// GetWindowSize returns the window size in samples
func (p *Processor) GetWindowSize() int {
	return p.windowSize
}
