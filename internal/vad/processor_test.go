package vad

import (
	"math"
	"testing"
	"time"
)

func tone(amplitude float64, n int) []float64 {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*440*float64(i)/16000)
	}
	return samples
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float64
		windowSize int
		sampleRate int
		expectErr  bool
	}{
		{name: "valid parameters", threshold: 0.02, windowSize: 320, sampleRate: 16000},
		{name: "threshold too low", threshold: -0.1, windowSize: 320, sampleRate: 16000, expectErr: true},
		{name: "threshold too high", threshold: 1.1, windowSize: 320, sampleRate: 16000, expectErr: true},
		{name: "zero window", threshold: 0.02, windowSize: 0, sampleRate: 16000, expectErr: true},
		{name: "zero sample rate", threshold: 0.02, windowSize: 320, sampleRate: 0, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold, tt.windowSize, tt.sampleRate)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestProcess(t *testing.T) {
	p, err := NewProcessor(0.02, 320, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	loud, err := p.Process(tone(0.5, 320))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !loud.HasVoice {
		t.Errorf("Expected voice for loud tone, rms=%f", loud.RMS)
	}

	quiet, _ := p.Process(make([]float64, 320))
	if quiet.HasVoice || quiet.RMS != 0 {
		t.Errorf("Expected silence, got %+v", quiet)
	}

	if _, err := p.Process(nil); err == nil {
		t.Error("Expected error for empty window")
	}

	stats := p.GetStats()
	if stats.TotalWindows != 2 || stats.VoiceWindows != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.VoicePercentage != 50 {
		t.Errorf("Expected 50%% voice, got %f", stats.VoicePercentage)
	}
}

func TestAnalyzeSegments(t *testing.T) {
	p, _ := NewProcessor(0.02, 160, 16000) // 10ms windows

	// 50ms silence, 100ms tone, 50ms silence
	samples := append(make([]float64, 800), tone(0.5, 1600)...)
	samples = append(samples, make([]float64, 800)...)

	summary := p.Analyze(samples)

	if summary.Windows != 20 {
		t.Errorf("Expected 20 windows, got %d", summary.Windows)
	}
	if summary.VoiceWindows != 10 {
		t.Errorf("Expected 10 voiced windows, got %d", summary.VoiceWindows)
	}
	if summary.Silent() {
		t.Error("Expected capture not to be silent")
	}
	if len(summary.Segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(summary.Segments))
	}

	seg := summary.Segments[0]
	if seg.Start != 50*time.Millisecond || seg.End != 150*time.Millisecond {
		t.Errorf("Expected segment 50ms-150ms, got %v-%v", seg.Start, seg.End)
	}
	if math.Abs(summary.VoiceRatio-0.5) > 1e-9 {
		t.Errorf("Expected voice ratio 0.5, got %f", summary.VoiceRatio)
	}
}

func TestAnalyzeTrailingSegmentAndSilence(t *testing.T) {
	p, _ := NewProcessor(0.02, 160, 16000)

	summary := p.Analyze(append(make([]float64, 160), tone(0.5, 200)...))
	if len(summary.Segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(summary.Segments))
	}
	if summary.Segments[0].End != 22500*time.Microsecond {
		t.Errorf("Expected segment to end at capture end, got %v", summary.Segments[0].End)
	}

	silent := p.Analyze(make([]float64, 1600))
	if !silent.Silent() {
		t.Error("Expected silent capture")
	}

	stats := p.GetStats()
	if stats.Captures != 2 || stats.SilentCaptures != 1 {
		t.Errorf("Unexpected capture stats: %+v", stats)
	}

	p.Reset()
	if p.GetStats().TotalWindows != 0 {
		t.Error("Expected stats cleared after reset")
	}
}
