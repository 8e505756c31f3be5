// Package vad provides energy-based Voice Activity Detection for captured
// user audio. It measures windowed RMS levels so the relay can flag silent
// captures and report per-session voice statistics.
package vad
