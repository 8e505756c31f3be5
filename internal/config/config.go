package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUpstreamURL is the Gemini Live bidirectional streaming endpoint.
	DefaultUpstreamURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	// DefaultModel is used when neither the file nor MODEL_NAME names one.
	DefaultModel = "gemini-2.0-flash-live-001"
	// DefaultVoice is the prebuilt voice requested at setup.
	DefaultVoice = "Puck"
	// DefaultSystemInstruction is sent when no instruction is configured.
	DefaultSystemInstruction = "You are a friendly voice assistant. Keep answers conversational and short."
	// DefaultPlaceholderTranscript labels user turns without a local transcript.
	DefaultPlaceholderTranscript = "[Voice message]"
	// DefaultNoResponseMessage is sent when the response deadline expires.
	DefaultNoResponseMessage = "Sorry, I didn't get that. Please try speaking again."
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains the HTTP/WebSocket listener configuration
type ServerConfig struct {
	Address         string `yaml:"address"`
	Port            int    `yaml:"port"`
	ReadTimeout     int    `yaml:"read_timeout"`  // seconds
	WriteTimeout    int    `yaml:"write_timeout"` // seconds
	IdleTimeout     int    `yaml:"idle_timeout"`  // seconds
	StaticDir       string `yaml:"static_dir"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
	PingInterval    int    `yaml:"ping_interval"` // seconds
}

// UpstreamConfig contains the Gemini Live session configuration
type UpstreamConfig struct {
	URL                   string `yaml:"url"`
	APIKey                string `yaml:"api_key"`
	Model                 string `yaml:"model"`
	Voice                 string `yaml:"voice"`
	SystemInstruction     string `yaml:"system_instruction"`
	SystemInstructionFile string `yaml:"system_instruction_file"`
	DialTimeout           int    `yaml:"dial_timeout"`  // seconds
	SetupTimeout          int    `yaml:"setup_timeout"` // seconds
	WriteTimeout          int    `yaml:"write_timeout"` // seconds
	MaxMessageBytes       int64  `yaml:"max_message_bytes"`
	MaxRetries            int    `yaml:"max_retries"`
	MaxConcurrentDials    int    `yaml:"max_concurrent_dials"`
}

// SessionConfig contains per-client session behavior
type SessionConfig struct {
	ResponseDeadline      float64 `yaml:"response_deadline"`  // seconds
	IdleTimeout           int     `yaml:"idle_timeout"`       // seconds, 0 disables
	CleanupInterval       int     `yaml:"cleanup_interval"`   // seconds
	InterruptGrace        int     `yaml:"interrupt_grace_ms"` // milliseconds
	MaxTurnAudioBytes     int     `yaml:"max_turn_audio_bytes"`
	OutboundQueueSize     int     `yaml:"outbound_queue_size"`
	PlaceholderTranscript string  `yaml:"placeholder_transcript"`
	NoResponseMessage     string  `yaml:"no_response_message"`
}

// AudioConfig contains audio processing parameters
type AudioConfig struct {
	TargetSampleRate   int     `yaml:"target_sample_rate"`
	PlaybackSampleRate int     `yaml:"playback_sample_rate"`
	ResampleTolerance  int     `yaml:"resample_tolerance"` // Hz
	SilenceFallback    float64 `yaml:"silence_fallback"`   // seconds
	VADThreshold       float64 `yaml:"vad_threshold"`      // RMS in [0, 1]
	VADWindow          int     `yaml:"vad_window_ms"`      // milliseconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            3000,
			ReadTimeout:     10,
			WriteTimeout:    10,
			IdleTimeout:     60,
			MaxMessageBytes: 16 << 20,
			PingInterval:    30,
		},
		Upstream: UpstreamConfig{
			URL:                DefaultUpstreamURL,
			Model:              DefaultModel,
			Voice:              DefaultVoice,
			SystemInstruction:  DefaultSystemInstruction,
			DialTimeout:        15,
			SetupTimeout:       10,
			WriteTimeout:       10,
			MaxMessageBytes:    16 << 20,
			MaxRetries:         0,
			MaxConcurrentDials: 16,
		},
		Session: SessionConfig{
			ResponseDeadline:      8,
			IdleTimeout:           300,
			CleanupInterval:       30,
			InterruptGrace:        1500,
			MaxTurnAudioBytes:     32 << 20,
			OutboundQueueSize:     256,
			PlaceholderTranscript: DefaultPlaceholderTranscript,
			NoResponseMessage:     DefaultNoResponseMessage,
		},
		Audio: AudioConfig{
			TargetSampleRate:   16000,
			PlaybackSampleRate: 24000,
			ResampleTolerance:  100,
			SilenceFallback:    1,
			VADThreshold:       0.02,
			VADWindow:          20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty), a .env file in the working directory, and the process
// environment, in that order of precedence.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}

	if err := config.Upstream.loadSystemInstruction(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("GEMINI_API_KEY"); ok && v != "" {
		c.Upstream.APIKey = v
	}

	if v, ok := lookup("MODEL_NAME"); ok && v != "" {
		c.Upstream.Model = v
	}

	if v, ok := lookup("GEMINI_VOICE"); ok && v != "" {
		c.Upstream.Voice = v
	}

	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}

	return nil
}

func (u *UpstreamConfig) loadSystemInstruction() error {
	if u.SystemInstructionFile == "" {
		return nil
	}

	data, err := os.ReadFile(u.SystemInstructionFile)
	if err != nil {
		return fmt.Errorf("failed to read system instruction file %s: %w", u.SystemInstructionFile, err)
	}

	u.SystemInstruction = strings.TrimSpace(string(data))
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.ReadTimeout < 1 || s.WriteTimeout < 1 {
		return fmt.Errorf("read_timeout and write_timeout must be at least 1 second")
	}

	if s.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", s.MaxMessageBytes)
	}

	if s.PingInterval < 0 {
		return fmt.Errorf("ping_interval cannot be negative, got %d", s.PingInterval)
	}

	if s.StaticDir != "" {
		info, err := os.Stat(s.StaticDir)
		if err != nil {
			return fmt.Errorf("static_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("static_dir %s is not a directory", s.StaticDir)
		}
	}

	return nil
}

// Validate validates upstream configuration. A missing API key is not an
// error here: sessions report it to their client when they start.
func (u *UpstreamConfig) Validate() error {
	parsed, err := url.Parse(u.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("url scheme must be ws or wss, got '%s'", parsed.Scheme)
	}

	if u.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if u.Voice == "" {
		return fmt.Errorf("voice cannot be empty")
	}

	if u.DialTimeout < 1 || u.SetupTimeout < 1 || u.WriteTimeout < 1 {
		return fmt.Errorf("dial_timeout, setup_timeout and write_timeout must be at least 1 second")
	}

	if u.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", u.MaxMessageBytes)
	}

	if u.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", u.MaxRetries)
	}

	if u.MaxConcurrentDials < 1 {
		return fmt.Errorf("max_concurrent_dials must be at least 1, got %d", u.MaxConcurrentDials)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.ResponseDeadline <= 0 {
		return fmt.Errorf("response_deadline must be positive, got %f", s.ResponseDeadline)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	if s.InterruptGrace < 0 {
		return fmt.Errorf("interrupt_grace_ms cannot be negative, got %d", s.InterruptGrace)
	}

	if s.MaxTurnAudioBytes < 0 {
		return fmt.Errorf("max_turn_audio_bytes cannot be negative, got %d", s.MaxTurnAudioBytes)
	}

	if s.OutboundQueueSize < 1 {
		return fmt.Errorf("outbound_queue_size must be at least 1, got %d", s.OutboundQueueSize)
	}

	if s.PlaceholderTranscript == "" {
		return fmt.Errorf("placeholder_transcript cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.TargetSampleRate < 8000 || a.TargetSampleRate > 48000 {
		return fmt.Errorf("target_sample_rate must be between 8000 and 48000 Hz, got %d", a.TargetSampleRate)
	}

	if a.PlaybackSampleRate < 8000 || a.PlaybackSampleRate > 48000 {
		return fmt.Errorf("playback_sample_rate must be between 8000 and 48000 Hz, got %d", a.PlaybackSampleRate)
	}

	if a.ResampleTolerance < 0 {
		return fmt.Errorf("resample_tolerance cannot be negative, got %d", a.ResampleTolerance)
	}

	if a.SilenceFallback <= 0 {
		return fmt.Errorf("silence_fallback must be positive, got %f", a.SilenceFallback)
	}

	if a.VADThreshold < 0 || a.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", a.VADThreshold)
	}

	if a.VADWindow < 1 {
		return fmt.Errorf("vad_window_ms must be at least 1, got %d", a.VADWindow)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", m.Path)
	}

	return nil
}

// HasAPIKey reports whether upstream credentials are configured.
func (u *UpstreamConfig) HasAPIKey() bool {
	return u.APIKey != ""
}

// GetDialTimeout returns the upstream dial timeout as a time.Duration
func (u *UpstreamConfig) GetDialTimeout() time.Duration {
	return time.Duration(u.DialTimeout) * time.Second
}

// GetSetupTimeout returns the setup handshake timeout as a time.Duration
func (u *UpstreamConfig) GetSetupTimeout() time.Duration {
	return time.Duration(u.SetupTimeout) * time.Second
}

// GetWriteTimeout returns the upstream write timeout as a time.Duration
func (u *UpstreamConfig) GetWriteTimeout() time.Duration {
	return time.Duration(u.WriteTimeout) * time.Second
}

// GetReadTimeout returns the HTTP read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetIdleTimeout returns the HTTP keep-alive timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetPingInterval returns the WebSocket keepalive interval as a time.Duration
func (s *ServerConfig) GetPingInterval() time.Duration {
	return time.Duration(s.PingInterval) * time.Second
}

// GetResponseDeadline returns the advisory response deadline as a time.Duration
func (s *SessionConfig) GetResponseDeadline() time.Duration {
	return time.Duration(s.ResponseDeadline * float64(time.Second))
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupInterval returns the registry sweep interval as a time.Duration
func (s *SessionConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetInterruptGrace returns the stale-fragment window as a time.Duration
func (s *SessionConfig) GetInterruptGrace() time.Duration {
	return time.Duration(s.InterruptGrace) * time.Millisecond
}

// GetSilenceFallback returns the fallback silence length as a time.Duration
func (a *AudioConfig) GetSilenceFallback() time.Duration {
	return time.Duration(a.SilenceFallback * float64(time.Second))
}

// GetVADWindowSamples returns the VAD window length in samples at the target rate
func (a *AudioConfig) GetVADWindowSamples() int {
	return a.TargetSampleRate * a.VADWindow / 1000
}
