package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv keeps the host environment from leaking into Load.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"GEMINI_API_KEY", "MODEL_NAME", "GEMINI_VOICE", "LOG_LEVEL", "PORT"} {
		t.Setenv(key, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Expected default port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Upstream.Model != DefaultModel {
		t.Errorf("Expected default model %s, got %s", DefaultModel, cfg.Upstream.Model)
	}
	if cfg.Upstream.HasAPIKey() {
		t.Error("Expected no API key by default")
	}
	if cfg.Upstream.MaxRetries != 0 {
		t.Errorf("Expected no automatic upstream retries by default, got %d", cfg.Upstream.MaxRetries)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:   "missing API key is allowed",
			mutate: func(c *Config) { c.Upstream.APIKey = "" },
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "non websocket upstream url",
			mutate:      func(c *Config) { c.Upstream.URL = "https://example.com/live" },
			expectError: true,
			errorMsg:    "url scheme must be ws or wss",
		},
		{
			name:        "empty model",
			mutate:      func(c *Config) { c.Upstream.Model = "" },
			expectError: true,
			errorMsg:    "model cannot be empty",
		},
		{
			name:        "zero response deadline",
			mutate:      func(c *Config) { c.Session.ResponseDeadline = 0 },
			expectError: true,
			errorMsg:    "response_deadline must be positive",
		},
		{
			name:        "negative interrupt grace",
			mutate:      func(c *Config) { c.Session.InterruptGrace = -1 },
			expectError: true,
			errorMsg:    "interrupt_grace_ms cannot be negative",
		},
		{
			name:        "target sample rate out of range",
			mutate:      func(c *Config) { c.Audio.TargetSampleRate = 4000 },
			expectError: true,
			errorMsg:    "target_sample_rate must be between 8000 and 48000 Hz",
		},
		{
			name:        "vad threshold out of range",
			mutate:      func(c *Config) { c.Audio.VADThreshold = 1.5 },
			expectError: true,
			errorMsg:    "vad_threshold must be between 0 and 1",
		},
		{
			name:        "metrics path without slash",
			mutate:      func(c *Config) { c.Metrics.Path = "metrics" },
			expectError: true,
			errorMsg:    "path must start with '/'",
		},
		{
			name: "metrics path ignored when disabled",
			mutate: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.Path = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	clearEnv(t)
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(*testing.T, *Config)
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  port: 8080
upstream:
  model: "gemini-live-test"
  voice: "Kore"
session:
  response_deadline: 4.5
  interrupt_grace_ms: 500
logging:
  level: "debug"
  format: "json"
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 8080 {
					t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
				}
				if cfg.Upstream.Voice != "Kore" {
					t.Errorf("Expected voice Kore, got %s", cfg.Upstream.Voice)
				}
				if cfg.Session.GetResponseDeadline() != 4500*time.Millisecond {
					t.Errorf("Expected 4.5s deadline, got %v", cfg.Session.GetResponseDeadline())
				}
				// Unset sections keep their defaults
				if cfg.Audio.TargetSampleRate != 16000 {
					t.Errorf("Expected default target rate, got %d", cfg.Audio.TargetSampleRate)
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid value",
			configYAML: `
logging:
  level: "verbose"
`,
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	clearEnv(t)

	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestConfigLoadEmptyPathUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected defaults to load, got: %v", err)
	}
	if cfg.Upstream.Voice != DefaultVoice {
		t.Errorf("Expected default voice, got %s", cfg.Upstream.Voice)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("MODEL_NAME", "env-model")
	t.Setenv("PORT", "4000")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Upstream.APIKey != "env-key" {
		t.Errorf("Expected API key from env, got %q", cfg.Upstream.APIKey)
	}
	if cfg.Upstream.Model != "env-model" {
		t.Errorf("Expected model from env, got %q", cfg.Upstream.Model)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Expected port 4000, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected lowercased level, got %q", cfg.Logging.Level)
	}
}

func TestApplyEnvInvalidPort(t *testing.T) {
	cfg := Default()
	lookup := func(key string) (string, bool) {
		if key == "PORT" {
			return "not-a-port", true
		}
		return "", false
	}

	err := cfg.ApplyEnv(lookup)
	if err == nil || !strings.Contains(err.Error(), "invalid PORT") {
		t.Errorf("Expected invalid PORT error, got %v", err)
	}
}

func TestSystemInstructionFile(t *testing.T) {
	clearEnv(t)
	tempDir := t.TempDir()

	promptPath := filepath.Join(tempDir, "prompt.txt")
	if err := os.WriteFile(promptPath, []byte("  Be brief.\n"), 0644); err != nil {
		t.Fatalf("Failed to write prompt: %v", err)
	}

	configPath := filepath.Join(tempDir, "config.yaml")
	yaml := "upstream:\n  system_instruction_file: \"" + filepath.ToSlash(promptPath) + "\"\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Upstream.SystemInstruction != "Be brief." {
		t.Errorf("Expected instruction from file, got %q", cfg.Upstream.SystemInstruction)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if cfg.Session.GetResponseDeadline() != 8*time.Second {
		t.Errorf("Expected 8 seconds, got %v", cfg.Session.GetResponseDeadline())
	}

	if cfg.Session.GetInterruptGrace() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5 seconds, got %v", cfg.Session.GetInterruptGrace())
	}

	if cfg.Session.GetIdleTimeout() != 300*time.Second {
		t.Errorf("Expected 300 seconds, got %v", cfg.Session.GetIdleTimeout())
	}

	if cfg.Upstream.GetSetupTimeout() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", cfg.Upstream.GetSetupTimeout())
	}

	if cfg.Audio.GetSilenceFallback() != time.Second {
		t.Errorf("Expected 1 second, got %v", cfg.Audio.GetSilenceFallback())
	}

	if cfg.Audio.GetVADWindowSamples() != 320 {
		t.Errorf("Expected 320 samples, got %d", cfg.Audio.GetVADWindowSamples())
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{name: "valid text", config: LoggingConfig{Level: "info", Format: "text"}, valid: true},
		{name: "valid json", config: LoggingConfig{Level: "warn", Format: "json"}, valid: true},
		{name: "invalid level", config: LoggingConfig{Level: "trace", Format: "text"}, valid: false},
		{name: "invalid format", config: LoggingConfig{Level: "info", Format: "xml"}, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config, got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config, got no error")
			}
		})
	}
}
