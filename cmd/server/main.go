package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/gemini-voice-relay/internal/audio"
	"github.com/skypro1111/gemini-voice-relay/internal/config"
	"github.com/skypro1111/gemini-voice-relay/internal/metrics"
	"github.com/skypro1111/gemini-voice-relay/internal/relay"
	"github.com/skypro1111/gemini-voice-relay/internal/server"
	"github.com/skypro1111/gemini-voice-relay/internal/upstream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "gemini-voice-relay"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty for defaults)")
	flag.Parse()

	path := *configPath
	if path == defaultConfigPath {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}

	// Load configuration
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", path),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.String("model", cfg.Upstream.Model),
		slog.String("voice", cfg.Upstream.Voice),
		slog.Bool("api_key_configured", cfg.Upstream.HasAPIKey()),
		slog.Duration("response_deadline", cfg.Session.GetResponseDeadline()),
		slog.Int("target_sample_rate", cfg.Audio.TargetSampleRate),
		slog.String("log_level", cfg.Logging.Level),
	)

	if !cfg.Upstream.HasAPIKey() {
		logger.Warn("GEMINI_API_KEY is not set; sessions will fail to start")
	}

	// Initialize Prometheus metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(promRegistry)

	dialer, err := upstream.NewDialer(upstream.Config{
		URL:               cfg.Upstream.URL,
		APIKey:            cfg.Upstream.APIKey,
		Model:             cfg.Upstream.Model,
		Voice:             cfg.Upstream.Voice,
		SystemInstruction: cfg.Upstream.SystemInstruction,
		DialTimeout:       cfg.Upstream.GetDialTimeout(),
		SetupTimeout:      cfg.Upstream.GetSetupTimeout(),
		WriteTimeout:      cfg.Upstream.GetWriteTimeout(),
		MaxMessageBytes:   cfg.Upstream.MaxMessageBytes,
		MaxRetries:        cfg.Upstream.MaxRetries,
		MaxConcurrent:     cfg.Upstream.MaxConcurrentDials,
	}, logger)
	if err != nil {
		logger.Error("Failed to create upstream dialer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	codec := audio.NewCodec(audio.CodecConfig{
		TargetSampleRate:  cfg.Audio.TargetSampleRate,
		ResampleTolerance: cfg.Audio.ResampleTolerance,
		SilenceDuration:   cfg.Audio.GetSilenceFallback(),
	}, logger)

	sessionCfg := relay.Config{
		APIKeyConfigured:      cfg.Upstream.HasAPIKey(),
		StartTimeout:          cfg.Upstream.GetDialTimeout() + cfg.Upstream.GetSetupTimeout(),
		ResponseDeadline:      cfg.Session.GetResponseDeadline(),
		InterruptGrace:        cfg.Session.GetInterruptGrace(),
		MaxTurnAudioBytes:     cfg.Session.MaxTurnAudioBytes,
		OutboundQueueSize:     cfg.Session.OutboundQueueSize,
		PlaceholderTranscript: cfg.Session.PlaceholderTranscript,
		NoResponseMessage:     cfg.Session.NoResponseMessage,
		VADThreshold:          cfg.Audio.VADThreshold,
		VADWindow:             cfg.Audio.GetVADWindowSamples(),
		OutputSampleRate:      cfg.Audio.PlaybackSampleRate,
	}

	registry := relay.NewRegistry(logger, relay.RegistryConfig{
		Session:         sessionCfg,
		IdleTimeout:     cfg.Session.GetIdleTimeout(),
		CleanupInterval: cfg.Session.GetCleanupInterval(),
	}, relay.DialerFunc(dialer), codec, appMetrics)
	logger.Info("Session registry initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
	)

	httpServer := server.NewHTTPServer(cfg, logger, registry, dialer, appMetrics, promRegistry)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Close live sessions and their Gemini connections
	registry.Stop()

	stats := dialer.GetStats()
	logger.Info("Final upstream statistics",
		slog.Uint64("total_dials", stats.TotalDials),
		slog.Uint64("failed_dials", stats.FailedDials),
		slog.Uint64("retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output io.Writer
	closeFn := func() {}
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
			closeFn = func() { file.Close() }
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closeFn
}
