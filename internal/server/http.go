package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/gemini-voice-relay/internal/config"
	"github.com/skypro1111/gemini-voice-relay/internal/metrics"
	"github.com/skypro1111/gemini-voice-relay/internal/relay"
	"github.com/skypro1111/gemini-voice-relay/internal/upstream"
)

const (
	serviceName    = "gemini-voice-relay"
	serviceVersion = "1.0.0"
)

// HTTPServer serves the client WebSocket endpoint and the monitoring API
type HTTPServer struct {
	echo     *echo.Echo
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *relay.Registry
	dialer   *upstream.Dialer
	ws       *WSHandler
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	// Server state
	startTime time.Time
}

// NewHTTPServer creates the HTTP server with all routes registered. gatherer
// backs the metrics endpoint; nil uses the default Prometheus registry.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, registry *relay.Registry,
	dialer *upstream.Dialer, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		echo:     echo.New(),
		logger:   logger,
		config:   cfg,
		registry: registry,
		dialer:   dialer,
		metrics:  m,
		gatherer: gatherer,
		ws: NewWSHandler(WSConfig{
			MaxMessageBytes: cfg.Server.MaxMessageBytes,
			WriteTimeout:    cfg.Server.GetWriteTimeout(),
			PingInterval:    cfg.Server.GetPingInterval(),
		}, registry, logger),
		startTime: time.Now(),
	}

	h.echo.HideBanner = true
	h.echo.HidePort = true
	h.setupMiddleware()
	h.setupRoutes()

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:      h.echo,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
		IdleTimeout:  cfg.Server.GetIdleTimeout(),
	}

	return h
}

func (h *HTTPServer) setupMiddleware() {
	h.echo.Use(middleware.Recover())
	h.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				h.logger.LogAttrs(context.Background(), slog.LevelWarn, "HTTP request failed", attrs...)
				return nil
			}
			h.logger.LogAttrs(context.Background(), slog.LevelDebug, "HTTP request", attrs...)
			return nil
		},
	}))
	h.echo.Use(h.withMetrics)
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() {
	// Client endpoint
	h.echo.GET("/ws", h.ws.Handle)

	// Health check endpoint
	h.echo.GET("/health", h.handleHealth)

	// Session monitoring endpoints
	h.echo.GET("/sessions", h.handleSessions)
	h.echo.GET("/sessions/:id", h.handleSessionDetail)

	// Configuration and statistics
	h.echo.GET("/config", h.handleConfig)
	h.echo.GET("/stats", h.handleStats)

	if h.config.Metrics.Enabled {
		h.echo.GET(h.config.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	// With a static client the API index moves off the root.
	if h.config.Server.StaticDir != "" {
		h.echo.GET("/api", h.handleRoot)
		h.echo.Static("/", h.config.Server.StaticDir)
	} else {
		h.echo.GET("/", h.handleRoot)
	}
}

// withMetrics records per-route request metrics. Routes are labelled by
// their pattern, not the raw path.
func (h *HTTPServer) withMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		startTime := time.Now()

		err := next(c)

		endpoint := c.Path()
		if endpoint == h.config.Metrics.Path || endpoint == "/ws" {
			return err
		}
		if endpoint == "" {
			endpoint = "unmatched"
		}

		status := c.Response().Status
		if err != nil {
			status = http.StatusInternalServerError
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
		}

		method := c.Request().Method
		h.metrics.RecordHTTPRequest(method, endpoint, strconv.Itoa(status), time.Since(startTime).Seconds())

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(method, endpoint, errorType)
		}

		return err
	}
}

// Handler returns the root HTTP handler
func (h *HTTPServer) Handler() http.Handler {
	return h.echo
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.echo.StartServer(h.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.echo.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(c echo.Context) error {
	uptime := time.Since(h.startTime)
	wsStats := h.ws.GetStatistics()

	upstreamStatus := "configured"
	if !h.dialer.HasAPIKey() {
		upstreamStatus = "missing_api_key"
	}
	dialStats := h.dialer.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"websocket": map[string]interface{}{
				"status":             "running",
				"active_connections": wsStats.ActiveConnections,
				"messages_received":  wsStats.MessagesReceived,
				"parse_errors":       wsStats.ParseErrors,
			},
			"sessions": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.registry.Count(),
			},
			"upstream": map[string]interface{}{
				"status":       upstreamStatus,
				"model":        h.config.Upstream.Model,
				"total_dials":  dialStats.TotalDials,
				"success_rate": dialStats.SuccessRate,
				"active_dials": dialStats.ActiveDials,
			},
		},
	}

	return c.JSON(http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(c echo.Context) error {
	sessions := h.registry.List()

	response := map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	}

	return c.JSON(http.StatusOK, response)
}

// handleSessionDetail implements the /sessions/:id endpoint
func (h *HTTPServer) handleSessionDetail(c echo.Context) error {
	session, exists := h.registry.Get(c.Param("id"))
	if !exists {
		return echo.NewHTTPError(http.StatusNotFound, "Session not found")
	}

	return c.JSON(http.StatusOK, session.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(c echo.Context) error {
	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"address":           h.config.Server.Address,
			"port":              h.config.Server.Port,
			"static_dir":        h.config.Server.StaticDir,
			"max_message_bytes": h.config.Server.MaxMessageBytes,
			"ping_interval":     h.config.Server.PingInterval,
		},
		"upstream": map[string]interface{}{
			"url":                  h.config.Upstream.URL,
			"model":                h.config.Upstream.Model,
			"voice":                h.config.Upstream.Voice,
			"api_key_configured":   h.config.Upstream.HasAPIKey(),
			"dial_timeout":         h.config.Upstream.DialTimeout,
			"setup_timeout":        h.config.Upstream.SetupTimeout,
			"max_retries":          h.config.Upstream.MaxRetries,
			"max_concurrent_dials": h.config.Upstream.MaxConcurrentDials,
			// API key and system instruction are intentionally omitted
		},
		"session": map[string]interface{}{
			"response_deadline":    h.config.Session.ResponseDeadline,
			"idle_timeout":         h.config.Session.IdleTimeout,
			"interrupt_grace_ms":   h.config.Session.InterruptGrace,
			"max_turn_audio_bytes": h.config.Session.MaxTurnAudioBytes,
			"outbound_queue_size":  h.config.Session.OutboundQueueSize,
		},
		"audio": map[string]interface{}{
			"target_sample_rate":   h.config.Audio.TargetSampleRate,
			"playback_sample_rate": h.config.Audio.PlaybackSampleRate,
			"resample_tolerance":   h.config.Audio.ResampleTolerance,
			"silence_fallback":     h.config.Audio.SilenceFallback,
			"vad_threshold":        h.config.Audio.VADThreshold,
			"vad_window_ms":        h.config.Audio.VADWindow,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	return c.JSON(http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(c echo.Context) error {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"websocket": h.ws.GetStatistics(),
		"upstream":  h.dialer.GetStats(),
		"sessions": map[string]interface{}{
			"active_count": h.registry.Count(),
		},
	}

	return c.JSON(http.StatusOK, stats)
}

// handleRoot implements the API index
func (h *HTTPServer) handleRoot(c echo.Context) error {
	endpoints := map[string]interface{}{
		"GET /ws":            "Voice relay WebSocket",
		"GET /health":        "Service health check",
		"GET /sessions":      "List all active sessions",
		"GET /sessions/{id}": "Get detailed session information",
		"GET /config":        "Get service configuration",
		"GET /stats":         "Get service statistics",
	}
	if h.config.Metrics.Enabled {
		endpoints["GET "+h.config.Metrics.Path] = "Prometheus metrics"
	}

	apiDoc := map[string]interface{}{
		"service":   serviceName,
		"version":   serviceVersion,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	}

	return c.JSON(http.StatusOK, apiDoc)
}
