package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config contains Gemini Live connection configuration
type Config struct {
	URL               string
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
	DialTimeout       time.Duration
	SetupTimeout      time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	MaxRetries        int
	MaxConcurrent     int
}

// DialerStats represents dialer statistics
type DialerStats struct {
	TotalDials       uint64        `json:"total_dials"`
	SuccessDials     uint64        `json:"success_dials"`
	FailedDials      uint64        `json:"failed_dials"`
	SuccessRate      float64       `json:"success_rate"`
	TotalRetries     uint64        `json:"total_retries"`
	AvgHandshakeTime time.Duration `json:"avg_handshake_time"`
	ActiveDials      int           `json:"active_dials"`
}

// Dialer opens Gemini Live sessions. One Dialer is shared by all relay
// sessions; it bounds concurrent handshakes and, when MaxRetries is set,
// retries transient failures.
type Dialer struct {
	config    Config
	ws        *websocket.Dialer
	semaphore chan struct{}
	logger    *slog.Logger

	// Statistics
	totalDials       uint64
	successDials     uint64
	failedDials      uint64
	totalRetries     uint64
	avgHandshakeTime time.Duration

	mu sync.RWMutex
}

// HandshakeError is returned when the upstream rejects the WebSocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed with HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// NewDialer creates a new Gemini Live dialer
func NewDialer(config Config, logger *slog.Logger) (*Dialer, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}

	if config.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	if config.DialTimeout <= 0 {
		config.DialTimeout = 15 * time.Second
	}

	if config.SetupTimeout <= 0 {
		config.SetupTimeout = 10 * time.Second
	}

	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = 16 << 20
	}

	// Reconnecting is the client's call (a new start_session), so the dialer
	// makes a single attempt unless retries are configured.
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 16
	}

	if config.Voice == "" {
		config.Voice = "Puck"
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Dialer{
		config: config,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.DialTimeout,
		},
		semaphore: make(chan struct{}, config.MaxConcurrent),
		logger:    logger.With("component", "upstream"),
	}, nil
}

// HasAPIKey reports whether the dialer carries credentials.
func (d *Dialer) HasAPIKey() bool {
	return d.config.APIKey != ""
}

// Dial connects to Gemini Live, sends the session setup and waits for the
// setup acknowledgement. The returned client is Ready.
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	if d.config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	// Acquire semaphore for rate limiting
	select {
	case d.semaphore <- struct{}{}:
		defer func() { <-d.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	d.incrementTotalDials()

	conn, err := d.connectWithRetry(ctx)
	if err != nil {
		d.incrementFailedDials()
		return nil, err
	}

	client := newClient(conn, d.config, d.logger)
	if err := client.configure(ctx); err != nil {
		d.incrementFailedDials()
		return nil, err
	}

	d.incrementSuccessDials()
	d.updateAvgHandshakeTime(time.Since(startTime))

	d.logger.Debug("Gemini session ready",
		"model", d.config.Model,
		"voice", d.config.Voice,
		"elapsed", time.Since(startTime))

	return client, nil
}

// connectWithRetry performs the WebSocket upgrade with exponential backoff
func (d *Dialer) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			d.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * 250 * time.Millisecond
			if backoffTime > 5*time.Second {
				backoffTime = 5 * time.Second
			}

			d.logger.Debug("Retrying Gemini connection",
				"attempt", attempt,
				"backoff", backoffTime,
				"error", lastErr)

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		conn, err := d.connect(ctx)
		if err == nil {
			return conn, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	return nil, fmt.Errorf("failed to connect to Gemini: %w", lastErr)
}

// connect performs a single WebSocket upgrade
func (d *Dialer) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("x-goog-api-key", d.config.APIKey)

	conn, resp, err := d.ws.DialContext(ctx, d.config.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}

	conn.SetReadLimit(d.config.MaxMessageBytes)
	return conn, nil
}

// isRetryableError determines if a handshake error is worth another attempt
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		// 5xx server errors and rate limiting are retryable
		return hsErr.StatusCode >= 500 || hsErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused")
}

// Statistics methods
func (d *Dialer) incrementTotalDials() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalDials++
}

func (d *Dialer) incrementSuccessDials() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.successDials++
}

func (d *Dialer) incrementFailedDials() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failedDials++
}

func (d *Dialer) incrementTotalRetries() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalRetries++
}

func (d *Dialer) updateAvgHandshakeTime(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Simple moving average
	if d.avgHandshakeTime == 0 {
		d.avgHandshakeTime = elapsed
	} else {
		d.avgHandshakeTime = (d.avgHandshakeTime + elapsed) / 2
	}
}

// GetStats returns current dialer statistics
func (d *Dialer) GetStats() DialerStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	successRate := float64(0)
	if d.totalDials > 0 {
		successRate = float64(d.successDials) / float64(d.totalDials) * 100
	}

	return DialerStats{
		TotalDials:       d.totalDials,
		SuccessDials:     d.successDials,
		FailedDials:      d.failedDials,
		SuccessRate:      successRate,
		TotalRetries:     d.totalRetries,
		AvgHandshakeTime: d.avgHandshakeTime,
		ActiveDials:      len(d.semaphore),
	}
}
