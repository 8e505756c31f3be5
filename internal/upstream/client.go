package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// DefaultOutputSampleRate is assumed when a fragment MIME type carries no rate.
const DefaultOutputSampleRate = 24000

var (
	// ErrMissingAPIKey is returned by Dial when no credentials are configured.
	ErrMissingAPIKey = errors.New("API key not configured")
	// ErrNotReady is returned when sending on a client that is not Ready.
	ErrNotReady = errors.New("Gemini connection not ready")
	// ErrClosed is returned when sending on a closed client.
	ErrClosed = errors.New("Gemini connection closed")
	// ErrSetupTimeout is returned when setupComplete does not arrive in time.
	ErrSetupTimeout = errors.New("timed out waiting for Gemini setup")
)

// State is the lifecycle state of an upstream connection.
type State int32

const (
	StateConnecting State = iota
	StateConfiguring
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates upstream events.
type EventKind int

const (
	EventAudio EventKind = iota + 1
	EventTurnComplete
	EventError
)

// AudioChunk is one model audio fragment as received.
type AudioChunk struct {
	Data       []byte
	MimeType   string
	SampleRate int
}

// Error is an upstream failure. Fatal errors end the connection.
type Error struct {
	Code    int
	Message string
	Fatal   bool
}

func (e *Error) Error() string { return e.Message }

// Event is delivered on Client.Events in arrival order.
type Event struct {
	Kind        EventKind
	Audio       AudioChunk
	Interrupted bool
	Err         *Error
}

// Outbound frames. genai supplies the content schema; the Live envelopes
// are not part of its public types.
type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *genai.Content   `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []genai.Modality    `json:"responseModalities"`
	SpeechConfig       *genai.SpeechConfig `json:"speechConfig,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []*genai.Content `json:"turns"`
	TurnComplete bool             `json:"turnComplete"`
}

// Inbound frames.
type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
	Error         *serverError   `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn    *genai.Content `json:"modelTurn,omitempty"`
	TurnComplete bool           `json:"turnComplete,omitempty"`
	Interrupted  bool           `json:"interrupted,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Client is one Gemini Live session. Sends are safe for concurrent use;
// events are read from Events until it is closed.
type Client struct {
	conn   *websocket.Conn
	config Config
	logger *slog.Logger

	events  chan Event
	done    chan struct{}
	writeMu sync.Mutex
	state   atomic.Int32

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, config Config, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		config: config,
		logger: logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Events returns the channel of upstream events. It is closed when the
// connection ends; a remote close is reported as a fatal EventError first.
func (c *Client) Events() <-chan Event {
	return c.events
}

// configure sends the setup frame and blocks until setupComplete.
func (c *Client) configure(ctx context.Context) error {
	c.setState(StateConfiguring)

	// Unblocks the synchronous read below if the caller gives up.
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	if err := c.writeJSON(ctx, c.buildSetup()); err != nil {
		c.abort()
		return fmt.Errorf("failed to send setup message: %w", err)
	}

	deadline := time.Now().Add(c.config.SetupTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.abort()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrSetupTimeout
			}
			code, reason := closeReason(err)
			return fmt.Errorf("Gemini connection closed: %s (%d)", reason, code)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("Ignoring undecodable frame during setup", "error", err)
			continue
		}

		if msg.Error != nil {
			c.abort()
			return fmt.Errorf("Gemini API error: %s", msg.Error.Message)
		}

		if msg.SetupComplete != nil {
			break
		}
	}

	c.conn.SetReadDeadline(time.Time{})
	c.setState(StateReady)

	go c.readLoop()
	return nil
}

func (c *Client) buildSetup() setupMessage {
	model := c.config.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := setupMessage{
		Setup: setupPayload{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []genai.Modality{genai.ModalityAudio},
				SpeechConfig: &genai.SpeechConfig{
					VoiceConfig: &genai.VoiceConfig{
						PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
							VoiceName: c.config.Voice,
						},
					},
				},
			},
		},
	}

	if c.config.SystemInstruction != "" {
		msg.Setup.SystemInstruction = genai.NewContentFromText(c.config.SystemInstruction, genai.RoleUser)
	}

	return msg
}

// SendUserTurn submits one complete user utterance as a WAV container.
func (c *Client) SendUserTurn(ctx context.Context, wav []byte) error {
	if err := c.checkReady(); err != nil {
		return err
	}

	turn := genai.NewContentFromParts([]*genai.Part{genai.NewPartFromBytes(wav, "audio/wav")}, genai.RoleUser)

	return c.writeJSON(ctx, clientContentMessage{
		ClientContent: clientContent{
			Turns:        []*genai.Content{turn},
			TurnComplete: true,
		},
	})
}

// SendInterrupt asks the model to abandon the turn in progress. It is an
// empty, incomplete client turn.
func (c *Client) SendInterrupt(ctx context.Context) error {
	if err := c.checkReady(); err != nil {
		return err
	}

	return c.writeJSON(ctx, clientContentMessage{
		ClientContent: clientContent{
			Turns:        []*genai.Content{},
			TurnComplete: false,
		},
	})
}

func (c *Client) checkReady() error {
	switch c.State() {
	case StateReady:
		return nil
	case StateClosing, StateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure and releases the connection. Safe to call
// more than once. No further events are delivered after Close.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateClosing)))
		close(c.done)

		if prev != StateClosed {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()

			err = c.conn.Close()
		}
		c.setState(StateClosed)
	})
	return err
}

// abort tears down a connection that never became Ready.
func (c *Client) abort() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		close(c.events)
		c.setState(StateClosed)
	})
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if s := c.State(); s == StateClosing || s == StateClosed {
				return
			}

			code, reason := closeReason(err)
			c.setState(StateClosed)
			c.conn.Close()

			c.logger.Warn("Gemini connection closed", "code", code, "reason", reason)
			c.emit(Event{
				Kind: EventError,
				Err: &Error{
					Code:    code,
					Message: fmt.Sprintf("Gemini connection closed: %s (%d)", reason, code),
					Fatal:   true,
				},
			})
			return
		}

		c.handleFrame(data)
	}
}

// handleFrame decodes one inbound frame. Text and binary frames carry the
// same JSON; anything undecodable is dropped.
func (c *Client) handleFrame(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("Ignoring undecodable frame", "error", err, "size", len(data))
		return
	}

	if msg.Error != nil {
		c.emit(Event{
			Kind: EventError,
			Err:  &Error{Code: msg.Error.Code, Message: msg.Error.Message},
		})
		return
	}

	if msg.GoAway != nil {
		c.logger.Warn("Gemini requested disconnect", "time_left", msg.GoAway.TimeLeft)
	}

	content := msg.ServerContent
	if content == nil {
		if msg.GoAway == nil {
			c.logger.Debug("Ignoring unrecognized Gemini frame", "size", len(data))
		}
		return
	}

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				c.logger.Debug("Gemini text part", "text", part.Text)
			}
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				c.logger.Debug("Ignoring non-audio part", "mime_type", part.InlineData.MIMEType)
				continue
			}
			c.emit(Event{
				Kind: EventAudio,
				Audio: AudioChunk{
					Data:       part.InlineData.Data,
					MimeType:   part.InlineData.MIMEType,
					SampleRate: sampleRateFromMIME(part.InlineData.MIMEType),
				},
			})
		}
	}

	if content.Interrupted {
		c.emit(Event{Kind: EventTurnComplete, Interrupted: true})
	} else if content.TurnComplete {
		c.emit(Event{Kind: EventTurnComplete})
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// sampleRateFromMIME reads the rate parameter of e.g. "audio/pcm;rate=24000".
func sampleRateFromMIME(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return DefaultOutputSampleRate
	}

	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return DefaultOutputSampleRate
	}
	return rate
}

var closeReasons = map[int]string{
	websocket.CloseNormalClosure:           "Normal closure",
	websocket.CloseGoingAway:               "Going away",
	websocket.CloseProtocolError:           "Protocol error",
	websocket.CloseUnsupportedData:         "Unsupported data",
	websocket.CloseNoStatusReceived:        "No status received",
	websocket.CloseAbnormalClosure:         "Abnormal closure",
	websocket.CloseInvalidFramePayloadData: "Invalid frame payload data",
	websocket.ClosePolicyViolation:         "Policy violation",
	websocket.CloseMessageTooBig:           "Message too big",
	websocket.CloseMandatoryExtension:      "Mandatory extension",
	websocket.CloseInternalServerErr:       "Internal server error",
	websocket.CloseTLSHandshake:            "TLS handshake",
}

// closeReason maps a read error to a close code and a readable reason. A
// connection that dropped without a close frame counts as abnormal.
func closeReason(err error) (int, string) {
	code := websocket.CloseAbnormalClosure

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	if reason, ok := closeReasons[code]; ok {
		return code, reason
	}
	if closeErr != nil && closeErr.Text != "" {
		return code, closeErr.Text
	}
	return code, "Unknown reason"
}
