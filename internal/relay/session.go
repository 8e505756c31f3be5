package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/gemini-voice-relay/internal/audio"
	"github.com/skypro1111/gemini-voice-relay/internal/metrics"
	"github.com/skypro1111/gemini-voice-relay/internal/protocol"
	"github.com/skypro1111/gemini-voice-relay/internal/upstream"
	"github.com/skypro1111/gemini-voice-relay/internal/vad"
)

// ErrSessionClosed is returned when submitting to a session that has stopped.
var ErrSessionClosed = errors.New("session closed")

// Client-visible error texts.
const (
	msgAlreadyStarted = "session already started"
	msgInvalidAudio   = "Invalid audio payload"
)

// State is the turn phase of a relay session.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateUserTurnPending
	StateModelTurnStreaming
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateUserTurnPending:
		return "user_turn_pending"
	case StateModelTurnStreaming:
		return "model_turn_streaming"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Upstream is the session's exclusive handle on one Gemini Live connection.
type Upstream interface {
	SendUserTurn(ctx context.Context, wav []byte) error
	SendInterrupt(ctx context.Context) error
	Events() <-chan upstream.Event
	Close() error
}

// DialFunc opens an upstream connection that is ready for user turns.
// ctx bounds only the dial and setup handshake.
type DialFunc func(ctx context.Context) (Upstream, error)

// DialerFunc adapts an upstream.Dialer to a DialFunc.
func DialerFunc(d *upstream.Dialer) DialFunc {
	return func(ctx context.Context) (Upstream, error) {
		client, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Config holds per-session behavior
type Config struct {
	APIKeyConfigured      bool
	StartTimeout          time.Duration
	ResponseDeadline      time.Duration
	InterruptGrace        time.Duration
	MaxTurnAudioBytes     int
	OutboundQueueSize     int
	PlaceholderTranscript string
	NoResponseMessage     string
	VADThreshold          float64
	VADWindow             int

	// OutputSampleRate is assumed for model audio that declares no rate.
	OutputSampleRate int
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		APIKeyConfigured:      true,
		StartTimeout:          30 * time.Second,
		ResponseDeadline:      8 * time.Second,
		InterruptGrace:        1500 * time.Millisecond,
		MaxTurnAudioBytes:     32 << 20,
		OutboundQueueSize:     256,
		PlaceholderTranscript: "[Voice message]",
		NoResponseMessage:     "Sorry, I didn't get that. Please try speaking again.",
		VADThreshold:          0.02,
		VADWindow:             320,
		OutputSampleRate:      upstream.DefaultOutputSampleRate,
	}
}

// Options wires one session.
type Options struct {
	ID         string
	RemoteAddr string
	Config     Config
	Transport  Transport
	Dial       DialFunc
	Codec      *audio.Codec
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// SessionStats counts what happened over a session's lifetime
type SessionStats struct {
	Turns              uint64 `json:"turns"`
	TurnsCompleted     uint64 `json:"turns_completed"`
	TurnsInterrupted   uint64 `json:"turns_interrupted"`
	NoResponseNotices  uint64 `json:"no_response_notices"`
	FragmentsForwarded uint64 `json:"fragments_forwarded"`
	StaleFragments     uint64 `json:"stale_fragments_dropped"`
	UpstreamErrors     uint64 `json:"upstream_errors"`
	CodecFallbacks     uint64 `json:"codec_fallbacks"`
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID              string                `json:"id"`
	State           string                `json:"state"`
	RemoteAddr      string                `json:"remote_addr,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	LastActivity    time.Time             `json:"last_activity"`
	Duration        time.Duration         `json:"duration"`
	Stats           SessionStats          `json:"stats"`
	Aggregator      audio.AggregatorStats `json:"aggregator"`
	Capture         vad.ProcessorStats    `json:"capture"`
	DroppedOutbound uint64                `json:"dropped_outbound_frames"`
}

type inbound struct {
	msg *protocol.Message
	err error
}

type dialResult struct {
	upstream Upstream
	err      error
}

// Session relays one downstream client to one Gemini Live session. All
// state transitions happen on the Run goroutine; other goroutines only
// submit commands and read snapshots.
type Session struct {
	id         string
	remoteAddr string
	cfg        Config
	dial       DialFunc
	codec      *audio.Codec
	vad        *vad.Processor
	agg        *audio.Aggregator
	out        *outbox
	metrics    *metrics.Metrics
	logger     *slog.Logger

	inbox      chan inbound
	dialResult chan dialResult
	closing    chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	dialWG     sync.WaitGroup

	// Owned by the Run goroutine.
	upstream          Upstream
	upstreamEvents    <-chan upstream.Event
	cancelDial        context.CancelFunc
	turnID            uint64
	fragmentSeq       uint32
	turnRate          int
	turnSubmitted     time.Time
	transcript        string
	transcriptPending bool
	speakingSent      bool
	deadline          *time.Timer
	deadlineTurn      uint64
	grace             *time.Timer
	discardStale      bool

	mu           sync.RWMutex
	state        State
	createdAt    time.Time
	lastActivity time.Time
	stats        SessionStats
}

// NewSession creates a session in the Idle state. Run must be called to
// process commands.
func NewSession(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("dial function cannot be nil")
	}

	codec := opts.Codec
	if codec == nil {
		codec = audio.NewCodec(audio.DefaultCodecConfig(), opts.Logger)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg := opts.Config
	if cfg.PlaceholderTranscript == "" {
		cfg.PlaceholderTranscript = DefaultConfig().PlaceholderTranscript
	}
	if cfg.NoResponseMessage == "" {
		cfg.NoResponseMessage = DefaultConfig().NoResponseMessage
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultConfig().StartTimeout
	}
	if cfg.VADWindow <= 0 {
		cfg.VADWindow = DefaultConfig().VADWindow
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = DefaultConfig().OutputSampleRate
	}

	detector, err := vad.NewProcessor(cfg.VADThreshold, cfg.VADWindow, codec.TargetSampleRate())
	if err != nil {
		return nil, fmt.Errorf("failed to create capture analyzer: %w", err)
	}

	now := time.Now()
	return &Session{
		id:           opts.ID,
		remoteAddr:   opts.RemoteAddr,
		cfg:          cfg,
		dial:         opts.Dial,
		codec:        codec,
		vad:          detector,
		agg:          audio.NewAggregator(cfg.MaxTurnAudioBytes),
		out:          newOutbox(opts.Transport, cfg.OutboundQueueSize, opts.Metrics),
		metrics:      opts.Metrics,
		logger:       logger.With(slog.String("session_id", opts.ID)),
		inbox:        make(chan inbound, 16),
		dialResult:   make(chan dialResult, 1),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		state:        StateIdle,
		createdAt:    now,
		lastActivity: now,
	}, nil
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current turn phase
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.logger.Debug("Session state changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
		)
	}
}

// LastActivity returns when the client last sent a command
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) bump(update func(*SessionStats)) {
	s.mu.Lock()
	update(&s.stats)
	s.mu.Unlock()
}

// Submit queues a parsed client message for the session.
func (s *Session) Submit(ctx context.Context, msg *protocol.Message) error {
	return s.submit(ctx, inbound{msg: msg})
}

// Reject reports an unparseable client message back to the client through
// the session's ordered outbound queue.
func (s *Session) Reject(ctx context.Context, err error) error {
	return s.submit(ctx, inbound{err: err})
}

func (s *Session) submit(ctx context.Context, in inbound) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}

	s.touch()

	select {
	case s.inbox <- in:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-s.closing:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the session as if the downstream transport had gone away.
// Safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Done is closed once Run has returned and the upstream is released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run processes commands, upstream events and timers until the session is
// closed, ctx is canceled or a downstream write fails.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	var writerErr error
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writerErr = s.out.run(ctx)
	}()

	s.logger.Info("Relay session started", slog.String("remote_addr", s.remoteAddr))

	err := s.loop(ctx, writerDone, &writerErr)

	s.teardown()
	cancel()
	<-writerDone

	s.logger.Info("Relay session stopped",
		slog.Duration("duration", time.Since(s.createdAt)),
		slog.Uint64("turns", s.Info().Stats.Turns),
	)

	return err
}

func (s *Session) loop(ctx context.Context, writerDone <-chan struct{}, writerErr *error) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-writerDone:
			if *writerErr != nil {
				return fmt.Errorf("downstream write failed: %w", *writerErr)
			}
			return nil

		case in := <-s.inbox:
			s.handleClient(ctx, in)

		case res := <-s.dialResult:
			s.handleDial(ctx, res)

		case ev, ok := <-s.upstreamEvents:
			s.handleUpstream(ctx, ev, ok)

		case <-timerC(s.deadline):
			s.handleDeadline(ctx)

		case <-timerC(s.grace):
			s.handleGraceExpired()
		}
	}
}

// teardown releases everything the Run goroutine owns.
func (s *Session) teardown() {
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	s.dialWG.Wait()

	select {
	case res := <-s.dialResult:
		if res.upstream != nil {
			res.upstream.Close()
		}
	default:
	}

	s.releaseUpstream()
	s.stopDeadline()
	s.stopGrace()
	s.agg.Reset()
	s.setState(StateClosed)
}

func (s *Session) handleClient(ctx context.Context, in inbound) {
	if in.err != nil {
		s.emitError(ctx, fmt.Sprintf("Invalid message: %v", in.err))
		return
	}
	if in.msg == nil {
		return
	}

	switch in.msg.Type {
	case protocol.TypeStartSession:
		s.start(ctx)
	case protocol.TypeAudioData:
		s.sendUserAudio(ctx, in.msg)
	case protocol.TypeInterrupt:
		s.interrupt(ctx)
	default:
		s.emitError(ctx, fmt.Sprintf("Invalid message: %v: %s", protocol.ErrUnknownType, in.msg.Type))
	}
}

// start opens the upstream connection asynchronously.
func (s *Session) start(ctx context.Context) {
	state := s.State()
	if state != StateIdle && !(state == StateErrored && s.upstream == nil) {
		s.emitError(ctx, msgAlreadyStarted)
		return
	}

	if !s.cfg.APIKeyConfigured {
		s.logger.Warn("Cannot start session without an API key")
		s.setState(StateErrored)
		s.emitError(ctx, upstream.ErrMissingAPIKey.Error())
		return
	}

	s.setState(StateStarting)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	s.cancelDial = cancel

	s.dialWG.Add(1)
	go func() {
		defer s.dialWG.Done()

		up, err := s.dial(dialCtx)
		if err != nil {
			up = nil
		}
		s.dialResult <- dialResult{upstream: up, err: err}
	}()
}

func (s *Session) handleDial(ctx context.Context, res dialResult) {
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}

	if res.err != nil {
		s.metrics.RecordUpstreamConnect("failure")
		s.bump(func(st *SessionStats) { st.UpstreamErrors++ })
		s.logger.Error("Failed to open Gemini session", slog.String("error", res.err.Error()))

		s.setState(StateErrored)
		if errors.Is(res.err, upstream.ErrMissingAPIKey) {
			s.emitError(ctx, res.err.Error())
		} else {
			s.emitError(ctx, "Failed to connect to Gemini: "+res.err.Error())
		}
		return
	}

	s.metrics.RecordUpstreamConnect("success")
	s.upstream = res.upstream
	s.upstreamEvents = res.upstream.Events()
	s.setState(StateReady)

	s.logger.Info("Gemini session ready")
	s.emit(ctx, protocol.SessionReady(s.id))
}

// sendUserAudio submits one finished utterance as a complete user turn.
func (s *Session) sendUserAudio(ctx context.Context, msg *protocol.Message) {
	if s.State() != StateReady {
		s.emitError(ctx, upstream.ErrNotReady.Error())
		return
	}

	raw, err := msg.AudioBytes()
	if err != nil {
		s.logger.Warn("Rejected audio payload", slog.String("error", err.Error()))
		s.emitError(ctx, msgInvalidAudio)
		return
	}

	container, degraded := s.canonicalize(raw)
	s.analyzeCapture(container, degraded)

	if err := s.upstream.SendUserTurn(ctx, container); err != nil {
		s.logger.Error("Failed to submit user turn", slog.String("error", err.Error()))
		s.emitError(ctx, "Failed to send audio: "+err.Error())
		return
	}

	s.turnID++
	s.fragmentSeq = 0
	s.turnRate = 0
	s.agg.Reset()
	s.transcript = strings.TrimSpace(msg.Transcript)
	s.transcriptPending = true
	s.speakingSent = false
	s.turnSubmitted = time.Now()
	s.bump(func(st *SessionStats) { st.Turns++ })

	s.setState(StateUserTurnPending)
	s.armDeadline()

	s.logger.Debug("User turn submitted",
		slog.Uint64("turn_id", s.turnID),
		slog.Int("bytes", len(container)),
		slog.Bool("degraded", degraded),
	)
}

// canonicalize forwards canonical containers at the target rate untouched
// and re-encodes everything else.
func (s *Session) canonicalize(raw []byte) ([]byte, bool) {
	if c, err := audio.ParseContainer(raw); err == nil && c.SampleRate() == s.codec.TargetSampleRate() {
		return raw, false
	}

	container, degraded := s.codec.EncodeForUpstream(raw)
	if degraded {
		s.bump(func(st *SessionStats) { st.CodecFallbacks++ })
	}
	return container, degraded
}

func (s *Session) analyzeCapture(container []byte, degraded bool) {
	c, err := audio.ParseContainer(container)
	if err != nil {
		return
	}

	buf := audio.DecodeForPlayback(c.PCM, c.SampleRate())
	summary := s.vad.Analyze(buf.Samples)
	s.metrics.RecordCapture(buf.Duration().Seconds(), degraded, summary.Silent())

	if summary.Silent() {
		s.logger.Warn("Captured audio contains no voice activity",
			slog.Duration("duration", buf.Duration()),
			slog.Float64("peak", summary.Peak),
		)
		return
	}

	s.logger.Debug("Captured audio analyzed",
		slog.Duration("duration", buf.Duration()),
		slog.Float64("voice_ratio", summary.VoiceRatio),
		slog.Int("segments", len(summary.Segments)),
	)
}

func (s *Session) handleUpstream(ctx context.Context, ev upstream.Event, ok bool) {
	if !ok {
		s.failUpstream(ctx, "Gemini connection closed: Abnormal closure (1006)")
		return
	}

	switch ev.Kind {
	case upstream.EventAudio:
		s.handleFragment(ctx, ev.Audio)
	case upstream.EventTurnComplete:
		s.handleTurnComplete(ctx, ev.Interrupted)
	case upstream.EventError:
		if ev.Err == nil {
			return
		}
		if ev.Err.Fatal {
			s.failUpstream(ctx, ev.Err.Message)
			return
		}
		s.metrics.RecordUpstreamError("api_error")
		s.bump(func(st *SessionStats) { st.UpstreamErrors++ })
		s.logger.Warn("Gemini API error", slog.Int("code", ev.Err.Code), slog.String("message", ev.Err.Message))
		s.emitError(ctx, "Gemini API error: "+ev.Err.Message)
	}
}

func (s *Session) handleFragment(ctx context.Context, chunk upstream.AudioChunk) {
	if s.discardStale {
		s.bump(func(st *SessionStats) { st.StaleFragments++ })
		s.metrics.RecordStaleFragment()
		return
	}

	state := s.State()
	if state != StateUserTurnPending && state != StateModelTurnStreaming {
		s.logger.Debug("Dropping fragment outside a turn", slog.String("state", state.String()))
		return
	}

	if state == StateUserTurnPending {
		s.stopDeadline()
		s.flushTranscript(ctx)
		s.setState(StateModelTurnStreaming)
		s.metrics.RecordFirstAudio(time.Since(s.turnSubmitted).Seconds())
	}

	if !s.speakingSent {
		s.speakingSent = true
		s.emitTurn(ctx, protocol.Status(protocol.StatusSpeaking))
	}

	if chunk.SampleRate <= 0 {
		chunk.SampleRate = s.cfg.OutputSampleRate
	}

	seq := s.fragmentSeq
	s.fragmentSeq++
	s.turnRate = chunk.SampleRate

	err := s.agg.Append(audio.Fragment{
		Seq:        seq,
		Data:       chunk.Data,
		MimeType:   chunk.MimeType,
		SampleRate: chunk.SampleRate,
	})
	if err != nil {
		s.recordAggregatorAnomaly(err)
	}

	s.bump(func(st *SessionStats) { st.FragmentsForwarded++ })
	s.metrics.RecordFragment()
	s.emitTurn(ctx, protocol.AudioResponse(chunk.Data, chunk.SampleRate))
}

func (s *Session) recordAggregatorAnomaly(err error) {
	kind := "unknown"
	switch {
	case errors.Is(err, audio.ErrSequenceGap):
		kind = "gap"
	case errors.Is(err, audio.ErrStaleFragment):
		kind = "stale"
	case errors.Is(err, audio.ErrAggregateTooLarge):
		kind = "too_large"
	}

	s.metrics.RecordAggregatorAnomaly(kind)
	s.logger.Warn("Fragment aggregation anomaly",
		slog.Uint64("turn_id", s.turnID),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

func (s *Session) handleTurnComplete(ctx context.Context, interrupted bool) {
	if s.discardStale {
		// End of the turn aborted by the client.
		s.discardStale = false
		s.stopGrace()
		return
	}

	state := s.State()
	if state != StateUserTurnPending && state != StateModelTurnStreaming {
		s.logger.Debug("Ignoring turn end outside a turn", slog.String("state", state.String()))
		return
	}

	if interrupted {
		s.logger.Info("Gemini reported the turn as interrupted", slog.Uint64("turn_id", s.turnID))
	}

	s.stopDeadline()
	s.flushTranscript(ctx)

	fragments := s.agg.Len()
	pcm := s.agg.Drain()

	rate := s.turnRate
	if rate == 0 {
		rate = s.cfg.OutputSampleRate
	}

	s.bump(func(st *SessionStats) { st.TurnsCompleted++ })
	s.metrics.RecordTurnCompleted(len(pcm))
	s.setState(StateReady)

	s.logger.Debug("Model turn complete",
		slog.Uint64("turn_id", s.turnID),
		slog.Int("fragments", fragments),
		slog.Int("bytes", len(pcm)),
	)
	s.emit(ctx, protocol.TurnComplete(pcm, rate, fragments))
}

// interrupt abandons the open turn. Outside a turn it does nothing.
func (s *Session) interrupt(ctx context.Context) {
	state := s.State()
	if state != StateUserTurnPending && state != StateModelTurnStreaming {
		s.logger.Debug("Ignoring interrupt outside a turn", slog.String("state", state.String()))
		return
	}

	if err := s.upstream.SendInterrupt(ctx); err != nil {
		s.logger.Warn("Failed to send interrupt upstream", slog.String("error", err.Error()))
	}

	s.out.cancelTurn(s.turnID)
	dropped := s.agg.Reset()
	s.stopDeadline()
	s.transcript = ""
	s.transcriptPending = false

	if s.cfg.InterruptGrace > 0 {
		s.discardStale = true
		s.stopGrace()
		s.grace = time.NewTimer(s.cfg.InterruptGrace)
	}

	s.bump(func(st *SessionStats) { st.TurnsInterrupted++ })
	s.metrics.RecordTurnInterrupted()
	s.setState(StateReady)

	s.logger.Info("Turn interrupted",
		slog.Uint64("turn_id", s.turnID),
		slog.Int("dropped_bytes", dropped),
	)
	s.emitPriority(ctx, protocol.Status(protocol.StatusInterrupted))
}

// handleGraceExpired stops discarding for an aborted turn whose end never
// arrived. Once a new turn is pending, upstream output is still in order, so
// discarding continues until the aborted turn's end is seen.
func (s *Session) handleGraceExpired() {
	s.grace = nil
	if !s.discardStale {
		return
	}

	if state := s.State(); state == StateUserTurnPending || state == StateModelTurnStreaming {
		s.logger.Debug("Interrupt grace expired with a turn pending; awaiting end of aborted turn",
			slog.Uint64("turn_id", s.turnID))
		return
	}
	s.discardStale = false
}

// failUpstream handles an unrecoverable upstream failure.
func (s *Session) failUpstream(ctx context.Context, message string) {
	s.metrics.RecordUpstreamError("closed")
	s.bump(func(st *SessionStats) { st.UpstreamErrors++ })
	s.logger.Error("Gemini session failed", slog.String("reason", message))

	s.releaseUpstream()
	s.stopDeadline()
	s.stopGrace()
	s.discardStale = false
	s.agg.Reset()
	s.transcript = ""
	s.transcriptPending = false

	s.setState(StateErrored)
	s.emitError(ctx, message)
}

func (s *Session) releaseUpstream() {
	if s.upstream == nil {
		return
	}
	if err := s.upstream.Close(); err != nil {
		s.logger.Debug("Error closing Gemini connection", slog.String("error", err.Error()))
	}
	s.upstream = nil
	s.upstreamEvents = nil
}

func (s *Session) handleDeadline(ctx context.Context) {
	s.deadline = nil

	if s.deadlineTurn != s.turnID || s.State() != StateUserTurnPending {
		return
	}

	s.bump(func(st *SessionStats) { st.NoResponseNotices++ })
	s.metrics.RecordNoResponse()
	s.logger.Info("No model response before deadline",
		slog.Uint64("turn_id", s.turnID),
		slog.Duration("deadline", s.cfg.ResponseDeadline),
	)
	s.emit(ctx, protocol.NoResponse(s.cfg.NoResponseMessage))
}

func (s *Session) flushTranscript(ctx context.Context) {
	if !s.transcriptPending {
		return
	}

	text := s.transcript
	if text == "" {
		text = s.cfg.PlaceholderTranscript
	}
	s.transcript = ""
	s.transcriptPending = false

	s.emit(ctx, protocol.UserMessage(text))
}

func (s *Session) armDeadline() {
	s.stopDeadline()
	if s.cfg.ResponseDeadline <= 0 {
		return
	}
	s.deadline = time.NewTimer(s.cfg.ResponseDeadline)
	s.deadlineTurn = s.turnID
}

func (s *Session) stopDeadline() {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}

func (s *Session) stopGrace() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Session) emit(ctx context.Context, msg *protocol.Message) {
	if err := s.out.send(ctx, msg); err != nil {
		s.logger.Debug("Dropped outbound message", slog.String("type", msg.Type), slog.String("error", err.Error()))
	}
}

func (s *Session) emitTurn(ctx context.Context, msg *protocol.Message) {
	if err := s.out.sendTurn(ctx, s.turnID, msg); err != nil {
		s.logger.Debug("Dropped outbound message", slog.String("type", msg.Type), slog.String("error", err.Error()))
	}
}

func (s *Session) emitPriority(ctx context.Context, msg *protocol.Message) {
	if err := s.out.sendPriority(ctx, msg); err != nil {
		s.logger.Debug("Dropped outbound message", slog.String("type", msg.Type), slog.String("error", err.Error()))
	}
}

func (s *Session) emitError(ctx context.Context, message string) {
	s.emit(ctx, protocol.Error(message))
}

// Info returns a monitoring snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	info := SessionInfo{
		ID:           s.id,
		State:        s.state.String(),
		RemoteAddr:   s.remoteAddr,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Duration:     time.Since(s.createdAt),
		Stats:        s.stats,
	}
	s.mu.RUnlock()

	info.Aggregator = s.agg.GetStats()
	info.Capture = s.vad.GetStats()
	info.DroppedOutbound = s.out.droppedFrames()
	return info
}
