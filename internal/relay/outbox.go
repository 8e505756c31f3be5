package relay

import (
	"context"
	"sync"

	"github.com/skypro1111/gemini-voice-relay/internal/metrics"
	"github.com/skypro1111/gemini-voice-relay/internal/protocol"
)

// maxCanceledTurns bounds the canceled-turn set; turn ids only grow, so
// old entries can be evicted safely.
const maxCanceledTurns = 32

// Transport delivers envelopes to one downstream client. WriteMessage is
// only ever called from the session's writer goroutine.
type Transport interface {
	WriteMessage(ctx context.Context, msg *protocol.Message) error
	Close() error
}

type outboundFrame struct {
	msg *protocol.Message
	// turnID is set for frames that belong to a model turn and must be
	// dropped if that turn is interrupted before delivery.
	turnID uint64
}

// outbox serializes writes to the transport. Priority frames are written
// before any queued normal frame.
type outbox struct {
	transport Transport
	priority  chan outboundFrame
	normal    chan outboundFrame
	metrics   *metrics.Metrics

	mu       sync.Mutex
	canceled map[uint64]struct{}
	order    []uint64
	dropped  uint64
}

func newOutbox(transport Transport, queueSize int, m *metrics.Metrics) *outbox {
	if queueSize <= 0 {
		queueSize = 256
	}

	return &outbox{
		transport: transport,
		priority:  make(chan outboundFrame, 8),
		normal:    make(chan outboundFrame, queueSize),
		metrics:   m,
		canceled:  make(map[uint64]struct{}),
	}
}

// send queues a frame in order. It blocks while the queue is full.
func (o *outbox) send(ctx context.Context, msg *protocol.Message) error {
	return o.enqueue(ctx, o.normal, outboundFrame{msg: msg})
}

// sendTurn queues a frame that is invalidated by cancelTurn(turnID).
func (o *outbox) sendTurn(ctx context.Context, turnID uint64, msg *protocol.Message) error {
	if o.isCanceled(turnID) {
		o.recordDrop()
		return nil
	}
	return o.enqueue(ctx, o.normal, outboundFrame{msg: msg, turnID: turnID})
}

// sendPriority queues a frame ahead of everything in the normal queue.
func (o *outbox) sendPriority(ctx context.Context, msg *protocol.Message) error {
	return o.enqueue(ctx, o.priority, outboundFrame{msg: msg})
}

func (o *outbox) enqueue(ctx context.Context, ch chan outboundFrame, frame outboundFrame) error {
	select {
	case ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelTurn marks every queued and future frame of turnID as undeliverable.
func (o *outbox) cancelTurn(turnID uint64) {
	if turnID == 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.canceled[turnID]; exists {
		return
	}
	o.canceled[turnID] = struct{}{}
	o.order = append(o.order, turnID)

	for len(o.order) > maxCanceledTurns {
		delete(o.canceled, o.order[0])
		o.order = o.order[1:]
	}
}

func (o *outbox) isCanceled(turnID uint64) bool {
	if turnID == 0 {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	_, exists := o.canceled[turnID]
	return exists
}

func (o *outbox) recordDrop() {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
	o.metrics.RecordDroppedOutboundAudio()
}

// droppedFrames returns how many turn frames were discarded by interrupts.
func (o *outbox) droppedFrames() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// run writes queued frames until ctx is done or the transport fails.
func (o *outbox) run(ctx context.Context) error {
	for {
		// Hard priority: drain priority frames before looking at normal ones.
		select {
		case frame := <-o.priority:
			if err := o.write(ctx, frame); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case frame := <-o.priority:
			if err := o.write(ctx, frame); err != nil {
				return err
			}
		case frame := <-o.normal:
			if err := o.write(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (o *outbox) write(ctx context.Context, frame outboundFrame) error {
	if o.isCanceled(frame.turnID) {
		o.recordDrop()
		return nil
	}
	return o.transport.WriteMessage(ctx, frame.msg)
}
