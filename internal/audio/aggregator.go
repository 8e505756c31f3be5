package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSequenceGap reports that fragments were missing before the one
	// appended. The fragment itself is kept.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrStaleFragment reports a sequence number at or below one already
	// appended. The fragment is rejected.
	ErrStaleFragment = errors.New("stale fragment sequence")
	// ErrAggregateTooLarge reports that appending would exceed the byte cap.
	// The fragment is rejected.
	ErrAggregateTooLarge = errors.New("aggregate size limit exceeded")
)

// Fragment is one partial chunk of model audio within a turn.
type Fragment struct {
	Seq        uint32
	Data       []byte
	MimeType   string
	SampleRate int
}

// Gap is an inclusive range of sequence numbers that never arrived.
type Gap struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
}

// Aggregator buffers the fragments of the open model turn and releases them
// as one contiguous byte sequence when the turn completes. Fragments are
// kept strictly in append order; sequence numbers are only checked, never
// used to reorder.
type Aggregator struct {
	fragments []Fragment
	size      int
	maxBytes  int
	nextSeq   uint32
	gaps      []Gap

	// Lifetime counters
	totalFragments uint64
	totalGaps      uint64
	totalRejected  uint64
	drainedBytes   uint64
	discardedBytes uint64
	lastAppend     time.Time

	mu sync.Mutex
}

// AggregatorStats represents aggregator statistics for monitoring
type AggregatorStats struct {
	PendingFragments int       `json:"pending_fragments"`
	PendingBytes     int       `json:"pending_bytes"`
	OpenGaps         []Gap     `json:"open_gaps,omitempty"`
	TotalFragments   uint64    `json:"total_fragments"`
	TotalGaps        uint64    `json:"total_gaps"`
	TotalRejected    uint64    `json:"total_rejected"`
	DrainedBytes     uint64    `json:"drained_bytes"`
	DiscardedBytes   uint64    `json:"discarded_bytes"`
	LastAppend       time.Time `json:"last_append"`
}

// NewAggregator creates an aggregator. maxBytes caps the buffered payload of
// one turn; zero disables the cap.
func NewAggregator(maxBytes int) *Aggregator {
	return &Aggregator{maxBytes: maxBytes}
}

// Append adds a fragment after the ones already buffered. A fragment that
// skips sequence numbers is kept and the missing range is reported with
// ErrSequenceGap. Stale and oversized fragments are rejected.
func (a *Aggregator) Append(f Fragment) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f.Seq < a.nextSeq {
		a.totalRejected++
		return fmt.Errorf("%w: got %d, expected %d", ErrStaleFragment, f.Seq, a.nextSeq)
	}

	if a.maxBytes > 0 && a.size+len(f.Data) > a.maxBytes {
		a.totalRejected++
		return fmt.Errorf("%w: %d buffered + %d > %d", ErrAggregateTooLarge, a.size, len(f.Data), a.maxBytes)
	}

	a.fragments = append(a.fragments, f)
	a.size += len(f.Data)
	a.totalFragments++
	a.lastAppend = time.Now()

	var err error
	if f.Seq > a.nextSeq {
		gap := Gap{From: a.nextSeq, To: f.Seq - 1}
		a.gaps = append(a.gaps, gap)
		a.totalGaps++
		err = fmt.Errorf("%w: missing %d-%d", ErrSequenceGap, gap.From, gap.To)
	}
	a.nextSeq = f.Seq + 1

	return err
}

// Drain returns the buffered payloads concatenated in append order and
// clears the aggregator for the next turn. It returns an empty slice when
// nothing was buffered.
func (a *Aggregator) Drain() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]byte, 0, a.size)
	for _, f := range a.fragments {
		out = append(out, f.Data...)
	}

	a.drainedBytes += uint64(len(out))
	a.clear()

	return out
}

// Reset discards buffered fragments without emitting them and returns the
// number of bytes dropped.
func (a *Aggregator) Reset() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := a.size
	a.discardedBytes += uint64(dropped)
	a.clear()

	return dropped
}

func (a *Aggregator) clear() {
	a.fragments = nil
	a.size = 0
	a.nextSeq = 0
	a.gaps = nil
}

// Len returns the number of buffered fragments.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fragments)
}

// Size returns the number of buffered bytes.
func (a *Aggregator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Gaps returns the sequence ranges missing from the open turn.
func (a *Aggregator) Gaps() []Gap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Gap(nil), a.gaps...)
}

// GetStats returns current aggregator statistics
func (a *Aggregator) GetStats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AggregatorStats{
		PendingFragments: len(a.fragments),
		PendingBytes:     a.size,
		OpenGaps:         append([]Gap(nil), a.gaps...),
		TotalFragments:   a.totalFragments,
		TotalGaps:        a.totalGaps,
		TotalRejected:    a.totalRejected,
		DrainedBytes:     a.drainedBytes,
		DiscardedBytes:   a.discardedBytes,
		LastAppend:       a.lastAppend,
	}
}
