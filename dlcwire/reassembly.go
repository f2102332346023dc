package dlcwire

import (
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultReassemblyMaxBytes caps the size of a single segmented
	// message.
	DefaultReassemblyMaxBytes = 1 << 20

	// DefaultReassemblyMaxAge is how long a partially received message
	// is kept before it is discarded.
	DefaultReassemblyMaxAge = 5 * time.Minute
)

// ReassemblyConfig holds the limits of a Reassembler.
type ReassemblyConfig struct {
	// MaxBytes is the largest total length a SegmentStart may announce.
	MaxBytes int

	// MaxAge is the time after which an incomplete message is purged.
	MaxAge time.Duration

	// Clock is the time source used for expiry.
	Clock clock.Clock
}

// DefaultReassemblyConfig returns the default limits.
func DefaultReassemblyConfig() ReassemblyConfig {
	return ReassemblyConfig{
		MaxBytes: DefaultReassemblyMaxBytes,
		MaxAge:   DefaultReassemblyMaxAge,
		Clock:    clock.NewDefaultClock(),
	}
}

// segmentBuffer accumulates the chunks of one segmented message.
type segmentBuffer struct {
	total   int
	nextSeq uint16
	data    []byte
	started time.Time
}

// Reassembler rebuilds segmented messages. Each counterparty has at most one
// message in flight; a new SegmentStart replaces an unfinished one.
type Reassembler struct {
	cfg ReassemblyConfig

	mu      sync.Mutex
	buffers map[string]*segmentBuffer
}

// NewReassembler creates a Reassembler with the given limits.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Reassembler{
		cfg:     cfg,
		buffers: make(map[string]*segmentBuffer),
	}
}

// Process feeds one decoded frame from peer. Complete messages are returned
// directly; segmentation frames return nil until the final chunk arrives, at
// which point the reassembled message is decoded and returned. Any error
// discards the peer's partial message.
func (r *Reassembler) Process(peer string, msg Message) (Message, error) {
	switch m := msg.(type) {
	case *SegmentStart:
		return r.start(peer, m)

	case *SegmentChunk:
		return r.chunk(peer, m)

	default:
		return msg, nil
	}
}

func (r *Reassembler) start(peer string, m *SegmentStart) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.buffers[peer]; ok {
		log.Debugf("Discarding unfinished segmented message from %v",
			peer)
		delete(r.buffers, peer)
	}

	total := int(m.TotalLen)
	if total > r.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: announced %d bytes, limit %d",
			ErrSegmentTooLarge, total, r.cfg.MaxBytes)
	}
	if len(m.Chunk) > total {
		return nil, fmt.Errorf("%w: first chunk of %d bytes exceeds "+
			"total %d", ErrSegmentTooLarge, len(m.Chunk), total)
	}

	buf := &segmentBuffer{
		total:   total,
		nextSeq: 1,
		data:    make([]byte, 0, total),
		started: r.cfg.Clock.Now(),
	}
	buf.data = append(buf.data, m.Chunk...)

	if len(buf.data) == buf.total {
		return decodeReassembled(buf.data)
	}

	r.buffers[peer] = buf

	return nil, nil
}

func (r *Reassembler) chunk(peer string, m *SegmentChunk) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[peer]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %d without start",
			ErrSegmentIncomplete, m.Seq)
	}

	if r.cfg.Clock.Now().Sub(buf.started) > r.cfg.MaxAge {
		delete(r.buffers, peer)

		return nil, fmt.Errorf("%w: expired after %v",
			ErrSegmentIncomplete, r.cfg.MaxAge)
	}

	if m.Seq != buf.nextSeq {
		delete(r.buffers, peer)

		return nil, fmt.Errorf("%w: expected %d, got %d",
			ErrSegmentOutOfOrder, buf.nextSeq, m.Seq)
	}

	if len(buf.data)+len(m.Chunk) > buf.total {
		delete(r.buffers, peer)

		return nil, fmt.Errorf("%w: chunks exceed announced %d bytes",
			ErrSegmentTooLarge, buf.total)
	}

	buf.data = append(buf.data, m.Chunk...)
	buf.nextSeq++

	if len(buf.data) < buf.total {
		return nil, nil
	}

	delete(r.buffers, peer)

	return decodeReassembled(buf.data)
}

// decodeReassembled decodes the concatenated chunks. Nested segmentation is
// not allowed.
func decodeReassembled(b []byte) (Message, error) {
	msg, err := DecodeMessage(b)
	if err != nil {
		return nil, err
	}
	if msg.MsgType().IsSegment() {
		return nil, fmt.Errorf("%w: nested %v", ErrReservedType,
			msg.MsgType())
	}

	return msg, nil
}

// Purge drops any partial message from peer.
func (r *Reassembler) Purge(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.buffers, peer)
}

// Sweep drops every partial message older than MaxAge and returns how many
// were dropped.
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Clock.Now()

	var swept int
	for peer, buf := range r.buffers {
		if now.Sub(buf.started) <= r.cfg.MaxAge {
			continue
		}

		log.Debugf("Expiring segmented message from %v after %d of "+
			"%d bytes", peer, len(buf.data), buf.total)

		delete(r.buffers, peer)
		swept++
	}

	return swept
}

// Pending returns the number of peers with a partial message.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.buffers)
}
