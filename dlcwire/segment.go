package dlcwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// DefaultFrameCeiling is the largest frame the codec emits unless
	// configured otherwise. Larger messages are segmented.
	DefaultFrameCeiling = 65535

	// MinFrameCeiling is the smallest ceiling that leaves room for a
	// segment header and a useful chunk.
	MinFrameCeiling = 64

	// MaxFrameCeiling keeps every chunk within MaxFieldLen.
	MaxFrameCeiling = MaxFieldLen

	// segmentStartHeader is the type tag and the u32 total length.
	segmentStartHeader = 2 + 4

	// segmentChunkHeader is the type tag and the u16 sequence number.
	segmentChunkHeader = 2 + 2
)

// maxChunk returns the largest chunk that fits a frame of ceiling bytes
// after header and the chunk's BigSize length prefix.
func maxChunk(ceiling, header int) int {
	n := ceiling - header
	for n > 0 && header+int(tlv.VarIntSize(uint64(n)))+n > ceiling {
		n--
	}

	return n
}

var (
	// ErrSegmentOutOfOrder is returned when a chunk arrives with a
	// sequence number other than the next expected one.
	ErrSegmentOutOfOrder = errors.New("segment out of order")

	// ErrSegmentIncomplete is returned for a chunk that has no open
	// segmented message, or whose message expired before completion.
	ErrSegmentIncomplete = errors.New("segment incomplete")

	// ErrSegmentTooLarge is returned when a segmented message exceeds
	// the configured limits.
	ErrSegmentTooLarge = errors.New("segmented message too large")
)

// SegmentStart opens a segmented message. It carries the total length of the
// serialized message and its first chunk, which has the implicit sequence
// number 0.
type SegmentStart struct {
	TotalLen uint32
	Chunk    []byte
}

var _ Message = (*SegmentStart)(nil)

// Encode serializes the target SegmentStart into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (s *SegmentStart) Encode(w *bytes.Buffer) error {
	if err := WriteUint32(w, s.TotalLen); err != nil {
		return err
	}

	return WriteVarBytes(w, s.Chunk)
}

// Decode deserializes a SegmentStart from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (s *SegmentStart) Decode(r io.Reader) error {
	return ReadElements(r, &s.TotalLen, &s.Chunk)
}

// MsgType returns MsgSegmentStart.
//
// This is part of the dlcwire.Message interface.
func (s *SegmentStart) MsgType() MessageType {
	return MsgSegmentStart
}

// SegmentChunk continues a segmented message.
type SegmentChunk struct {
	// Seq is the position of the chunk. The first SegmentChunk after a
	// SegmentStart has Seq 1.
	Seq   uint16
	Chunk []byte
}

var _ Message = (*SegmentChunk)(nil)

// Encode serializes the target SegmentChunk into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (s *SegmentChunk) Encode(w *bytes.Buffer) error {
	if err := WriteUint16(w, s.Seq); err != nil {
		return err
	}

	return WriteVarBytes(w, s.Chunk)
}

// Decode deserializes a SegmentChunk from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (s *SegmentChunk) Decode(r io.Reader) error {
	return ReadElements(r, &s.Seq, &s.Chunk)
}

// MsgType returns MsgSegmentChunk.
//
// This is part of the dlcwire.Message interface.
func (s *SegmentChunk) MsgType() MessageType {
	return MsgSegmentChunk
}

// Codec turns messages into frames no larger than its ceiling.
type Codec struct {
	ceiling int
}

// NewCodec returns a codec with the given frame ceiling.
func NewCodec(ceiling int) (*Codec, error) {
	if ceiling < MinFrameCeiling || ceiling > MaxFrameCeiling {
		return nil, fmt.Errorf("frame ceiling %d not in [%d, %d]",
			ceiling, MinFrameCeiling, MaxFrameCeiling)
	}

	return &Codec{ceiling: ceiling}, nil
}

// Ceiling returns the maximum frame size.
func (c *Codec) Ceiling() int {
	return c.ceiling
}

// Encode serializes msg. Messages that fit the ceiling are returned as a
// single frame. Larger ones are split into a SegmentStart followed by
// SegmentChunks with consecutive sequence numbers, each frame within the
// ceiling. Concatenating the chunks in order yields the unsegmented bytes.
func (c *Codec) Encode(msg Message) ([][]byte, error) {
	if msg.MsgType().IsSegment() {
		return nil, fmt.Errorf("%w: %v", ErrReservedType, msg.MsgType())
	}

	raw, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	if len(raw) <= c.ceiling {
		return [][]byte{raw}, nil
	}
	if uint64(len(raw)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrSegmentTooLarge,
			len(raw))
	}

	startLen := maxChunk(c.ceiling, segmentStartHeader)
	chunkLen := maxChunk(c.ceiling, segmentChunkHeader)

	numChunks := (len(raw) - startLen + chunkLen - 1) / chunkLen
	if numChunks > math.MaxUint16 {
		return nil, fmt.Errorf("%w: needs %d chunks",
			ErrSegmentTooLarge, numChunks)
	}

	frames := make([][]byte, 0, numChunks+1)

	start, err := EncodeMessage(&SegmentStart{
		TotalLen: uint32(len(raw)),
		Chunk:    raw[:startLen],
	})
	if err != nil {
		return nil, err
	}
	frames = append(frames, start)

	rest := raw[startLen:]
	for seq := uint16(1); len(rest) > 0; seq++ {
		n := min(chunkLen, len(rest))

		frame, err := EncodeMessage(&SegmentChunk{
			Seq:   seq,
			Chunk: rest[:n],
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)

		rest = rest[n:]
	}

	log.Tracef("Segmented %v of %d bytes into %d frames", msg.MsgType(),
		len(raw), len(frames))

	return frames, nil
}
