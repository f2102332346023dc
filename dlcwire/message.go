package dlcwire

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// MessageType is the unique 2 byte big-endian integer that prefixes every
// DLC message on the wire. There is no length or checksum: messages always
// travel inside an authenticated, encrypted envelope.
type MessageType uint16

// The message types understood by this codec. Values follow the DLC
// messaging protocol.
const (
	MsgOffer                   MessageType = 42778
	MsgAccept                  MessageType = 42780
	MsgSign                    MessageType = 42782
	MsgSegmentStart            MessageType = 42900
	MsgSegmentChunk            MessageType = 42902
	MsgSettleOffer             MessageType = 43006
	MsgSettleAccept            MessageType = 43008
	MsgSettleConfirm           MessageType = 43010
	MsgSettleFinalize          MessageType = 43012
	MsgRenewOffer              MessageType = 43014
	MsgRenewAccept             MessageType = 43016
	MsgRenewConfirm            MessageType = 43018
	MsgRenewFinalize           MessageType = 43020
	MsgCollaborativeCloseOffer MessageType = 43022
	MsgReject                  MessageType = 43024
)

// String return the string representation of message type.
func (t MessageType) String() string {
	switch t {
	case MsgOffer:
		return "Offer"
	case MsgAccept:
		return "Accept"
	case MsgSign:
		return "Sign"
	case MsgSegmentStart:
		return "SegmentStart"
	case MsgSegmentChunk:
		return "SegmentChunk"
	case MsgSettleOffer:
		return "SettleOffer"
	case MsgSettleAccept:
		return "SettleAccept"
	case MsgSettleConfirm:
		return "SettleConfirm"
	case MsgSettleFinalize:
		return "SettleFinalize"
	case MsgRenewOffer:
		return "RenewOffer"
	case MsgRenewAccept:
		return "RenewAccept"
	case MsgRenewConfirm:
		return "RenewConfirm"
	case MsgRenewFinalize:
		return "RenewFinalize"
	case MsgCollaborativeCloseOffer:
		return "CollaborativeCloseOffer"
	case MsgReject:
		return "Reject"
	default:
		return fmt.Sprintf("<unknown:%d>", uint16(t))
	}
}

// IsSegment returns true for the type tags reserved for segmentation frames.
func (t MessageType) IsSegment() bool {
	return t == MsgSegmentStart || t == MsgSegmentChunk
}

var (
	// ErrTruncated is returned when the input ends before a message is
	// fully decoded.
	ErrTruncated = errors.New("truncated message")

	// ErrTrailingBytes is returned when input remains after a message has
	// been fully decoded.
	ErrTrailingBytes = errors.New("trailing bytes after message")

	// ErrReservedType is returned when a segmentation tag is used where a
	// complete message is required.
	ErrReservedType = errors.New("segmentation type used as message")
)

// UnknownMessage is an implementation of the error interface that allows the
// creation of an error in response to an unknown message.
type UnknownMessage struct {
	messageType MessageType
}

// Type returns the tag that could not be decoded.
func (u *UnknownMessage) Type() MessageType {
	return u.messageType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownMessage) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %v",
		u.messageType)
}

// ContractID identifies a contract. Before the funding transaction is known
// the temporary id chosen by the offerer is used instead.
type ContractID [32]byte

// String returns the hex encoding of the id.
func (c ContractID) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero returns true if the id is all zeroes.
func (c ContractID) IsZero() bool {
	return c == ContractID{}
}

// ParseContractID decodes a hex encoded contract id.
func ParseContractID(s string) (ContractID, error) {
	var id ContractID

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid contract id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid contract id length %d", len(b))
	}
	copy(id[:], b)

	return id, nil
}

// Serializable is an interface which defines a DLC wire serializable object.
type Serializable interface {
	// Decode reads the bytes stream and converts it to the object.
	Decode(io.Reader) error

	// Encode converts object to the bytes stream and write it into the
	// write buffer.
	Encode(*bytes.Buffer) error
}

// Message is an interface that defines a DLC wire protocol message.
type Message interface {
	Serializable
	MsgType() MessageType
}

// ContractMessage is a Message that concerns a single contract.
type ContractMessage interface {
	Message

	// TargetContractID is the id of the contract the message is about.
	// Offers carry their temporary id.
	TargetContractID() ContractID
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgOffer:
		msg = &OfferDlc{}
	case MsgAccept:
		msg = &AcceptDlc{}
	case MsgSign:
		msg = &SignDlc{}
	case MsgSegmentStart:
		msg = &SegmentStart{}
	case MsgSegmentChunk:
		msg = &SegmentChunk{}
	case MsgSettleOffer:
		msg = &SettleOffer{}
	case MsgSettleAccept:
		msg = &SettleAccept{}
	case MsgSettleConfirm:
		msg = &SettleConfirm{}
	case MsgSettleFinalize:
		msg = &SettleFinalize{}
	case MsgRenewOffer:
		msg = &RenewOffer{}
	case MsgRenewAccept:
		msg = &RenewAccept{}
	case MsgRenewConfirm:
		msg = &RenewConfirm{}
	case MsgRenewFinalize:
		msg = &RenewFinalize{}
	case MsgCollaborativeCloseOffer:
		msg = &CollaborativeCloseOffer{}
	case MsgReject:
		msg = &Reject{}
	default:
		return nil, &UnknownMessage{msgType}
	}

	return msg, nil
}

// WriteMessage writes a DLC Message to a buffer including the type prefix and
// returns the number of bytes written. On error the buffer is reset to its
// original state: either all or none of the message bytes are written.
//
// NOTE: this method is not concurrent safe.
func WriteMessage(buf *bytes.Buffer, msg Message) (int, error) {
	oldByteSize := buf.Len()

	var mType [2]byte
	binary.BigEndian.PutUint16(mType[:], uint16(msg.MsgType()))
	if _, err := buf.Write(mType[:]); err != nil {
		buf.Truncate(oldByteSize)
		return 0, fmt.Errorf("failed to write message type: %w", err)
	}

	if err := msg.Encode(buf); err != nil {
		buf.Truncate(oldByteSize)
		return 0, fmt.Errorf("failed to encode %v: %w", msg.MsgType(),
			err)
	}

	return buf.Len() - oldByteSize, nil
}

// ReadMessage reads, validates, and parses the next DLC message from r.
// Short input is reported as ErrTruncated.
func ReadMessage(r io.Reader) (Message, error) {
	var mType [2]byte
	if _, err := io.ReadFull(r, mType[:]); err != nil {
		return nil, asTruncated(err)
	}

	msgType := MessageType(binary.BigEndian.Uint16(mType[:]))

	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(r); err != nil {
		return nil, asTruncated(err)
	}

	return msg, nil
}

// EncodeMessage serializes a single message into a fresh byte slice.
func EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := WriteMessage(&buf, msg); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeMessage decodes exactly one message (or segmentation frame) from b.
// Bytes left over after the message are an error.
func DecodeMessage(b []byte) (Message, error) {
	r := bytes.NewReader(b)

	msg, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d bytes after %v",
			ErrTrailingBytes, r.Len(), msg.MsgType())
	}

	return msg, nil
}

// asTruncated maps the short read errors of the io package to ErrTruncated
// so callers only need to check one sentinel.
func asTruncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	return err
}
