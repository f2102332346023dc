package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/nbd-wtf/go-nostr"
)

const (
	// KindDLC is the event kind DLC messages are published with. It is
	// the plain text note kind, so only the content reveals a DLC
	// payload to its recipient.
	KindDLC = nostr.KindTextNote

	// tagPubKey marks the recipient of an event.
	tagPubKey = "p"

	// tagEvent references another event, used to thread replies.
	tagEvent = "e"
)

// ErrBadSignature is returned when an event's id or signature doesn't match
// its content.
var ErrBadSignature = errors.New("invalid event signature")

// Tag is a single event tag: a name followed by its values.
type Tag = nostr.Tag

// Event is a signed nostr event.
type Event nostr.Event

// Nostr returns the event as the nostr library type.
func (e *Event) Nostr() *nostr.Event {
	return (*nostr.Event)(e)
}

// Serialize returns the canonical form that the event id commits to:
// [0, pubkey, created_at, kind, tags, content].
func (e *Event) Serialize() []byte {
	return e.Nostr().Serialize()
}

// ComputeID returns the sha256 of the canonical serialization.
func (e *Event) ComputeID() [32]byte {
	return sha256.Sum256(e.Serialize())
}

// Sign sets the pubkey, id and BIP-340 signature of the event.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	x := XOnly(priv.PubKey())
	e.PubKey = hex.EncodeToString(x[:])

	return e.Nostr().Sign(hex.EncodeToString(priv.Serialize()))
}

// Verify checks the event id and signature.
func (e *Event) Verify() error {
	if _, err := ParseXOnlyHex(e.PubKey); err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrEnvelopeMalformed, err)
	}

	id := e.ComputeID()
	if hex.EncodeToString(id[:]) != e.ID {
		return fmt.Errorf("%w: id mismatch", ErrBadSignature)
	}

	ok, err := e.Nostr().CheckSignature()
	switch {
	case err != nil:
		return fmt.Errorf("%w: %v", ErrEnvelopeMalformed, err)

	case !ok:
		return ErrBadSignature
	}

	return nil
}

// Sender returns the x-only key of the author.
func (e *Event) Sender() ([32]byte, error) {
	return ParseXOnlyHex(e.PubKey)
}

// firstTag returns the first value of the first tag with the given name.
func (e *Event) firstTag(name string) fn.Option[string] {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return fn.Some(tag[1])
		}
	}

	return fn.None[string]()
}

// Recipient returns the hex x-only key from the p-tag, if any.
func (e *Event) Recipient() fn.Option[string] {
	return e.firstTag(tagPubKey)
}

// ReplyTo returns the referenced event id from the e-tag, if any.
func (e *Event) ReplyTo() fn.Option[string] {
	return e.firstTag(tagEvent)
}

// NewDLCEvent seals a wire-encoded DLC message for the recipient. The event
// is tagged with the recipient and, for replies, the id of the event being
// answered.
func NewDLCEvent(priv *btcec.PrivateKey, to [32]byte, wire []byte,
	replyTo fn.Option[string], now time.Time) (*Event, error) {

	content, err := Encrypt(
		priv, to, base64.StdEncoding.EncodeToString(wire),
	)
	if err != nil {
		return nil, err
	}

	tags := nostr.Tags{{tagPubKey, hex.EncodeToString(to[:])}}
	replyTo.WhenSome(func(id string) {
		tags = append(tags, Tag{tagEvent, id})
	})

	ev := &Event{
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      KindDLC,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(priv); err != nil {
		return nil, err
	}

	return ev, nil
}

// OpenDLCEvent decrypts an event addressed to priv and returns the wire
// bytes it carries.
func OpenDLCEvent(priv *btcec.PrivateKey, ev *Event) ([]byte, error) {
	sender, err := ev.Sender()
	if err != nil {
		return nil, err
	}

	plaintext, err := Decrypt(priv, sender, ev.Content)
	if err != nil {
		return nil, err
	}

	wire, err := base64.StdEncoding.DecodeString(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrBase64Invalid, err)
	}

	return wire, nil
}
