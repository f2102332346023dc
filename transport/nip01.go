package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dlcdevkit/ddk/envelope"
	"github.com/nbd-wtf/go-nostr"
)

// Relay protocol message labels.
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelOK     = "OK"
	LabelEOSE   = "EOSE"
	LabelClosed = "CLOSED"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
)

// AuthRequiredPrefix starts the reason of OK and CLOSED messages that refuse
// an unauthenticated client.
const AuthRequiredPrefix = "auth-required:"

// ErrBadRelayMessage is returned for frames that aren't relay protocol
// messages.
var ErrBadRelayMessage = errors.New("malformed relay message")

// RelayMessage is one frame of the relay protocol, in either direction.
// Which fields are set depends on Label.
type RelayMessage struct {
	Label string

	// SubID is set for REQ, CLOSE, EOSE, CLOSED and relay to client
	// EVENT messages.
	SubID string

	// Event is set for EVENT messages.
	Event *envelope.Event

	// Filters is set for REQ messages.
	Filters []Filter

	// EventID and OK are set for OK messages.
	EventID string
	OK      bool

	// Message is the human readable part of OK, CLOSED and NOTICE, or the
	// challenge of AUTH.
	Message string
}

// IsAuthRequired reports whether the message refuses us for lack of
// authentication.
func (m *RelayMessage) IsAuthRequired() bool {
	switch m.Label {
	case LabelOK:
		return !m.OK && strings.HasPrefix(m.Message, AuthRequiredPrefix)
	case LabelClosed:
		return strings.HasPrefix(m.Message, AuthRequiredPrefix)
	case LabelAuth:
		return true
	}

	return false
}

// Encode serializes the message as a JSON array.
func (m *RelayMessage) Encode() ([]byte, error) {
	var env json.Marshaler
	switch m.Label {
	case LabelEvent:
		if m.Event == nil {
			return nil, fmt.Errorf("%w: EVENT without event",
				ErrBadRelayMessage)
		}
		ev := &nostr.EventEnvelope{Event: *m.Event.Nostr()}
		if m.SubID != "" {
			ev.SubscriptionID = &m.SubID
		}
		env = ev

	case LabelReq:
		filters := make(nostr.Filters, 0, len(m.Filters))
		for _, f := range m.Filters {
			filters = append(filters, f.Nostr())
		}
		env = &nostr.ReqEnvelope{
			SubscriptionID: m.SubID,
			Filters:        filters,
		}

	case LabelClose:
		env = (*nostr.CloseEnvelope)(&m.SubID)

	case LabelEOSE:
		env = (*nostr.EOSEEnvelope)(&m.SubID)

	case LabelOK:
		env = &nostr.OKEnvelope{
			EventID: m.EventID,
			OK:      m.OK,
			Reason:  m.Message,
		}

	case LabelClosed:
		env = &nostr.ClosedEnvelope{
			SubscriptionID: m.SubID,
			Reason:         m.Message,
		}

	case LabelNotice:
		env = (*nostr.NoticeEnvelope)(&m.Message)

	case LabelAuth:
		env = &nostr.AuthEnvelope{Challenge: &m.Message}

	default:
		return nil, fmt.Errorf("%w: unknown label %q",
			ErrBadRelayMessage, m.Label)
	}

	return env.MarshalJSON()
}

// frameShape is the element count range of a frame, label included.
type frameShape struct {
	min, max int

	// pad is appended to frames of min elements so that optional trailing
	// elements are present before decoding.
	pad json.RawMessage
}

var frameShapes = map[string]frameShape{
	LabelEvent:  {min: 2, max: 3},
	LabelReq:    {min: 2, max: -1, pad: json.RawMessage(`{}`)},
	LabelClose:  {min: 2, max: 2},
	LabelEOSE:   {min: 2, max: 2},
	LabelOK:     {min: 3, max: 4, pad: json.RawMessage(`""`)},
	LabelClosed: {min: 2, max: 3, pad: json.RawMessage(`""`)},
	LabelNotice: {min: 2, max: 2},
	LabelAuth:   {min: 2, max: 2},
}

// DecodeRelayMessage parses a JSON array frame.
func DecodeRelayMessage(b []byte) (*RelayMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRelayMessage, err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: %d elements", ErrBadRelayMessage,
			len(raw))
	}

	m := &RelayMessage{}
	if err := json.Unmarshal(raw[0], &m.Label); err != nil {
		return nil, fmt.Errorf("%w: label: %v", ErrBadRelayMessage, err)
	}

	shape, ok := frameShapes[m.Label]
	if !ok {
		return nil, fmt.Errorf("%w: unknown label %q",
			ErrBadRelayMessage, m.Label)
	}
	if len(raw) < shape.min || (shape.max > 0 && len(raw) > shape.max) {
		return nil, fmt.Errorf("%w: %s with %d elements",
			ErrBadRelayMessage, m.Label, len(raw))
	}
	if len(raw) == shape.min && shape.pad != nil {
		padded, err := json.Marshal(append(raw, shape.pad))
		if err != nil {
			return nil, err
		}
		b = padded
	}

	// Every element but the label and the EVENT payload is a string,
	// except the OK flag.
	for i, elem := range raw[1:] {
		var dst any = new(string)
		switch {
		case m.Label == LabelOK && i == 1:
			dst = new(bool)
		case m.Label == LabelEvent && i == len(raw)-2:
			continue
		case m.Label == LabelReq && i > 0:
			continue
		}
		if err := json.Unmarshal(elem, dst); err != nil {
			return nil, fmt.Errorf("%w: %s element %d: %v",
				ErrBadRelayMessage, m.Label, i+1, err)
		}
	}

	if err := m.fromEnvelope(b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadRelayMessage,
			m.Label, err)
	}

	return m, nil
}

// fromEnvelope decodes frame b, whose label is already known, into m.
func (m *RelayMessage) fromEnvelope(b []byte) error {
	switch m.Label {
	case LabelEvent:
		var env nostr.EventEnvelope
		if err := env.FromJSON(string(b)); err != nil {
			return err
		}
		if env.SubscriptionID != nil {
			m.SubID = *env.SubscriptionID
		}
		ev := envelope.Event(env.Event)
		m.Event = &ev

	case LabelReq:
		var env nostr.ReqEnvelope
		if err := env.FromJSON(string(b)); err != nil {
			return err
		}
		m.SubID = env.SubscriptionID
		m.Filters = make([]Filter, 0, len(env.Filters))
		for _, f := range env.Filters {
			m.Filters = append(m.Filters, FilterFromNostr(f))
		}

	case LabelClose:
		var env nostr.CloseEnvelope
		if err := env.FromJSON(string(b)); err != nil {
			return err
		}
		m.SubID = string(env)

	case LabelEOSE:
		var env nostr.EOSEEnvelope
		if err := env.FromJSON(string(b)); err != nil {
			return err
		}
		m.SubID = string(env)

	case LabelOK:
		var env nostr.OKEnvelope
		if err := env.FromJSON(string(b)); err != nil {
			return err
		}
		m.EventID, m.OK, m.Message = env.EventID, env.OK, env.Reason

	case LabelClosed:
		var env nostr.ClosedEnvelope
		if err := env.FromJSON(string(b)); err != nil {
			return err
		}
		m.SubID, m.Message = env.SubscriptionID, env.Reason

	case LabelNotice:
		var env nostr.NoticeEnvelope
		if err := env.FromJSON(string(b)); err != nil {
			return err
		}
		m.Message = string(env)

	case LabelAuth:
		var env nostr.AuthEnvelope
		if err := env.FromJSON(string(b)); err != nil {
			return err
		}
		if env.Challenge != nil {
			m.Message = *env.Challenge
		}
	}

	return nil
}
