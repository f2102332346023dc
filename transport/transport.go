package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/dlcdevkit/ddk/envelope"
	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrConnectionLost is reported through a StatusChange when a
	// connection drops. The transport reconnects on its own.
	ErrConnectionLost = errors.New("connection lost")

	// ErrPublishFailed is returned once the publish retry budget is
	// exhausted.
	ErrPublishFailed = errors.New("publish failed")

	// ErrAuthFailed is returned when a remote permanently refuses us. The
	// affected connection is not retried.
	ErrAuthFailed = errors.New("transport authentication failed")

	// ErrNotStarted is returned by Publish and Subscribe before Start.
	ErrNotStarted = errors.New("transport not started")

	// ErrStopped is returned by operations on a stopped transport.
	ErrStopped = errors.New("transport stopped")
)

// Status is the connection state reported by a StatusChange.
type Status uint8

const (
	// StatusConnected means a connection to the source is up.
	StatusConnected Status = iota

	// StatusDisconnected means a connection dropped and a reconnect is
	// scheduled.
	StatusDisconnected

	// StatusAuthFailed means the source refused us for good.
	StatusAuthFailed

	// StatusStopped means the source was shut down locally and won't be
	// reconnected.
	StatusStopped
)

// String returns a human readable status.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusAuthFailed:
		return "auth_failed"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown<%d>", uint8(s))
	}
}

// StatusChange notifies the consumer of a change in connectivity.
type StatusChange struct {
	// Source names the relay URL or peer the change applies to.
	Source string

	Status Status

	// Err carries the cause of a disconnect or auth failure.
	Err error
}

// String returns a summary of the change for logging.
func (s StatusChange) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %v (%v)", s.Source, s.Status, s.Err)
	}

	return fmt.Sprintf("%s: %v", s.Source, s.Status)
}

// Item is a single element of the receive stream. Exactly one of Event and
// Status is set.
type Item struct {
	// Source is where the item came from.
	Source string

	Event *envelope.Event

	Status *StatusChange
}

// Filter selects the events a subscription delivers. Empty fields match
// everything.
type Filter struct {
	// Kinds lists the accepted event kinds.
	Kinds []int `json:"kinds,omitempty"`

	// Authors lists accepted author keys as x-only hex.
	Authors []string `json:"authors,omitempty"`

	// Recipients lists accepted p-tag values as x-only hex.
	Recipients []string `json:"#p,omitempty"`

	// Since drops events created before this unix time when non-zero.
	Since int64 `json:"since,omitempty"`
}

// DLCFilter returns the filter for DLC traffic addressed to self.
func DLCFilter(self string, since int64) Filter {
	return Filter{
		Kinds:      []int{envelope.KindDLC},
		Recipients: []string{self},
		Since:      since,
	}
}

// Nostr returns the relay protocol form of the filter.
func (f Filter) Nostr() nostr.Filter {
	nf := nostr.Filter{
		Kinds:   f.Kinds,
		Authors: f.Authors,
	}
	if len(f.Recipients) > 0 {
		nf.Tags = nostr.TagMap{"p": f.Recipients}
	}
	if f.Since != 0 {
		since := nostr.Timestamp(f.Since)
		nf.Since = &since
	}

	return nf
}

// FilterFromNostr keeps the parts of a relay protocol filter DLC traffic is
// selected by. Other conditions are dropped, widening the filter.
func FilterFromNostr(nf nostr.Filter) Filter {
	f := Filter{
		Kinds:      nf.Kinds,
		Authors:    nf.Authors,
		Recipients: nf.Tags["p"],
	}
	if nf.Since != nil {
		f.Since = int64(*nf.Since)
	}

	return f
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev *envelope.Event) bool {
	return f.Nostr().Matches(ev.Nostr())
}

// Transport is a bidirectional event channel to counterparties. Both the
// relay broker and the direct stream variants implement it.
type Transport interface {
	// Name returns a human readable identifier.
	Name() string

	// Start begins receiving. Calling it more than once is a no-op.
	Start(ctx context.Context) error

	// Subscribe registers interest in events matching filter. A
	// subscription survives reconnects.
	Subscribe(filter Filter) error

	// Publish delivers ev on a best effort basis. It returns once the
	// event is acknowledged or queued locally and never waits past the
	// context deadline.
	Publish(ctx context.Context, ev *envelope.Event) error

	// Receive returns the inbound stream. It only closes after Stop and
	// never on transient errors, which are reported as StatusChange items.
	Receive() <-chan Item

	// Stop tears down all connections and closes the receive stream.
	Stop() error
}
