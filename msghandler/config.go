package msghandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/gateway"
	"github.com/dlcdevkit/ddk/keystore"
	"github.com/dlcdevkit/ddk/offers"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultShutdownGrace is how long in-flight events may take to
	// finish once shutdown starts.
	DefaultShutdownGrace = 5 * time.Second

	// DefaultFrameCeiling is the largest wire frame put in one event.
	DefaultFrameCeiling = 65535

	// DefaultSweepInterval is how often reassembly buffers, contract
	// timeouts and funding are checked.
	DefaultSweepInterval = time.Minute
)

// ContractGateway is the serialized contract manager the handler drives.
// *gateway.Gateway implements it.
type ContractGateway interface {
	OnMessage(ctx context.Context, msg dlcwire.Message,
		from [32]byte) (fn.Option[dlcwire.Message], error)

	ListOffers(ctx context.Context) ([]*contract.Contract, error)

	AcceptOffer(ctx context.Context, tempID dlcwire.ContractID) (
		*dlcwire.AcceptDlc, *btcec.PublicKey, error)

	Reject(ctx context.Context, tempID dlcwire.ContractID,
		reason string) (*dlcwire.Reject, *btcec.PublicKey, error)

	SendOffer(ctx context.Context, in contract.OfferInput,
		to [32]byte) (*dlcwire.OfferDlc, error)

	Contract(ctx context.Context,
		id dlcwire.ContractID) (*contract.Contract, error)

	CheckTimeouts(ctx context.Context,
		now time.Time) ([]*contract.Contract, error)

	CheckFunding(ctx context.Context) ([]*contract.Contract, error)
}

// A compile time check to ensure the gateway can drive the handler.
var _ ContractGateway = (*gateway.Gateway)(nil)

// Config holds the handler's dependencies and limits.
type Config struct {
	// Identity is this node's key. Events are addressed to its x-only
	// public key.
	Identity *keystore.Identity

	Transport transport.Transport

	Gateway ContractGateway

	// Registry mirrors the offers waiting for a user decision.
	Registry *offers.Registry

	// FrameCeiling bounds the size of an outbound wire frame. Larger
	// messages are segmented.
	FrameCeiling int

	// Reassembly bounds inbound segmented messages.
	Reassembly dlcwire.ReassemblyConfig

	// Publish bounds every outbound publish.
	Publish transport.PublishConfig

	// ShutdownGrace is how long workers may keep running after shutdown
	// starts before they are cancelled.
	ShutdownGrace time.Duration

	// NackMalformed makes the handler answer undecodable wire payloads
	// with a Reject instead of dropping them silently.
	NackMalformed bool

	Clock clock.Clock

	// SweepTicker drives the periodic sweep. It is stopped by the
	// handler.
	SweepTicker ticker.Ticker

	// OnStatus, when set, receives every transport status change.
	OnStatus func(transport.StatusChange)
}

// DefaultConfig returns a config with default limits. The capabilities must
// still be set.
func DefaultConfig() Config {
	return Config{
		FrameCeiling:  DefaultFrameCeiling,
		Reassembly:    dlcwire.DefaultReassemblyConfig(),
		Publish:       transport.DefaultPublishConfig(),
		ShutdownGrace: DefaultShutdownGrace,
		Clock:         clock.NewDefaultClock(),
		SweepTicker:   ticker.New(DefaultSweepInterval),
	}
}

// Validate checks every capability is set and every limit is usable.
func (c *Config) Validate() error {
	switch {
	case c.Identity == nil:
		return errors.New("msghandler: no identity")

	case c.Transport == nil:
		return errors.New("msghandler: no transport")

	case c.Gateway == nil:
		return errors.New("msghandler: no gateway")

	case c.Registry == nil:
		return errors.New("msghandler: no offer registry")

	case c.Clock == nil:
		return errors.New("msghandler: no clock")

	case c.SweepTicker == nil:
		return errors.New("msghandler: no sweep ticker")

	case c.ShutdownGrace < 0:
		return fmt.Errorf("msghandler: negative shutdown grace %v",
			c.ShutdownGrace)

	case c.Reassembly.MaxBytes <= 0 || c.Reassembly.MaxAge <= 0:
		return errors.New("msghandler: reassembly limits must be " +
			"positive")
	}

	if c.FrameCeiling < dlcwire.MinFrameCeiling ||
		c.FrameCeiling > dlcwire.MaxFrameCeiling {

		return fmt.Errorf("msghandler: frame ceiling %d not in "+
			"[%d, %d]", c.FrameCeiling, dlcwire.MinFrameCeiling,
			dlcwire.MaxFrameCeiling)
	}

	return c.Publish.Validate()
}
