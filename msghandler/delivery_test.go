package msghandler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/envelope"
	"github.com/dlcdevkit/ddk/offers"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var (
	errLinkDown = errors.New("link down")

	// errHold makes hookTransport report success without publishing.
	errHold = errors.New("hold event")
)

// hookTransport runs onPublish before every publish. A non-nil result is
// returned instead of publishing, errHold is reported as success.
type hookTransport struct {
	transport.Transport

	onPublish func(ev *envelope.Event) error
}

func (h *hookTransport) Publish(ctx context.Context,
	ev *envelope.Event) error {

	switch err := h.onPublish(ev); {
	case errors.Is(err, errHold):
		return nil

	case err != nil:
		return err
	}

	return h.Transport.Publish(ctx, ev)
}

// received is a message as the gateway saw it.
type received struct {
	from [32]byte
	msg  dlcwire.Message
}

// recordingGateway logs the messages handed to the gateway in order.
type recordingGateway struct {
	ContractGateway

	mu   sync.Mutex
	seen []received
}

func (r *recordingGateway) OnMessage(ctx context.Context,
	msg dlcwire.Message, from [32]byte) (fn.Option[dlcwire.Message],
	error) {

	r.mu.Lock()
	r.seen = append(r.seen, received{from: from, msg: msg})
	r.mu.Unlock()

	return r.ContractGateway.OnMessage(ctx, msg, from)
}

func (r *recordingGateway) from(peer [32]byte) []dlcwire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var msgs []dlcwire.Message
	for _, rcv := range r.seen {
		if rcv.from == peer {
			msgs = append(msgs, rcv.msg)
		}
	}

	return msgs
}

// TestAcceptResentAfterPublishFailure asserts an Accept that could not be
// published is sent again by a second Accept call, and the negotiation then
// completes.
func TestAcceptResentAfterPublishFailure(t *testing.T) {
	t.Parallel()

	var linkDown atomic.Bool
	flaky := func(cfg *Config) {
		cfg.Publish.Attempts = 1
		cfg.Transport = &hookTransport{
			Transport: cfg.Transport,
			onPublish: func(*envelope.Event) error {
				if linkDown.Load() {
					return errLinkDown
				}
				return nil
			},
		}
	}

	n := newNetwork(t)
	alice := n.newNode("alice", []btcutil.Amount{150_000}, nil)
	bob := n.newNode("bob", []btcutil.Amount{150_000}, flaky)

	offer, err := alice.handler.SendOffer(n.ctx, offerInput(), bob.id())
	require.NoError(t, err)
	tempID := offer.TemporaryContractID
	waitOffers(t, bob, 1)

	linkDown.Store(true)
	_, err = bob.handler.Accept(n.ctx, tempID)
	require.ErrorIs(t, err, transport.ErrPublishFailed)
	require.ErrorIs(t, err, errLinkDown)
	require.Equal(t, contract.StateAcceptSent, n.state(bob, tempID))
	require.Zero(t, bob.registry.Len())

	// Still down: the retry fails the same way and changes nothing.
	_, err = bob.handler.Accept(n.ctx, tempID)
	require.ErrorIs(t, err, errLinkDown)
	require.Equal(t, contract.StateAcceptSent, n.state(bob, tempID))

	linkDown.Store(false)
	pub, err := bob.handler.Accept(n.ctx, tempID)
	require.NoError(t, err)
	require.Equal(t, alice.id(), envelope.XOnly(pub))

	n.waitState(alice, tempID, contract.StateSignSent)
	n.waitState(bob, tempID, contract.StateFunded)

	// Once signed there is nothing left to resend.
	_, err = bob.handler.Accept(n.ctx, tempID)
	require.ErrorIs(t, err, offers.ErrNotFound)
}

// TestPerCounterpartyOrdering asserts messages from one counterparty reach
// the gateway in the order they were sent, interleaved with another
// counterparty.
func TestPerCounterpartyOrdering(t *testing.T) {
	t.Parallel()

	const count = 25

	var rec *recordingGateway
	n := newNetwork(t)
	bob := n.newNode("bob", []btcutil.Amount{150_000}, func(cfg *Config) {
		rec = &recordingGateway{ContractGateway: cfg.Gateway}
		cfg.Gateway = rec
	})
	mallory := n.newStranger("mallory")
	trent := n.newStranger("trent")

	// Stray Rejects reach the gateway but draw no reply.
	reject := func(s *stranger, i int) {
		raw, err := dlcwire.EncodeMessage(&dlcwire.Reject{
			ContractID: dlcwire.ContractID{byte(i)},
			Reason:     "order",
		})
		require.NoError(t, err)
		s.send(t, bob.id(), raw)
	}
	for i := 0; i < count; i++ {
		reject(mallory, i)
		reject(trent, i)
	}

	for _, s := range []*stranger{mallory, trent} {
		peer := envelope.XOnly(s.priv.PubKey())

		require.Eventually(t, func() bool {
			return len(rec.from(peer)) == count
		}, waitTimeout, waitTick)

		for i, msg := range rec.from(peer) {
			rej, ok := msg.(*dlcwire.Reject)
			require.True(t, ok)
			require.Equal(t, dlcwire.ContractID{byte(i)},
				rej.ContractID)
		}
	}
}

// TestNoPublishInsideGateway asserts the handler never publishes while a
// gateway request is running.
func TestNoPublishInsideGateway(t *testing.T) {
	t.Parallel()

	var (
		publishes  atomic.Int32
		violations atomic.Int32
	)
	n := newNetwork(t)
	watch := func(nd **node) func(*Config) {
		return func(cfg *Config) {
			cfg.Transport = &hookTransport{
				Transport: cfg.Transport,
				onPublish: func(*envelope.Event) error {
					publishes.Add(1)
					if (*nd).gateway.InFlight() {
						violations.Add(1)
					}
					return nil
				},
			}
		}
	}

	var alice, bob *node
	alice = n.newNode("alice", []btcutil.Amount{150_000}, watch(&alice))
	bob = n.newNode("bob", []btcutil.Amount{150_000}, watch(&bob))

	n.fund(alice, bob)

	require.GreaterOrEqual(t, publishes.Load(), int32(3))
	require.Zero(t, violations.Load())
}

// TestOutOfOrderSegmentRetransmitted asserts a segmented offer whose chunks
// arrive out of order is dropped, and a retransmission in order goes
// through.
func TestOutOfOrderSegmentRetransmitted(t *testing.T) {
	t.Parallel()

	var (
		hold atomic.Bool
		mu   sync.Mutex
		held []*envelope.Event
	)
	segmented := func(cfg *Config) {
		cfg.FrameCeiling = dlcwire.MinFrameCeiling
		cfg.Transport = &hookTransport{
			Transport: cfg.Transport,
			onPublish: func(ev *envelope.Event) error {
				if !hold.Load() {
					return nil
				}

				mu.Lock()
				held = append(held, ev)
				mu.Unlock()

				return errHold
			},
		}
	}

	n := newNetwork(t)
	alice := n.newNode("alice", []btcutil.Amount{150_000}, segmented)
	bob := n.newNode("bob", []btcutil.Amount{150_000}, nil)

	hold.Store(true)
	offer, err := alice.handler.SendOffer(n.ctx, offerInput(), bob.id())
	require.NoError(t, err)
	hold.Store(false)

	mu.Lock()
	frames := held
	mu.Unlock()
	require.Greater(t, len(frames), 4)

	// Start, seq 1, then seq 3 where seq 2 is due. The buffer is purged
	// and the late seq 2 has nothing to continue.
	replay := n.bus.Connect("alice-replay")
	require.NoError(t, replay.Start(n.ctx))
	t.Cleanup(func() { _ = replay.Stop() })
	for _, i := range []int{0, 1, 3, 2} {
		require.NoError(t, replay.Publish(n.ctx, frames[i]))
	}
	require.Empty(t, bob.handler.Offers())

	// The retransmission is made of fresh events and is handled after
	// the scrambled frames.
	err = alice.handler.send(n.ctx, bob.id(), offer, fn.None[string]())
	require.NoError(t, err)

	waitOffers(t, bob, 1)
	require.Equal(t, offer.TemporaryContractID,
		bob.handler.Offers()[0].ContractID)
	require.Zero(t, bob.handler.reasm.Pending())
}
