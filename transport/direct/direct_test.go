package direct

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/dlcdevkit/ddk/envelope"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testTimeout = 10 * time.Second

type testPeer struct {
	priv *btcec.PrivateKey
	hex  string
	tr   *Transport
}

func newPeer(t *testing.T, listen bool) *testPeer {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	x := envelope.XOnly(priv.PubKey())

	cfg := DefaultConfig()
	if listen {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	tr, err := New(cfg, priv)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(func() { _ = tr.Stop() })

	p := &testPeer{priv: priv, hex: hex.EncodeToString(x[:]), tr: tr}
	require.NoError(t, tr.Subscribe(transport.DLCFilter(p.hex, 0)))

	return p
}

func (p *testPeer) eventTo(t *testing.T, to *testPeer,
	payload []byte) *envelope.Event {

	t.Helper()

	ev, err := envelope.NewDLCEvent(
		p.priv, envelope.XOnly(to.priv.PubKey()), payload,
		fn.None[string](), time.Now(),
	)
	require.NoError(t, err)

	return ev
}

func nextEvent(t *testing.T, tr *Transport) transport.Item {
	t.Helper()

	timeout := time.After(testTimeout)
	for {
		select {
		case item, ok := <-tr.Receive():
			require.True(t, ok)
			if item.Event != nil {
				return item
			}

		case <-timeout:
			t.Fatalf("no event received")
		}
	}
}

// TestNormalizeKey asserts the normalized key always has an even y and the
// same x-only key.
func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "seed")
		seed[0] &= 0x7f
		seed[31] |= 1
		priv, _ := btcec.PrivKeyFromBytes(seed)

		norm := NormalizeKey(priv)
		require.Equal(t, byte(secp.PubKeyFormatCompressedEven),
			norm.PubKey().SerializeCompressed()[0])
		require.Equal(t, envelope.XOnly(priv.PubKey()),
			envelope.XOnly(norm.PubKey()))
	})
}

// TestDirectExchange asserts a dialed connection carries events both ways,
// the reply reusing the inbound connection.
func TestDirectExchange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newPeer(t, false)
	bob := newPeer(t, true)

	require.NoError(t, alice.tr.AddPeer(bob.hex, bob.tr.Addr().String()))

	ev := alice.eventTo(t, bob, []byte{1})
	require.NoError(t, alice.tr.Publish(ctx, ev))

	item := nextEvent(t, bob.tr)
	require.Equal(t, ev.ID, item.Event.ID)
	require.Equal(t, alice.hex, item.Source)

	// Bob has no address for alice, the inbound stream is reused.
	reply := bob.eventTo(t, alice, []byte{2})
	require.NoError(t, bob.tr.Publish(ctx, reply))
	require.Equal(t, reply.ID, nextEvent(t, alice.tr).Event.ID)
}

// TestDirectUnknownPeer asserts publishing without an address or connection
// fails.
func TestDirectUnknownPeer(t *testing.T) {
	t.Parallel()

	alice := newPeer(t, false)
	bob := newPeer(t, false)

	err := alice.tr.Publish(
		context.Background(), alice.eventTo(t, bob, []byte{1}),
	)
	require.ErrorIs(t, err, ErrUnknownPeer)

	err = alice.tr.Publish(context.Background(), &envelope.Event{})
	require.ErrorIs(t, err, ErrNoRecipient)
}

// TestDirectRedialBackoff asserts a failed dial puts the peer in backoff and
// is reported as a lost connection.
func TestDirectRedialBackoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	alice := newPeer(t, false)
	bob := newPeer(t, true)

	addr := bob.tr.Addr().String()
	require.NoError(t, bob.tr.Stop())
	require.NoError(t, alice.tr.AddPeer(bob.hex, addr))

	ev := alice.eventTo(t, bob, []byte{1})

	err := alice.tr.Publish(ctx, ev)
	require.ErrorIs(t, err, transport.ErrConnectionLost)

	err = alice.tr.Publish(ctx, ev)
	require.ErrorIs(t, err, errDialBackoff)
}

// TestDirectShouldAccept asserts odd static keys are always refused and
// unknown keys are refused when the address book is enforced.
func TestDirectShouldAccept(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	even := NormalizeKey(priv)

	var k btcec.ModNScalar
	k.Set(&even.Key)
	k.Negate()
	odd := btcec.PrivKeyFromScalar(&k)

	x := envelope.XOnly(even.PubKey())
	key := hex.EncodeToString(x[:])

	anyPeer, err := New(DefaultConfig(), priv)
	require.NoError(t, err)

	ok, err := anyPeer.shouldAccept(even.PubKey())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = anyPeer.shouldAccept(odd.PubKey())
	require.ErrorIs(t, err, ErrPeerRejected)
	require.False(t, ok)

	cfg := DefaultConfig()
	cfg.KnownPeersOnly = true
	knownOnly, err := New(cfg, priv)
	require.NoError(t, err)

	ok, err = knownOnly.shouldAccept(even.PubKey())
	require.ErrorIs(t, err, ErrPeerRejected)
	require.False(t, ok)

	require.NoError(t, knownOnly.AddPeer(key, "127.0.0.1:1"))
	ok, err = knownOnly.shouldAccept(even.PubKey())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestParsePeer(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	x := envelope.XOnly(priv.PubKey())
	key := hex.EncodeToString(x[:])

	gotKey, addr, err := ParsePeer(key + "@127.0.0.1:9735")
	require.NoError(t, err)
	require.Equal(t, key, gotKey)
	require.Equal(t, "127.0.0.1:9735", addr)

	for _, bad := range []string{
		key, key + "@", "zz@127.0.0.1:1", key + "@nohostport",
	} {
		_, _, err := ParsePeer(bad)
		require.Error(t, err, bad)
	}
}
