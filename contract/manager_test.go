package contract_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/contract/contracttest"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/envelope"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testEvent = "btcusd-close"

var testStart = time.Unix(1_800_000_000, 0)

type party struct {
	id     [32]byte
	mgr    *contract.Manager
	store  *contracttest.Store
	wallet *contracttest.Wallet
	clock  *clock.TestClock
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	chain  *contracttest.Chain
	oracle *contracttest.Oracle
	alice  *party
	bob    *party
}

func newParty(t *testing.T, h *harness,
	amounts ...btcutil.Amount) *party {

	t.Helper()

	wallet, err := contracttest.NewWallet(h.chain, amounts...)
	require.NoError(t, err)

	pub, err := wallet.FundingPubKey(h.ctx)
	require.NoError(t, err)

	p := &party{
		id:     envelope.XOnly(pub),
		store:  contracttest.NewStore(),
		wallet: wallet,
		clock:  clock.NewTestClock(testStart),
	}
	p.mgr, err = contract.NewManager(contract.Config{
		Wallet:    wallet,
		Oracle:    h.oracle,
		Signer:    wallet.Signer(),
		Store:     p.store,
		Clock:     p.clock,
		ChainHash: *chaincfg.RegressionNetParams.GenesisHash,
	})
	require.NoError(t, err)

	return p
}

func newHarness(t *testing.T, bobCoins ...btcutil.Amount) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		chain: contracttest.NewChain(),
	}

	var err error
	h.oracle, err = contracttest.NewOracle()
	require.NoError(t, err)
	_, err = h.oracle.Announce(testEvent, 1_800_086_400, "up", "down")
	require.NoError(t, err)

	if len(bobCoins) == 0 {
		bobCoins = []btcutil.Amount{60_000, 70_000}
	}
	h.alice = newParty(t, h, 150_000)
	h.bob = newParty(t, h, bobCoins...)

	return h
}

func (h *harness) offer() *dlcwire.OfferDlc {
	h.t.Helper()

	offer, err := h.alice.mgr.SendOffer(h.ctx, contract.OfferInput{
		EventID: testEvent,
		Outcomes: []dlcwire.OutcomePayout{
			{Outcome: "up", OfferPayout: 200_000},
			{Outcome: "down", OfferPayout: 0},
		},
		OfferCollateral:  100_000,
		AcceptCollateral: 100_000,
		FeeRate:          2,
		CetLocktime:      100,
		RefundLocktime:   200,
	}, h.bob.id)
	require.NoError(h.t, err)

	return offer
}

func (h *harness) state(p *party, id dlcwire.ContractID) contract.State {
	h.t.Helper()

	c, err := p.mgr.Contract(h.ctx, id)
	require.NoError(h.t, err)

	return c.State
}

// acceptedOffer hands a fresh offer from alice to bob, who accepts it.
func (h *harness) acceptedOffer() (*dlcwire.OfferDlc, *dlcwire.AcceptDlc) {
	h.t.Helper()

	offer := h.offer()
	reply, err := h.bob.mgr.OnMessage(h.ctx, offer, h.alice.id)
	require.NoError(h.t, err)
	require.True(h.t, reply.IsNone())

	accept, pub, err := h.bob.mgr.AcceptOffer(
		h.ctx, offer.TemporaryContractID,
	)
	require.NoError(h.t, err)
	require.Equal(h.t, h.alice.id, envelope.XOnly(pub))

	return offer, accept
}

// TestNegotiationFunded runs an offer through accept and sign until both
// parties see the contract funded.
func TestNegotiationFunded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := h.ctx

	offer := h.offer()
	tempID := offer.TemporaryContractID
	require.Equal(t, contract.StateOfferSent, h.state(h.alice, tempID))
	require.Equal(t, uint32(1_800_086_400), offer.MaturityEpoch.UnwrapOr(0))

	// Delivering the offer twice leaves one pending offer.
	for i := 0; i < 2; i++ {
		reply, err := h.bob.mgr.OnMessage(ctx, offer, h.alice.id)
		require.NoError(t, err)
		require.True(t, reply.IsNone())
	}
	offers, err := h.bob.mgr.ListOffers(ctx)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, tempID, offers[0].TempID)
	require.Equal(t, h.alice.id, offers[0].Counterparty)

	accept, _, err := h.bob.mgr.AcceptOffer(ctx, tempID)
	require.NoError(t, err)
	require.Equal(t, contract.StateAcceptSent, h.state(h.bob, tempID))

	offers, err = h.bob.mgr.ListOffers(ctx)
	require.NoError(t, err)
	require.Empty(t, offers)

	// A late copy of the offer is ignored.
	reply, err := h.bob.mgr.OnMessage(ctx, offer, h.alice.id)
	require.NoError(t, err)
	require.True(t, reply.IsNone())
	require.Equal(t, contract.StateAcceptSent, h.state(h.bob, tempID))

	reply, err = h.alice.mgr.OnMessage(ctx, accept, h.bob.id)
	require.NoError(t, err)
	msg, err := reply.UnwrapOrErr(errors.New("no sign"))
	require.NoError(t, err)
	sign, ok := msg.(*dlcwire.SignDlc)
	require.True(t, ok)
	require.Equal(t, contract.StateSignSent, h.state(h.alice, tempID))

	reply, err = h.bob.mgr.OnMessage(ctx, sign, h.alice.id)
	require.NoError(t, err)
	require.True(t, reply.IsNone())
	require.Equal(t, contract.StateFunded, h.state(h.bob, sign.ContractID))

	bobView, err := h.bob.mgr.Contract(ctx, sign.ContractID)
	require.NoError(t, err)
	_, ok = h.chain.Tx(bobView.FundingTx.TxHash())
	require.True(t, ok)
	require.NoError(t, contract.VerifyFundingTx(
		bobView.FundingTx, offer.FundingInputs, accept.FundingInputs,
	))

	funded, err := h.alice.mgr.CheckFunding(ctx)
	require.NoError(t, err)
	require.Len(t, funded, 1)
	require.Equal(t, sign.ContractID, funded[0].ID)
	require.Equal(t, contract.StateFunded, h.state(h.alice, sign.ContractID))

	// Both sides derived the same contract id.
	aliceView, err := h.alice.mgr.Contract(ctx, tempID)
	require.NoError(t, err)
	require.Equal(t, bobView.ID, aliceView.ID)

	h.oracle.Attest(testEvent, "up")
	att, payout, err := h.alice.mgr.Outcome(ctx, aliceView.ID)
	require.NoError(t, err)
	require.Equal(t, "up", att.Outcome)
	require.EqualValues(t, 200_000, payout)

	_, payout, err = h.bob.mgr.Outcome(ctx, aliceView.ID)
	require.NoError(t, err)
	require.Zero(t, payout)
}

// TestInvalidTransitions asserts out of order and foreign messages are
// refused without touching the contract.
func TestInvalidTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := h.ctx
	offer, accept := h.acceptedOffer()
	tempID := offer.TemporaryContractID

	// Accept from someone other than bob.
	_, err := h.alice.mgr.OnMessage(ctx, accept, h.alice.id)
	require.ErrorIs(t, err, contract.ErrUnknownContract)

	// Accept for an unknown contract.
	stray := *accept
	stray.TemporaryContractID[0] ^= 0xff
	_, err = h.alice.mgr.OnMessage(ctx, &stray, h.bob.id)
	require.ErrorIs(t, err, contract.ErrUnknownContract)

	// Bob can't accept twice.
	_, _, err = h.bob.mgr.AcceptOffer(ctx, tempID)
	var transErr *contract.StateTransitionError
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, contract.StateAcceptSent, transErr.From)

	// Settlement isn't possible before funding.
	_, err = h.alice.mgr.OnMessage(ctx, &dlcwire.SettleOffer{
		ContractID: tempID,
	}, h.bob.id)
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, contract.StateOfferSent, transErr.From)
	require.Equal(t, dlcwire.MsgSettleOffer, transErr.Kind)

	// A tampered refund signature fails verification.
	bad := *accept
	bad.RefundSig[5] ^= 1
	_, err = h.alice.mgr.OnMessage(ctx, &bad, h.bob.id)
	require.ErrorIs(t, err, contract.ErrInvalidMessage)
	require.Equal(t, contract.StateOfferSent, h.state(h.alice, tempID))

	// The genuine accept still goes through.
	_, err = h.alice.mgr.OnMessage(ctx, accept, h.bob.id)
	require.NoError(t, err)

	// A second accept is now out of order.
	_, err = h.alice.mgr.OnMessage(ctx, accept, h.bob.id)
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, contract.StateSignSent, transErr.From)
}

// TestReject asserts a rejected offer ends the negotiation on both sides.
func TestReject(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := h.ctx

	offer := h.offer()
	tempID := offer.TemporaryContractID
	_, err := h.bob.mgr.OnMessage(ctx, offer, h.alice.id)
	require.NoError(t, err)

	rej, pub, err := h.bob.mgr.Reject(ctx, tempID, "too risky")
	require.NoError(t, err)
	require.Equal(t, h.alice.id, envelope.XOnly(pub))
	require.Equal(t, contract.StateRejected, h.state(h.bob, tempID))

	_, _, err = h.bob.mgr.Reject(ctx, tempID, "again")
	require.Error(t, err)

	_, err = h.alice.mgr.OnMessage(ctx, rej, h.bob.id)
	require.NoError(t, err)

	c, err := h.alice.mgr.Contract(ctx, tempID)
	require.NoError(t, err)
	require.Equal(t, contract.StateRejected, c.State)
	require.Equal(t, "too risky", c.RejectReason)

	// Rejects for unknown contracts are dropped quietly.
	_, err = h.alice.mgr.OnMessage(ctx, &dlcwire.Reject{
		Reason: "malformed",
	}, h.bob.id)
	require.NoError(t, err)
}

// TestTimeouts asserts waiting contracts expire after the offer timeout.
func TestTimeouts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := h.ctx

	offer := h.offer()
	tempID := offer.TemporaryContractID
	_, err := h.bob.mgr.OnMessage(ctx, offer, h.alice.id)
	require.NoError(t, err)

	expired, err := h.bob.mgr.CheckTimeouts(
		ctx, testStart.Add(contract.DefaultOfferTimeout),
	)
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = h.bob.mgr.CheckTimeouts(
		ctx, testStart.Add(contract.DefaultOfferTimeout+time.Second),
	)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, contract.StateTimeout, h.state(h.bob, tempID))

	// An expired offer can't be accepted.
	_, _, err = h.bob.mgr.AcceptOffer(ctx, tempID)
	var transErr *contract.StateTransitionError
	require.ErrorAs(t, err, &transErr)
}

// TestStorageFailure asserts a failed write surfaces ErrStorageFailure and
// leaves no state behind.
func TestStorageFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := h.ctx
	offer := h.offer()

	h.bob.store.FailNext(1)
	_, err := h.bob.mgr.OnMessage(ctx, offer, h.alice.id)
	require.ErrorIs(t, err, contract.ErrStorageFailure)
	require.Zero(t, h.bob.store.Puts())

	_, err = h.bob.mgr.OnMessage(ctx, offer, h.alice.id)
	require.NoError(t, err)
	require.Equal(t, 1, h.bob.store.Puts())
}

// TestInsufficientFunds asserts an accept the wallet can't fund fails and
// keeps the offer pending.
func TestInsufficientFunds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 50_000)
	ctx := h.ctx
	offer := h.offer()

	_, err := h.bob.mgr.OnMessage(ctx, offer, h.alice.id)
	require.NoError(t, err)

	_, _, err = h.bob.mgr.AcceptOffer(ctx, offer.TemporaryContractID)
	require.ErrorIs(t, err, contract.ErrInsufficientFunds)
	require.Equal(t, contract.StateOfferReceived,
		h.state(h.bob, offer.TemporaryContractID))
}

// TestBroadcastRetry asserts a failed broadcast is retried by CheckFunding.
func TestBroadcastRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := h.ctx
	_, accept := h.acceptedOffer()

	reply, err := h.alice.mgr.OnMessage(ctx, accept, h.bob.id)
	require.NoError(t, err)
	sign, err := reply.UnwrapOrErr(errors.New("no sign"))
	require.NoError(t, err)

	h.chain.FailBroadcasts(errors.New("mempool full"))
	_, err = h.bob.mgr.OnMessage(ctx, sign, h.alice.id)
	require.NoError(t, err)

	id := sign.(*dlcwire.SignDlc).ContractID
	require.Equal(t, contract.StateSignReceived, h.state(h.bob, id))

	h.chain.FailBroadcasts(nil)
	funded, err := h.bob.mgr.CheckFunding(ctx)
	require.NoError(t, err)
	require.Len(t, funded, 1)
	require.Equal(t, contract.StateFunded, h.state(h.bob, id))
}

// TestOfferValidation asserts offers for another chain or with payouts the
// oracle didn't announce are refused.
func TestOfferValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := h.ctx

	offer := h.offer()
	other := *offer
	other.ChainHash = *chaincfg.MainNetParams.GenesisHash
	_, err := h.bob.mgr.OnMessage(ctx, &other, h.alice.id)
	require.ErrorIs(t, err, contract.ErrInvalidMessage)

	other = *offer
	other.ContractInfo.Outcomes = []dlcwire.OutcomePayout{
		{Outcome: "sideways", OfferPayout: 1},
	}
	_, err = h.bob.mgr.OnMessage(ctx, &other, h.alice.id)
	require.ErrorIs(t, err, contract.ErrInvalidMessage)

	_, err = h.alice.mgr.SendOffer(ctx, contract.OfferInput{
		EventID:         "unknown",
		OfferCollateral: 1,
		FeeRate:         1,
	}, h.bob.id)
	require.Error(t, err)
}

// TestComputeContractID asserts the contract id XORs back to the temporary
// id given the funding txid and output index.
func TestComputeContractID(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		tempID := dlcwire.RandContractID(t, "temp")
		idx := rapid.Uint32Range(0, 0xffff).Draw(t, "idx")

		tx := wire.NewMsgTx(contract.FundingTxVersion)
		tx.AddTxOut(wire.NewTxOut(
			rapid.Int64Range(1, 1e8).Draw(t, "value"), []byte{0x51},
		))

		id := contract.ComputeContractID(tx, idx, tempID)
		txid := tx.TxHash()

		var back dlcwire.ContractID
		for i := range back {
			back[i] = id[i] ^ txid[i]
		}
		back[30] ^= byte(idx >> 8)
		back[31] ^= byte(idx)

		require.Equal(t, tempID, back)
	})
}
