package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/esplora"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

var testSeed = bytes.Repeat([]byte{0x42}, 32)

// fakeChain serves utxos and transactions from memory.
type fakeChain struct {
	mu        sync.Mutex
	txs       map[chainhash.Hash]*wire.MsgTx
	utxos     map[string][]*esplora.UTXO
	history   map[string][]*esplora.Tx
	published []*wire.MsgTx
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		utxos:   make(map[string][]*esplora.UTXO),
		history: make(map[string][]*esplora.Tx),
	}
}

// record adds tx to the history of every address it touches.
func (f *fakeChain) record(tx *esplora.Tx) {
	f.mu.Lock()
	defer f.mu.Unlock()

	addrs := make(map[string]struct{})
	for _, out := range tx.Vout {
		addrs[out.Address] = struct{}{}
	}
	for _, in := range tx.Vin {
		if in.Prevout != nil {
			addrs[in.Prevout.Address] = struct{}{}
		}
	}
	for addr := range addrs {
		f.history[addr] = append(f.history[addr], tx)
	}
}

// pay creates a transaction paying value to addr.
func (f *fakeChain) pay(t *testing.T, addr btcutil.Address,
	value btcutil.Amount, confirmed bool) {

	t.Helper()

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: uint32(len(f.txs))},
	})
	tx.AddTxOut(wire.NewTxOut(int64(value), script))
	f.txs[tx.TxHash()] = tx

	f.utxos[addr.EncodeAddress()] = append(
		f.utxos[addr.EncodeAddress()], &esplora.UTXO{
			TxID:   tx.TxHash().String(),
			Vout:   0,
			Value:  int64(value),
			Status: esplora.TxStatus{Confirmed: confirmed},
		},
	)
}

func (f *fakeChain) GetAddressUTXOs(_ context.Context,
	address string) ([]*esplora.UTXO, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.utxos[address], nil
}

func (f *fakeChain) GetAddressTxs(_ context.Context,
	address string) ([]*esplora.Tx, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.history[address], nil
}

func (f *fakeChain) GetRawTransactionMsgTx(_ context.Context,
	txid string) (*wire.MsgTx, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	tx, ok := f.txs[*hash]
	if !ok {
		return nil, esplora.ErrTxNotFound
	}

	return tx, nil
}

func (f *fakeChain) GetTxStatus(_ context.Context,
	txid string) (*esplora.TxStatus, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, err
	}
	if _, ok := f.txs[*hash]; !ok {
		return nil, esplora.ErrTxNotFound
	}

	return &esplora.TxStatus{}, nil
}

func (f *fakeChain) BroadcastTx(_ context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	txid := tx.TxHash()
	f.txs[txid] = tx
	f.published = append(f.published, tx)

	return &txid, nil
}

func openTestDB(t *testing.T) kvdb.Backend {
	t.Helper()

	db, err := OpenDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func newTestWallet(t *testing.T, db kvdb.Backend, chain Chain) *Wallet {
	t.Helper()

	w, err := New(Config{
		Seed:      testSeed,
		DB:        db,
		Chain:     chain,
		NetParams: &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)

	return w
}

// TestAddressesPersist asserts address indexes survive a restart and the
// same seed derives the same keys.
func TestAddressesPersist(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	chain := newFakeChain()

	w := newTestWallet(t, db, chain)
	first, err := w.NewExternalAddress(ctx)
	require.NoError(t, err)
	second, err := w.NewExternalAddress(ctx)
	require.NoError(t, err)
	change, err := w.NewChangeAddress(ctx)
	require.NoError(t, err)

	require.NotEqual(t, first.String(), second.String())
	require.NotEqual(t, first.String(), change.String())
	require.Contains(t, first.EncodeAddress(), "bcrt1q")

	reopened := newTestWallet(t, db, chain)
	require.Len(t, reopened.scripts, 3)

	third, err := reopened.NewExternalAddress(ctx)
	require.NoError(t, err)
	require.NotEqual(t, second.String(), third.String())

	a, err := w.FundingPubKey(ctx)
	require.NoError(t, err)
	b, err := reopened.FundingPubKey(ctx)
	require.NoError(t, err)
	require.True(t, a.IsEqual(b))

	// The funding key is never an address key.
	fundingScript, err := txscript.PayToAddrScript(mustP2WPKH(t, a))
	require.NoError(t, err)
	_, ok := reopened.scripts[string(fundingScript)]
	require.False(t, ok)
}

func mustP2WPKH(t *testing.T, pub interface {
	SerializeCompressed() []byte
}) btcutil.Address {

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return addr
}

// TestBalance asserts confirmed and unconfirmed value are summed apart.
func TestBalance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newFakeChain()
	w := newTestWallet(t, openTestDB(t), chain)

	recv, err := w.NewExternalAddress(ctx)
	require.NoError(t, err)
	change, err := w.NewChangeAddress(ctx)
	require.NoError(t, err)

	chain.pay(t, recv, 50_000, true)
	chain.pay(t, recv, 20_000, false)
	chain.pay(t, change, 5_000, true)

	bal, err := w.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(55_000), bal.Confirmed)
	require.Equal(t, btcutil.Amount(20_000), bal.Unconfirmed)
	require.Equal(t, btcutil.Amount(75_000), bal.Total())
}

// TestListTransactions asserts each transaction is listed once with the
// wallet's side of it, unconfirmed first and then newest first.
func TestListTransactions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newFakeChain()
	w := newTestWallet(t, openTestDB(t), chain)

	recv, err := w.NewExternalAddress(ctx)
	require.NoError(t, err)
	change, err := w.NewChangeAddress(ctx)
	require.NoError(t, err)

	out := func(addr btcutil.Address, value int64) esplora.TxOut {
		script, err := txscript.PayToAddrScript(addr)
		require.NoError(t, err)

		return esplora.TxOut{
			ScriptPubKey: hex.EncodeToString(script),
			Address:      addr.EncodeAddress(),
			Value:        value,
		}
	}
	foreign := mustP2WPKH(t, w.funding.PubKey())
	txid := func(b byte) string {
		return chainhash.Hash{b}.String()
	}

	deposit := &esplora.Tx{
		TxID: txid(1),
		Vin: []esplora.TxIn{{
			TxID: txid(9), Prevout: &esplora.TxOut{Value: 100_500},
		}},
		Vout:   []esplora.TxOut{out(recv, 100_000)},
		Fee:    500,
		Status: esplora.TxStatus{Confirmed: true, BlockHeight: 10},
	}
	depositOut := out(recv, 100_000)
	spend := &esplora.Tx{
		TxID: txid(2),
		Vin: []esplora.TxIn{{
			TxID: txid(1), Prevout: &depositOut,
		}},
		Vout: []esplora.TxOut{
			out(foreign, 60_000), out(change, 39_000),
		},
		Fee:    1_000,
		Status: esplora.TxStatus{Confirmed: true, BlockHeight: 12},
	}
	pending := &esplora.Tx{
		TxID:   txid(3),
		Vout:   []esplora.TxOut{out(recv, 7_000)},
		Fee:    200,
		Status: esplora.TxStatus{},
	}
	for _, tx := range []*esplora.Tx{deposit, spend, pending} {
		chain.record(tx)
	}

	history, err := w.ListTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, history, 3)

	require.Equal(t, txid(3), history[0].TxID.String())
	require.False(t, history[0].Confirmed)
	require.Equal(t, btcutil.Amount(7_000), history[0].Net())

	require.Equal(t, txid(2), history[1].TxID.String())
	require.Equal(t, btcutil.Amount(39_000), history[1].Received)
	require.Equal(t, btcutil.Amount(100_000), history[1].Sent)
	require.Equal(t, btcutil.Amount(-61_000), history[1].Net())
	require.Equal(t, btcutil.Amount(1_000), history[1].Fee)

	require.Equal(t, txid(1), history[2].TxID.String())
	require.Equal(t, btcutil.Amount(100_000), history[2].Net())
	require.EqualValues(t, 10, history[2].BlockHeight)
}

// TestSelectAndSign selects inputs for a collateral, signs a spend of them
// and checks every witness with the script engine.
func TestSelectAndSign(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newFakeChain()
	w := newTestWallet(t, openTestDB(t), chain)

	for _, v := range []btcutil.Amount{40_000, 30_000, 80_000} {
		addr, err := w.NewExternalAddress(ctx)
		require.NoError(t, err)
		chain.pay(t, addr, v, true)
	}

	inputs, err := w.SelectFundingInputs(ctx, 100_000, 2)
	require.NoError(t, err)
	require.Len(t, inputs, 2)

	// Reserved outputs aren't offered twice.
	_, err = w.SelectFundingInputs(ctx, 50_000, 2)
	require.ErrorIs(t, err, contract.ErrInsufficientFunds)

	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	spend := wire.NewMsgTx(2)
	var total int64
	for _, in := range inputs {
		var prev wire.MsgTx
		require.NoError(t, prev.Deserialize(bytes.NewReader(in.PrevTx)))

		op := wire.OutPoint{Hash: prev.TxHash(), Index: in.PrevTxVout}
		prevOuts[op] = prev.TxOut[in.PrevTxVout]
		total += prev.TxOut[in.PrevTxVout].Value
		spend.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	require.GreaterOrEqual(t, total, int64(100_000))

	payout, err := w.NewPayoutScript(ctx)
	require.NoError(t, err)
	spend.AddTxOut(wire.NewTxOut(total-1_000, payout))

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	witnesses, err := w.SignFundingInputs(ctx, spend, fetcher, inputs)
	require.NoError(t, err)
	require.Len(t, witnesses, len(inputs))
	for i := range spend.TxIn {
		spend.TxIn[i].Witness = wire.TxWitness(witnesses[i])
	}

	sigHashes := txscript.NewTxSigHashes(spend, fetcher)
	for i, in := range spend.TxIn {
		prevOut := prevOuts[in.PreviousOutPoint]
		vm, err := txscript.NewEngine(
			prevOut.PkScript, spend, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute())
	}

	seen, err := w.TxSeen(ctx, spend.TxHash())
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, w.Broadcast(ctx, spend))
	require.Len(t, chain.published, 1)
	require.Empty(t, w.reserved)

	seen, err = w.TxSeen(ctx, spend.TxHash())
	require.NoError(t, err)
	require.True(t, seen)
}

// TestSignUnknownInput asserts outputs of other wallets aren't signed.
func TestSignUnknownInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newFakeChain()
	w := newTestWallet(t, openTestDB(t), chain)

	other, err := New(Config{
		Seed:      bytes.Repeat([]byte{0x07}, 32),
		DB:        openTestDB(t),
		Chain:     chain,
		NetParams: &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)

	addr, err := other.NewExternalAddress(ctx)
	require.NoError(t, err)
	chain.pay(t, addr, 10_000, true)

	inputs, err := other.SelectFundingInputs(ctx, 5_000, 1)
	require.NoError(t, err)

	var prev wire.MsgTx
	require.NoError(t, prev.Deserialize(bytes.NewReader(inputs[0].PrevTx)))
	spend := wire.NewMsgTx(2)
	spend.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: prev.TxHash()}, nil, nil,
	))

	prevOuts, err := contract.PrevOutFetcher(inputs)
	require.NoError(t, err)

	_, err = w.SignFundingInputs(ctx, spend, prevOuts, inputs)
	require.True(t, errors.Is(err, ErrUnknownInput))
}

// TestSignWithForeignInputs asserts two wallets each sign their own inputs
// of a transaction spending both, as parties do with a funding transaction.
func TestSignWithForeignInputs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newFakeChain()
	alice := newTestWallet(t, openTestDB(t), chain)
	bob, err := New(Config{
		Seed:      bytes.Repeat([]byte{0x09}, 32),
		DB:        openTestDB(t),
		Chain:     chain,
		NetParams: &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)

	fund := func(w *Wallet, v btcutil.Amount) []dlcwire.FundingInput {
		addr, err := w.NewExternalAddress(ctx)
		require.NoError(t, err)
		chain.pay(t, addr, v, true)

		inputs, err := w.SelectFundingInputs(ctx, v/2, 1)
		require.NoError(t, err)

		return inputs
	}
	aliceInputs := fund(alice, 60_000)
	bobInputs := fund(bob, 40_000)

	prevOuts, err := contract.PrevOutFetcher(aliceInputs, bobInputs)
	require.NoError(t, err)

	// Bob's input goes first so input order and wallet order differ.
	spend := wire.NewMsgTx(2)
	var total int64
	for _, in := range append(append([]dlcwire.FundingInput{},
		bobInputs...), aliceInputs...) {

		var prev wire.MsgTx
		require.NoError(t, prev.Deserialize(bytes.NewReader(in.PrevTx)))
		op := wire.OutPoint{Hash: prev.TxHash(), Index: in.PrevTxVout}
		total += prevOuts.FetchPrevOutput(op).Value
		spend.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	payout, err := alice.NewPayoutScript(ctx)
	require.NoError(t, err)
	spend.AddTxOut(wire.NewTxOut(total-1_000, payout))

	// Without the counterparty's outputs the wallet refuses to sign.
	own, err := contract.PrevOutFetcher(aliceInputs)
	require.NoError(t, err)
	_, err = alice.SignFundingInputs(ctx, spend, own, aliceInputs)
	require.ErrorIs(t, err, contract.ErrInvalidMessage)

	aliceSigs, err := alice.SignFundingInputs(
		ctx, spend, prevOuts, aliceInputs,
	)
	require.NoError(t, err)
	bobSigs, err := bob.SignFundingInputs(ctx, spend, prevOuts, bobInputs)
	require.NoError(t, err)

	spend.TxIn[0].Witness = wire.TxWitness(bobSigs[0])
	spend.TxIn[1].Witness = wire.TxWitness(aliceSigs[0])

	require.NoError(t, contract.VerifyFundingTx(
		spend, aliceInputs, bobInputs,
	))
}

// TestConfigRequired asserts a wallet needs its capabilities.
func TestConfigRequired(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Seed: testSeed})
	require.Error(t, err)

	_, err = New(Config{
		Seed:      []byte{1},
		DB:        openTestDB(t),
		Chain:     newFakeChain(),
		NetParams: &chaincfg.RegressionNetParams,
	})
	require.Error(t, err)
}
