// Package contracttest provides in-memory implementations of the contract
// capabilities for tests.
package contracttest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/oracle"
)

// ErrInjected is returned by a Store told to fail.
var ErrInjected = errors.New("injected storage failure")

// Store is a map backed contract.Storage.
type Store struct {
	mu        sync.Mutex
	contracts map[dlcwire.ContractID]contract.Contract
	failures  int
	puts      int
}

var _ contract.Storage = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		contracts: make(map[dlcwire.ContractID]contract.Contract),
	}
}

// FailNext makes the next n calls fail with ErrInjected.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = n
}

// Puts returns the number of successful writes.
func (s *Store) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.puts
}

func (s *Store) injected() error {
	if s.failures > 0 {
		s.failures--
		return ErrInjected
	}

	return nil
}

// PutContract stores a copy of c.
func (s *Store) PutContract(_ context.Context, c *contract.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(); err != nil {
		return err
	}
	s.contracts[c.TempID] = *c
	s.puts++

	return nil
}

// FetchContract returns a copy of the record with the temporary id.
func (s *Store) FetchContract(_ context.Context,
	tempID dlcwire.ContractID) (*contract.Contract, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(); err != nil {
		return nil, err
	}
	c, ok := s.contracts[tempID]
	if !ok {
		return nil, contract.ErrContractNotFound
	}

	return &c, nil
}

// FetchContractByID returns a copy of the record with the final id.
func (s *Store) FetchContractByID(_ context.Context,
	id dlcwire.ContractID) (*contract.Contract, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(); err != nil {
		return nil, err
	}
	for _, c := range s.contracts {
		if !c.ID.IsZero() && c.ID == id {
			return &c, nil
		}
	}

	return nil, contract.ErrContractNotFound
}

// ListContracts returns copies of every record.
func (s *Store) ListContracts(_ context.Context) ([]*contract.Contract,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(); err != nil {
		return nil, err
	}
	contracts := make([]*contract.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		contracts = append(contracts, &c)
	}
	sort.Slice(contracts, func(i, j int) bool {
		return bytes.Compare(
			contracts[i].TempID[:], contracts[j].TempID[:],
		) < 0
	})

	return contracts, nil
}

// Chain is a shared fake mempool.
type Chain struct {
	mu   sync.Mutex
	txs  map[chainhash.Hash]*wire.MsgTx
	fail error
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{txs: make(map[chainhash.Hash]*wire.MsgTx)}
}

// FailBroadcasts makes broadcasts fail with err until called with nil.
func (c *Chain) FailBroadcasts(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fail = err
}

// Tx returns a broadcast transaction.
func (c *Chain) Tx(txid chainhash.Hash) (*wire.MsgTx, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[txid]

	return tx, ok
}

func (c *Chain) broadcast(tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail != nil {
		return c.fail
	}
	c.txs[tx.TxHash()] = tx.Copy()

	return nil
}

type coin struct {
	prevTx   []byte
	value    btcutil.Amount
	reserved bool
}

// Wallet is a single key P2WPKH wallet over a Chain. Its funding inputs
// produce valid witnesses.
type Wallet struct {
	priv     *btcec.PrivateKey
	pkScript []byte
	chain    *Chain

	mu    sync.Mutex
	coins []*coin
}

var _ contract.Wallet = (*Wallet)(nil)

// NewWallet creates a wallet holding one coin per amount.
func NewWallet(chain *Chain, amounts ...btcutil.Amount) (*Wallet, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(pkHash).Script()
	if err != nil {
		return nil, err
	}

	w := &Wallet{priv: priv, pkScript: pkScript, chain: chain}
	for _, amt := range amounts {
		if err := w.addCoin(amt); err != nil {
			return nil, err
		}
	}

	return w, nil
}

func (w *Wallet) addCoin(amt btcutil.Amount) error {
	var prev chainhash.Hash
	if _, err := rand.Read(prev[:]); err != nil {
		return err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amt), w.pkScript))

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}
	w.coins = append(w.coins, &coin{prevTx: buf.Bytes(), value: amt})

	return nil
}

// Signer returns a contract signer for the wallet's funding key.
func (w *Wallet) Signer() *contract.DigestSigner {
	return contract.NewDigestSigner(w.priv)
}

// FundingPubKey is part of the contract.Wallet interface.
func (w *Wallet) FundingPubKey(context.Context) (*btcec.PublicKey, error) {
	return w.priv.PubKey(), nil
}

// NewPayoutScript is part of the contract.Wallet interface.
func (w *Wallet) NewPayoutScript(context.Context) ([]byte, error) {
	return w.pkScript, nil
}

// NewChangeScript is part of the contract.Wallet interface.
func (w *Wallet) NewChangeScript(context.Context) ([]byte, error) {
	return w.pkScript, nil
}

// SelectFundingInputs is part of the contract.Wallet interface.
func (w *Wallet) SelectFundingInputs(_ context.Context, amount btcutil.Amount,
	feeRate uint64) ([]dlcwire.FundingInput, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		selected []*coin
		inputs   []dlcwire.FundingInput
		total    btcutil.Amount
	)
	for _, c := range w.coins {
		if c.reserved {
			continue
		}

		selected = append(selected, c)
		inputs = append(inputs, dlcwire.FundingInput{
			PrevTx:        c.prevTx,
			Sequence:      wire.MaxTxInSequenceNum,
			MaxWitnessLen: contract.P2WPKHWitnessLen,
		})
		total += c.value

		need := amount + contract.PartyFee(inputs, w.pkScript, feeRate)
		if total >= need {
			for _, c := range selected {
				c.reserved = true
			}

			return inputs, nil
		}
	}

	return nil, fmt.Errorf("%w: have %v, need %v",
		contract.ErrInsufficientFunds, total, amount)
}

// SignFundingInputs is part of the contract.Wallet interface.
func (w *Wallet) SignFundingInputs(_ context.Context, tx *wire.MsgTx,
	prevOuts txscript.PrevOutputFetcher,
	inputs []dlcwire.FundingInput) ([]dlcwire.Witness, error) {

	if err := contract.CheckPrevOuts(tx, prevOuts); err != nil {
		return nil, err
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)

	witnesses := make([]dlcwire.Witness, 0, len(inputs))
	for _, in := range inputs {
		var prev wire.MsgTx
		err := prev.Deserialize(bytes.NewReader(in.PrevTx))
		if err != nil {
			return nil, err
		}
		op := wire.OutPoint{Hash: prev.TxHash(), Index: in.PrevTxVout}

		idx := -1
		for i, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == op {
				idx = i
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("input %v not in tx", op)
		}

		prevOut := prevOuts.FetchPrevOutput(op)
		if !bytes.Equal(prevOut.PkScript, w.pkScript) {
			return nil, fmt.Errorf("input %v is not ours", op)
		}
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
			txscript.SigHashAll, w.priv, true,
		)
		if err != nil {
			return nil, err
		}
		witnesses = append(witnesses, dlcwire.Witness(witness))
	}

	return witnesses, nil
}

// Broadcast is part of the contract.Wallet interface.
func (w *Wallet) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	return w.chain.broadcast(tx)
}

// TxSeen is part of the contract.Wallet interface.
func (w *Wallet) TxSeen(_ context.Context, txid chainhash.Hash) (bool,
	error) {

	_, ok := w.chain.Tx(txid)

	return ok, nil
}

// Oracle serves announcements and attestations from memory.
type Oracle struct {
	priv *btcec.PrivateKey

	mu       sync.Mutex
	events   map[string]*oracle.Announcement
	attested map[string]string
}

var _ contract.Oracle = (*Oracle)(nil)

// NewOracle creates an oracle with a fresh key.
func NewOracle() (*Oracle, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return &Oracle{
		priv:     priv,
		events:   make(map[string]*oracle.Announcement),
		attested: make(map[string]string),
	}, nil
}

// Announce adds an event with the given outcomes.
func (o *Oracle) Announce(eventID string, maturity uint32,
	outcomes ...string) (*oracle.Announcement, error) {

	a := &oracle.Announcement{
		EventID: eventID,
		PublicKey: hex.EncodeToString(
			schnorr.SerializePubKey(o.priv.PubKey()),
		),
		Outcomes:      outcomes,
		MaturityEpoch: maturity,
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	a.Raw = raw

	o.mu.Lock()
	o.events[eventID] = a
	o.mu.Unlock()

	return a, nil
}

// Attest records the outcome of an event.
func (o *Oracle) Attest(eventID, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.attested[eventID] = outcome
}

// GetAnnouncement is part of the contract.Oracle interface.
func (o *Oracle) GetAnnouncement(_ context.Context,
	eventID string) (*oracle.Announcement, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	a, ok := o.events[eventID]
	if !ok {
		return nil, oracle.ErrEventNotFound
	}

	return a, nil
}

// GetAttestation is part of the contract.Oracle interface.
func (o *Oracle) GetAttestation(_ context.Context,
	eventID string) (*oracle.Attestation, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.events[eventID]; !ok {
		return nil, oracle.ErrEventNotFound
	}
	outcome, ok := o.attested[eventID]
	if !ok {
		return nil, oracle.ErrNotAttested
	}

	return &oracle.Attestation{EventID: eventID, Outcome: outcome}, nil
}
