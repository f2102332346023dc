package wallet

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/coinset"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/esplora"
	"github.com/lightningnetwork/lnd/kvdb"
	"golang.org/x/sync/errgroup"
)

const (
	// DBFilename is the file name of the wallet database inside the
	// wallet directory.
	DBFilename = "wallet.db"

	// purposeBIP84 is the BIP-43 purpose of native segwit accounts.
	purposeBIP84 = 84

	// Branches below the account key. The funding key lives on its own
	// branch so it is never handed out as an address.
	externalBranch uint32 = 0
	internalBranch uint32 = 1
	fundingBranch  uint32 = 2

	// maxFundingInputs bounds the inputs one party brings to a funding
	// transaction.
	maxFundingInputs = 10

	// queryConcurrency bounds parallel address queries.
	queryConcurrency = 8
)

var (
	// indexBucket holds the next unused index of each address branch.
	indexBucket = []byte("wallet-address-index")

	// ErrUnknownInput is returned when asked to sign an input that
	// doesn't spend a wallet output.
	ErrUnknownInput = errors.New("input not owned by wallet")
)

// Chain is the chain data source the wallet reads and broadcasts through.
type Chain interface {
	GetAddressUTXOs(ctx context.Context,
		address string) ([]*esplora.UTXO, error)

	GetAddressTxs(ctx context.Context, address string) ([]*esplora.Tx,
		error)

	GetRawTransactionMsgTx(ctx context.Context,
		txid string) (*wire.MsgTx, error)

	GetTxStatus(ctx context.Context, txid string) (*esplora.TxStatus, error)

	BroadcastTx(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
}

// A compile time check to ensure the esplora client can back the wallet.
var _ Chain = (*esplora.Client)(nil)

// Config holds the wallet's seed and capabilities.
type Config struct {
	// Seed is the BIP-32 master seed.
	Seed []byte

	// DB persists the address indexes.
	DB kvdb.Backend

	Chain Chain

	NetParams *chaincfg.Params
}

// Balance is the wallet's spendable value.
type Balance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
}

// Total returns the sum of confirmed and unconfirmed value.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed
}

// Utxo is an unspent output paying to a wallet address.
type Utxo struct {
	OutPoint  wire.OutPoint
	Value     btcutil.Amount
	PkScript  []byte
	Confirmed bool

	branch uint32
	index  uint32
}

// coin adapts a Utxo to coin selection.
type coin struct {
	*Utxo
}

var _ coinset.Coin = (*coin)(nil)

func (c *coin) Hash() *chainhash.Hash { return &c.OutPoint.Hash }
func (c *coin) Index() uint32         { return c.OutPoint.Index }
func (c *coin) Value() btcutil.Amount { return c.Utxo.Value }
func (c *coin) PkScript() []byte      { return c.Utxo.PkScript }

func (c *coin) NumConfs() int64 {
	if c.Confirmed {
		return 1
	}

	return 0
}

func (c *coin) ValueAge() int64 {
	return int64(c.Utxo.Value) * c.NumConfs()
}

// keyPath locates a key below the account.
type keyPath struct {
	branch uint32
	index  uint32
}

// Wallet is a single account BIP-84 wallet backed by an esplora server. It
// implements contract.Wallet.
type Wallet struct {
	cfg Config

	branches map[uint32]*hdkeychain.ExtendedKey
	funding  *btcec.PrivateKey

	mu sync.Mutex

	// scripts maps every issued pkScript to its derivation.
	scripts map[string]keyPath

	// reserved holds outputs promised to a pending funding transaction.
	reserved map[wire.OutPoint]struct{}
}

// A compile time check to ensure Wallet implements the contract.Wallet
// interface.
var _ contract.Wallet = (*Wallet)(nil)

// New derives the account from the seed and loads the issued addresses.
func New(cfg Config) (*Wallet, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("wallet: no database")
	case cfg.Chain == nil:
		return nil, errors.New("wallet: no chain source")
	case cfg.NetParams == nil:
		return nil, errors.New("wallet: no network")
	}

	master, err := hdkeychain.NewMaster(cfg.Seed, cfg.NetParams)
	if err != nil {
		return nil, fmt.Errorf("wallet: master key: %w", err)
	}

	account, err := deriveHardened(
		master, purposeBIP84, cfg.NetParams.HDCoinType, 0,
	)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		cfg:      cfg,
		branches: make(map[uint32]*hdkeychain.ExtendedKey),
		scripts:  make(map[string]keyPath),
		reserved: make(map[wire.OutPoint]struct{}),
	}
	branches := []uint32{externalBranch, internalBranch, fundingBranch}
	for _, b := range branches {
		w.branches[b], err = account.Derive(b)
		if err != nil {
			return nil, err
		}
	}

	fundingKey, err := w.branches[fundingBranch].Derive(0)
	if err != nil {
		return nil, err
	}
	w.funding, err = fundingKey.ECPrivKey()
	if err != nil {
		return nil, err
	}

	err = kvdb.Update(cfg.DB, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(indexBucket)
		return err
	}, func() {})
	if err != nil {
		return nil, err
	}

	// Rebuild the script index of every address handed out so far.
	for _, b := range []uint32{externalBranch, internalBranch} {
		next, err := w.nextIndex(b)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < next; i++ {
			if _, err := w.deriveAddress(b, i); err != nil {
				return nil, err
			}
		}
	}

	log.Infof("Wallet ready on %s with %d known scripts",
		cfg.NetParams.Name, len(w.scripts))

	return w, nil
}

func deriveHardened(key *hdkeychain.ExtendedKey,
	path ...uint32) (*hdkeychain.ExtendedKey, error) {

	var err error
	for _, i := range path {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + i)
		if err != nil {
			return nil, err
		}
	}

	return key, nil
}

func branchKey(branch uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], branch)

	return k[:]
}

// nextIndex returns the first unused index of branch.
func (w *Wallet) nextIndex(branch uint32) (uint32, error) {
	var next uint32
	err := kvdb.View(w.cfg.DB, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(indexBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}
		if v := bucket.Get(branchKey(branch)); len(v) == 4 {
			next = binary.BigEndian.Uint32(v)
		}

		return nil
	}, func() {
		next = 0
	})

	return next, err
}

// claimIndex reserves and returns the next index of branch.
func (w *Wallet) claimIndex(branch uint32) (uint32, error) {
	var index uint32
	err := kvdb.Update(w.cfg.DB, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(indexBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		if v := bucket.Get(branchKey(branch)); len(v) == 4 {
			index = binary.BigEndian.Uint32(v)
		}

		var next [4]byte
		binary.BigEndian.PutUint32(next[:], index+1)

		return bucket.Put(branchKey(branch), next[:])
	}, func() {
		index = 0
	})

	return index, err
}

// deriveAddress derives the P2WPKH address at branch/index and indexes its
// script. The caller must hold mu or be the constructor.
func (w *Wallet) deriveAddress(branch,
	index uint32) (*btcutil.AddressWitnessPubKeyHash, error) {

	key, err := w.branches[branch].Derive(index)
	if err != nil {
		return nil, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), w.cfg.NetParams,
	)
	if err != nil {
		return nil, err
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	w.scripts[string(script)] = keyPath{branch: branch, index: index}

	return addr, nil
}

func (w *Wallet) newAddress(branch uint32) (btcutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	index, err := w.claimIndex(branch)
	if err != nil {
		return nil, fmt.Errorf("wallet: claim address index: %w", err)
	}

	addr, err := w.deriveAddress(branch, index)
	if err != nil {
		return nil, err
	}

	log.Debugf("Issued address %v (%d/%d)", addr, branch, index)

	return addr, nil
}

// NewExternalAddress returns a fresh receive address.
func (w *Wallet) NewExternalAddress(context.Context) (btcutil.Address,
	error) {

	return w.newAddress(externalBranch)
}

// NewChangeAddress returns a fresh change address.
func (w *Wallet) NewChangeAddress(context.Context) (btcutil.Address, error) {
	return w.newAddress(internalBranch)
}

func (w *Wallet) newScript(branch uint32) ([]byte, error) {
	addr, err := w.newAddress(branch)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// FundingPubKey is part of the contract.Wallet interface.
func (w *Wallet) FundingPubKey(context.Context) (*btcec.PublicKey, error) {
	return w.funding.PubKey(), nil
}

// Signer returns the contract signer bound to the funding key.
func (w *Wallet) Signer() *contract.DigestSigner {
	return contract.NewDigestSigner(w.funding)
}

// NewPayoutScript is part of the contract.Wallet interface.
func (w *Wallet) NewPayoutScript(context.Context) ([]byte, error) {
	return w.newScript(externalBranch)
}

// NewChangeScript is part of the contract.Wallet interface.
func (w *Wallet) NewChangeScript(context.Context) ([]byte, error) {
	return w.newScript(internalBranch)
}

// ListUnspent returns the unspent outputs of every issued address.
func (w *Wallet) ListUnspent(ctx context.Context) ([]*Utxo, error) {
	w.mu.Lock()
	paths := make(map[string]keyPath, len(w.scripts))
	for script, path := range w.scripts {
		paths[script] = path
	}
	w.mu.Unlock()

	var (
		mu    sync.Mutex
		utxos []*Utxo
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(queryConcurrency)
	for script, path := range paths {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			[]byte(script), w.cfg.NetParams,
		)
		if err != nil || len(addrs) != 1 {
			continue
		}

		script, path, addr := []byte(script), path, addrs[0]
		g.Go(func() error {
			found, err := w.cfg.Chain.GetAddressUTXOs(
				ctx, addr.EncodeAddress(),
			)
			if err != nil {
				return fmt.Errorf("utxos of %v: %w", addr, err)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, u := range found {
				hash, err := chainhash.NewHashFromStr(u.TxID)
				if err != nil {
					return err
				}
				utxos = append(utxos, &Utxo{
					OutPoint: wire.OutPoint{
						Hash:  *hash,
						Index: u.Vout,
					},
					Value:     u.Amount(),
					PkScript:  script,
					Confirmed: u.Status.Confirmed,
					branch:    path.branch,
					index:     path.index,
				})
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].Value != utxos[j].Value {
			return utxos[i].Value > utxos[j].Value
		}

		return utxos[i].OutPoint.String() < utxos[j].OutPoint.String()
	})

	return utxos, nil
}

// Balance sums the wallet's unspent outputs.
func (w *Wallet) Balance(ctx context.Context) (Balance, error) {
	utxos, err := w.ListUnspent(ctx)
	if err != nil {
		return Balance{}, err
	}

	var b Balance
	for _, u := range utxos {
		if u.Confirmed {
			b.Confirmed += u.Value
		} else {
			b.Unconfirmed += u.Value
		}
	}

	return b, nil
}

// p2wpkhTemplate stands in for the change script when estimating fees.
var p2wpkhTemplate = append([]byte{txscript.OP_0, txscript.OP_DATA_20},
	make([]byte, 20)...)

// SelectFundingInputs is part of the contract.Wallet interface. Selected
// outputs stay reserved until ReleaseInputs.
func (w *Wallet) SelectFundingInputs(ctx context.Context,
	amount btcutil.Amount, feeRate uint64) ([]dlcwire.FundingInput, error) {

	utxos, err := w.ListUnspent(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var coins []coinset.Coin
	for _, u := range utxos {
		if _, ok := w.reserved[u.OutPoint]; ok {
			continue
		}
		coins = append(coins, &coin{u})
	}

	selector := &coinset.MinNumberCoinSelector{
		MaxInputs: maxFundingInputs,
	}

	// The fee grows with every input, so select again until the chosen
	// set pays for itself.
	target := amount
	for {
		selected, err := selector.CoinSelect(target, coins)
		if err != nil {
			return nil, fmt.Errorf("%w: need %v: %v",
				contract.ErrInsufficientFunds, target, err)
		}

		inputs, err := w.fundingInputs(ctx, selected.Coins())
		if err != nil {
			return nil, err
		}

		need := amount + contract.PartyFee(
			inputs, p2wpkhTemplate, feeRate,
		)
		total := coinset.NewCoinSet(selected.Coins()).TotalValue()
		if total < need {
			target = need
			continue
		}

		for _, c := range selected.Coins() {
			op := wire.OutPoint{Hash: *c.Hash(), Index: c.Index()}
			w.reserved[op] = struct{}{}
		}

		log.Debugf("Selected %d inputs worth %v for %v", len(inputs),
			total, amount)

		return inputs, nil
	}
}

func (w *Wallet) fundingInputs(ctx context.Context,
	coins []coinset.Coin) ([]dlcwire.FundingInput, error) {

	inputs := make([]dlcwire.FundingInput, 0, len(coins))
	for _, c := range coins {
		prev, err := w.cfg.Chain.GetRawTransactionMsgTx(
			ctx, c.Hash().String(),
		)
		if err != nil {
			return nil, err
		}

		var buf bytes.Buffer
		if err := prev.Serialize(&buf); err != nil {
			return nil, err
		}

		inputs = append(inputs, dlcwire.FundingInput{
			PrevTx:        buf.Bytes(),
			PrevTxVout:    c.Index(),
			Sequence:      wire.MaxTxInSequenceNum,
			MaxWitnessLen: contract.P2WPKHWitnessLen,
		})
	}

	return inputs, nil
}

// ReleaseInputs returns reserved outputs to the spendable set.
func (w *Wallet) ReleaseInputs(ops ...wire.OutPoint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, op := range ops {
		delete(w.reserved, op)
	}
}

// SignFundingInputs is part of the contract.Wallet interface. Only inputs
// paying to a script of the wallet can be signed.
func (w *Wallet) SignFundingInputs(_ context.Context, tx *wire.MsgTx,
	prevOuts txscript.PrevOutputFetcher,
	inputs []dlcwire.FundingInput) ([]dlcwire.Witness, error) {

	if err := contract.CheckPrevOuts(tx, prevOuts); err != nil {
		return nil, err
	}

	outPoints := make([]wire.OutPoint, 0, len(inputs))
	for _, in := range inputs {
		var prev wire.MsgTx
		err := prev.Deserialize(bytes.NewReader(in.PrevTx))
		if err != nil {
			return nil, err
		}
		if int(in.PrevTxVout) >= len(prev.TxOut) {
			return nil, fmt.Errorf("vout %d of %v out of range",
				in.PrevTxVout, prev.TxHash())
		}

		outPoints = append(outPoints, wire.OutPoint{
			Hash: prev.TxHash(), Index: in.PrevTxVout,
		})
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)

	w.mu.Lock()
	defer w.mu.Unlock()

	witnesses := make([]dlcwire.Witness, 0, len(inputs))
	for _, op := range outPoints {
		idx := -1
		for i, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == op {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("input %v not in tx", op)
		}

		prevOut := prevOuts.FetchPrevOutput(op)
		path, ok := w.scripts[string(prevOut.PkScript)]
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownInput, op)
		}
		key, err := w.branches[path.branch].Derive(path.index)
		if err != nil {
			return nil, err
		}
		priv, err := key.ECPrivKey()
		if err != nil {
			return nil, err
		}

		witness, err := txscript.WitnessSignature(
			tx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
			txscript.SigHashAll, priv, true,
		)
		if err != nil {
			return nil, err
		}
		witnesses = append(witnesses, dlcwire.Witness(witness))
	}

	return witnesses, nil
}

// Broadcast is part of the contract.Wallet interface. The spent outputs
// stop being reserved once the network has the transaction.
func (w *Wallet) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	txid, err := w.cfg.Chain.BroadcastTx(ctx, tx)
	if err != nil {
		return err
	}

	ops := make([]wire.OutPoint, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		ops = append(ops, in.PreviousOutPoint)
	}
	w.ReleaseInputs(ops...)

	log.Infof("Broadcast transaction %v", txid)

	return nil
}

// TxSeen is part of the contract.Wallet interface. Mempool transactions
// count as seen.
func (w *Wallet) TxSeen(ctx context.Context, txid chainhash.Hash) (bool,
	error) {

	_, err := w.cfg.Chain.GetTxStatus(ctx, txid.String())
	switch {
	case errors.Is(err, esplora.ErrTxNotFound):
		return false, nil

	case err != nil:
		return false, err
	}

	return true, nil
}

// OpenDB opens or creates the wallet database in dir.
func OpenDB(dir string) (kvdb.Backend, error) {
	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:         dir,
		DBFileName:     DBFilename,
		NoFreelistSync: true,
		DBTimeout:      kvdb.DefaultDBTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open wallet db: %w", err)
	}

	return backend, nil
}
