package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/dlcdevkit/ddk/esplora"
	"golang.org/x/sync/errgroup"
)

// Transaction is a transaction that pays to or spends from the wallet.
type Transaction struct {
	TxID chainhash.Hash

	// Received is the value of the outputs paying to the wallet.
	Received btcutil.Amount

	// Sent is the value of the wallet outputs the transaction spends.
	Sent btcutil.Amount

	Fee btcutil.Amount

	Confirmed   bool
	BlockHeight int64
	BlockTime   int64
}

// Net returns the change in the wallet's value.
func (t *Transaction) Net() btcutil.Amount {
	return t.Received - t.Sent
}

// ListTransactions returns the transactions touching any issued address.
// Unconfirmed transactions come first, then confirmed ones newest first.
func (w *Wallet) ListTransactions(ctx context.Context) ([]*Transaction,
	error) {

	w.mu.Lock()
	owned := make(map[string]struct{}, len(w.scripts))
	for script := range w.scripts {
		owned[hex.EncodeToString([]byte(script))] = struct{}{}
	}
	w.mu.Unlock()

	var (
		mu   sync.Mutex
		seen = make(map[string]*esplora.Tx)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(queryConcurrency)
	for script := range owned {
		pkScript, err := hex.DecodeString(script)
		if err != nil {
			return nil, err
		}
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			pkScript, w.cfg.NetParams,
		)
		if err != nil || len(addrs) != 1 {
			continue
		}

		addr := addrs[0]
		g.Go(func() error {
			txs, err := w.cfg.Chain.GetAddressTxs(
				ctx, addr.EncodeAddress(),
			)
			if err != nil {
				return fmt.Errorf("history of %v: %w", addr, err)
			}

			mu.Lock()
			for _, tx := range txs {
				seen[tx.TxID] = tx
			}
			mu.Unlock()

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	history := make([]*Transaction, 0, len(seen))
	for _, tx := range seen {
		t, err := summarize(tx, owned)
		if err != nil {
			return nil, err
		}
		history = append(history, t)
	}

	sort.Slice(history, func(i, j int) bool {
		a, b := history[i], history[j]
		switch {
		case a.Confirmed != b.Confirmed:
			return !a.Confirmed
		case a.BlockHeight != b.BlockHeight:
			return a.BlockHeight > b.BlockHeight
		}

		return a.TxID.String() < b.TxID.String()
	})

	return history, nil
}

// summarize tallies the wallet's side of tx. owned holds the hex pkScripts
// of the wallet.
func summarize(tx *esplora.Tx, owned map[string]struct{}) (*Transaction,
	error) {

	txid, err := chainhash.NewHashFromStr(tx.TxID)
	if err != nil {
		return nil, fmt.Errorf("txid %q: %w", tx.TxID, err)
	}

	t := &Transaction{
		TxID:        *txid,
		Fee:         btcutil.Amount(tx.Fee),
		Confirmed:   tx.Status.Confirmed,
		BlockHeight: tx.Status.BlockHeight,
		BlockTime:   tx.Status.BlockTime,
	}
	for _, out := range tx.Vout {
		if _, ok := owned[out.ScriptPubKey]; ok {
			t.Received += btcutil.Amount(out.Value)
		}
	}
	for _, in := range tx.Vin {
		if in.Prevout == nil {
			continue
		}
		if _, ok := owned[in.Prevout.ScriptPubKey]; ok {
			t.Sent += btcutil.Amount(in.Prevout.Value)
		}
	}

	return t, nil
}
