package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL)
	cfg.RequestTimeout = 5 * time.Second

	return NewClient(cfg)
}

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14}))

	return tx
}

func TestClientQueries(t *testing.T) {
	t.Parallel()

	tx := testTx()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	txHex := hex.EncodeToString(buf.Bytes())
	txid := tx.TxHash().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, "812345")
	})
	mux.HandleFunc("/tx/"+txid+"/hex", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, txHex)
	})
	mux.HandleFunc("/tx/"+txid+"/status", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, `{"confirmed":true,"block_height":7}`)
	})
	mux.HandleFunc("/address/bcrt1q/utxo", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w,
			`[{"txid":"`+txid+`","vout":0,"value":1000,`+
				`"status":{"confirmed":false}}]`)
	})
	mux.HandleFunc("/address/bcrt1q/txs", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w,
			`[{"txid":"`+txid+`","fee":141,`+
				`"vin":[{"txid":"00","vout":1,"prevout":`+
				`{"scriptpubkey":"0014","value":1141}}],`+
				`"vout":[{"scriptpubkey":"0014",`+
				`"scriptpubkey_address":"bcrt1q","value":1000}],`+
				`"status":{"confirmed":true,"block_height":7}}]`)
	})
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter,
		_ *http.Request) {

		_, _ = io.WriteString(w, `{"6":2.4,"1":10}`)
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != txHex {
			http.Error(w, "bad tx", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, txid)
	})

	c := newTestClient(t, mux)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	height, err := c.GetTipHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 812345, height)

	got, err := c.GetRawTransactionMsgTx(ctx, txid)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), got.TxHash())

	status, err := c.GetTxStatus(ctx, txid)
	require.NoError(t, err)
	require.True(t, status.Confirmed)

	utxos, err := c.GetAddressUTXOs(ctx, "bcrt1q")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.EqualValues(t, 1000, utxos[0].Amount())

	txs, err := c.GetAddressTxs(ctx, "bcrt1q")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, txid, txs[0].TxID)
	require.EqualValues(t, 141, txs[0].Fee)
	require.EqualValues(t, 1141, txs[0].Vin[0].Prevout.Value)
	require.Equal(t, "bcrt1q", txs[0].Vout[0].Address)
	require.EqualValues(t, 7, txs[0].Status.BlockHeight)

	rate, err := c.FeeRate(ctx, DefaultFeeTarget)
	require.NoError(t, err)
	require.EqualValues(t, 3, rate)

	rate, err = c.FeeRate(ctx, 144)
	require.NoError(t, err)
	require.EqualValues(t, fallbackFeeRate, rate)

	hash, err := c.BroadcastTx(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), *hash)
}

// TestClientRetries asserts server errors are retried and client errors are
// not.
func TestClientRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "1")
	})
	mux.HandleFunc("/tx/", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(100)
		http.NotFound(w, nil)
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	height, err := c.GetTipHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, height)
	require.EqualValues(t, 3, calls.Load())

	_, err = c.GetTxStatus(ctx, "00")
	require.ErrorIs(t, err, ErrTxNotFound)
	require.EqualValues(t, 103, calls.Load())

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop())
	_, err = c.GetTipHeight(ctx)
	require.ErrorIs(t, err, ErrClientShutdown)
}
