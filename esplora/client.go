package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultRequestTimeout bounds a single HTTP request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries after a failed request.
	DefaultMaxRetries = 3

	// DefaultFeeTarget is the confirmation target used by FeeRate.
	DefaultFeeTarget = 6

	// fallbackFeeRate in sat/vB is used when the API returns no estimate
	// for the target, as is the case on regtest.
	fallbackFeeRate = 1

	retryBase = 100 * time.Millisecond
)

var (
	// ErrClientShutdown is returned when the client has been shut down.
	ErrClientShutdown = errors.New("esplora client has been shut down")

	// ErrNotConnected is returned when the API is not reachable.
	ErrNotConnected = errors.New("esplora API not reachable")

	// ErrTxNotFound is returned when a transaction cannot be found.
	ErrTxNotFound = errors.New("transaction not found")
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API (e.g., http://localhost:3002).
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries uint64
}

// DefaultClientConfig returns a config for the given base URL.
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:            url,
		RequestTimeout: DefaultRequestTimeout,
		MaxRetries:     DefaultMaxRetries,
	}
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// Amount returns the value of the output.
func (u *UTXO) Amount() btcutil.Amount {
	return btcutil.Amount(u.Value)
}

// TxOut is a transaction output as the API reports it.
type TxOut struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Address      string `json:"scriptpubkey_address,omitempty"`
	Value        int64  `json:"value"`
}

// TxIn is a transaction input with the output it spends.
type TxIn struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Prevout *TxOut `json:"prevout"`
}

// Tx is a transaction with its inputs resolved and its status.
type Tx struct {
	TxID   string   `json:"txid"`
	Vin    []TxIn   `json:"vin"`
	Vout   []TxOut  `json:"vout"`
	Fee    int64    `json:"fee"`
	Status TxStatus `json:"status"`
}

// FeeEstimates represents fee estimates from the API.
// Keys are confirmation targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client

	started atomic.Bool
	quit    chan struct{}
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		quit: make(chan struct{}),
	}
}

// Start verifies the API is reachable.
func (c *Client) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return nil
	}

	log.Infof("Starting Esplora client, url=%s", c.cfg.URL)

	height, err := c.GetTipHeight(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	log.Infof("Connected to Esplora API: tip height=%d", height)

	return nil
}

// Stop shuts down the client. Requests in flight return
// ErrClientShutdown.
func (c *Client) Stop() error {
	if !c.started.Load() {
		return nil
	}

	select {
	case <-c.quit:
	default:
		log.Info("Stopping Esplora client")
		close(c.quit)
	}

	return nil
}

// httpStatusError is a non-200 answer. Server errors are retried, client
// errors are not.
type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.code, e.body)
}

// doRequest performs an HTTP request with retries and returns the body of a
// 200 answer.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	url := c.cfg.URL + path
	b := retry.WithMaxRetries(
		c.cfg.MaxRetries, retry.NewExponential(retryBase),
	)

	var result []byte
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		select {
		case <-c.quit:
			return ErrClientShutdown
		default:
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.Debugf("Request %s %s failed: %v", method, path, err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(
				fmt.Errorf("failed to read response: %w", err),
			)
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := &httpStatusError{
				code: resp.StatusCode,
				body: strings.TrimSpace(string(respBody)),
			}
			if resp.StatusCode >= http.StatusInternalServerError {
				return retry.RetryableError(statusErr)
			}

			return statusErr
		}

		result = respBody

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, path, nil)
}

// getJSON fetches path and decodes the JSON answer into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return height, nil
}

// GetRawTransactionMsgTx fetches and deserializes a transaction.
func (c *Client) GetRawTransactionMsgTx(ctx context.Context,
	txid string) (*wire.MsgTx, error) {

	body, err := c.doGet(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, notFound(err)
	}

	txBytes, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}

	return tx, nil
}

// GetTxStatus fetches the confirmation status of a transaction.
func (c *Client) GetTxStatus(ctx context.Context,
	txid string) (*TxStatus, error) {

	var status TxStatus
	if err := c.getJSON(ctx, "/tx/"+txid+"/status", &status); err != nil {
		return nil, notFound(err)
	}

	return &status, nil
}

// GetAddressUTXOs fetches unspent outputs for an address.
func (c *Client) GetAddressUTXOs(ctx context.Context,
	address string) ([]*UTXO, error) {

	var utxos []*UTXO
	err := c.getJSON(ctx, "/address/"+address+"/utxo", &utxos)
	if err != nil {
		return nil, err
	}

	return utxos, nil
}

// GetAddressTxs fetches the transactions touching an address: the mempool
// ones followed by the most recent confirmed ones.
func (c *Client) GetAddressTxs(ctx context.Context,
	address string) ([]*Tx, error) {

	var txs []*Tx
	err := c.getJSON(ctx, "/address/"+address+"/txs", &txs)
	if err != nil {
		return nil, err
	}

	return txs, nil
}

// GetFeeEstimates fetches fee estimates for various confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}

	return estimates, nil
}

// FeeRate returns the estimated fee rate in sat/vB for the given
// confirmation target, rounded up.
func (c *Client) FeeRate(ctx context.Context, target int) (uint64, error) {
	estimates, err := c.GetFeeEstimates(ctx)
	if err != nil {
		return 0, err
	}

	rate, ok := estimates[strconv.Itoa(target)]
	if !ok || rate <= 0 {
		return fallbackFeeRate, nil
	}

	sat := uint64(rate)
	if float64(sat) < rate {
		sat++
	}

	return sat, nil
}

// BroadcastTx broadcasts a wire.MsgTx to the network.
func (c *Client) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize tx: %w", err)
	}

	txHex := hex.EncodeToString(buf.Bytes())
	body, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))
	if err != nil {
		return nil, fmt.Errorf("broadcast failed: %w", err)
	}

	return chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
}

// notFound maps a 404 answer to ErrTxNotFound.
func notFound(err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) &&
		statusErr.code == http.StatusNotFound {

		return fmt.Errorf("%w: %w", ErrTxNotFound, err)
	}

	return err
}
