package ddk

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/esplora"
	"github.com/dlcdevkit/ddk/gateway"
	"github.com/dlcdevkit/ddk/keystore"
	"github.com/dlcdevkit/ddk/msghandler"
	"github.com/dlcdevkit/ddk/offers"
	"github.com/dlcdevkit/ddk/oracle"
	"github.com/dlcdevkit/ddk/wallet"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("dev kit already started")

	// ErrNoTxHistory is returned by Transactions when the wallet can't
	// list its transactions.
	ErrNoTxHistory = errors.New("wallet keeps no transaction history")
)

// DlcDevKit ties a messaging identity, a transport and a wallet to the
// contract manager. Create it with a Builder.
type DlcDevKit struct {
	name          string
	network       *chaincfg.Params
	identity      *keystore.Identity
	wallet        Wallet
	gateway       *gateway.Gateway
	handler       *msghandler.Handler
	transportName string

	// chain is the esplora client of the built-in wallet, if any.
	chain *esplora.Client

	// closers release what Finish opened, in reverse order.
	closers []func() error

	mu       sync.Mutex
	handle   *msghandler.ShutdownHandle
	stopOnce sync.Once
}

// Info describes a running dev kit.
type Info struct {
	// PubKey is the hex x-only identity key counterparties address.
	PubKey string

	Network   string
	Transport string
}

// Start connects the transport and begins handling messages. The returned
// handle stops the message handler only. Stop releases everything.
func (d *DlcDevKit) Start(ctx context.Context) (*msghandler.ShutdownHandle,
	error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != nil {
		return nil, ErrAlreadyStarted
	}

	if err := d.startChain(ctx); err != nil {
		return nil, err
	}

	handle, err := d.handler.Start(ctx)
	if err != nil {
		return nil, err
	}
	d.handle = handle

	log.Infof("Dev kit %s listening as %s over %s", d.name,
		d.identity.XOnlyHex(), d.transportName)

	return handle, nil
}

// Stop shuts down the message handler and releases the wallet and the
// contract gateway. It is safe to call more than once.
func (d *DlcDevKit) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		handle := d.handle
		d.mu.Unlock()

		if handle != nil {
			handle.Shutdown()
		}
		d.closeAll()

		log.Infof("Dev kit %s stopped", d.name)
	})
}

func (d *DlcDevKit) closeAll() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warnf("Close failed: %v", err)
		}
	}
	d.closers = nil
}

// Info returns the identity and wiring of the dev kit.
func (d *DlcDevKit) Info() Info {
	return Info{
		PubKey:    d.identity.XOnlyHex(),
		Network:   d.network.Name,
		Transport: d.transportName,
	}
}

// PubKey returns the messaging identity key.
func (d *DlcDevKit) PubKey() *btcec.PublicKey {
	return d.identity.PubKey()
}

func (d *DlcDevKit) Wallet() Wallet {
	return d.wallet
}

// Transactions lists the wallet's on-chain transactions, unconfirmed first.
func (d *DlcDevKit) Transactions(ctx context.Context) ([]*wallet.Transaction,
	error) {

	history, ok := d.wallet.(TxHistory)
	if !ok {
		return nil, ErrNoTxHistory
	}

	return history.ListTransactions(ctx)
}

// Gateway gives direct access to the serialized contract manager.
func (d *DlcDevKit) Gateway() *gateway.Gateway {
	return d.gateway
}

// Offers returns the view on offers received from counterparties.
func (d *DlcDevKit) Offers() *Offers {
	return &Offers{handler: d.handler}
}

// SendOffer offers a contract to the counterparty with x-only key `to`.
func (d *DlcDevKit) SendOffer(ctx context.Context, in contract.OfferInput,
	to [32]byte) (*dlcwire.OfferDlc, error) {

	return d.handler.SendOffer(ctx, in, to)
}

// Contracts returns every contract known to the manager.
func (d *DlcDevKit) Contracts(ctx context.Context) ([]*contract.Contract,
	error) {

	return d.gateway.Contracts(ctx)
}

// Outcome returns the attestation of a contract's event with this party's
// payout.
func (d *DlcDevKit) Outcome(ctx context.Context,
	id dlcwire.ContractID) (*oracle.Attestation, btcutil.Amount, error) {

	return d.gateway.Outcome(ctx, id)
}

// Sweep runs the periodic housekeeping right away.
func (d *DlcDevKit) Sweep(ctx context.Context) error {
	return d.handler.Sweep(ctx)
}

// Offers are the offers waiting for the user to accept or reject them.
type Offers struct {
	handler *msghandler.Handler
}

// List returns the pending offers, oldest first.
func (o *Offers) List() []*offers.OfferedContract {
	return o.handler.Offers()
}

// Accept accepts the offer and returns the offerer's identity key.
func (o *Offers) Accept(ctx context.Context,
	id dlcwire.ContractID) (*btcec.PublicKey, error) {

	return o.handler.Accept(ctx, id)
}

// Reject refuses the offer, telling the offerer why.
func (o *Offers) Reject(ctx context.Context, id dlcwire.ContractID,
	reason string) error {

	return o.handler.Reject(ctx, id, reason)
}
