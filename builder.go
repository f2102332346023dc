package ddk

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/esplora"
	"github.com/dlcdevkit/ddk/gateway"
	"github.com/dlcdevkit/ddk/keystore"
	"github.com/dlcdevkit/ddk/msghandler"
	"github.com/dlcdevkit/ddk/offers"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/dlcdevkit/ddk/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Wallet is the on-chain wallet the dev kit funds contracts from.
// *wallet.Wallet implements it.
type Wallet interface {
	contract.Wallet

	// Signer returns the signer bound to the wallet's funding key.
	Signer() *contract.DigestSigner
}

// TxHistory is implemented by wallets that can list the transactions
// touching their addresses.
type TxHistory interface {
	ListTransactions(ctx context.Context) ([]*wallet.Transaction, error)
}

// A compile time check to ensure the HD wallet can back the dev kit.
var (
	_ Wallet    = (*wallet.Wallet)(nil)
	_ TxHistory = (*wallet.Wallet)(nil)
)

// BuilderIncompleteError is returned by Finish when a mandatory component
// wasn't set.
type BuilderIncompleteError struct {
	Field string
}

// Error returns the name of the missing component.
func (e *BuilderIncompleteError) Error() string {
	return fmt.Sprintf("builder incomplete: %s not set", e.Field)
}

// Builder assembles a DlcDevKit. Name, transport, storage, oracle and
// network are mandatory. The wallet may be given directly, or built from
// the wallet directory and an esplora url.
type Builder struct {
	name         string
	walletDir    string
	identity     *keystore.Identity
	transport    transport.Transport
	storage      contract.Storage
	oracle       contract.Oracle
	wallet       Wallet
	network      *chaincfg.Params
	esploraURL   string
	handlerCfg   fn.Option[msghandler.Config]
	clock        clock.Clock
	offerTimeout time.Duration
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// SetName sets the wallet name, used to locate the identity and seed.
func (b *Builder) SetName(name string) *Builder {
	b.name = name
	return b
}

// SetWalletDir sets the directory holding the per-wallet subdirectories.
func (b *Builder) SetWalletDir(dir string) *Builder {
	b.walletDir = dir
	return b
}

// SetIdentity sets the messaging identity. Without it the identity is
// loaded from, or created in, the wallet directory.
func (b *Builder) SetIdentity(id *keystore.Identity) *Builder {
	b.identity = id
	return b
}

func (b *Builder) SetTransport(t transport.Transport) *Builder {
	b.transport = t
	return b
}

func (b *Builder) SetStorage(s contract.Storage) *Builder {
	b.storage = s
	return b
}

func (b *Builder) SetOracle(o contract.Oracle) *Builder {
	b.oracle = o
	return b
}

func (b *Builder) SetWallet(w Wallet) *Builder {
	b.wallet = w
	return b
}

func (b *Builder) SetNetwork(params *chaincfg.Params) *Builder {
	b.network = params
	return b
}

// SetEsploraURL sets the chain data server the built-in wallet uses.
func (b *Builder) SetEsploraURL(url string) *Builder {
	b.esploraURL = url
	return b
}

// SetHandlerConfig overrides the message handler limits. Its capability
// fields are filled in by Finish.
func (b *Builder) SetHandlerConfig(cfg msghandler.Config) *Builder {
	b.handlerCfg = fn.Some(cfg)
	return b
}

func (b *Builder) SetClock(clk clock.Clock) *Builder {
	b.clock = clk
	return b
}

// SetOfferTimeout sets how long a negotiation may wait on the
// counterparty.
func (b *Builder) SetOfferTimeout(d time.Duration) *Builder {
	b.offerTimeout = d
	return b
}

// missing returns the first unset mandatory component.
func (b *Builder) missing() fn.Option[string] {
	switch {
	case b.name == "":
		return fn.Some("name")
	case b.transport == nil:
		return fn.Some("transport")
	case b.storage == nil:
		return fn.Some("storage")
	case b.oracle == nil:
		return fn.Some("oracle")
	case b.network == nil:
		return fn.Some("network")
	case b.wallet == nil && b.esploraURL == "":
		return fn.Some("esplora url")
	case (b.identity == nil || b.wallet == nil) && b.walletDir == "":
		return fn.Some("wallet dir")
	}

	return fn.None[string]()
}

// Finish validates the builder and assembles the dev kit. Nothing is
// started.
func (b *Builder) Finish() (*DlcDevKit, error) {
	var incomplete error
	b.missing().WhenSome(func(field string) {
		incomplete = &BuilderIncompleteError{Field: field}
	})
	if incomplete != nil {
		return nil, incomplete
	}

	clk := b.clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	kit := &DlcDevKit{
		name:    b.name,
		network: b.network,
	}

	id := b.identity
	if id == nil {
		var err error
		id, err = keystore.LoadOrCreate(b.walletDir, b.name)
		if err != nil {
			return nil, err
		}
	}
	kit.identity = id

	w := b.wallet
	if w == nil {
		built, err := b.buildWallet(kit)
		if err != nil {
			kit.closeAll()
			return nil, err
		}
		w = built
	}
	kit.wallet = w

	mgr, err := contract.NewManager(contract.Config{
		Wallet:       w,
		Oracle:       b.oracle,
		Signer:       w.Signer(),
		Store:        b.storage,
		Clock:        clk,
		ChainHash:    *b.network.GenesisHash,
		OfferTimeout: b.offerTimeout,
	})
	if err != nil {
		kit.closeAll()
		return nil, err
	}

	gw, err := gateway.New(gateway.DefaultConfig(mgr))
	if err != nil {
		kit.closeAll()
		return nil, err
	}
	kit.gateway = gw
	kit.closers = append(kit.closers, func() error {
		gw.Stop()
		return nil
	})

	hcfg := b.handlerCfg.UnwrapOr(msghandler.DefaultConfig())
	hcfg.Identity = id
	hcfg.Transport = b.transport
	hcfg.Gateway = gw
	hcfg.Registry = offers.NewRegistry(clk)
	hcfg.Clock = clk

	kit.handler, err = msghandler.New(hcfg)
	if err != nil {
		kit.closeAll()
		return nil, err
	}
	kit.transportName = b.transport.Name()

	log.Infof("Built dev kit %s for %s on %s", b.name, id.XOnlyHex(),
		b.network.Name)

	return kit, nil
}

// buildWallet creates the HD wallet from the stored seed, backed by the
// esplora server.
func (b *Builder) buildWallet(kit *DlcDevKit) (*wallet.Wallet, error) {
	seed, err := keystore.LoadOrCreateSeed(b.walletDir, b.name)
	if err != nil {
		return nil, err
	}

	db, err := wallet.OpenDB(filepath.Join(b.walletDir, b.name))
	if err != nil {
		return nil, err
	}
	kit.closers = append(kit.closers, db.Close)

	chain := esplora.NewClient(esplora.DefaultClientConfig(b.esploraURL))
	kit.chain = chain
	kit.closers = append(kit.closers, chain.Stop)

	return wallet.New(wallet.Config{
		Seed:      seed,
		DB:        db,
		Chain:     chain,
		NetParams: b.network,
	})
}

// startChain connects the built-in esplora client, if there is one.
func (d *DlcDevKit) startChain(ctx context.Context) error {
	if d.chain == nil {
		return nil
	}

	return d.chain.Start(ctx)
}
