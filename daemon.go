package ddk

import (
	"context"
	"fmt"

	"github.com/dlcdevkit/ddk/build"
	"github.com/dlcdevkit/ddk/contractdb"
	"github.com/dlcdevkit/ddk/keystore"
	"github.com/dlcdevkit/ddk/oracle"
	"github.com/dlcdevkit/ddk/signal"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/dlcdevkit/ddk/transport/direct"
	relaytransport "github.com/dlcdevkit/ddk/transport/relay"
	"github.com/lightningnetwork/lnd/healthcheck"
)

// newTransport creates the transport selected by the config for the given
// identity.
func newTransport(cfg *Config,
	id *keystore.Identity) (transport.Transport, error) {

	switch cfg.Transport {
	case TransportRelay:
		return relaytransport.New(cfg.RelayConfig())

	case TransportDirect:
		directCfg, err := cfg.DirectConfig()
		if err != nil {
			return nil, err
		}

		return direct.New(directCfg, id.Priv)
	}

	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// Main is the true entry point of the dlcd daemon. It runs until the
// interceptor requests a shutdown.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		log.Info("Shutdown complete")
		if err := cfg.LogRotator.Close(); err != nil {
			_, _ = fmt.Println("Could not close log rotator:", err)
		}
	}()

	log.Infof("Version: %s commit=%s, build=%s, debuglevel=%s",
		build.Version(), build.Commit, build.Deployment, cfg.DebugLevel)
	log.Infof("Active network: %s", cfg.ActiveNetParams.Name)

	ctx, cancel := interceptor.Context()
	defer cancel()

	id, err := keystore.LoadOrCreate(cfg.WalletDir, cfg.Name)
	if err != nil {
		return fmt.Errorf("unable to load identity: %w", err)
	}

	db, err := contractdb.Open(cfg.ContractDBDir())
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close contract db: %v", err)
		}
	}()

	oracleClient, err := oracle.NewClient(oracle.ClientConfig{
		URL: cfg.OracleURL,
	})
	if err != nil {
		return err
	}

	tr, err := newTransport(cfg, id)
	if err != nil {
		return err
	}

	kit, err := NewBuilder().
		SetName(cfg.Name).
		SetWalletDir(cfg.WalletDir).
		SetIdentity(id).
		SetTransport(tr).
		SetStorage(db).
		SetOracle(oracleClient).
		SetNetwork(cfg.ActiveNetParams).
		SetEsploraURL(cfg.EsploraURL).
		SetHandlerConfig(cfg.HandlerConfig()).
		SetOfferTimeout(cfg.OfferTimeout).
		Finish()
	if err != nil {
		return err
	}
	defer kit.Stop()

	handle, err := kit.Start(ctx)
	if err != nil {
		return fmt.Errorf("unable to start dev kit: %w", err)
	}

	var chainTip func(context.Context) (int64, error)
	if kit.chain != nil {
		chainTip = kit.chain.GetTipHeight
	}
	checks := healthChecks(cfg.HealthChecks, cfg.DataDir, chainTip)
	if len(checks) > 0 {
		monitor := healthcheck.NewMonitor(&healthcheck.Config{
			Checks: checks,
			Shutdown: func(format string, params ...any) {
				log.Criticalf(format, params...)
				interceptor.RequestShutdown()
			},
		})
		if err := monitor.Start(); err != nil {
			return err
		}
		defer func() {
			if err := monitor.Stop(); err != nil {
				log.Errorf("Unable to stop health monitor: %v",
					err)
			}
		}()
	}

	info := kit.Info()
	log.Infof("Counterparties reach this node at %s via %s", info.PubKey,
		info.Transport)

	select {
	case <-interceptor.ShutdownChannel():
	case <-handle.Done():
	}

	return nil
}

