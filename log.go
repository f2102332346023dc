package ddk

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/dlcdevkit/ddk/build"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/contractdb"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/esplora"
	"github.com/dlcdevkit/ddk/gateway"
	"github.com/dlcdevkit/ddk/keystore"
	"github.com/dlcdevkit/ddk/msghandler"
	"github.com/dlcdevkit/ddk/offers"
	"github.com/dlcdevkit/ddk/oracle"
	"github.com/dlcdevkit/ddk/relay"
	"github.com/dlcdevkit/ddk/signal"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/dlcdevkit/ddk/transport/direct"
	relaytransport "github.com/dlcdevkit/ddk/transport/relay"
	"github.com/dlcdevkit/ddk/wallet"
)

// Subsystem defines the logging code for the dev kit itself.
const Subsystem = "DDK"

// log is the root logger, disabled until SetupLoggers or UseLogger is
// called.
var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// DisableLog disables all library log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// genSubLogger returns a sub-logger factory on root. A critical log line
// requests a shutdown through the interceptor, unless it is the zero value.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	shutdown := func() {
		if interceptor.ShutdownChannel() == nil ||
			!interceptor.Alive() {

			return
		}
		interceptor.RequestShutdown()
	}

	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}

// AddSubLogger creates the logger of subsystem on root and hands it to
// every useLogger.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	logger := build.NewSubLogger(
		subsystem, genSubLogger(root, interceptor),
	)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// SetupLoggers routes every package's logger through root.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	AddSubLogger(root, Subsystem, interceptor, UseLogger)

	AddSubLogger(root, keystore.Subsystem, interceptor, keystore.UseLogger)
	AddSubLogger(root, dlcwire.Subsystem, interceptor, dlcwire.UseLogger)
	AddSubLogger(
		root, transport.Subsystem, interceptor, transport.UseLogger,
	)
	AddSubLogger(
		root, relaytransport.Subsystem, interceptor,
		relaytransport.UseLogger,
	)
	AddSubLogger(root, direct.Subsystem, interceptor, direct.UseLogger)
	AddSubLogger(root, relay.Subsystem, interceptor, relay.UseLogger)
	AddSubLogger(root, gateway.Subsystem, interceptor, gateway.UseLogger)
	AddSubLogger(root, contract.Subsystem, interceptor, contract.UseLogger)
	AddSubLogger(
		root, contractdb.Subsystem, interceptor, contractdb.UseLogger,
	)
	AddSubLogger(root, offers.Subsystem, interceptor, offers.UseLogger)
	AddSubLogger(
		root, msghandler.Subsystem, interceptor, msghandler.UseLogger,
	)
	AddSubLogger(root, wallet.Subsystem, interceptor, wallet.UseLogger)
	AddSubLogger(root, esplora.Subsystem, interceptor, esplora.UseLogger)
	AddSubLogger(root, oracle.Subsystem, interceptor, oracle.UseLogger)
	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
}
