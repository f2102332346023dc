package ddk

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/dlcdevkit/ddk/build"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/msghandler"
	"github.com/dlcdevkit/ddk/signal"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/dlcdevkit/ddk/transport/direct"
	relaytransport "github.com/dlcdevkit/ddk/transport/relay"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "ddk.conf"
	defaultWalletDirname  = "wallets"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "ddk.log"
	defaultLogLevel       = "info"
	defaultWalletName     = "ddk"
	defaultNetwork        = "regtest"

	// TransportRelay routes events through nostr relays.
	TransportRelay = "relay"

	// TransportDirect connects to counterparties over brontide.
	TransportDirect = "direct"
)

var (
	// DefaultDdkDir is the default directory holding every file.
	DefaultDdkDir = btcutil.AppDataDir("ddk", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(DefaultDdkDir, defaultConfigFilename)

	defaultWalletDir = filepath.Join(DefaultDdkDir, defaultWalletDirname)
	defaultDataDir   = filepath.Join(DefaultDdkDir, defaultDataDirname)
	defaultLogDir    = filepath.Join(DefaultDdkDir, defaultLogDirname)
)

// Config is the configuration of a dev kit daemon, loaded from the command
// line and the config file.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	DdkDir     string `long:"ddkdir" description:"The base directory that contains the wallets, contracts and logs"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	WalletDir  string `long:"walletdir" description:"The directory holding the identity key and seed of each wallet"`
	DataDir    string `short:"b" long:"datadir" description:"The directory holding the contract databases"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	Name    string `long:"name" description:"The wallet name, which selects the identity and seed"`
	Network string `long:"network" description:"The bitcoin network contracts live on" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`

	EsploraURL string `long:"esploraurl" description:"The esplora server the wallet reads the chain from"`
	OracleURL  string `long:"oracleurl" description:"The oracle announcements and attestations are fetched from"`

	Transport    string   `long:"transport" description:"How events reach counterparties" choice:"relay" choice:"direct"`
	Relays       []string `long:"relay" description:"A nostr relay url (ws:// or wss://) to connect to; may be repeated"`
	DirectListen string   `long:"directlisten" description:"The host:port the direct transport accepts connections on"`
	DirectPeers  []string `long:"directpeer" description:"A counterparty of the direct transport as <pubkey>@<host:port>; may be repeated"`

	DirectKnownOnly bool `long:"directknownonly" description:"Refuse inbound direct connections from keys not given with directpeer"`

	PublishTimeout  time.Duration `long:"publishtimeout" description:"The timeout of each publish attempt"`
	PublishAttempts uint          `long:"publishattempts" description:"The number of publish attempts before giving up"`

	ShutdownGrace      time.Duration `long:"shutdowngrace" description:"How long in-flight messages may take to finish on shutdown"`
	FrameCeiling       int           `long:"frameceiling" description:"The largest wire frame sent in a single event; larger messages are segmented"`
	ReassemblyMaxBytes int           `long:"reassemblymaxbytes" description:"The largest segmented message accepted"`
	ReassemblyMaxAge   time.Duration `long:"reassemblymaxage" description:"How long an incomplete segmented message is kept"`
	NackMalformed      bool          `long:"nackmalformed" description:"Answer undecodable messages with a Reject"`
	OfferTimeout       time.Duration `long:"offertimeout" description:"How long a negotiation may wait for the counterparty"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	HealthChecks *HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// LogRotator writes the log file, SubLogMgr routes every subsystem
	// to the console and the file.
	LogRotator *build.RotatingLogWriter
	SubLogMgr  *build.SubLoggerManager

	// ActiveNetParams is set from Network by ValidateConfig.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		DdkDir:             DefaultDdkDir,
		ConfigFile:         DefaultConfigFile,
		WalletDir:          defaultWalletDir,
		DataDir:            defaultDataDir,
		LogDir:             defaultLogDir,
		Name:               defaultWalletName,
		Network:            defaultNetwork,
		Transport:          TransportRelay,
		PublishTimeout:     transport.DefaultPublishTimeout,
		PublishAttempts:    transport.DefaultPublishAttempts,
		ShutdownGrace:      msghandler.DefaultShutdownGrace,
		FrameCeiling:       msghandler.DefaultFrameCeiling,
		ReassemblyMaxBytes: dlcwire.DefaultReassemblyMaxBytes,
		ReassemblyMaxAge:   dlcwire.DefaultReassemblyMaxAge,
		OfferTimeout:       contract.DefaultOfferTimeout,
		DebugLevel:         defaultLogLevel,
		LogConfig:          build.DefaultLogConfig(),
		HealthChecks:       DefaultHealthCheckConfig(),
		LogRotator:         build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the user moved the ddk directory but not the config file, the
	// config file is expected inside the new directory.
	configFileDir := CleanAndExpandPath(preCfg.DdkDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultDdkDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// A missing config file is fine, a broken one isn't.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Command line options take precedence over the file.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	cleanCfg, err := ValidateConfig(cfg, usageMessage, interceptor)
	if err != nil {
		return nil, err
	}

	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration is sane, normalizes its
// paths and initializes logging. The cleaned up config is returned on
// success.
func ValidateConfig(cfg Config, usageMessage string,
	interceptor signal.Interceptor) (*Config, error) {

	// Paths left at their defaults follow a moved ddk directory.
	ddkDir := CleanAndExpandPath(cfg.DdkDir)
	if ddkDir != DefaultDdkDir {
		if cfg.WalletDir == defaultWalletDir {
			cfg.WalletDir = filepath.Join(
				ddkDir, defaultWalletDirname,
			)
		}
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(ddkDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(ddkDir, defaultLogDirname)
		}
	}
	cfg.DdkDir = ddkDir
	cfg.WalletDir = CleanAndExpandPath(cfg.WalletDir)
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	mkErr := func(format string, args ...any) error {
		err := fmt.Errorf(format, args...)
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)

		return err
	}

	if err := cfg.validate(); err != nil {
		return nil, mkErr("ValidateConfig: %w", err)
	}

	for _, dir := range []string{cfg.DdkDir, cfg.WalletDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, mkErr("unable to create %s: %w", dir, err)
		}
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		mgr := build.NewSubLoggerManager()
		SetupLoggers(mgr, interceptor)
		fmt.Println("Supported subsystems", mgr.SupportedSubsystems())
		os.Exit(0)
	}

	if !cfg.LogConfig.File.Disable {
		logFile := filepath.Join(
			cfg.LogDir, cfg.networkDir(), defaultLogFilename,
		)
		err := cfg.LogRotator.InitLogRotator(
			cfg.LogConfig.File, logFile,
		)
		if err != nil {
			return nil, mkErr("log rotation setup failed: %w", err)
		}
	}

	cfg.SubLogMgr = build.NewSubLoggerManager(
		build.NewDefaultLogHandlers(cfg.LogConfig, cfg.LogRotator)...,
	)
	SetupLoggers(cfg.SubLogMgr, interceptor)

	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.SubLogMgr)
	if err != nil {
		return nil, mkErr("ValidateConfig: %w", err)
	}

	return &cfg, nil
}

// validate checks the option values and sets ActiveNetParams. It touches
// neither the file system nor the loggers.
func (c *Config) validate() error {
	params, err := NetParams(c.Network)
	if err != nil {
		return err
	}
	c.ActiveNetParams = params

	switch {
	case c.Name == "":
		return errors.New("a wallet name is required")

	case strings.ContainsAny(c.Name, `/\`):
		return fmt.Errorf("wallet name %q must not contain path "+
			"separators", c.Name)

	case c.EsploraURL == "":
		return errors.New("an esplora url is required")

	case c.OracleURL == "":
		return errors.New("an oracle url is required")
	}

	switch c.Transport {
	case TransportRelay:
		relayCfg := c.RelayConfig()
		if err := relayCfg.Validate(); err != nil {
			return err
		}

	case TransportDirect:
		if _, err := c.DirectConfig(); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if c.OfferTimeout < 0 {
		return fmt.Errorf("offer timeout must not be negative, got %v",
			c.OfferTimeout)
	}

	if err := c.LogConfig.Validate(); err != nil {
		return err
	}

	if err := c.HealthChecks.Validate(); err != nil {
		return err
	}

	switch {
	case c.FrameCeiling < dlcwire.MinFrameCeiling ||
		c.FrameCeiling > dlcwire.MaxFrameCeiling:

		return fmt.Errorf("frame ceiling %d not in [%d, %d]",
			c.FrameCeiling, dlcwire.MinFrameCeiling,
			dlcwire.MaxFrameCeiling)

	case c.ReassemblyMaxBytes <= 0 || c.ReassemblyMaxAge <= 0:
		return errors.New("reassembly limits must be positive")

	case c.ShutdownGrace < 0:
		return fmt.Errorf("shutdown grace must not be negative, got %v",
			c.ShutdownGrace)
	}

	return c.HandlerConfig().Publish.Validate()
}

// networkDir is the per network subdirectory of the data and log dirs.
func (c *Config) networkDir() string {
	return c.ActiveNetParams.Name
}

// ContractDBDir returns the directory of the wallet's contract database.
func (c *Config) ContractDBDir() string {
	return filepath.Join(c.DataDir, c.networkDir(), c.Name)
}

// RelayConfig returns the relay transport settings.
func (c *Config) RelayConfig() relaytransport.Config {
	cfg := relaytransport.DefaultConfig()
	cfg.URLs = c.Relays

	return cfg
}

// DirectConfig returns the direct transport settings with the parsed
// address book.
func (c *Config) DirectConfig() (direct.Config, error) {
	cfg := direct.DefaultConfig()
	cfg.ListenAddr = c.DirectListen
	cfg.KnownPeersOnly = c.DirectKnownOnly

	for _, entry := range c.DirectPeers {
		key, addr, err := direct.ParsePeer(entry)
		if err != nil {
			return cfg, err
		}
		cfg.Peers[key] = addr
	}

	return cfg, nil
}

// HandlerConfig returns the message handler limits. The capabilities are
// left for the builder.
func (c *Config) HandlerConfig() msghandler.Config {
	cfg := msghandler.DefaultConfig()
	cfg.FrameCeiling = c.FrameCeiling
	cfg.Reassembly.MaxBytes = c.ReassemblyMaxBytes
	cfg.Reassembly.MaxAge = c.ReassemblyMaxAge
	cfg.Publish = transport.PublishConfig{
		Timeout:  c.PublishTimeout,
		Attempts: c.PublishAttempts,
	}
	cfg.ShutdownGrace = c.ShutdownGrace
	cfg.NackMalformed = c.NackMalformed

	return cfg
}

// NetParams returns the chain parameters of the named network.
func NetParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}

	return nil, fmt.Errorf("unknown network %q", network)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
