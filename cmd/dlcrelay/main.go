// Command dlcrelay runs a store and forward nostr relay for DLC messages.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dlcdevkit/ddk"
	"github.com/dlcdevkit/ddk/build"
	"github.com/dlcdevkit/ddk/relay"
	"github.com/dlcdevkit/ddk/signal"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

//nolint:lll
type config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	Listen      string `long:"listen" description:"The host:port to accept websocket clients on"`
	Name        string `long:"name" description:"The relay name announced in the information document"`
	Description string `long:"description" description:"The relay description announced in the information document"`

	MaxSubscriptions int  `long:"maxsubscriptions" description:"The most subscriptions a single client may hold"`
	RequireAuth      bool `long:"requireauth" description:"Refuse every client with auth-required"`

	EventRate  float64 `long:"eventrate" description:"The sustained events per second a client may publish; 0 disables the limit"`
	EventBurst int     `long:"eventburst" description:"The events a client may publish at once before the rate applies"`

	MemoryEvents int `long:"memoryevents" description:"The number of events kept by the in-memory store"`

	RedisAddr      string        `long:"redis" description:"Store events in the redis server at this host:port instead of memory"`
	RedisPassword  string        `long:"redispassword" description:"The redis password"`
	RedisDB        int           `long:"redisdb" description:"The redis database number"`
	RedisTTL       time.Duration `long:"redisttl" description:"How long stored events are kept in redis"`
	RedisMaxPerKey int64         `long:"redismaxperkey" description:"The most events kept per recipient in redis"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`
}

func defaultConfig() config {
	defaults := relay.DefaultConfig()

	logCfg := build.DefaultLogConfig()
	logCfg.File.Disable = true

	return config{
		Listen:           defaults.ListenAddr,
		Name:             defaults.Name,
		Description:      defaults.Description,
		MaxSubscriptions: defaults.MaxSubscriptions,
		EventRate:        float64(defaults.EventRate),
		EventBurst:       defaults.EventBurst,
		MemoryEvents:     relay.DefaultMemoryStoreSize,
		RedisTTL:         relay.DefaultRedisTTL,
		RedisMaxPerKey:   relay.DefaultRedisMaxPerKey,
		DebugLevel:       "info",
		LogConfig:        logCfg,
	}
}

func main() {
	if err := run(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}

		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Println("dlcrelay version", build.Version(),
			"commit="+build.Commit)
		return nil
	}

	interceptor, err := signal.Intercept()
	if err != nil {
		return err
	}

	logMgr := build.NewSubLoggerManager(
		build.NewDefaultLogHandlers(cfg.LogConfig, nil)...,
	)
	ddk.AddSubLogger(logMgr, relay.Subsystem, interceptor, relay.UseLogger)
	ddk.AddSubLogger(
		logMgr, transport.Subsystem, interceptor, transport.UseLogger,
	)
	ddk.AddSubLogger(logMgr, signal.Subsystem, interceptor, signal.UseLogger)
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		return err
	}

	var store relay.EventStore = relay.NewMemoryStore(cfg.MemoryEvents)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		store = relay.NewRedisStore(
			rdb, cfg.RedisTTL, cfg.RedisMaxPerKey,
		)
	}

	server := relay.NewServer(relay.Config{
		ListenAddr:       cfg.Listen,
		Name:             cfg.Name,
		Description:      cfg.Description,
		Store:            store,
		MaxSubscriptions: cfg.MaxSubscriptions,
		RequireAuth:      cfg.RequireAuth,
		EventRate:        rate.Limit(cfg.EventRate),
		EventBurst:       cfg.EventBurst,
	})
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		_ = server.Stop()
	}()

	<-interceptor.ShutdownChannel()

	return nil
}
