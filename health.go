package ddk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"
)

const (
	defaultHealthInterval = time.Minute
	defaultHealthTimeout  = 30 * time.Second
	defaultHealthBackoff  = 10 * time.Second
	defaultHealthAttempts = 3

	// defaultDiskRequired is the free fraction of the data disk below
	// which the daemon shuts down.
	defaultDiskRequired = 0.05
)

// HealthCheckConfig sets how often the daemon probes its dependencies and
// how many failures it tolerates before shutting down.
//
//nolint:lll
type HealthCheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often the checks run"`
	Timeout  time.Duration `long:"timeout" description:"The timeout of a single check"`
	Backoff  time.Duration `long:"backoff" description:"The delay between failed attempts"`
	Attempts int           `long:"attempts" description:"The number of failed attempts before shutting down; 0 disables the checks"`

	DiskRequired float64 `long:"diskrequired" description:"The minimum free fraction of the data disk"`
}

// DefaultHealthCheckConfig returns the default probing schedule.
func DefaultHealthCheckConfig() *HealthCheckConfig {
	return &HealthCheckConfig{
		Interval:     defaultHealthInterval,
		Timeout:      defaultHealthTimeout,
		Backoff:      defaultHealthBackoff,
		Attempts:     defaultHealthAttempts,
		DiskRequired: defaultDiskRequired,
	}
}

// Validate checks the schedule.
func (h *HealthCheckConfig) Validate() error {
	if h.Attempts < 0 {
		return fmt.Errorf("health check attempts must not be "+
			"negative, got %d", h.Attempts)
	}
	if h.Attempts > 0 && (h.Interval <= 0 || h.Timeout <= 0) {
		return errors.New("health check interval and timeout must be " +
			"positive")
	}
	if h.DiskRequired < 0 || h.DiskRequired >= 1 {
		return fmt.Errorf("required disk fraction %v not in [0, 1)",
			h.DiskRequired)
	}

	return nil
}

// observation wraps check into the monitor's schedule.
func (h *HealthCheckConfig) observation(name string,
	check func() error) *healthcheck.Observation {

	return healthcheck.NewObservation(
		name, check, h.Interval, h.Timeout, h.Backoff, h.Attempts,
	)
}

// healthChecks returns the checks of the data disk and, when chainTip is
// set, the chain server. It returns nothing when the checks are disabled.
func healthChecks(cfg *HealthCheckConfig, dataDir string,
	chainTip func(context.Context) (int64,
		error)) []*healthcheck.Observation {

	if cfg.Attempts == 0 {
		return nil
	}

	checks := []*healthcheck.Observation{
		cfg.observation("disk space", func() error {
			free, err := healthcheck.AvailableDiskSpaceRatio(
				dataDir,
			)
			if err != nil {
				return err
			}
			if free < cfg.DiskRequired {
				return fmt.Errorf("only %.2f%% of disk space "+
					"left, %.2f%% required", free*100,
					cfg.DiskRequired*100)
			}

			return nil
		}),
	}

	if chainTip != nil {
		checks = append(checks, cfg.observation("chain server",
			func() error {
				ctx, cancel := context.WithTimeout(
					context.Background(), cfg.Timeout,
				)
				defer cancel()

				_, err := chainTip(ctx)
				return err
			},
		))
	}

	return checks
}
