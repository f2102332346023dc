package ddk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// TestHealthChecks asserts the disk and chain checks report failures.
func TestHealthChecks(t *testing.T) {
	t.Parallel()

	cfg := DefaultHealthCheckConfig()
	dir := t.TempDir()

	require.Empty(t, healthChecks(
		&HealthCheckConfig{}, dir, nil,
	))

	checks := healthChecks(cfg, dir, nil)
	require.Len(t, checks, 1)

	cfg.DiskRequired = 0
	require.NoError(t, <-checks[0].Check())

	// No real disk is this empty.
	cfg.DiskRequired = 0.999999
	require.Error(t, <-checks[0].Check())

	errDown := errors.New("esplora down")
	var fail bool
	tip := func(context.Context) (int64, error) {
		if fail {
			return 0, errDown
		}
		return 100, nil
	}

	checks = healthChecks(cfg, dir, tip)
	require.Len(t, checks, 2)
	require.NoError(t, <-checks[1].Check())

	fail = true
	require.ErrorIs(t, <-checks[1].Check(), errDown)
}

// TestHealthMonitorShutdown asserts a failing chain server shuts the daemon
// down once its attempts are used up.
func TestHealthMonitorShutdown(t *testing.T) {
	t.Parallel()

	cfg := DefaultHealthCheckConfig()
	cfg.Attempts = 2
	cfg.Backoff = 0

	calls := make(chan struct{}, 10)
	tip := func(context.Context) (int64, error) {
		calls <- struct{}{}
		return 0, errors.New("unreachable")
	}

	checks := healthChecks(cfg, t.TempDir(), tip)
	chainCheck := checks[1]
	force := ticker.NewForce(time.Hour)
	chainCheck.Interval = force

	shutdown := make(chan string, 1)
	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{chainCheck},
		Shutdown: func(format string, _ ...any) {
			shutdown <- format
		},
	})
	require.NoError(t, monitor.Start())
	t.Cleanup(func() {
		require.NoError(t, monitor.Stop())
	})

	force.Force <- time.Now()

	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor never requested a shutdown")
	}
	require.Len(t, calls, 2)
}

// TestHealthConfigValidate covers the schedule checks.
func TestHealthConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultHealthCheckConfig().Validate())
	require.NoError(t, (&HealthCheckConfig{}).Validate())

	cfg := DefaultHealthCheckConfig()
	cfg.Attempts = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultHealthCheckConfig()
	cfg.Interval = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultHealthCheckConfig()
	cfg.DiskRequired = 1
	require.Error(t, cfg.Validate())
}
