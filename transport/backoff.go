package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dlcdevkit/ddk/envelope"
	"github.com/sethvargo/go-retry"
)

const (
	// ReconnectBase is the first reconnect delay.
	ReconnectBase = time.Second

	// ReconnectCap bounds the reconnect delay.
	ReconnectCap = 60 * time.Second

	// ReconnectJitterPercent is the jitter applied to every delay.
	ReconnectJitterPercent = 20

	// DefaultPublishTimeout is the per attempt publish timeout.
	DefaultPublishTimeout = 10 * time.Second

	// DefaultPublishAttempts is the number of publish attempts before
	// giving up.
	DefaultPublishAttempts = 3

	// publishRetryBase is the first delay between publish attempts.
	publishRetryBase = 500 * time.Millisecond
)

// Backoff returns a fresh reconnect schedule: exponential from one second,
// capped at a minute, with 20% jitter. It never stops on its own.
func Backoff() retry.Backoff {
	b := retry.NewExponential(ReconnectBase)
	b = retry.WithCappedDuration(ReconnectCap, b)

	return retry.WithJitterPercent(ReconnectJitterPercent, b)
}

// PublishConfig bounds PublishWithRetry.
type PublishConfig struct {
	// Timeout applies to each attempt.
	Timeout time.Duration

	// Attempts is the total number of attempts.
	Attempts uint
}

// DefaultPublishConfig returns the default publish budget.
func DefaultPublishConfig() PublishConfig {
	return PublishConfig{
		Timeout:  DefaultPublishTimeout,
		Attempts: DefaultPublishAttempts,
	}
}

// Validate checks the publish budget.
func (c PublishConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("publish timeout must be positive, got %v",
			c.Timeout)
	}
	if c.Attempts == 0 {
		return errors.New("at least one publish attempt is required")
	}

	return nil
}

// PublishWithRetry publishes ev through t, retrying failed attempts until the
// budget runs out. Authentication failures are not retried. The returned
// error wraps ErrPublishFailed and the last cause.
func PublishWithRetry(ctx context.Context, t Transport, ev *envelope.Event,
	cfg PublishConfig) error {

	if err := cfg.Validate(); err != nil {
		return err
	}

	b := retry.NewExponential(publishRetryBase)
	b = retry.WithJitterPercent(ReconnectJitterPercent, b)
	b = retry.WithMaxRetries(uint64(cfg.Attempts-1), b)

	var (
		attempt int
		lastErr error
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		lastErr = t.Publish(attemptCtx, ev)
		switch {
		case lastErr == nil:
			return nil

		case errors.Is(lastErr, ErrAuthFailed),
			errors.Is(lastErr, ErrStopped):

			return lastErr
		}

		log.Debugf("Publish of event %s via %s failed (attempt %d/%d): "+
			"%v", ev.ID, t.Name(), attempt, cfg.Attempts, lastErr)

		return retry.RetryableError(lastErr)
	})
	if err == nil {
		return nil
	}

	if lastErr == nil {
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempt(s): %w", ErrPublishFailed,
		attempt, lastErr)
}
