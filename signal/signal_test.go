package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInterceptorShutdown(t *testing.T) {
	c, err := Intercept()
	require.NoError(t, err)

	_, err = Intercept()
	require.ErrorIs(t, err, ErrAlreadyStarted)

	ctx, cancel := c.Context()
	defer cancel()

	require.True(t, c.Alive())
	c.RequestShutdown()

	select {
	case <-c.ShutdownChannel():
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown not signalled")
	}

	require.False(t, c.Alive())
	<-ctx.Done()

	// Further requests don't block.
	c.RequestShutdown()
}
