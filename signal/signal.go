package signal

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// started guards against installing two interceptors in one process.
var started atomic.Bool

// ErrAlreadyStarted is returned by Intercept on a second call.
var ErrAlreadyStarted = errors.New("interceptor already started")

// Interceptor turns process signals and shutdown requests into a single
// shutdown channel the daemons wait on.
type Interceptor struct {
	// interruptChannel is used to receive SIGINT (Ctrl+C) signals.
	interruptChannel chan os.Signal

	// shutdownRequestChannel is used to request the daemon to shutdown
	// gracefully, similar to when receiving SIGINT.
	shutdownRequestChannel chan struct{}

	// quit is closed when instructing the main interrupt handler to exit.
	quit chan struct{}

	// shutdownChannel is closed once the main interrupt handler exits.
	shutdownChannel chan struct{}
}

// Intercept starts the interrupt handler and returns the Interceptor that
// reports its shutdown.
func Intercept() (Interceptor, error) {
	if !started.CompareAndSwap(false, true) {
		return Interceptor{}, ErrAlreadyStarted
	}

	c := Interceptor{
		interruptChannel:       make(chan os.Signal, 1),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
		shutdownChannel:        make(chan struct{}),
	}

	signalsToCatch := []os.Signal{
		os.Interrupt,
		syscall.SIGABRT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}
	signal.Notify(c.interruptChannel, signalsToCatch...)
	go c.mainInterruptHandler()

	return c, nil
}

// mainInterruptHandler listens for signals on the interruptChannel and
// shutdown requests on the shutdownRequestChannel. It must be run as a
// goroutine.
func (c *Interceptor) mainInterruptHandler() {
	defer signal.Stop(c.interruptChannel)

	var isShutdown bool

	shutdown := func() {
		// Ignore more than one shutdown signal.
		if isShutdown {
			log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		log.Infof("Shutting down...")

		close(c.quit)
	}

	for {
		select {
		case sig := <-c.interruptChannel:
			log.Infof("Received %v", sig)
			shutdown()

		case <-c.shutdownRequestChannel:
			log.Infof("Received shutdown request.")
			shutdown()

		case <-c.quit:
			log.Infof("Gracefully shutting down.")
			close(c.shutdownChannel)
			return
		}
	}
}

// Alive returns true if the main interrupt handler has not been killed.
func (c *Interceptor) Alive() bool {
	select {
	case <-c.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func (c *Interceptor) RequestShutdown() {
	select {
	case c.shutdownRequestChannel <- struct{}{}:
	case <-c.quit:
	}
}

// ShutdownChannel returns the channel that will be closed once the main
// interrupt handler has exited.
func (c *Interceptor) ShutdownChannel() <-chan struct{} {
	return c.shutdownChannel
}

// Context returns a context cancelled once shutdown begins.
func (c *Interceptor) Context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
