package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlcdevkit/ddk/envelope"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultAckTimeout bounds how long Publish waits for an OK.
	DefaultAckTimeout = 5 * time.Second

	// DefaultHandshakeTimeout bounds the websocket handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultSeenCacheSize is the number of event ids remembered for
	// de-duplication across relays.
	DefaultSeenCacheSize = 10_000

	// pingInterval is how often idle connections are pinged.
	pingInterval = 30 * time.Second

	// writeTimeout bounds every single socket write.
	writeTimeout = 10 * time.Second
)

// Config holds the relay transport parameters.
type Config struct {
	// URLs are the relays to connect to.
	URLs []string

	// AckTimeout bounds the wait for an OK after an event was written.
	AckTimeout time.Duration

	// HandshakeTimeout bounds each websocket handshake.
	HandshakeTimeout time.Duration

	// SeenCacheSize is the size of the de-duplication cache.
	SeenCacheSize int
}

// DefaultConfig returns a config without relays.
func DefaultConfig() Config {
	return Config{
		AckTimeout:       DefaultAckTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		SeenCacheSize:    DefaultSeenCacheSize,
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if len(c.URLs) == 0 {
		return errors.New("at least one relay url is required")
	}
	for _, u := range c.URLs {
		if !strings.HasPrefix(u, "ws://") &&
			!strings.HasPrefix(u, "wss://") {

			return fmt.Errorf("relay url %q must be ws:// or "+
				"wss://", u)
		}
	}
	if c.AckTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return errors.New("relay timeouts must be positive")
	}
	if c.SeenCacheSize <= 0 {
		return errors.New("seen cache size must be positive")
	}

	return nil
}

// Transport is a transport.Transport over a set of nostr relays. Every relay
// gets its own connection and reconnect loop, events are published to all
// connected relays and inbound events are de-duplicated.
type Transport struct {
	cfg Config

	dialer *websocket.Dialer
	relays []*relayConn

	seen *lru.Cache[string, struct{}]

	stream *transport.ItemStream

	subMu   sync.Mutex
	subs    map[string]transport.Filter
	nextSub atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// A compile-time check to ensure Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)

// New creates a relay transport. Connections are made on Start.
func New(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		seen:   seen,
		stream: transport.NewItemStream(),
		subs:   make(map[string]transport.Filter),
		quit:   make(chan struct{}),
	}
	for _, url := range cfg.URLs {
		t.relays = append(t.relays, newRelayConn(t, url))
	}

	return t, nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return fmt.Sprintf("nostr-relay(%s)", strings.Join(t.cfg.URLs, ","))
}

// Start dials every relay concurrently and launches their connection loops.
// Relays that can't be reached now are retried in the background.
func (t *Transport) Start(ctx context.Context) error {
	if t.stopped.Load() {
		return transport.ErrStopped
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}

	t.stream.Start()

	var g errgroup.Group
	for _, r := range t.relays {
		g.Go(func() error {
			conn, err := t.dial(ctx, r.url)
			if err != nil {
				return fmt.Errorf("%s: %w", r.url, err)
			}
			r.setConn(conn)

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warnf("Initial relay connection failed, retrying in "+
			"background: %v", err)
	}

	for _, r := range t.relays {
		t.wg.Add(1)
		go r.run()
	}

	log.Infof("Relay transport started with %d relay(s)", len(t.relays))

	return nil
}

func (t *Transport) dial(ctx context.Context,
	url string) (*websocket.Conn, error) {

	conn, resp, err := t.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Subscribe registers filter with every relay, now and after reconnects.
func (t *Transport) Subscribe(filter transport.Filter) error {
	switch {
	case t.stopped.Load():
		return transport.ErrStopped
	case !t.started.Load():
		return transport.ErrNotStarted
	}

	subID := "ddk-" + strconv.FormatUint(t.nextSub.Add(1), 10)

	t.subMu.Lock()
	t.subs[subID] = filter
	t.subMu.Unlock()

	req := &transport.RelayMessage{
		Label:   transport.LabelReq,
		SubID:   subID,
		Filters: []transport.Filter{filter},
	}
	for _, r := range t.relays {
		if err := r.send(req); err != nil {
			// Sent again by the connection loop once the relay is
			// back.
			log.Debugf("Deferring subscription %s on %s: %v",
				subID, r.url, err)
		}
	}

	return nil
}

// subscriptions returns a snapshot of the active subscriptions.
func (t *Transport) subscriptions() map[string]transport.Filter {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	subs := make(map[string]transport.Filter, len(t.subs))
	for id, f := range t.subs {
		subs[id] = f
	}

	return subs
}

// Publish writes ev to every connected relay. It returns on the first
// accepting OK, or once the ack timeout passes after at least one relay took
// the event. It fails with transport.ErrConnectionLost when no relay is
// connected and with transport.ErrAuthFailed when every relay that answered
// requires authentication.
func (t *Transport) Publish(ctx context.Context, ev *envelope.Event) error {
	switch {
	case t.stopped.Load():
		return transport.ErrStopped
	case !t.started.Load():
		return transport.ErrNotStarted
	}

	acks := make(chan *transport.RelayMessage, len(t.relays))
	msg := &transport.RelayMessage{Label: transport.LabelEvent, Event: ev}

	var written int
	for _, r := range t.relays {
		cancel := r.expectAck(ev.ID, acks)
		defer cancel()

		if err := r.send(msg); err != nil {
			log.Debugf("Unable to publish %s to %s: %v", ev.ID,
				r.url, err)
			continue
		}
		written++
	}
	if written == 0 {
		return fmt.Errorf("%w: no relay connected",
			transport.ErrConnectionLost)
	}

	timeout := time.NewTimer(t.cfg.AckTimeout)
	defer timeout.Stop()

	var authFailures, rejections int
	for {
		select {
		case ack := <-acks:
			if ack.OK {
				return nil
			}

			if ack.IsAuthRequired() {
				authFailures++
			} else {
				rejections++
				log.Warnf("Relay rejected event %s: %s", ev.ID,
					ack.Message)
			}

			if authFailures+rejections < written {
				continue
			}
			if authFailures == written {
				return fmt.Errorf("%w: %s",
					transport.ErrAuthFailed, ack.Message)
			}

			return fmt.Errorf("event rejected by all relays: %s",
				ack.Message)

		// The event is queued on at least one relay, which is as far
		// as a best effort publish goes.
		case <-timeout.C:
			log.Debugf("No ack for event %s within %v", ev.ID,
				t.cfg.AckTimeout)

			return nil

		case <-ctx.Done():
			return nil

		case <-t.quit:
			return transport.ErrStopped
		}
	}
}

// handleEvent verifies and de-duplicates an inbound event before handing it
// to the consumer.
func (t *Transport) handleEvent(source string, ev *envelope.Event) {
	if err := ev.Verify(); err != nil {
		log.Warnf("Dropping event %s from %s: %v", ev.ID, source, err)
		return
	}

	if seen, _ := t.seen.ContainsOrAdd(ev.ID, struct{}{}); seen {
		log.Tracef("Dropping duplicate event %s from %s", ev.ID,
			source)
		return
	}

	t.stream.Send(transport.Item{Source: source, Event: ev})
}

// Receive returns the inbound stream.
func (t *Transport) Receive() <-chan transport.Item {
	return t.stream.Chan()
}

// Stop closes every relay connection and the receive stream.
func (t *Transport) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(t.quit)
	for _, r := range t.relays {
		r.close()
	}
	t.wg.Wait()

	t.stream.Stop()

	log.Info("Relay transport stopped")

	return nil
}
