package direct

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/dlcdevkit/ddk/envelope"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/lightningnetwork/lnd/brontide"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/sethvargo/go-retry"
)

// DefaultDialTimeout bounds the tcp dial and handshake with a peer.
const DefaultDialTimeout = 15 * time.Second

var (
	// ErrUnknownPeer is returned when publishing to a counterparty with
	// neither a live connection nor an address.
	ErrUnknownPeer = errors.New("no address for peer")

	// ErrPeerRejected is reported for inbound connections refused by
	// the listener.
	ErrPeerRejected = errors.New("inbound peer rejected")

	// ErrNoRecipient is returned for events without a p-tag.
	ErrNoRecipient = errors.New("event has no recipient")

	// errDialBackoff is returned while a peer is in its redial backoff.
	errDialBackoff = errors.New("peer dial backing off")
)

// Config holds the direct transport parameters.
type Config struct {
	// ListenAddr is where inbound connections are accepted. Empty
	// disables listening, peers can then only be reached by dialing out.
	ListenAddr string

	// Peers maps the x-only hex key of a counterparty to its host:port.
	Peers map[string]string

	// DialTimeout bounds the dial and noise handshake.
	DialTimeout time.Duration

	// KnownPeersOnly refuses inbound connections from keys missing in
	// the address book.
	KnownPeersOnly bool
}

// DefaultConfig returns a config without a listener or peers.
func DefaultConfig() Config {
	return Config{
		Peers:       make(map[string]string),
		DialTimeout: DefaultDialTimeout,
	}
}

// ParsePeer parses an address book entry of the form <xonlyhex>@<host:port>.
func ParsePeer(s string) (string, string, error) {
	key, addr, ok := strings.Cut(s, "@")
	if !ok || addr == "" {
		return "", "", fmt.Errorf("peer %q must be <pubkey>@<host:port>",
			s)
	}

	if _, err := envelope.ParseXOnlyHex(key); err != nil {
		return "", "", err
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("peer %q: %w", s, err)
	}

	return strings.ToLower(key), addr, nil
}

// NormalizeKey returns priv, or its negation when its public key has an odd
// y coordinate. Counterparties only know our x-only key and lift it with
// even y, so the noise static key must be the even one.
func NormalizeKey(priv *btcec.PrivateKey) *btcec.PrivateKey {
	if priv.PubKey().SerializeCompressed()[0] ==
		secp.PubKeyFormatCompressedEven {

		return priv
	}

	var k btcec.ModNScalar
	k.Set(&priv.Key)
	k.Negate()

	return btcec.PrivKeyFromScalar(&k)
}

// peerState tracks the redial backoff of a counterparty.
type peerState struct {
	backoff   retry.Backoff
	nextDial  time.Time
	lastError error
}

// Transport is a transport.Transport over noise encrypted point to point
// streams, one per counterparty. Events travel as a JSON stream.
type Transport struct {
	cfg  Config
	key  keychain.SingleKeyECDH
	self string

	listener *brontide.Listener

	mu      sync.Mutex
	peers   map[string]string
	conns   map[string]*peerConn
	dials   map[string]*peerState
	filters []transport.Filter

	stream *transport.ItemStream

	started atomic.Bool
	stopped atomic.Bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// A compile-time check to ensure Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)

// New creates a direct transport for the given identity key.
func New(cfg Config, priv *btcec.PrivateKey) (*Transport, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	peers := make(map[string]string, len(cfg.Peers))
	for key, addr := range cfg.Peers {
		if _, err := envelope.ParseXOnlyHex(key); err != nil {
			return nil, err
		}
		peers[strings.ToLower(key)] = addr
	}

	key := NormalizeKey(priv)
	x := envelope.XOnly(key.PubKey())

	return &Transport{
		cfg:    cfg,
		key:    &keychain.PrivKeyECDH{PrivKey: key},
		self:   hex.EncodeToString(x[:]),
		peers:  peers,
		conns:  make(map[string]*peerConn),
		dials:  make(map[string]*peerState),
		stream: transport.NewItemStream(),
		quit:   make(chan struct{}),
	}, nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	if t.cfg.ListenAddr == "" {
		return "direct"
	}

	return fmt.Sprintf("direct(%s)", t.cfg.ListenAddr)
}

// Start opens the listener, if configured.
func (t *Transport) Start(_ context.Context) error {
	if t.stopped.Load() {
		return transport.ErrStopped
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}

	t.stream.Start()

	if t.cfg.ListenAddr == "" {
		return nil
	}

	listener, err := brontide.NewListener(
		t.key, t.cfg.ListenAddr, t.shouldAccept,
	)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w",
			t.cfg.ListenAddr, err)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()

	log.Infof("Direct transport listening on %s", listener.Addr())

	return nil
}

// Addr returns the listening address, nil when not listening.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}

	return t.listener.Addr()
}

// AddPeer adds or replaces an address book entry.
func (t *Transport) AddPeer(xonlyHex, addr string) error {
	if _, err := envelope.ParseXOnlyHex(xonlyHex); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := strings.ToLower(xonlyHex)
	t.peers[key] = addr
	delete(t.dials, key)

	return nil
}

// shouldAccept is run by the listener once the handshake revealed the
// static key of the remote. Counterparties address each other by x-only key,
// so only even keys are accepted.
func (t *Transport) shouldAccept(pub *btcec.PublicKey) (bool, error) {
	if pub.SerializeCompressed()[0] != secp.PubKeyFormatCompressedEven {
		return false, fmt.Errorf("%w: odd static key", ErrPeerRejected)
	}
	if !t.cfg.KnownPeersOnly {
		return true, nil
	}

	x := envelope.XOnly(pub)
	key := hex.EncodeToString(x[:])

	t.mu.Lock()
	_, known := t.peers[key]
	t.mu.Unlock()

	if !known {
		return false, fmt.Errorf("%w: %s not in address book",
			ErrPeerRejected, key)
	}

	return true, nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
			}

			// Failed handshakes are reported per connection, the
			// listener itself keeps going.
			log.Debugf("Inbound connection failed: %v", err)
			continue
		}

		bconn, ok := conn.(*brontide.Conn)
		if !ok {
			conn.Close()
			continue
		}

		x := envelope.XOnly(bconn.RemotePub())
		t.addConn(hex.EncodeToString(x[:]), bconn)
	}
}

// addConn registers conn for peer, replacing any older connection.
func (t *Transport) addConn(peer string, conn *brontide.Conn) *peerConn {
	pc := newPeerConn(t, peer, conn)

	t.mu.Lock()
	if t.stopped.Load() {
		t.mu.Unlock()
		conn.Close()

		return nil
	}
	old := t.conns[peer]
	t.conns[peer] = pc
	delete(t.dials, peer)
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		old.close()
	}

	go pc.readLoop()

	t.stream.SendStatus(peer, transport.StatusConnected, nil)
	log.Debugf("Connected to peer %s (%v)", peer, conn.RemoteAddr())

	return pc
}

// removeConn forgets pc if it is still the connection of its peer.
func (t *Transport) removeConn(pc *peerConn, err error) {
	t.mu.Lock()
	current := t.conns[pc.peer] == pc
	if current {
		delete(t.conns, pc.peer)
	}
	t.mu.Unlock()

	pc.close()

	if !current || t.stopped.Load() {
		return
	}

	log.Debugf("Connection to peer %s lost: %v", pc.peer, err)
	t.stream.SendStatus(
		pc.peer, transport.StatusDisconnected,
		fmt.Errorf("%w: %v", transport.ErrConnectionLost, err),
	)
}

// Subscribe adds filter. Inbound events not matching any filter are dropped.
func (t *Transport) Subscribe(filter transport.Filter) error {
	switch {
	case t.stopped.Load():
		return transport.ErrStopped
	case !t.started.Load():
		return transport.ErrNotStarted
	}

	t.mu.Lock()
	t.filters = append(t.filters, filter)
	t.mu.Unlock()

	return nil
}

func (t *Transport) handleEvent(peer string, ev *envelope.Event) {
	if err := ev.Verify(); err != nil {
		log.Warnf("Dropping event %s from %s: %v", ev.ID, peer, err)
		return
	}

	t.mu.Lock()
	var match bool
	for _, f := range t.filters {
		if f.Matches(ev) {
			match = true
			break
		}
	}
	t.mu.Unlock()

	if !match {
		log.Tracef("Dropping unsubscribed event %s from %s", ev.ID,
			peer)
		return
	}

	t.stream.Send(transport.Item{Source: peer, Event: ev})
}

// connFor returns a live connection to peer, dialing one if needed.
func (t *Transport) connFor(ctx context.Context,
	peer string) (*peerConn, error) {

	t.mu.Lock()
	if pc, ok := t.conns[peer]; ok {
		t.mu.Unlock()
		return pc, nil
	}

	addr, ok := t.peers[peer]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	state, ok := t.dials[peer]
	if !ok {
		state = &peerState{backoff: transport.Backoff()}
		t.dials[peer] = state
	}
	if wait := time.Until(state.nextDial); wait > 0 {
		err := state.lastError
		t.mu.Unlock()

		return nil, fmt.Errorf("%w for %v: %w", errDialBackoff,
			wait.Round(time.Millisecond), err)
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx, peer, addr)
	if err != nil {
		t.mu.Lock()
		delay, _ := state.backoff.Next()
		state.nextDial = time.Now().Add(delay)
		state.lastError = err
		t.mu.Unlock()

		return nil, fmt.Errorf("%w: dial %s: %v",
			transport.ErrConnectionLost, addr, err)
	}

	pc := t.addConn(peer, conn)
	if pc == nil {
		return nil, transport.ErrStopped
	}

	return pc, nil
}

func (t *Transport) dial(ctx context.Context, peer,
	addr string) (*brontide.Conn, error) {

	x, err := envelope.ParseXOnlyHex(peer)
	if err != nil {
		return nil, err
	}
	pub, err := envelope.LiftXOnly(x)
	if err != nil {
		return nil, err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	timeout := t.cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	return brontide.Dial(
		t.key, &lnwire.NetAddress{
			IdentityKey: pub,
			Address:     tcpAddr,
		}, timeout, net.DialTimeout,
	)
}

// Publish sends ev to its p-tagged recipient over a new or existing
// connection.
func (t *Transport) Publish(ctx context.Context, ev *envelope.Event) error {
	switch {
	case t.stopped.Load():
		return transport.ErrStopped
	case !t.started.Load():
		return transport.ErrNotStarted
	}

	recipient, err := ev.Recipient().UnwrapOrErr(ErrNoRecipient)
	if err != nil {
		return err
	}
	recipient = strings.ToLower(recipient)

	pc, err := t.connFor(ctx, recipient)
	if err != nil {
		return err
	}

	if err := pc.send(ctx, ev); err != nil {
		t.removeConn(pc, err)

		return fmt.Errorf("%w: %v", transport.ErrConnectionLost, err)
	}

	return nil
}

// Receive returns the inbound stream.
func (t *Transport) Receive() <-chan transport.Item {
	return t.stream.Chan()
}

// Stop closes the listener and every connection.
func (t *Transport) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(t.quit)
	if t.listener != nil {
		t.listener.Close()
	}

	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.conns = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, pc := range conns {
		pc.close()
	}
	t.wg.Wait()

	t.stream.Stop()

	return nil
}
