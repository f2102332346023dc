package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dlcdevkit/ddk/build"
	"github.com/dlcdevkit/ddk/envelope"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// DefaultListenAddr is where the relay listens unless configured.
	DefaultListenAddr = "127.0.0.1:7447"

	// DefaultMaxSubscriptions caps the subscriptions of one client.
	DefaultMaxSubscriptions = 32

	// DefaultEventRate is the sustained number of events per second a
	// single client may publish.
	DefaultEventRate = 10

	// DefaultEventBurst is the number of events a client may publish at
	// once before the rate applies.
	DefaultEventBurst = 50

	// maxFrameSize caps a single inbound websocket frame.
	maxFrameSize = 4 << 20

	writeTimeout = 10 * time.Second

	nostrJSON = "application/nostr+json"
)

// Config holds the relay server parameters.
type Config struct {
	// ListenAddr is the tcp address the server listens on.
	ListenAddr string

	// Name and Description are published in the relay information
	// document.
	Name        string
	Description string

	// Store keeps events for late subscribers. A MemoryStore is used when
	// nil.
	Store EventStore

	// MaxSubscriptions caps the subscriptions of a single client.
	MaxSubscriptions int

	// RequireAuth makes the relay refuse every client with an
	// auth-required answer. Clients without auth support can't use such a
	// relay, which is what this exercises.
	RequireAuth bool

	// EventRate and EventBurst limit how fast one client may publish.
	// A zero rate disables the limit.
	EventRate  rate.Limit
	EventBurst int
}

// DefaultConfig returns a config with an in-memory store.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       DefaultListenAddr,
		Name:             "ddk relay",
		Description:      "store and forward relay for DLC messages",
		MaxSubscriptions: DefaultMaxSubscriptions,
		EventRate:        DefaultEventRate,
		EventBurst:       DefaultEventBurst,
	}
}

// Info is the relay information document.
type Info struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	SupportedNIPs []int  `json:"supported_nips"`
	Software      string `json:"software"`
	Version       string `json:"version"`
}

// Server is a minimal nostr relay: it verifies, stores and fans out events to
// matching subscriptions.
type Server struct {
	cfg      Config
	router   *mux.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	httpSrv  *http.Server
	listener net.Listener

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewServer creates a relay server. It doesn't listen until Start.
func NewServer(cfg Config) *Server {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(DefaultMemoryStoreSize)
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if cfg.EventRate > 0 && cfg.EventBurst <= 0 {
		cfg.EventBurst = 1
	}

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
		quit:    make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleInfo).
		Methods(http.MethodGet).
		HeadersRegexp("Accept", `application/nostr\+json`)
	r.HandleFunc("/", s.handleWebsocket).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler exposes the router, used to serve the relay from an existing
// http server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w",
			s.cfg.ListenAddr, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := s.httpSrv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Relay server stopped: %v", err)
		}
	}()

	log.Infof("Relay listening on %s", listener.Addr())

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Stop closes every client connection and the listener.
func (s *Server) Stop() error {
	select {
	case <-s.quit:
		return nil
	default:
	}
	close(s.quit)

	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	return err
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := Info{
		Name:          s.cfg.Name,
		Description:   s.cfg.Description,
		SupportedNIPs: []int{1, 4, 11},
		Software:      "ddk",
		Version:       build.Version(),
	}

	w.Header().Set("Content-Type", nostrJSON)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		log.Debugf("Unable to write relay info: %v", err)
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "use a websocket client or request "+nostrJSON,
			http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Websocket upgrade from %s failed: %v",
			r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := &client{
		srv:  s,
		conn: conn,
		addr: r.RemoteAddr,
		subs: make(map[string][]transport.Filter),
	}
	if s.cfg.EventRate > 0 {
		c.limiter = rate.NewLimiter(s.cfg.EventRate, s.cfg.EventBurst)
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.removeClient(c)

		c.serve()
	}()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	c.conn.Close()
}

// publish stores ev and sends it to every matching subscription.
func (s *Server) publish(ctx context.Context, ev *envelope.Event) error {
	if err := s.cfg.Store.Save(ctx, ev); err != nil {
		return err
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.deliver(ev)
	}

	return nil
}

// client is one websocket connection to the relay.
type client struct {
	srv  *Server
	conn *websocket.Conn
	addr string

	// limiter throttles the client's EVENTs, nil when unlimited.
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string][]transport.Filter
}

func (c *client) send(msg *transport.RelayMessage) {
	b, err := msg.Encode()
	if err != nil {
		log.Errorf("Unable to encode %s: %v", msg.Label, err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Debugf("Write to %s failed: %v", c.addr, err)
	}
}

func (c *client) notice(format string, args ...any) {
	c.send(&transport.RelayMessage{
		Label:   transport.LabelNotice,
		Message: fmt.Sprintf(format, args...),
	})
}

// deliver sends ev on every subscription it matches.
func (c *client) deliver(ev *envelope.Event) {
	c.mu.Lock()
	var subIDs []string
	for id, filters := range c.subs {
		for _, f := range filters {
			if f.Matches(ev) {
				subIDs = append(subIDs, id)
				break
			}
		}
	}
	c.mu.Unlock()

	for _, id := range subIDs {
		c.send(&transport.RelayMessage{
			Label: transport.LabelEvent,
			SubID: id,
			Event: ev,
		})
	}
}

func (c *client) serve() {
	log.Debugf("Client %s connected", c.addr)
	defer log.Debugf("Client %s disconnected", c.addr)

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := transport.DecodeRelayMessage(b)
		if err != nil {
			c.notice("invalid: %v", err)
			continue
		}

		switch msg.Label {
		case transport.LabelEvent:
			c.handleEvent(msg.Event)

		case transport.LabelReq:
			c.handleReq(msg.SubID, msg.Filters)

		case transport.LabelClose:
			c.mu.Lock()
			delete(c.subs, msg.SubID)
			c.mu.Unlock()

		default:
			c.notice("unsupported message %s", msg.Label)
		}
	}
}

func (c *client) handleEvent(ev *envelope.Event) {
	ok := func(accepted bool, reason string) {
		c.send(&transport.RelayMessage{
			Label:   transport.LabelOK,
			EventID: ev.ID,
			OK:      accepted,
			Message: reason,
		})
	}

	if c.srv.cfg.RequireAuth {
		ok(false, transport.AuthRequiredPrefix+" authentication "+
			"required to publish")
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		ok(false, "rate-limited: slow down")
		return
	}

	if err := ev.Verify(); err != nil {
		ok(false, "invalid: "+err.Error())
		return
	}

	err := c.srv.publish(context.Background(), ev)
	if err != nil {
		log.Errorf("Unable to store event %s: %v", ev.ID, err)
		ok(false, "error: could not store event")
		return
	}

	ok(true, "")
}

func (c *client) handleReq(subID string, filters []transport.Filter) {
	closed := func(reason string) {
		c.send(&transport.RelayMessage{
			Label:   transport.LabelClosed,
			SubID:   subID,
			Message: reason,
		})
	}

	if c.srv.cfg.RequireAuth {
		closed(transport.AuthRequiredPrefix + " authentication " +
			"required to subscribe")
		return
	}
	if subID == "" {
		closed("invalid: empty subscription id")
		return
	}
	if len(filters) == 0 {
		filters = []transport.Filter{{}}
	}

	c.mu.Lock()
	_, exists := c.subs[subID]
	if !exists && len(c.subs) >= c.srv.cfg.MaxSubscriptions {
		c.mu.Unlock()
		closed("error: too many subscriptions")
		return
	}
	c.subs[subID] = filters
	c.mu.Unlock()

	// Replay stored events before signalling the end of stored events.
	seen := make(map[string]struct{})
	for _, f := range filters {
		events, err := c.srv.cfg.Store.Query(context.Background(), f)
		if err != nil {
			log.Errorf("Query for %s failed: %v", subID, err)
			closed("error: query failed")
			return
		}

		for _, ev := range events {
			if _, ok := seen[ev.ID]; ok {
				continue
			}
			seen[ev.ID] = struct{}{}

			c.send(&transport.RelayMessage{
				Label: transport.LabelEvent,
				SubID: subID,
				Event: ev,
			})
		}
	}

	c.send(&transport.RelayMessage{
		Label: transport.LabelEOSE,
		SubID: subID,
	})
}
