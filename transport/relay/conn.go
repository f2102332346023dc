package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dlcdevkit/ddk/transport"
	"github.com/gorilla/websocket"
)

// errNotConnected is returned by send while the relay is down.
var errNotConnected = errors.New("relay not connected")

// relayConn is the connection to a single relay together with its reconnect
// loop.
type relayConn struct {
	t   *Transport
	url string

	// writeMu serializes writers, the websocket allows only one.
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan<- *transport.RelayMessage
	closed  bool
}

func newRelayConn(t *Transport, url string) *relayConn {
	return &relayConn{
		t:       t,
		url:     url,
		pending: make(map[string]chan<- *transport.RelayMessage),
	}
}

// setConn installs a freshly dialed connection.
func (r *relayConn) setConn(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		conn.Close()
		return
	}
	r.conn = conn
}

func (r *relayConn) current() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.conn
}

// dropConn closes and forgets conn if it is still the current connection.
func (r *relayConn) dropConn(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()

	conn.Close()
}

func (r *relayConn) close() {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// send writes msg on the current connection.
func (r *relayConn) send(msg *transport.RelayMessage) error {
	conn := r.current()
	if conn == nil {
		return errNotConnected
	}

	b, err := msg.Encode()
	if err != nil {
		return err
	}

	return r.write(conn, websocket.TextMessage, b)
}

func (r *relayConn) write(conn *websocket.Conn, msgType int, b []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	err := conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err != nil {
		return err
	}

	return conn.WriteMessage(msgType, b)
}

// expectAck routes the OK for eventID to acks until the returned cancel
// function is called.
func (r *relayConn) expectAck(eventID string,
	acks chan<- *transport.RelayMessage) func() {

	r.mu.Lock()
	r.pending[eventID] = acks
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.pending, eventID)
		r.mu.Unlock()
	}
}

func (r *relayConn) deliverAck(msg *transport.RelayMessage) {
	r.mu.Lock()
	acks, ok := r.pending[msg.EventID]
	delete(r.pending, msg.EventID)
	r.mu.Unlock()

	if !ok {
		return
	}

	// The channel is buffered for one ack per relay.
	select {
	case acks <- msg:
	default:
	}
}

// run keeps the relay connected until the transport stops or the relay
// refuses us for good.
func (r *relayConn) run() {
	defer r.t.wg.Done()

	stream := r.t.stream
	backoff := transport.Backoff()

	for {
		conn := r.current()
		if conn == nil {
			ctx, cancel := r.quitContext()
			dialed, err := r.t.dial(ctx, r.url)
			cancel()

			if err != nil {
				delay, _ := backoff.Next()
				log.Debugf("Unable to connect to %s, "+
					"retrying in %v: %v", r.url, delay, err)

				if !r.wait(delay) {
					return
				}
				continue
			}

			r.setConn(dialed)
			if conn = r.current(); conn == nil {
				return
			}
		}

		backoff = transport.Backoff()
		stream.SendStatus(r.url, transport.StatusConnected, nil)
		log.Infof("Connected to relay %s", r.url)

		// Resubscribe, the relay forgot our subscriptions with the
		// previous connection.
		for subID, filter := range r.t.subscriptions() {
			err := r.send(&transport.RelayMessage{
				Label:   transport.LabelReq,
				SubID:   subID,
				Filters: []transport.Filter{filter},
			})
			if err != nil {
				log.Debugf("Unable to resubscribe %s on %s: %v",
					subID, r.url, err)
			}
		}

		err := r.readLoop(conn)
		r.dropConn(conn)

		select {
		case <-r.t.quit:
			stream.SendStatus(r.url, transport.StatusStopped, nil)
			return
		default:
		}

		if errors.Is(err, transport.ErrAuthFailed) {
			log.Errorf("Relay %s requires authentication, "+
				"giving up: %v", r.url, err)
			stream.SendStatus(r.url, transport.StatusAuthFailed, err)

			return
		}

		delay, _ := backoff.Next()
		log.Warnf("Lost connection to relay %s, reconnecting in %v: %v",
			r.url, delay, err)
		stream.SendStatus(
			r.url, transport.StatusDisconnected,
			fmt.Errorf("%w: %v", transport.ErrConnectionLost, err),
		)

		if !r.wait(delay) {
			return
		}
	}
}

// readLoop dispatches frames until the connection fails. A pinger keeps the
// connection alive in the meantime.
func (r *relayConn) readLoop(conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				err := r.write(conn, websocket.PingMessage, nil)
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := transport.DecodeRelayMessage(b)
		if err != nil {
			log.Debugf("Ignoring frame from %s: %v", r.url, err)
			continue
		}

		switch msg.Label {
		case transport.LabelEvent:
			r.t.handleEvent(r.url, msg.Event)

		case transport.LabelOK:
			r.deliverAck(msg)

		case transport.LabelEOSE:
			log.Tracef("End of stored events for %s on %s",
				msg.SubID, r.url)

		case transport.LabelClosed:
			if msg.IsAuthRequired() {
				return fmt.Errorf("%w: subscription %s: %s",
					transport.ErrAuthFailed, msg.SubID,
					msg.Message)
			}
			log.Warnf("Relay %s closed subscription %s: %s",
				r.url, msg.SubID, msg.Message)

		case transport.LabelAuth:
			return fmt.Errorf("%w: relay sent auth challenge",
				transport.ErrAuthFailed)

		case transport.LabelNotice:
			log.Infof("Notice from %s: %s", r.url, msg.Message)
		}
	}
}

// quitContext returns a context cancelled when the transport stops.
func (r *relayConn) quitContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-r.t.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// wait sleeps for d and returns false if the transport stopped meanwhile.
func (r *relayConn) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-r.t.quit:
		return false
	}
}
