package direct

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dlcdevkit/ddk/envelope"
	"github.com/lightningnetwork/lnd/brontide"
)

// defaultWriteTimeout bounds a write when the caller sets no deadline.
const defaultWriteTimeout = 10 * time.Second

// peerConn is the noise stream to a single counterparty.
type peerConn struct {
	t    *Transport
	peer string
	conn *brontide.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	closeOnce sync.Once
}

func newPeerConn(t *Transport, peer string, conn *brontide.Conn) *peerConn {
	return &peerConn{
		t:    t,
		peer: peer,
		conn: conn,
		enc:  json.NewEncoder(conn),
	}
}

func (p *peerConn) send(ctx context.Context, ev *envelope.Event) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return p.enc.Encode(ev)
}

func (p *peerConn) readLoop() {
	defer p.t.wg.Done()

	dec := json.NewDecoder(p.conn)
	for {
		var ev envelope.Event
		if err := dec.Decode(&ev); err != nil {
			p.t.removeConn(p, err)
			return
		}

		p.t.handleEvent(p.peer, &ev)
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		p.conn.Close()
	})
}
