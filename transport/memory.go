package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/dlcdevkit/ddk/envelope"
)

// busSource is the source reported for items coming from a Bus.
const busSource = "bus"

// Bus is an in-process broker. Every MemoryTransport attached to it sees the
// events published by the others that match its subscriptions.
type Bus struct {
	mu      sync.RWMutex
	members map[*MemoryTransport]struct{}

	// history keeps published events so late subscribers catch up, the
	// way a relay serves stored events.
	history []*envelope.Event
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		members: make(map[*MemoryTransport]struct{}),
	}
}

// Connect returns a new transport attached to the bus.
func (b *Bus) Connect(name string) *MemoryTransport {
	return &MemoryTransport{
		name:   name,
		bus:    b,
		stream: NewItemStream(),
	}
}

func (b *Bus) join(m *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.members[m] = struct{}{}
}

func (b *Bus) leave(m *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.members, m)
}

func (b *Bus) broadcast(ev *envelope.Event) {
	b.mu.Lock()
	b.history = append(b.history, ev)
	members := make([]*MemoryTransport, 0, len(b.members))
	for m := range b.members {
		members = append(members, m)
	}
	b.mu.Unlock()

	for _, m := range members {
		m.deliver(ev)
	}
}

func (b *Bus) replay(m *MemoryTransport, filter Filter) {
	b.mu.RLock()
	history := append([]*envelope.Event(nil), b.history...)
	b.mu.RUnlock()

	for _, ev := range history {
		if filter.Matches(ev) {
			m.stream.Send(Item{Source: busSource, Event: ev})
		}
	}
}

// MemoryTransport is a Transport backed by a Bus.
type MemoryTransport struct {
	name string
	bus  *Bus

	mu      sync.Mutex
	started bool
	stopped bool
	filters []Filter

	stream *ItemStream
}

// A compile-time check to ensure MemoryTransport implements Transport.
var _ Transport = (*MemoryTransport)(nil)

// Name returns the transport name.
func (m *MemoryTransport) Name() string {
	return fmt.Sprintf("memory(%s)", m.name)
}

// Start attaches the transport to its bus.
func (m *MemoryTransport) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.stopped:
		return ErrStopped
	case m.started:
		return nil
	}
	m.started = true

	m.stream.Start()
	m.bus.join(m)
	m.stream.SendStatus(busSource, StatusConnected, nil)

	return nil
}

func (m *MemoryTransport) state() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.stopped:
		return ErrStopped
	case !m.started:
		return ErrNotStarted
	}

	return nil
}

// Subscribe adds filter and replays matching history.
func (m *MemoryTransport) Subscribe(filter Filter) error {
	if err := m.state(); err != nil {
		return err
	}

	m.mu.Lock()
	m.filters = append(m.filters, filter)
	m.mu.Unlock()

	m.bus.replay(m, filter)

	return nil
}

// Publish hands ev to every member of the bus.
func (m *MemoryTransport) Publish(ctx context.Context,
	ev *envelope.Event) error {

	if err := m.state(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.bus.broadcast(ev)

	return nil
}

// deliver queues ev if it matches any of our subscriptions.
func (m *MemoryTransport) deliver(ev *envelope.Event) {
	m.mu.Lock()
	var match bool
	for _, f := range m.filters {
		if f.Matches(ev) {
			match = true
			break
		}
	}
	m.mu.Unlock()

	if match {
		m.stream.Send(Item{Source: busSource, Event: ev})
	}
}

// Receive returns the inbound stream.
func (m *MemoryTransport) Receive() <-chan Item {
	return m.stream.Chan()
}

// Stop detaches from the bus and closes the receive stream.
func (m *MemoryTransport) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.bus.leave(m)
	m.stream.Stop()

	return nil
}
