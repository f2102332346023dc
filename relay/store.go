package relay

import (
	"context"
	"sync"

	"github.com/dlcdevkit/ddk/envelope"
	"github.com/dlcdevkit/ddk/transport"
)

// DefaultMemoryStoreSize is the number of events a MemoryStore keeps.
const DefaultMemoryStoreSize = 10_000

// EventStore keeps published events so subscribers that connect later still
// receive them.
type EventStore interface {
	// Save stores ev. Saving an event twice is not an error.
	Save(ctx context.Context, ev *envelope.Event) error

	// Query returns stored events matching filter, oldest first.
	Query(ctx context.Context, filter transport.Filter) ([]*envelope.Event,
		error)
}

// MemoryStore is an EventStore keeping the most recent events in a ring.
type MemoryStore struct {
	mu     sync.Mutex
	events []*envelope.Event
	next   int
	full   bool
	ids    map[string]struct{}
}

// A compile-time check to ensure MemoryStore implements EventStore.
var _ EventStore = (*MemoryStore)(nil)

// NewMemoryStore returns a store holding at most size events.
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = DefaultMemoryStoreSize
	}

	return &MemoryStore{
		events: make([]*envelope.Event, size),
		ids:    make(map[string]struct{}, size),
	}
}

// Save appends ev, evicting the oldest event when full.
func (m *MemoryStore) Save(_ context.Context, ev *envelope.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[ev.ID]; ok {
		return nil
	}

	if old := m.events[m.next]; old != nil {
		delete(m.ids, old.ID)
	}
	m.events[m.next] = ev
	m.ids[ev.ID] = struct{}{}

	m.next++
	if m.next == len(m.events) {
		m.next = 0
		m.full = true
	}

	return nil
}

// Query returns matching events in insertion order.
func (m *MemoryStore) Query(_ context.Context,
	filter transport.Filter) ([]*envelope.Event, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		matches []*envelope.Event
		start   int
		n       = m.next
	)
	if m.full {
		start, n = m.next, len(m.events)
	}

	for i := 0; i < n; i++ {
		ev := m.events[(start+i)%len(m.events)]
		if filter.Matches(ev) {
			matches = append(matches, ev)
		}
	}

	return matches, nil
}
