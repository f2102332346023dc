package transport

import (
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// itemBufferSize is the buffer of the channel feeding the overflow queue.
const itemBufferSize = 16

// ItemStream is the receive side shared by the transport implementations. It
// queues items without bound so producers (socket readers, the bus) never
// block on a slow consumer.
type ItemStream struct {
	items *queue.ConcurrentQueue
	out   chan Item

	mu      sync.Mutex
	started bool
	stopped bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewItemStream returns a stream that must be started before items flow.
func NewItemStream() *ItemStream {
	return &ItemStream{
		items: queue.NewConcurrentQueue(itemBufferSize),
		out:   make(chan Item),
		quit:  make(chan struct{}),
	}
}

// Start begins forwarding queued items to Chan.
func (s *ItemStream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true

	s.items.Start()
	s.wg.Add(1)
	go s.forward()
}

func (s *ItemStream) forward() {
	defer s.wg.Done()
	defer close(s.out)

	for {
		select {
		case item, ok := <-s.items.ChanOut():
			if !ok {
				return
			}

			select {
			case s.out <- item.(Item):
			case <-s.quit:
				return
			}

		case <-s.quit:
			return
		}
	}
}

// Send queues item. It returns false once the stream is stopped.
func (s *ItemStream) Send(item Item) bool {
	select {
	case s.items.ChanIn() <- item:
		return true
	case <-s.quit:
		return false
	}
}

// SendStatus is a shorthand to queue a StatusChange.
func (s *ItemStream) SendStatus(source string, status Status, err error) {
	s.Send(Item{
		Source: source,
		Status: &StatusChange{
			Source: source,
			Status: status,
			Err:    err,
		},
	})
}

// Chan returns the consumer side. It is closed by Stop.
func (s *ItemStream) Chan() <-chan Item {
	return s.out
}

// Stop drops queued items and closes Chan.
func (s *ItemStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.quit)

	if !started {
		close(s.out)
		return
	}

	s.wg.Wait()
	s.items.Stop()
}
