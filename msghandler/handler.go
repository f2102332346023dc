package msghandler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog/v2"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/envelope"
	"github.com/dlcdevkit/ddk/offers"
	"github.com/dlcdevkit/ddk/transport"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// workerQueueSize is the buffered part of a counterparty's queue. The
	// queue grows past it.
	workerQueueSize = 16

	// malformedReason is the reason of a Reject answering an undecodable
	// payload.
	malformedReason = "malformed message"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("message handler already started")

	// ErrNotStarted is returned by operations that need a running
	// handler.
	ErrNotStarted = errors.New("message handler not started")
)

// worker processes the events of one counterparty in arrival order.
type worker struct {
	peer  [32]byte
	queue *queue.ConcurrentQueue
	log   btclog.Logger
}

// Handler connects a transport to the contract gateway. Inbound events are
// decrypted, decoded and handed to the gateway one counterparty at a time;
// replies are sent back threaded on the event they answer.
type Handler struct {
	cfg   Config
	codec *dlcwire.Codec
	reasm *dlcwire.Reassembler

	started atomic.Bool
	stopped atomic.Bool

	// workerCtx governs the workers and is cancelled when the shutdown
	// grace runs out.
	workerCtx    context.Context
	cancelWorker context.CancelFunc

	// recvCancel stops the receive and sweep loops.
	recvCancel context.CancelFunc
	recvWg     sync.WaitGroup

	gm       *fn.GoroutineManager
	workerWg sync.WaitGroup

	mu      sync.Mutex
	workers map[[32]byte]*worker
}

// New creates a handler over cfg.
func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	codec, err := dlcwire.NewCodec(cfg.FrameCeiling)
	if err != nil {
		return nil, err
	}

	reasmCfg := cfg.Reassembly
	if reasmCfg.Clock == nil {
		reasmCfg.Clock = cfg.Clock
	}

	return &Handler{
		cfg:     cfg,
		codec:   codec,
		reasm:   dlcwire.NewReassembler(reasmCfg),
		gm:      fn.NewGoroutineManager(),
		workers: make(map[[32]byte]*worker),
	}, nil
}

// ShutdownHandle stops a running handler.
type ShutdownHandle struct {
	h    *Handler
	once sync.Once
	done chan struct{}
}

// Shutdown stops the handler and blocks until it has stopped. Events still
// being processed get the configured grace period. It is safe to call more
// than once.
func (s *ShutdownHandle) Shutdown() {
	s.once.Do(func() {
		s.h.stop()
		close(s.done)
	})
	<-s.done
}

// Done is closed once the handler has stopped.
func (s *ShutdownHandle) Done() <-chan struct{} {
	return s.done
}

// Start starts the transport, subscribes to DLC events addressed to this
// node and begins processing them.
func (h *Handler) Start(ctx context.Context) (*ShutdownHandle, error) {
	if !h.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	t := h.cfg.Transport
	if err := t.Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport %s: %w", t.Name(), err)
	}

	self := h.cfg.Identity.XOnlyHex()
	if err := t.Subscribe(transport.DLCFilter(self, 0)); err != nil {
		_ = t.Stop()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	pending, err := h.cfg.Gateway.ListOffers(ctx)
	if err != nil {
		_ = t.Stop()
		return nil, fmt.Errorf("load pending offers: %w", err)
	}
	if err := h.cfg.Registry.Sync(pending); err != nil {
		_ = t.Stop()
		return nil, err
	}

	h.workerCtx, h.cancelWorker = context.WithCancel(
		context.WithoutCancel(ctx),
	)

	var recvCtx context.Context
	recvCtx, h.recvCancel = context.WithCancel(ctx)

	h.cfg.SweepTicker.Resume()

	h.recvWg.Add(2)
	go h.receiveLoop(recvCtx)
	go h.sweepLoop(recvCtx)

	log.Infof("Message handler for %s listening on %s", self, t.Name())

	return &ShutdownHandle{h: h, done: make(chan struct{})}, nil
}

// stop halts intake, lets workers drain for the grace period, then cancels
// whatever is left.
func (h *Handler) stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}

	log.Infof("Message handler shutting down")

	h.recvCancel()
	h.recvWg.Wait()
	h.cfg.SweepTicker.Stop()

	// No more events get dispatched, so closing the queues lets each
	// worker finish what it holds and exit.
	h.mu.Lock()
	for _, w := range h.workers {
		close(w.queue.ChanIn())
	}
	h.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		h.workerWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(h.cfg.ShutdownGrace):
		log.Warnf("Shutdown grace of %v expired, aborting in-flight "+
			"events", h.cfg.ShutdownGrace)
	}

	h.cancelWorker()
	h.gm.Stop()

	h.mu.Lock()
	for _, w := range h.workers {
		w.queue.Stop()
	}
	h.mu.Unlock()

	if err := h.cfg.Transport.Stop(); err != nil {
		log.Errorf("Unable to stop transport: %v", err)
	}

	log.Infof("Message handler stopped")
}

func (h *Handler) receiveLoop(ctx context.Context) {
	defer h.recvWg.Done()

	items := h.cfg.Transport.Receive()
	for {
		select {
		case item, ok := <-items:
			if !ok {
				log.Infof("Transport receive stream closed")
				return
			}
			h.handleItem(item)

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handleItem(item transport.Item) {
	if item.Status != nil {
		log.Infof("Transport status: %v", item.Status)
		if h.cfg.OnStatus != nil {
			h.cfg.OnStatus(*item.Status)
		}

		return
	}

	ev := item.Event
	if ev == nil {
		return
	}
	if ev.Kind != envelope.KindDLC {
		log.Tracef("Ignoring event %s of kind %d", ev.ID, ev.Kind)
		return
	}
	if err := ev.Verify(); err != nil {
		log.Debugf("Dropping event %s from %s: %v", ev.ID, item.Source,
			err)
		return
	}
	from, err := ev.Sender()
	if err != nil {
		log.Debugf("Dropping event %s: %v", ev.ID, err)
		return
	}
	if from == h.cfg.Identity.XOnly() {
		return
	}

	h.dispatch(from, ev)
}

// dispatch queues ev on the worker of its sender, starting one if needed.
func (h *Handler) dispatch(from [32]byte, ev *envelope.Event) {
	h.mu.Lock()
	w, ok := h.workers[from]
	if !ok {
		w = h.newWorker(from)
		if w == nil {
			h.mu.Unlock()
			return
		}
		h.workers[from] = w
	}
	h.mu.Unlock()

	select {
	case w.queue.ChanIn() <- ev:
	case <-h.workerCtx.Done():
	}
}

// newWorker starts the worker of peer. The caller must hold mu.
func (h *Handler) newWorker(peer [32]byte) *worker {
	w := &worker{
		peer:  peer,
		queue: queue.NewConcurrentQueue(workerQueueSize),
		log: log.WithPrefix(fmt.Sprintf("Peer(%x):",
			peer[:4])),
	}
	w.queue.Start()

	h.workerWg.Add(1)
	ok := h.gm.Go(h.workerCtx, func(ctx context.Context) {
		defer h.workerWg.Done()
		h.runWorker(ctx, w)
	})
	if !ok {
		h.workerWg.Done()
		w.queue.Stop()

		return nil
	}

	w.log.Debugf("Worker started")

	return w
}

func (h *Handler) runWorker(ctx context.Context, w *worker) {
	for {
		select {
		case item, ok := <-w.queue.ChanOut():
			if !ok {
				return
			}
			ev, ok := item.(*envelope.Event)
			if !ok {
				continue
			}
			h.process(ctx, w, ev)

		case <-ctx.Done():
			return
		}
	}
}

// isProtocolErr reports whether err is the counterparty's fault and should
// be answered with a Reject.
func isProtocolErr(err error) bool {
	var transErr *contract.StateTransitionError

	return errors.Is(err, contract.ErrUnknownContract) ||
		errors.Is(err, contract.ErrInvalidMessage) ||
		errors.As(err, &transErr)
}

// process runs one inbound event through decryption, decoding, reassembly
// and the gateway, and publishes the reply if there is one.
func (h *Handler) process(ctx context.Context, w *worker,
	ev *envelope.Event) {

	priv := h.cfg.Identity.Priv

	raw, err := envelope.OpenDLCEvent(priv, ev)
	if err != nil {
		w.log.Warnf("Dropping event %s: %v", ev.ID, err)
		return
	}

	frame, err := dlcwire.DecodeMessage(raw)
	if err != nil {
		w.log.Warnf("Undecodable payload in event %s: %v", ev.ID, err)
		h.nackMalformed(ctx, w, ev)

		return
	}

	msg, err := h.reasm.Process(hex.EncodeToString(w.peer[:]), frame)
	if err != nil {
		w.log.Warnf("Reassembly failed at event %s: %v", ev.ID, err)
		h.nackMalformed(ctx, w, ev)

		return
	}
	if msg == nil {
		w.log.Tracef("Buffered %v of event %s", frame.MsgType(), ev.ID)
		return
	}

	w.log.Debugf("Received %v in event %s", msg.MsgType(), ev.ID)

	reply, err := h.cfg.Gateway.OnMessage(ctx, msg, w.peer)
	switch {
	case err == nil:

	case isProtocolErr(err):
		w.log.Warnf("Refused %v: %v", msg.MsgType(), err)

		// Rejects are never answered to keep two nodes from bouncing
		// them back and forth.
		cm, ok := msg.(dlcwire.ContractMessage)
		if !ok || msg.MsgType() == dlcwire.MsgReject {
			return
		}
		reply = fn.Some[dlcwire.Message](&dlcwire.Reject{
			ContractID: cm.TargetContractID(),
			Reason:     err.Error(),
		})

	default:
		w.log.Errorf("Unable to process %v: %v", msg.MsgType(), err)
		return
	}

	h.updateRegistry(ctx, w, msg)

	reply.WhenSome(func(m dlcwire.Message) {
		err := h.send(ctx, w.peer, m, fn.Some(ev.ID))
		if err != nil {
			w.log.Errorf("Unable to reply %v to event %s: %v",
				m.MsgType(), ev.ID, err)
			return
		}

		w.log.Debugf("Replied %v to event %s", m.MsgType(), ev.ID)
	})
}

// updateRegistry keeps the offer registry in line with the contract a
// message was about.
func (h *Handler) updateRegistry(ctx context.Context, w *worker,
	msg dlcwire.Message) {

	switch m := msg.(type) {
	case *dlcwire.OfferDlc:
		c, err := h.cfg.Gateway.Contract(ctx, m.TemporaryContractID)
		if err != nil {
			w.log.Errorf("Unable to load offer %v: %v",
				m.TemporaryContractID, err)
			return
		}
		if c.State != contract.StateOfferReceived {
			return
		}

		o, err := offers.FromContract(c)
		if err != nil {
			w.log.Errorf("Unable to index offer: %v", err)
			return
		}
		h.cfg.Registry.Put(o)

	case *dlcwire.Reject:
		if _, err := h.cfg.Registry.Take(m.ContractID); err == nil {
			w.log.Infof("Offer %v withdrawn", m.ContractID)
		}
	}
}

func (h *Handler) nackMalformed(ctx context.Context, w *worker,
	ev *envelope.Event) {

	if !h.cfg.NackMalformed {
		return
	}

	err := h.send(ctx, w.peer, &dlcwire.Reject{
		Reason: malformedReason,
	}, fn.Some(ev.ID))
	if err != nil {
		w.log.Debugf("Unable to nack event %s: %v", ev.ID, err)
	}
}

// send encodes msg, seals every frame for `to` and publishes them in order.
func (h *Handler) send(ctx context.Context, to [32]byte, msg dlcwire.Message,
	replyTo fn.Option[string]) error {

	frames, err := h.codec.Encode(msg)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		ev, err := envelope.NewDLCEvent(
			h.cfg.Identity.Priv, to, frame, replyTo,
			h.cfg.Clock.Now(),
		)
		if err != nil {
			return err
		}

		err = transport.PublishWithRetry(
			ctx, h.cfg.Transport, ev, h.cfg.Publish,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

func (h *Handler) sweepLoop(ctx context.Context) {
	defer h.recvWg.Done()

	for {
		select {
		case <-h.cfg.SweepTicker.Ticks():
			if err := h.Sweep(ctx); err != nil {
				log.Errorf("Sweep failed: %v", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// Sweep drops stale partial messages, expires idle contracts, advances
// contracts whose funding went out and resyncs the offer registry.
func (h *Handler) Sweep(ctx context.Context) error {
	if n := h.reasm.Sweep(); n > 0 {
		log.Debugf("Discarded %d stale partial messages", n)
	}

	expired, err := h.cfg.Gateway.CheckTimeouts(ctx, h.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("check timeouts: %w", err)
	}
	for _, c := range expired {
		log.Infof("Contract %v with %x timed out", c.Key(),
			c.Counterparty)
	}

	funded, err := h.cfg.Gateway.CheckFunding(ctx)
	if err != nil {
		return fmt.Errorf("check funding: %w", err)
	}
	for _, c := range funded {
		log.Infof("Contract %v with %x funded", c.Key(), c.Counterparty)
	}

	pending, err := h.cfg.Gateway.ListOffers(ctx)
	if err != nil {
		return err
	}

	return h.cfg.Registry.Sync(pending)
}

// Offers returns the received offers waiting for a decision, oldest first.
func (h *Handler) Offers() []*offers.OfferedContract {
	return h.cfg.Registry.List()
}

// Accept accepts a pending offer and sends the Accept to the offerer, whose
// identity key is returned. Calling it again for an offer whose Accept
// could not be published sends the stored Accept once more.
func (h *Handler) Accept(ctx context.Context,
	tempID dlcwire.ContractID) (*btcec.PublicKey, error) {

	if !h.started.Load() || h.stopped.Load() {
		return nil, ErrNotStarted
	}

	o, err := h.cfg.Registry.Take(tempID)
	if errors.Is(err, offers.ErrNotFound) {
		return h.resendAccept(ctx, tempID, err)
	}
	if err != nil {
		return nil, err
	}

	accept, counterparty, err := h.cfg.Gateway.AcceptOffer(ctx, tempID)
	if err != nil {
		h.cfg.Registry.Put(o)
		return nil, err
	}

	err = h.send(
		ctx, envelope.XOnly(counterparty), accept, fn.None[string](),
	)
	if err != nil {
		return nil, fmt.Errorf("send accept: %w", err)
	}

	log.Infof("Accepted offer %v from %x", tempID, o.Counterparty)

	return counterparty, nil
}

// resendAccept publishes the stored Accept of a contract still waiting for
// the offerer's Sign. notFound is returned for any other contract.
func (h *Handler) resendAccept(ctx context.Context,
	tempID dlcwire.ContractID, notFound error) (*btcec.PublicKey, error) {

	c, err := h.cfg.Gateway.Contract(ctx, tempID)
	if err != nil {
		return nil, notFound
	}
	if c.IsOfferer || c.State != contract.StateAcceptSent ||
		c.Accept == nil {

		return nil, notFound
	}

	counterparty, err := envelope.LiftXOnly(c.Counterparty)
	if err != nil {
		return nil, err
	}

	err = h.send(ctx, c.Counterparty, c.Accept, fn.None[string]())
	if err != nil {
		return nil, fmt.Errorf("resend accept: %w", err)
	}

	log.Infof("Resent accept of offer %v to %x", tempID, c.Counterparty)

	return counterparty, nil
}

// Reject refuses a pending offer and tells the offerer why.
func (h *Handler) Reject(ctx context.Context, tempID dlcwire.ContractID,
	reason string) error {

	if !h.started.Load() || h.stopped.Load() {
		return ErrNotStarted
	}

	o, err := h.cfg.Registry.Take(tempID)
	if err != nil {
		return err
	}

	rej, counterparty, err := h.cfg.Gateway.Reject(ctx, tempID, reason)
	if err != nil {
		h.cfg.Registry.Put(o)
		return err
	}

	err = h.send(ctx, envelope.XOnly(counterparty), rej, fn.None[string]())
	if err != nil {
		return fmt.Errorf("send reject: %w", err)
	}

	log.Infof("Rejected offer %v from %x: %s", tempID, o.Counterparty,
		reason)

	return nil
}

// SendOffer creates an offer to counterparty `to` and sends it.
func (h *Handler) SendOffer(ctx context.Context, in contract.OfferInput,
	to [32]byte) (*dlcwire.OfferDlc, error) {

	if !h.started.Load() || h.stopped.Load() {
		return nil, ErrNotStarted
	}

	offer, err := h.cfg.Gateway.SendOffer(ctx, in, to)
	if err != nil {
		return nil, err
	}

	if err := h.send(ctx, to, offer, fn.None[string]()); err != nil {
		return nil, fmt.Errorf("send offer: %w", err)
	}

	return offer, nil
}
