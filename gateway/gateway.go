package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/oracle"
	"github.com/lightningnetwork/lnd/actor"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultStorageAttempts is how many times a request failing on
	// storage is run before the failure is returned.
	DefaultStorageAttempts = 3

	// DefaultRetryBase is the first delay between storage attempts.
	DefaultRetryBase = 50 * time.Millisecond

	// mailboxSize is the number of requests that can queue up before
	// callers block.
	mailboxSize = 64
)

var (
	// ErrUnknownContract is returned for a message about a contract the
	// manager doesn't know.
	ErrUnknownContract = contract.ErrUnknownContract

	// ErrStorageFailure is returned when the contract store keeps failing
	// after all attempts.
	ErrStorageFailure = contract.ErrStorageFailure

	// ErrStopped is returned for requests made after Stop.
	ErrStopped = errors.New("gateway stopped")
)

// StateTransitionError is returned when a message isn't valid in the
// contract's current state.
type StateTransitionError = contract.StateTransitionError

// ContractManager is the contract state machine behind the gateway. It needn't
// be safe for concurrent use.
type ContractManager interface {
	OnMessage(ctx context.Context, msg dlcwire.Message,
		from [32]byte) (fn.Option[dlcwire.Message], error)

	ListOffers(ctx context.Context) ([]*contract.Contract, error)

	AcceptOffer(ctx context.Context, tempID dlcwire.ContractID) (
		*dlcwire.AcceptDlc, *btcec.PublicKey, error)

	Reject(ctx context.Context, tempID dlcwire.ContractID,
		reason string) (*dlcwire.Reject, *btcec.PublicKey, error)

	SendOffer(ctx context.Context, in contract.OfferInput,
		to [32]byte) (*dlcwire.OfferDlc, error)

	Contract(ctx context.Context,
		id dlcwire.ContractID) (*contract.Contract, error)

	Contracts(ctx context.Context) ([]*contract.Contract, error)

	CheckTimeouts(ctx context.Context,
		now time.Time) ([]*contract.Contract, error)

	CheckFunding(ctx context.Context) ([]*contract.Contract, error)

	Outcome(ctx context.Context, id dlcwire.ContractID) (
		*oracle.Attestation, btcutil.Amount, error)
}

// A compile time check to ensure the contract manager can sit behind the
// gateway.
var _ ContractManager = (*contract.Manager)(nil)

// Config holds the gateway's dependencies.
type Config struct {
	// Manager is the state machine all requests are serialized onto.
	Manager ContractManager

	// StorageAttempts bounds how often a request failing with
	// ErrStorageFailure is run.
	StorageAttempts uint64

	// RetryBase is the first delay between storage attempts. It doubles
	// on each attempt.
	RetryBase time.Duration
}

// DefaultConfig returns a config for mgr with the default retry policy.
func DefaultConfig(mgr ContractManager) Config {
	return Config{
		Manager:         mgr,
		StorageAttempts: DefaultStorageAttempts,
		RetryBase:       DefaultRetryBase,
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	switch {
	case c.Manager == nil:
		return errors.New("gateway: no contract manager")

	case c.StorageAttempts == 0:
		return errors.New("gateway: storage attempts must be positive")

	case c.RetryBase <= 0:
		return errors.New("gateway: retry base must be positive")
	}

	return nil
}

// request is the message type of the gateway actor. Each request runs its
// operation against the manager and fills the response.
type request interface {
	actor.Message

	run(ctx context.Context, mgr ContractManager) (*Response, error)
}

// Response carries the result of a request. Only the fields of the
// requested operation are set.
type Response struct {
	Reply        fn.Option[dlcwire.Message]
	Contract     *contract.Contract
	Contracts    []*contract.Contract
	Offer        *dlcwire.OfferDlc
	Accept       *dlcwire.AcceptDlc
	Reject       *dlcwire.Reject
	Counterparty *btcec.PublicKey
	Attestation  *oracle.Attestation
	Payout       btcutil.Amount
}

type onMessageReq struct {
	actor.BaseMessage

	msg  dlcwire.Message
	from [32]byte
}

func (r *onMessageReq) MessageType() string { return "OnMessage" }

func (r *onMessageReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	reply, err := mgr.OnMessage(ctx, r.msg, r.from)
	if err != nil {
		return nil, err
	}

	return &Response{Reply: reply}, nil
}

type listOffersReq struct {
	actor.BaseMessage
}

func (r *listOffersReq) MessageType() string { return "ListOffers" }

func (r *listOffersReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	offers, err := mgr.ListOffers(ctx)
	if err != nil {
		return nil, err
	}

	return &Response{Contracts: offers}, nil
}

type acceptReq struct {
	actor.BaseMessage

	tempID dlcwire.ContractID
}

func (r *acceptReq) MessageType() string { return "AcceptOffer" }

func (r *acceptReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	accept, counterparty, err := mgr.AcceptOffer(ctx, r.tempID)
	if err != nil {
		return nil, err
	}

	return &Response{Accept: accept, Counterparty: counterparty}, nil
}

type rejectReq struct {
	actor.BaseMessage

	tempID dlcwire.ContractID
	reason string
}

func (r *rejectReq) MessageType() string { return "Reject" }

func (r *rejectReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	rej, counterparty, err := mgr.Reject(ctx, r.tempID, r.reason)
	if err != nil {
		return nil, err
	}

	return &Response{Reject: rej, Counterparty: counterparty}, nil
}

type sendOfferReq struct {
	actor.BaseMessage

	in contract.OfferInput
	to [32]byte
}

func (r *sendOfferReq) MessageType() string { return "SendOffer" }

func (r *sendOfferReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	offer, err := mgr.SendOffer(ctx, r.in, r.to)
	if err != nil {
		return nil, err
	}

	return &Response{Offer: offer}, nil
}

type contractReq struct {
	actor.BaseMessage

	id dlcwire.ContractID
}

func (r *contractReq) MessageType() string { return "Contract" }

func (r *contractReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	c, err := mgr.Contract(ctx, r.id)
	if err != nil {
		return nil, err
	}

	return &Response{Contract: c}, nil
}

type contractsReq struct {
	actor.BaseMessage
}

func (r *contractsReq) MessageType() string { return "Contracts" }

func (r *contractsReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	contracts, err := mgr.Contracts(ctx)
	if err != nil {
		return nil, err
	}

	return &Response{Contracts: contracts}, nil
}

type checkTimeoutsReq struct {
	actor.BaseMessage

	now time.Time
}

func (r *checkTimeoutsReq) MessageType() string { return "CheckTimeouts" }

func (r *checkTimeoutsReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	expired, err := mgr.CheckTimeouts(ctx, r.now)
	if err != nil {
		return nil, err
	}

	return &Response{Contracts: expired}, nil
}

type checkFundingReq struct {
	actor.BaseMessage
}

func (r *checkFundingReq) MessageType() string { return "CheckFunding" }

func (r *checkFundingReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	funded, err := mgr.CheckFunding(ctx)
	if err != nil {
		return nil, err
	}

	return &Response{Contracts: funded}, nil
}

type outcomeReq struct {
	actor.BaseMessage

	id dlcwire.ContractID
}

func (r *outcomeReq) MessageType() string { return "Outcome" }

func (r *outcomeReq) run(ctx context.Context,
	mgr ContractManager) (*Response, error) {

	att, payout, err := mgr.Outcome(ctx, r.id)
	if err != nil {
		return nil, err
	}

	return &Response{Attestation: att, Payout: payout}, nil
}

// behavior runs requests one at a time against the manager.
type behavior struct {
	cfg      Config
	inFlight *atomic.Bool
}

// Receive runs a single request to completion, retrying storage failures.
//
// This is part of the actor.ActorBehavior interface.
func (b *behavior) Receive(ctx context.Context,
	req request) fn.Result[*Response] {

	if !b.inFlight.CompareAndSwap(false, true) {
		// The actor runs one request at a time, so this can't happen
		// unless the mailbox discipline is broken.
		return fn.Err[*Response](fmt.Errorf("gateway: concurrent %s",
			req.MessageType()))
	}
	defer b.inFlight.Store(false)

	backoff := retry.WithMaxRetries(
		b.cfg.StorageAttempts-1, retry.NewExponential(b.cfg.RetryBase),
	)

	var (
		resp    *Response
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		var err error
		resp, err = req.run(ctx, b.cfg.Manager)
		if errors.Is(err, ErrStorageFailure) {
			log.Warnf("%s failed on storage (attempt %d): %v",
				req.MessageType(), attempt, err)

			return retry.RetryableError(err)
		}

		return err
	})
	if err != nil {
		return fn.Err[*Response](err)
	}

	return fn.Ok(resp)
}

// Gateway serializes every access to a ContractManager through a single
// actor mailbox. It is safe for concurrent use and never does network I/O
// itself.
type Gateway struct {
	cfg Config

	actor    *actor.Actor[request, *Response]
	ref      actor.ActorRef[request, *Response]
	inFlight atomic.Bool
	stopped  atomic.Bool
}

// New creates and starts a gateway over cfg.Manager.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{cfg: cfg}
	g.actor = actor.NewActor(actor.ActorConfig[request, *Response]{
		ID: "contract-gateway",
		Behavior: &behavior{
			cfg:      cfg,
			inFlight: &g.inFlight,
		},
		MailboxSize: mailboxSize,
	})
	g.ref = g.actor.Ref()
	g.actor.Start()

	log.Debugf("Contract gateway started")

	return g, nil
}

// Stop terminates the actor. Queued requests fail.
func (g *Gateway) Stop() {
	if !g.stopped.CompareAndSwap(false, true) {
		return
	}

	g.actor.Stop()
	log.Debugf("Contract gateway stopped")
}

// InFlight reports whether a request is running against the manager.
func (g *Gateway) InFlight() bool {
	return g.inFlight.Load()
}

func (g *Gateway) ask(ctx context.Context, req request) (*Response, error) {
	if g.stopped.Load() {
		return nil, ErrStopped
	}

	return g.ref.Ask(ctx, req).Await(ctx).Unpack()
}

// OnMessage hands an inbound message from counterparty `from` to the
// manager and returns the reply to send, if any.
func (g *Gateway) OnMessage(ctx context.Context, msg dlcwire.Message,
	from [32]byte) (fn.Option[dlcwire.Message], error) {

	resp, err := g.ask(ctx, &onMessageReq{msg: msg, from: from})
	if err != nil {
		return fn.None[dlcwire.Message](), err
	}

	return resp.Reply, nil
}

// ListOffers returns the received offers awaiting a decision.
func (g *Gateway) ListOffers(ctx context.Context) ([]*contract.Contract,
	error) {

	resp, err := g.ask(ctx, &listOffersReq{})
	if err != nil {
		return nil, err
	}

	return resp.Contracts, nil
}

// AcceptOffer accepts a received offer and returns the Accept to send with
// the counterparty's identity key.
func (g *Gateway) AcceptOffer(ctx context.Context,
	tempID dlcwire.ContractID) (*dlcwire.AcceptDlc, *btcec.PublicKey,
	error) {

	resp, err := g.ask(ctx, &acceptReq{tempID: tempID})
	if err != nil {
		return nil, nil, err
	}

	return resp.Accept, resp.Counterparty, nil
}

// Reject refuses a received offer and returns the Reject to send with the
// counterparty's identity key.
func (g *Gateway) Reject(ctx context.Context, tempID dlcwire.ContractID,
	reason string) (*dlcwire.Reject, *btcec.PublicKey, error) {

	resp, err := g.ask(ctx, &rejectReq{tempID: tempID, reason: reason})
	if err != nil {
		return nil, nil, err
	}

	return resp.Reject, resp.Counterparty, nil
}

// SendOffer records a new offer to `to` and returns it.
func (g *Gateway) SendOffer(ctx context.Context, in contract.OfferInput,
	to [32]byte) (*dlcwire.OfferDlc, error) {

	resp, err := g.ask(ctx, &sendOfferReq{in: in, to: to})
	if err != nil {
		return nil, err
	}

	return resp.Offer, nil
}

// Contract returns the contract with the given temporary or final id.
func (g *Gateway) Contract(ctx context.Context,
	id dlcwire.ContractID) (*contract.Contract, error) {

	resp, err := g.ask(ctx, &contractReq{id: id})
	if err != nil {
		return nil, err
	}

	return resp.Contract, nil
}

// Contracts returns every contract.
func (g *Gateway) Contracts(ctx context.Context) ([]*contract.Contract,
	error) {

	resp, err := g.ask(ctx, &contractsReq{})
	if err != nil {
		return nil, err
	}

	return resp.Contracts, nil
}

// CheckTimeouts expires contracts idle since before now minus the offer
// timeout.
func (g *Gateway) CheckTimeouts(ctx context.Context,
	now time.Time) ([]*contract.Contract, error) {

	resp, err := g.ask(ctx, &checkTimeoutsReq{now: now})
	if err != nil {
		return nil, err
	}

	return resp.Contracts, nil
}

// CheckFunding advances contracts whose funding transaction went out.
func (g *Gateway) CheckFunding(ctx context.Context) ([]*contract.Contract,
	error) {

	resp, err := g.ask(ctx, &checkFundingReq{})
	if err != nil {
		return nil, err
	}

	return resp.Contracts, nil
}

// Outcome returns the oracle attestation of a contract with this party's
// payout.
func (g *Gateway) Outcome(ctx context.Context,
	id dlcwire.ContractID) (*oracle.Attestation, btcutil.Amount, error) {

	resp, err := g.ask(ctx, &outcomeReq{id: id})
	if err != nil {
		return nil, 0, err
	}

	return resp.Attestation, resp.Payout, nil
}
