package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/oracle"
)

// State is the negotiation state of a contract as seen by one party.
type State uint8

const (
	// StateOfferSent is the offerer's state once the Offer is out.
	StateOfferSent State = iota + 1

	// StateOfferReceived is the accepter's state until the user accepts
	// or rejects the offer.
	StateOfferReceived

	// StateAcceptSent is the accepter's state while it waits for Sign.
	StateAcceptSent

	// StateAcceptReceived is the offerer's state while it builds Sign.
	StateAcceptReceived

	// StateSignSent is the offerer's state until the funding transaction
	// is seen on chain.
	StateSignSent

	// StateSignReceived is the accepter's state until the funding
	// transaction has been broadcast.
	StateSignReceived

	// StateFunded means the funding transaction is out.
	StateFunded

	// StateRejected means either party refused the contract.
	StateRejected

	// StateTimeout means the counterparty didn't answer in time.
	StateTimeout
)

// String returns a human readable name of the state.
func (s State) String() string {
	switch s {
	case StateOfferSent:
		return "OfferSent"
	case StateOfferReceived:
		return "OfferReceived"
	case StateAcceptSent:
		return "AcceptSent"
	case StateAcceptReceived:
		return "AcceptReceived"
	case StateSignSent:
		return "SignSent"
	case StateSignReceived:
		return "SignReceived"
	case StateFunded:
		return "Funded"
	case StateRejected:
		return "Rejected"
	case StateTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("<unknown:%d>", uint8(s))
	}
}

// IsTerminal returns true for states no message can move a contract out of.
func (s State) IsTerminal() bool {
	return s == StateFunded || s == StateRejected || s == StateTimeout
}

var (
	// ErrUnknownContract is returned for a message about a contract that
	// doesn't exist or belongs to another counterparty.
	ErrUnknownContract = errors.New("unknown contract")

	// ErrStorageFailure wraps every failure of the contract store other
	// than a missing record.
	ErrStorageFailure = errors.New("contract storage failure")

	// ErrContractNotFound is returned by a Storage that holds no record
	// for the requested id.
	ErrContractNotFound = errors.New("contract not found")

	// ErrInvalidMessage is returned when a message is well formed but its
	// content can't be used.
	ErrInvalidMessage = errors.New("invalid contract message")

	// ErrInsufficientFunds is returned when a party's inputs don't cover
	// its collateral and fees.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// StateTransitionError is returned when a message isn't allowed in the
// contract's current state. The contract is left untouched.
type StateTransitionError struct {
	From State
	Kind dlcwire.MessageType
}

// Error returns a human readable description of the refused transition.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %v in state %v",
		e.Kind, e.From)
}

// Contract is the record of one contract negotiation.
type Contract struct {
	// TempID is the offerer-chosen id, the primary key of the record.
	TempID dlcwire.ContractID

	// ID is the final id, set once the funding transaction is known.
	ID dlcwire.ContractID

	// Counterparty is the x-only identity key of the other party.
	Counterparty [32]byte

	State     State
	IsOfferer bool

	Offer  *dlcwire.OfferDlc
	Accept *dlcwire.AcceptDlc
	Sign   *dlcwire.SignDlc

	// FundingTx is unsigned until Sign has been processed.
	FundingTx       *wire.MsgTx
	FundOutputIndex uint32

	ReceivedAt time.Time
	UpdatedAt  time.Time

	RejectReason string
}

// Key returns the final id if known, the temporary id otherwise.
func (c *Contract) Key() dlcwire.ContractID {
	if c.ID.IsZero() {
		return c.TempID
	}

	return c.ID
}

// OwnCollateral is this party's share of the total collateral.
func (c *Contract) OwnCollateral() btcutil.Amount {
	if c.IsOfferer {
		return c.Offer.OfferCollateral
	}

	return c.Offer.AcceptCollateral()
}

// OwnPayout returns this party's payout if the oracle attests outcome.
func (c *Contract) OwnPayout(outcome string) (btcutil.Amount, bool) {
	offerPayout, ok := c.Offer.ContractInfo.PayoutFor(outcome)
	if !ok {
		return 0, false
	}
	if c.IsOfferer {
		return offerPayout, true
	}

	return c.Offer.ContractInfo.TotalCollateral - offerPayout, true
}

// Wallet is the on-chain wallet a contract is funded from.
type Wallet interface {
	// FundingPubKey is the key this party puts in funding outputs.
	FundingPubKey(ctx context.Context) (*btcec.PublicKey, error)

	// NewPayoutScript returns a fresh script for payouts.
	NewPayoutScript(ctx context.Context) ([]byte, error)

	// NewChangeScript returns a fresh script for funding change.
	NewChangeScript(ctx context.Context) ([]byte, error)

	// SelectFundingInputs picks inputs covering amount plus this party's
	// share of the funding fee at feeRate sat/vB.
	SelectFundingInputs(ctx context.Context, amount btcutil.Amount,
		feeRate uint64) ([]dlcwire.FundingInput, error)

	// SignFundingInputs returns one witness per input, in order. The
	// inputs must belong to the wallet while prevOuts resolves every
	// input of tx, the counterparty's included.
	SignFundingInputs(ctx context.Context, tx *wire.MsgTx,
		prevOuts txscript.PrevOutputFetcher,
		inputs []dlcwire.FundingInput) ([]dlcwire.Witness, error)

	// Broadcast hands a fully signed transaction to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// TxSeen reports whether the network knows the transaction.
	TxSeen(ctx context.Context, txid chainhash.Hash) (bool, error)
}

// Oracle is the source of the events contracts settle on.
type Oracle interface {
	GetAnnouncement(ctx context.Context,
		eventID string) (*oracle.Announcement, error)

	GetAttestation(ctx context.Context,
		eventID string) (*oracle.Attestation, error)
}

// Signer produces and checks this party's CET and refund signatures.
type Signer interface {
	// SignContract signs one CET per outcome and the refund
	// transaction of the contract funded by fundingTx.
	SignContract(ctx context.Context, c *Contract,
		fundingTx *wire.MsgTx) ([]dlcwire.AdaptorSig, dlcwire.Sig, error)

	// VerifyContract checks the counterparty's signatures made with
	// its funding key.
	VerifyContract(c *Contract, fundingTx *wire.MsgTx,
		pub *btcec.PublicKey, cetSigs []dlcwire.AdaptorSig,
		refundSig dlcwire.Sig) error
}

// Storage persists contract records. Every call must be atomic and returned
// records are owned by the caller.
type Storage interface {
	// PutContract inserts or replaces the record keyed by its temporary
	// id and indexes its final id if set.
	PutContract(ctx context.Context, c *Contract) error

	// FetchContract returns the record with the given temporary id or
	// ErrContractNotFound.
	FetchContract(ctx context.Context,
		tempID dlcwire.ContractID) (*Contract, error)

	// FetchContractByID returns the record with the given final id or
	// ErrContractNotFound.
	FetchContractByID(ctx context.Context,
		id dlcwire.ContractID) (*Contract, error)

	// ListContracts returns every record.
	ListContracts(ctx context.Context) ([]*Contract, error)
}
