package contract

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/dlcdevkit/ddk/envelope"
	"github.com/dlcdevkit/ddk/oracle"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// ProtocolVersion is the DLC protocol version put in every message.
	ProtocolVersion uint32 = 1

	// DefaultOfferTimeout is how long a negotiation may sit in a
	// waiting state before it is abandoned.
	DefaultOfferTimeout = time.Hour
)

// Config holds the capabilities of a Manager.
type Config struct {
	Wallet Wallet
	Oracle Oracle
	Signer Signer
	Store  Storage

	// Clock stamps records and drives timeouts.
	Clock clock.Clock

	// ChainHash is the genesis hash of the chain contracts live on.
	// Offers for other chains are refused.
	ChainHash chainhash.Hash

	// OfferTimeout is how long a contract may wait for the
	// counterparty.
	OfferTimeout time.Duration
}

// OfferInput are the terms of a new offer.
type OfferInput struct {
	// EventID is the oracle event the contract settles on.
	EventID string

	// Outcomes maps each covered outcome to the offerer's payout.
	Outcomes []dlcwire.OutcomePayout

	OfferCollateral  btcutil.Amount
	AcceptCollateral btcutil.Amount

	// FeeRate is in sat/vB.
	FeeRate uint64

	CetLocktime    uint32
	RefundLocktime uint32
}

// Manager drives the Offer, Accept, Sign negotiation of contracts. It is not
// safe for concurrent use: callers serialize access.
type Manager struct {
	cfg Config
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Wallet == nil:
		return nil, errors.New("contract manager needs a wallet")
	case cfg.Oracle == nil:
		return nil, errors.New("contract manager needs an oracle")
	case cfg.Signer == nil:
		return nil, errors.New("contract manager needs a signer")
	case cfg.Store == nil:
		return nil, errors.New("contract manager needs storage")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.OfferTimeout == 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}

	return &Manager{cfg: cfg}, nil
}

func storageErr(err error) error {
	if errors.Is(err, ErrStorageFailure) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrStorageFailure, err)
}

func (m *Manager) put(ctx context.Context, c *Contract) error {
	c.UpdatedAt = m.cfg.Clock.Now()
	if err := m.cfg.Store.PutContract(ctx, c); err != nil {
		return storageErr(err)
	}

	return nil
}

// fetch looks a contract up by temporary id, then by final id.
func (m *Manager) fetch(ctx context.Context,
	id dlcwire.ContractID) (*Contract, error) {

	c, err := m.cfg.Store.FetchContract(ctx, id)
	if errors.Is(err, ErrContractNotFound) {
		c, err = m.cfg.Store.FetchContractByID(ctx, id)
	}

	switch {
	case errors.Is(err, ErrContractNotFound):
		return nil, fmt.Errorf("%w: %v", ErrUnknownContract, id)

	case err != nil:
		return nil, storageErr(err)
	}

	return c, nil
}

// fetchFrom is fetch restricted to contracts negotiated with from.
func (m *Manager) fetchFrom(ctx context.Context, id dlcwire.ContractID,
	from [32]byte) (*Contract, error) {

	c, err := m.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Counterparty != from {
		return nil, fmt.Errorf("%w: %v", ErrUnknownContract, id)
	}

	return c, nil
}

func randSerial() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b[:]), nil
}

func randSerials(n int) ([]uint64, error) {
	serials := make([]uint64, n)
	for i := range serials {
		s, err := randSerial()
		if err != nil {
			return nil, err
		}
		serials[i] = s
	}

	return serials, nil
}

// partyParams is one party's funding contribution.
type partyParams struct {
	fundingKey *btcec.PublicKey
	payoutSPK  []byte
	changeSPK  []byte
	inputs     []dlcwire.FundingInput
}

func (m *Manager) partyParams(ctx context.Context, collateral btcutil.Amount,
	feeRate uint64) (*partyParams, error) {

	key, err := m.cfg.Wallet.FundingPubKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("funding key: %w", err)
	}
	payout, err := m.cfg.Wallet.NewPayoutScript(ctx)
	if err != nil {
		return nil, fmt.Errorf("payout script: %w", err)
	}
	change, err := m.cfg.Wallet.NewChangeScript(ctx)
	if err != nil {
		return nil, fmt.Errorf("change script: %w", err)
	}
	inputs, err := m.cfg.Wallet.SelectFundingInputs(ctx, collateral, feeRate)
	if err != nil {
		return nil, fmt.Errorf("select inputs: %w", err)
	}

	for i := range inputs {
		serial, err := randSerial()
		if err != nil {
			return nil, err
		}
		inputs[i].InputSerialID = serial
	}

	return &partyParams{
		fundingKey: key,
		payoutSPK:  payout,
		changeSPK:  change,
		inputs:     inputs,
	}, nil
}

// validateTerms checks the payout structure against the announcement it
// settles on.
func validateTerms(info *dlcwire.ContractInfo,
	ann *oracle.Announcement) error {

	if len(info.Outcomes) == 0 {
		return fmt.Errorf("%w: no outcomes", ErrInvalidMessage)
	}

	seen := make(map[string]struct{}, len(info.Outcomes))
	for _, o := range info.Outcomes {
		if !ann.HasOutcome(o.Outcome) {
			return fmt.Errorf("%w: outcome %q not announced",
				ErrInvalidMessage, o.Outcome)
		}
		if _, ok := seen[o.Outcome]; ok {
			return fmt.Errorf("%w: duplicate outcome %q",
				ErrInvalidMessage, o.Outcome)
		}
		seen[o.Outcome] = struct{}{}

		if o.OfferPayout < 0 || o.OfferPayout > info.TotalCollateral {
			return fmt.Errorf("%w: payout %v out of range",
				ErrInvalidMessage, o.OfferPayout)
		}
	}

	return nil
}

// SendOffer builds an offer to counterparty `to` and records it as
// OfferSent.
func (m *Manager) SendOffer(ctx context.Context, in OfferInput,
	to [32]byte) (*dlcwire.OfferDlc, error) {

	if in.OfferCollateral <= 0 || in.AcceptCollateral < 0 {
		return nil, fmt.Errorf("%w: bad collateral", ErrInvalidMessage)
	}
	if in.FeeRate == 0 {
		return nil, fmt.Errorf("%w: zero fee rate", ErrInvalidMessage)
	}

	ann, err := m.cfg.Oracle.GetAnnouncement(ctx, in.EventID)
	if err != nil {
		return nil, fmt.Errorf("announcement: %w", err)
	}
	oracleKey, err := ann.XOnlyKey()
	if err != nil {
		return nil, err
	}

	info := dlcwire.ContractInfo{
		TotalCollateral: in.OfferCollateral + in.AcceptCollateral,
		Outcomes:        in.Outcomes,
		Oracle: dlcwire.OracleInfo{
			PublicKey:    oracleKey,
			EventID:      ann.EventID,
			Announcement: ann.Raw,
		},
	}
	if err := validateTerms(&info, ann); err != nil {
		return nil, err
	}

	params, err := m.partyParams(ctx, in.OfferCollateral, in.FeeRate)
	if err != nil {
		return nil, err
	}
	serials, err := randSerials(3)
	if err != nil {
		return nil, err
	}

	var tempID dlcwire.ContractID
	if _, err := rand.Read(tempID[:]); err != nil {
		return nil, err
	}

	offer := &dlcwire.OfferDlc{
		ProtocolVersion:     ProtocolVersion,
		ChainHash:           m.cfg.ChainHash,
		TemporaryContractID: tempID,
		ContractInfo:        info,
		FundingPubKey:       params.fundingKey,
		PayoutSPK:           params.payoutSPK,
		PayoutSerialID:      serials[0],
		OfferCollateral:     in.OfferCollateral,
		FundingInputs:       params.inputs,
		ChangeSPK:           params.changeSPK,
		ChangeSerialID:      serials[1],
		FundOutputSerialID:  serials[2],
		FeeRatePerVByte:     in.FeeRate,
		CetLocktime:         in.CetLocktime,
		RefundLocktime:      in.RefundLocktime,
	}
	if ann.MaturityEpoch != 0 {
		offer.MaturityEpoch = fn.Some(ann.MaturityEpoch)
	}

	now := m.cfg.Clock.Now()
	c := &Contract{
		TempID:       tempID,
		Counterparty: to,
		State:        StateOfferSent,
		IsOfferer:    true,
		Offer:        offer,
		ReceivedAt:   now,
	}
	if err := m.put(ctx, c); err != nil {
		return nil, err
	}

	log.Infof("Offered contract %v on event %s to %x", tempID,
		ann.EventID, to)

	return offer, nil
}

// OnMessage advances the contract the message is about. The returned message,
// if any, is the reply to send back to from.
func (m *Manager) OnMessage(ctx context.Context, msg dlcwire.Message,
	from [32]byte) (fn.Option[dlcwire.Message], error) {

	none := fn.None[dlcwire.Message]()

	switch msg := msg.(type) {
	case *dlcwire.OfferDlc:
		return none, m.onOffer(ctx, msg, from)

	case *dlcwire.AcceptDlc:
		sign, err := m.onAccept(ctx, msg, from)
		if err != nil {
			return none, err
		}

		return fn.Some[dlcwire.Message](sign), nil

	case *dlcwire.SignDlc:
		return none, m.onSign(ctx, msg, from)

	case *dlcwire.Reject:
		return none, m.onReject(ctx, msg, from)

	case dlcwire.ContractMessage:
		c, err := m.fetchFrom(ctx, msg.TargetContractID(), from)
		if err != nil {
			return none, err
		}

		return none, &StateTransitionError{
			From: c.State, Kind: msg.MsgType(),
		}

	default:
		return none, fmt.Errorf("%w: unexpected %v", ErrInvalidMessage,
			msg.MsgType())
	}
}

// validateOffer checks an inbound offer can be accepted at all.
func (m *Manager) validateOffer(offer *dlcwire.OfferDlc) error {
	info := &offer.ContractInfo

	switch {
	case offer.ChainHash != m.cfg.ChainHash:
		return fmt.Errorf("%w: offer for chain %v", ErrInvalidMessage,
			offer.ChainHash)

	case offer.FundingPubKey == nil:
		return fmt.Errorf("%w: no funding key", ErrInvalidMessage)

	case offer.FeeRatePerVByte == 0:
		return fmt.Errorf("%w: zero fee rate", ErrInvalidMessage)

	case offer.OfferCollateral <= 0 ||
		offer.OfferCollateral > info.TotalCollateral:

		return fmt.Errorf("%w: offer collateral %v of %v",
			ErrInvalidMessage, offer.OfferCollateral,
			info.TotalCollateral)
	}

	ann, err := oracle.ParseAnnouncement(info.Oracle.Announcement)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	key, err := ann.XOnlyKey()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if key != info.Oracle.PublicKey || ann.EventID != info.Oracle.EventID {
		return fmt.Errorf("%w: announcement doesn't match oracle info",
			ErrInvalidMessage)
	}
	if err := validateTerms(info, ann); err != nil {
		return err
	}

	_, sum, err := decodeFundingInputs(offer.FundingInputs)
	if err != nil {
		return err
	}
	if sum < offer.OfferCollateral {
		return fmt.Errorf("%w: offerer inputs %v below collateral %v",
			ErrInvalidMessage, sum, offer.OfferCollateral)
	}

	return nil
}

func (m *Manager) onOffer(ctx context.Context, offer *dlcwire.OfferDlc,
	from [32]byte) error {

	tempID := offer.TemporaryContractID

	existing, err := m.cfg.Store.FetchContract(ctx, tempID)
	switch {
	case err == nil && existing.Counterparty != from:
		return fmt.Errorf("%w: temporary id %v already in use",
			ErrInvalidMessage, tempID)

	case err == nil && existing.State == StateOfferReceived:
		log.Debugf("Duplicate offer %v from %x", tempID, from)
		return nil

	case err == nil:
		log.Debugf("Ignoring offer %v from %x in state %v", tempID,
			from, existing.State)
		return nil

	case !errors.Is(err, ErrContractNotFound):
		return storageErr(err)
	}

	if err := m.validateOffer(offer); err != nil {
		return err
	}

	now := m.cfg.Clock.Now()
	c := &Contract{
		TempID:       tempID,
		Counterparty: from,
		State:        StateOfferReceived,
		Offer:        offer,
		ReceivedAt:   now,
	}
	if err := m.put(ctx, c); err != nil {
		return err
	}

	log.Infof("Received offer %v from %x: collateral %v of %v", tempID,
		from, offer.AcceptCollateral(),
		offer.ContractInfo.TotalCollateral)

	return nil
}

// AcceptOffer accepts a received offer. It returns the Accept to send and the
// counterparty's identity key.
func (m *Manager) AcceptOffer(ctx context.Context,
	tempID dlcwire.ContractID) (*dlcwire.AcceptDlc, *btcec.PublicKey,
	error) {

	c, err := m.fetch(ctx, tempID)
	if err != nil {
		return nil, nil, err
	}
	if c.IsOfferer || c.State != StateOfferReceived {
		return nil, nil, &StateTransitionError{
			From: c.State, Kind: dlcwire.MsgAccept,
		}
	}

	counterparty, err := envelope.LiftXOnly(c.Counterparty)
	if err != nil {
		return nil, nil, err
	}

	offer := c.Offer
	params, err := m.partyParams(
		ctx, offer.AcceptCollateral(), offer.FeeRatePerVByte,
	)
	if err != nil {
		return nil, nil, err
	}
	serials, err := randSerials(2)
	if err != nil {
		return nil, nil, err
	}

	accept := &dlcwire.AcceptDlc{
		ProtocolVersion:     ProtocolVersion,
		TemporaryContractID: offer.TemporaryContractID,
		AcceptCollateral:    offer.AcceptCollateral(),
		FundingPubKey:       params.fundingKey,
		PayoutSPK:           params.payoutSPK,
		PayoutSerialID:      serials[0],
		FundingInputs:       params.inputs,
		ChangeSPK:           params.changeSPK,
		ChangeSerialID:      serials[1],
	}

	tx, fundIndex, err := BuildFundingTx(offer, accept)
	if err != nil {
		return nil, nil, err
	}
	c.FundingTx = tx
	c.FundOutputIndex = fundIndex
	c.ID = ComputeContractID(tx, fundIndex, offer.TemporaryContractID)

	accept.CetAdaptorSigs, accept.RefundSig, err = m.cfg.Signer.SignContract(
		ctx, c, tx,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sign contract: %w", err)
	}

	c.Accept = accept
	c.State = StateAcceptSent
	if err := m.put(ctx, c); err != nil {
		return nil, nil, err
	}

	log.Infof("Accepted offer %v, contract id %v", tempID, c.ID)

	return accept, counterparty, nil
}

func (m *Manager) onAccept(ctx context.Context, accept *dlcwire.AcceptDlc,
	from [32]byte) (*dlcwire.SignDlc, error) {

	c, err := m.fetchFrom(ctx, accept.TemporaryContractID, from)
	if err != nil {
		return nil, err
	}
	if !c.IsOfferer || c.State != StateOfferSent {
		return nil, &StateTransitionError{
			From: c.State, Kind: dlcwire.MsgAccept,
		}
	}
	if accept.FundingPubKey == nil {
		return nil, fmt.Errorf("%w: no funding key", ErrInvalidMessage)
	}
	if accept.AcceptCollateral != c.Offer.AcceptCollateral() {
		return nil, fmt.Errorf("%w: accept collateral %v, want %v",
			ErrInvalidMessage, accept.AcceptCollateral,
			c.Offer.AcceptCollateral())
	}

	tx, fundIndex, err := BuildFundingTx(c.Offer, accept)
	if err != nil {
		if !errors.Is(err, ErrInvalidMessage) {
			err = fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return nil, err
	}
	c.FundingTx = tx
	c.FundOutputIndex = fundIndex
	c.ID = ComputeContractID(tx, fundIndex, c.TempID)

	err = m.cfg.Signer.VerifyContract(
		c, tx, accept.FundingPubKey, accept.CetAdaptorSigs,
		accept.RefundSig,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	c.Accept = accept
	c.State = StateAcceptReceived
	if err := m.put(ctx, c); err != nil {
		return nil, err
	}

	cetSigs, refundSig, err := m.cfg.Signer.SignContract(ctx, c, tx)
	if err != nil {
		return nil, fmt.Errorf("sign contract: %w", err)
	}
	prevOuts, err := PrevOutFetcher(
		c.Offer.FundingInputs, accept.FundingInputs,
	)
	if err != nil {
		return nil, err
	}
	witnesses, err := m.cfg.Wallet.SignFundingInputs(
		ctx, tx, prevOuts, c.Offer.FundingInputs,
	)
	if err != nil {
		return nil, fmt.Errorf("sign funding inputs: %w", err)
	}

	sign := &dlcwire.SignDlc{
		ProtocolVersion:   ProtocolVersion,
		ContractID:        c.ID,
		CetAdaptorSigs:    cetSigs,
		RefundSig:         refundSig,
		FundingSignatures: witnesses,
	}

	c.Sign = sign
	c.State = StateSignSent
	if err := m.put(ctx, c); err != nil {
		return nil, err
	}

	log.Infof("Contract %v accepted by %x, sign sent", c.ID, from)

	return sign, nil
}

func (m *Manager) onSign(ctx context.Context, sign *dlcwire.SignDlc,
	from [32]byte) error {

	c, err := m.fetchFrom(ctx, sign.ContractID, from)
	if err != nil {
		return err
	}
	if c.IsOfferer || c.State != StateAcceptSent {
		return &StateTransitionError{
			From: c.State, Kind: dlcwire.MsgSign,
		}
	}

	err = m.cfg.Signer.VerifyContract(
		c, c.FundingTx, c.Offer.FundingPubKey, sign.CetAdaptorSigs,
		sign.RefundSig,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	tx := c.FundingTx.Copy()
	err = applyWitnesses(tx, c.Offer.FundingInputs, sign.FundingSignatures)
	if err != nil {
		return err
	}

	prevOuts, err := PrevOutFetcher(
		c.Offer.FundingInputs, c.Accept.FundingInputs,
	)
	if err != nil {
		return err
	}
	own, err := m.cfg.Wallet.SignFundingInputs(
		ctx, tx, prevOuts, c.Accept.FundingInputs,
	)
	if err != nil {
		return fmt.Errorf("sign funding inputs: %w", err)
	}
	if err := applyWitnesses(tx, c.Accept.FundingInputs, own); err != nil {
		return err
	}

	err = VerifyFundingTx(tx, c.Offer.FundingInputs, c.Accept.FundingInputs)
	if err != nil {
		return err
	}

	c.Sign = sign
	c.FundingTx = tx
	c.State = StateSignReceived
	if err := m.put(ctx, c); err != nil {
		return err
	}

	return m.broadcast(ctx, c)
}

// broadcast publishes the funding transaction of a SignReceived contract
// and marks it funded. A failed broadcast leaves the contract for the next
// CheckFunding.
func (m *Manager) broadcast(ctx context.Context, c *Contract) error {
	if err := m.cfg.Wallet.Broadcast(ctx, c.FundingTx); err != nil {
		log.Warnf("Broadcast of funding tx %v for contract %v failed: %v",
			c.FundingTx.TxHash(), c.ID, err)
		return nil
	}

	c.State = StateFunded
	if err := m.put(ctx, c); err != nil {
		return err
	}

	log.Infof("Contract %v funded by tx %v", c.ID, c.FundingTx.TxHash())

	return nil
}

func (m *Manager) onReject(ctx context.Context, rej *dlcwire.Reject,
	from [32]byte) error {

	c, err := m.fetchFrom(ctx, rej.ContractID, from)
	if errors.Is(err, ErrUnknownContract) {
		log.Debugf("Reject from %x for unknown contract %v: %s", from,
			rej.ContractID, rej.Reason)
		return nil
	}
	if err != nil {
		return err
	}
	if c.State.IsTerminal() {
		return nil
	}

	c.State = StateRejected
	c.RejectReason = rej.Reason
	if err := m.put(ctx, c); err != nil {
		return err
	}

	log.Infof("Contract %v rejected by %x: %s", c.Key(), from, rej.Reason)

	return nil
}

// Reject refuses a received offer. It returns the Reject to send and the
// counterparty's identity key.
func (m *Manager) Reject(ctx context.Context, tempID dlcwire.ContractID,
	reason string) (*dlcwire.Reject, *btcec.PublicKey, error) {

	c, err := m.fetch(ctx, tempID)
	if err != nil {
		return nil, nil, err
	}
	if c.IsOfferer || c.State != StateOfferReceived {
		return nil, nil, &StateTransitionError{
			From: c.State, Kind: dlcwire.MsgReject,
		}
	}

	counterparty, err := envelope.LiftXOnly(c.Counterparty)
	if err != nil {
		return nil, nil, err
	}

	c.State = StateRejected
	c.RejectReason = reason
	if err := m.put(ctx, c); err != nil {
		return nil, nil, err
	}

	return &dlcwire.Reject{ContractID: tempID, Reason: reason},
		counterparty, nil
}

// Contract returns the contract with the given temporary or final id.
func (m *Manager) Contract(ctx context.Context,
	id dlcwire.ContractID) (*Contract, error) {

	return m.fetch(ctx, id)
}

// Contracts returns every contract.
func (m *Manager) Contracts(ctx context.Context) ([]*Contract, error) {
	contracts, err := m.cfg.Store.ListContracts(ctx)
	if err != nil {
		return nil, storageErr(err)
	}

	return contracts, nil
}

// ListOffers returns the received offers awaiting a decision, oldest first.
func (m *Manager) ListOffers(ctx context.Context) ([]*Contract, error) {
	contracts, err := m.Contracts(ctx)
	if err != nil {
		return nil, err
	}

	var offers []*Contract
	for _, c := range contracts {
		if c.State == StateOfferReceived {
			offers = append(offers, c)
		}
	}
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].ReceivedAt.Before(offers[j].ReceivedAt)
	})

	return offers, nil
}

// CheckTimeouts moves contracts that waited longer than the offer timeout
// to Timeout and returns them.
func (m *Manager) CheckTimeouts(ctx context.Context,
	now time.Time) ([]*Contract, error) {

	contracts, err := m.Contracts(ctx)
	if err != nil {
		return nil, err
	}

	var expired []*Contract
	for _, c := range contracts {
		switch c.State {
		case StateOfferSent, StateOfferReceived, StateAcceptSent,
			StateAcceptReceived:

		default:
			continue
		}

		if now.Sub(c.UpdatedAt) <= m.cfg.OfferTimeout {
			continue
		}

		log.Infof("Contract %v timed out in state %v", c.Key(), c.State)

		c.State = StateTimeout
		if err := m.put(ctx, c); err != nil {
			return expired, err
		}
		expired = append(expired, c)
	}

	return expired, nil
}

// CheckFunding marks SignSent contracts whose funding transaction is known
// to the network as funded and retries failed broadcasts. It returns the
// contracts that became funded.
func (m *Manager) CheckFunding(ctx context.Context) ([]*Contract, error) {
	contracts, err := m.Contracts(ctx)
	if err != nil {
		return nil, err
	}

	var funded []*Contract
	for _, c := range contracts {
		switch c.State {
		case StateSignSent:
			txid := c.FundingTx.TxHash()
			seen, err := m.cfg.Wallet.TxSeen(ctx, txid)
			if err != nil {
				log.Debugf("Funding status of %v: %v", c.ID, err)
				continue
			}
			if !seen {
				continue
			}

			c.State = StateFunded
			if err := m.put(ctx, c); err != nil {
				return funded, err
			}
			log.Infof("Contract %v funded", c.ID)

		case StateSignReceived:
			if err := m.broadcast(ctx, c); err != nil {
				return funded, err
			}
			if c.State != StateFunded {
				continue
			}

		default:
			continue
		}

		funded = append(funded, c)
	}

	return funded, nil
}

// Outcome fetches the oracle's attestation for a contract's event and
// returns it with this party's resulting payout.
func (m *Manager) Outcome(ctx context.Context,
	id dlcwire.ContractID) (*oracle.Attestation, btcutil.Amount, error) {

	c, err := m.fetch(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	att, err := m.cfg.Oracle.GetAttestation(
		ctx, c.Offer.ContractInfo.Oracle.EventID,
	)
	if err != nil {
		return nil, 0, err
	}

	payout, ok := c.OwnPayout(att.Outcome)
	if !ok {
		return nil, 0, fmt.Errorf("attested outcome %q not covered by "+
			"contract %v", att.Outcome, c.Key())
	}

	return att, payout, nil
}
