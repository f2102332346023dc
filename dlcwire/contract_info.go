package dlcwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcutil"
)

// FundingInput describes one input a party contributes to the funding
// transaction. The full previous transaction is carried so the counterparty
// can verify the amount being spent.
type FundingInput struct {
	// InputSerialID orders the input within the funding transaction.
	InputSerialID uint64

	// PrevTx is the serialized transaction being spent.
	PrevTx []byte

	// PrevTxVout is the index of the spent output in PrevTx.
	PrevTxVout uint32

	// Sequence is the nSequence of the input.
	Sequence uint32

	// MaxWitnessLen is the upper bound on the witness size, used for fee
	// estimation.
	MaxWitnessLen uint16

	// RedeemScript is set for P2SH-wrapped inputs.
	RedeemScript []byte
}

var _ Serializable = (*FundingInput)(nil)

// Encode serializes the input.
func (f *FundingInput) Encode(w *bytes.Buffer) error {
	if err := WriteUint64(w, f.InputSerialID); err != nil {
		return err
	}
	if err := WriteVarBytes(w, f.PrevTx); err != nil {
		return err
	}
	if err := WriteUint32(w, f.PrevTxVout); err != nil {
		return err
	}
	if err := WriteUint32(w, f.Sequence); err != nil {
		return err
	}
	if err := WriteUint16(w, f.MaxWitnessLen); err != nil {
		return err
	}

	return WriteVarBytes(w, f.RedeemScript)
}

// Decode deserializes the input.
func (f *FundingInput) Decode(r io.Reader) error {
	return ReadElements(r,
		&f.InputSerialID,
		&f.PrevTx,
		&f.PrevTxVout,
		&f.Sequence,
		&f.MaxWitnessLen,
		&f.RedeemScript,
	)
}

// OutcomePayout maps one oracle outcome to the amount the offerer receives
// if the oracle attests to it. The accepter receives the remainder of the
// total collateral.
type OutcomePayout struct {
	Outcome     string
	OfferPayout btcutil.Amount
}

// OracleInfo identifies the oracle event a contract settles on.
type OracleInfo struct {
	// PublicKey is the oracle's x-only attestation key.
	PublicKey [32]byte

	// EventID is the oracle's identifier for the event.
	EventID string

	// Announcement is the serialized signed oracle announcement.
	Announcement []byte
}

// ContractInfo is the payout structure of a contract.
type ContractInfo struct {
	TotalCollateral btcutil.Amount
	Outcomes        []OutcomePayout
	Oracle          OracleInfo
}

var _ Serializable = (*ContractInfo)(nil)

// Encode serializes the contract info.
func (c *ContractInfo) Encode(w *bytes.Buffer) error {
	if err := WriteSatoshi(w, c.TotalCollateral); err != nil {
		return err
	}
	if err := WriteBigSize(w, uint64(len(c.Outcomes))); err != nil {
		return err
	}
	for _, o := range c.Outcomes {
		if err := WriteString(w, o.Outcome); err != nil {
			return err
		}
		if err := WriteSatoshi(w, o.OfferPayout); err != nil {
			return err
		}
	}
	if err := WriteBytes(w, c.Oracle.PublicKey[:]); err != nil {
		return err
	}
	if err := WriteString(w, c.Oracle.EventID); err != nil {
		return err
	}

	return WriteVarBytes(w, c.Oracle.Announcement)
}

// Decode deserializes the contract info.
func (c *ContractInfo) Decode(r io.Reader) error {
	if err := ReadElement(r, &c.TotalCollateral); err != nil {
		return err
	}

	n, err := readCount(r)
	if err != nil {
		return err
	}
	c.Outcomes = nil
	for i := uint64(0); i < n; i++ {
		var o OutcomePayout
		err := ReadElements(r, &o.Outcome, &o.OfferPayout)
		if err != nil {
			return err
		}
		c.Outcomes = append(c.Outcomes, o)
	}

	return ReadElements(r,
		&c.Oracle.PublicKey,
		&c.Oracle.EventID,
		&c.Oracle.Announcement,
	)
}

// PayoutFor returns the offerer's payout for the given outcome.
func (c *ContractInfo) PayoutFor(outcome string) (btcutil.Amount, bool) {
	for _, o := range c.Outcomes {
		if o.Outcome == outcome {
			return o.OfferPayout, true
		}
	}

	return 0, false
}
