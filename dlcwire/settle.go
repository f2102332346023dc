package dlcwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// SettleOffer proposes to settle an established contract off-chain with a
// fixed split of the collateral.
type SettleOffer struct {
	ContractID ContractID

	// CounterPayout is what the receiving party would get.
	CounterPayout btcutil.Amount

	// NextPerUpdatePoint is the sender's per update point for the
	// settled state.
	NextPerUpdatePoint *btcec.PublicKey
}

var _ ContractMessage = (*SettleOffer)(nil)

// Encode serializes the target SettleOffer into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (s *SettleOffer) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, s.ContractID); err != nil {
		return err
	}
	if err := WriteSatoshi(w, s.CounterPayout); err != nil {
		return err
	}

	return WritePublicKey(w, s.NextPerUpdatePoint)
}

// Decode deserializes a SettleOffer from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (s *SettleOffer) Decode(r io.Reader) error {
	return ReadElements(r,
		&s.ContractID, &s.CounterPayout, &s.NextPerUpdatePoint,
	)
}

// MsgType returns MsgSettleOffer.
//
// This is part of the dlcwire.Message interface.
func (s *SettleOffer) MsgType() MessageType {
	return MsgSettleOffer
}

// TargetContractID returns the contract being settled.
func (s *SettleOffer) TargetContractID() ContractID {
	return s.ContractID
}

// SettleAccept accepts a SettleOffer and signs the settle transaction.
type SettleAccept struct {
	ContractID         ContractID
	NextPerUpdatePoint *btcec.PublicKey
	SettleAdaptorSig   AdaptorSig
}

var _ ContractMessage = (*SettleAccept)(nil)

// Encode serializes the target SettleAccept into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (s *SettleAccept) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, s.ContractID); err != nil {
		return err
	}
	if err := WritePublicKey(w, s.NextPerUpdatePoint); err != nil {
		return err
	}

	return WriteBytes(w, s.SettleAdaptorSig[:])
}

// Decode deserializes a SettleAccept from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (s *SettleAccept) Decode(r io.Reader) error {
	return ReadElements(r,
		&s.ContractID, &s.NextPerUpdatePoint, &s.SettleAdaptorSig,
	)
}

// MsgType returns MsgSettleAccept.
//
// This is part of the dlcwire.Message interface.
func (s *SettleAccept) MsgType() MessageType {
	return MsgSettleAccept
}

// TargetContractID returns the contract being settled.
func (s *SettleAccept) TargetContractID() ContractID {
	return s.ContractID
}

// SettleConfirm reveals the offerer's previous per update secret and
// returns its settle signature.
type SettleConfirm struct {
	ContractID          ContractID
	PrevPerUpdateSecret [32]byte
	SettleAdaptorSig    AdaptorSig
}

var _ ContractMessage = (*SettleConfirm)(nil)

// Encode serializes the target SettleConfirm into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (s *SettleConfirm) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, s.ContractID); err != nil {
		return err
	}
	if err := WriteBytes(w, s.PrevPerUpdateSecret[:]); err != nil {
		return err
	}

	return WriteBytes(w, s.SettleAdaptorSig[:])
}

// Decode deserializes a SettleConfirm from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (s *SettleConfirm) Decode(r io.Reader) error {
	return ReadElements(r,
		&s.ContractID, &s.PrevPerUpdateSecret, &s.SettleAdaptorSig,
	)
}

// MsgType returns MsgSettleConfirm.
//
// This is part of the dlcwire.Message interface.
func (s *SettleConfirm) MsgType() MessageType {
	return MsgSettleConfirm
}

// TargetContractID returns the contract being settled.
func (s *SettleConfirm) TargetContractID() ContractID {
	return s.ContractID
}

// SettleFinalize reveals the accepter's previous per update secret,
// completing the settlement.
type SettleFinalize struct {
	ContractID          ContractID
	PrevPerUpdateSecret [32]byte
}

var _ ContractMessage = (*SettleFinalize)(nil)

// Encode serializes the target SettleFinalize into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (s *SettleFinalize) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, s.ContractID); err != nil {
		return err
	}

	return WriteBytes(w, s.PrevPerUpdateSecret[:])
}

// Decode deserializes a SettleFinalize from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (s *SettleFinalize) Decode(r io.Reader) error {
	return ReadElements(r, &s.ContractID, &s.PrevPerUpdateSecret)
}

// MsgType returns MsgSettleFinalize.
//
// This is part of the dlcwire.Message interface.
func (s *SettleFinalize) MsgType() MessageType {
	return MsgSettleFinalize
}

// TargetContractID returns the contract being settled.
func (s *SettleFinalize) TargetContractID() ContractID {
	return s.ContractID
}
