package dlcwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// RenewOffer proposes to replace the terms of an established contract
// without closing the funding output.
type RenewOffer struct {
	ContractID          ContractID
	TemporaryContractID ContractID
	CounterPayout       btcutil.Amount
	NextPerUpdatePoint  *btcec.PublicKey
	ContractInfo        ContractInfo
	CetLocktime         uint32
	RefundLocktime      uint32
}

var _ ContractMessage = (*RenewOffer)(nil)

// Encode serializes the target RenewOffer into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (m *RenewOffer) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, m.ContractID); err != nil {
		return err
	}
	if err := WriteContractID(w, m.TemporaryContractID); err != nil {
		return err
	}
	if err := WriteSatoshi(w, m.CounterPayout); err != nil {
		return err
	}
	if err := WritePublicKey(w, m.NextPerUpdatePoint); err != nil {
		return err
	}
	if err := m.ContractInfo.Encode(w); err != nil {
		return err
	}
	if err := WriteUint32(w, m.CetLocktime); err != nil {
		return err
	}

	return WriteUint32(w, m.RefundLocktime)
}

// Decode deserializes a RenewOffer from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (m *RenewOffer) Decode(r io.Reader) error {
	return ReadElements(r,
		&m.ContractID,
		&m.TemporaryContractID,
		&m.CounterPayout,
		&m.NextPerUpdatePoint,
		&m.ContractInfo,
		&m.CetLocktime,
		&m.RefundLocktime,
	)
}

// MsgType returns MsgRenewOffer.
//
// This is part of the dlcwire.Message interface.
func (m *RenewOffer) MsgType() MessageType {
	return MsgRenewOffer
}

// TargetContractID returns the contract being renewed.
func (m *RenewOffer) TargetContractID() ContractID {
	return m.ContractID
}

// RenewAccept accepts a RenewOffer with signatures for the new CETs.
type RenewAccept struct {
	ContractID         ContractID
	NextPerUpdatePoint *btcec.PublicKey
	CetAdaptorSigs     []AdaptorSig
	RefundSig          Sig
}

var _ ContractMessage = (*RenewAccept)(nil)

// Encode serializes the target RenewAccept into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (m *RenewAccept) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, m.ContractID); err != nil {
		return err
	}
	if err := WritePublicKey(w, m.NextPerUpdatePoint); err != nil {
		return err
	}
	if err := WriteAdaptorSigs(w, m.CetAdaptorSigs); err != nil {
		return err
	}

	return WriteSig(w, m.RefundSig)
}

// Decode deserializes a RenewAccept from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (m *RenewAccept) Decode(r io.Reader) error {
	return ReadElements(r,
		&m.ContractID,
		&m.NextPerUpdatePoint,
		&m.CetAdaptorSigs,
		&m.RefundSig,
	)
}

// MsgType returns MsgRenewAccept.
//
// This is part of the dlcwire.Message interface.
func (m *RenewAccept) MsgType() MessageType {
	return MsgRenewAccept
}

// TargetContractID returns the contract being renewed.
func (m *RenewAccept) TargetContractID() ContractID {
	return m.ContractID
}

// RenewConfirm returns the offerer's signatures for the renewed contract.
type RenewConfirm struct {
	ContractID       ContractID
	BufferAdaptorSig AdaptorSig
	CetAdaptorSigs   []AdaptorSig
	RefundSig        Sig
}

var _ ContractMessage = (*RenewConfirm)(nil)

// Encode serializes the target RenewConfirm into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (m *RenewConfirm) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, m.ContractID); err != nil {
		return err
	}
	if err := WriteBytes(w, m.BufferAdaptorSig[:]); err != nil {
		return err
	}
	if err := WriteAdaptorSigs(w, m.CetAdaptorSigs); err != nil {
		return err
	}

	return WriteSig(w, m.RefundSig)
}

// Decode deserializes a RenewConfirm from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (m *RenewConfirm) Decode(r io.Reader) error {
	return ReadElements(r,
		&m.ContractID,
		&m.BufferAdaptorSig,
		&m.CetAdaptorSigs,
		&m.RefundSig,
	)
}

// MsgType returns MsgRenewConfirm.
//
// This is part of the dlcwire.Message interface.
func (m *RenewConfirm) MsgType() MessageType {
	return MsgRenewConfirm
}

// TargetContractID returns the contract being renewed.
func (m *RenewConfirm) TargetContractID() ContractID {
	return m.ContractID
}

// RenewFinalize reveals the accepter's per update secret for the replaced
// state.
type RenewFinalize struct {
	ContractID      ContractID
	PerUpdateSecret [32]byte
}

var _ ContractMessage = (*RenewFinalize)(nil)

// Encode serializes the target RenewFinalize into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (m *RenewFinalize) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, m.ContractID); err != nil {
		return err
	}

	return WriteBytes(w, m.PerUpdateSecret[:])
}

// Decode deserializes a RenewFinalize from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (m *RenewFinalize) Decode(r io.Reader) error {
	return ReadElements(r, &m.ContractID, &m.PerUpdateSecret)
}

// MsgType returns MsgRenewFinalize.
//
// This is part of the dlcwire.Message interface.
func (m *RenewFinalize) MsgType() MessageType {
	return MsgRenewFinalize
}

// TargetContractID returns the contract being renewed.
func (m *RenewFinalize) TargetContractID() ContractID {
	return m.ContractID
}

// CollaborativeCloseOffer proposes to close the contract cooperatively with
// a single transaction paying both parties.
type CollaborativeCloseOffer struct {
	ContractID    ContractID
	CounterPayout btcutil.Amount
	CloseSig      Sig
}

var _ ContractMessage = (*CollaborativeCloseOffer)(nil)

// Encode serializes the target CollaborativeCloseOffer into the passed
// buffer.
//
// This is part of the dlcwire.Message interface.
func (m *CollaborativeCloseOffer) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, m.ContractID); err != nil {
		return err
	}
	if err := WriteSatoshi(w, m.CounterPayout); err != nil {
		return err
	}

	return WriteSig(w, m.CloseSig)
}

// Decode deserializes a CollaborativeCloseOffer from the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (m *CollaborativeCloseOffer) Decode(r io.Reader) error {
	return ReadElements(r, &m.ContractID, &m.CounterPayout, &m.CloseSig)
}

// MsgType returns MsgCollaborativeCloseOffer.
//
// This is part of the dlcwire.Message interface.
func (m *CollaborativeCloseOffer) MsgType() MessageType {
	return MsgCollaborativeCloseOffer
}

// TargetContractID returns the contract being closed.
func (m *CollaborativeCloseOffer) TargetContractID() ContractID {
	return m.ContractID
}
