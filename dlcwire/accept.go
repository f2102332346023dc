package dlcwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// AcceptDlc is the accepting party's answer to an OfferDlc. It carries the
// accepter's funding contribution and its signatures over the CETs and the
// refund transaction.
type AcceptDlc struct {
	// ProtocolVersion is the DLC protocol version of the accepter.
	ProtocolVersion uint32

	// TemporaryContractID echoes the id of the offer being accepted.
	TemporaryContractID ContractID

	// AcceptCollateral is the accepter's share of the total collateral.
	AcceptCollateral btcutil.Amount

	// FundingPubKey is the accepter's key in the 2-of-2 funding output.
	FundingPubKey *btcec.PublicKey

	// PayoutSPK is the script the accepter's payouts go to.
	PayoutSPK []byte

	// PayoutSerialID orders the payout output in CETs.
	PayoutSerialID uint64

	// FundingInputs are the accepter's inputs to the funding transaction.
	FundingInputs []FundingInput

	// ChangeSPK receives the accepter's change.
	ChangeSPK []byte

	// ChangeSerialID orders the accepter's change output.
	ChangeSerialID uint64

	// CetAdaptorSigs holds one adaptor signature per outcome, in the
	// order of the offer's outcomes.
	CetAdaptorSigs []AdaptorSig

	// RefundSig is the accepter's signature of the refund transaction.
	RefundSig Sig
}

// A compile time check to ensure AcceptDlc implements the ContractMessage
// interface.
var _ ContractMessage = (*AcceptDlc)(nil)

// Encode serializes the target AcceptDlc into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (a *AcceptDlc) Encode(w *bytes.Buffer) error {
	if err := WriteUint32(w, a.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteContractID(w, a.TemporaryContractID); err != nil {
		return err
	}
	if err := WriteSatoshi(w, a.AcceptCollateral); err != nil {
		return err
	}
	if err := WritePublicKey(w, a.FundingPubKey); err != nil {
		return err
	}
	if err := WriteVarBytes(w, a.PayoutSPK); err != nil {
		return err
	}
	if err := WriteUint64(w, a.PayoutSerialID); err != nil {
		return err
	}
	if err := WriteFundingInputs(w, a.FundingInputs); err != nil {
		return err
	}
	if err := WriteVarBytes(w, a.ChangeSPK); err != nil {
		return err
	}
	if err := WriteUint64(w, a.ChangeSerialID); err != nil {
		return err
	}
	if err := WriteAdaptorSigs(w, a.CetAdaptorSigs); err != nil {
		return err
	}

	return WriteSig(w, a.RefundSig)
}

// Decode deserializes the serialized AcceptDlc stored in the passed
// io.Reader.
//
// This is part of the dlcwire.Message interface.
func (a *AcceptDlc) Decode(r io.Reader) error {
	return ReadElements(r,
		&a.ProtocolVersion,
		&a.TemporaryContractID,
		&a.AcceptCollateral,
		&a.FundingPubKey,
		&a.PayoutSPK,
		&a.PayoutSerialID,
		&a.FundingInputs,
		&a.ChangeSPK,
		&a.ChangeSerialID,
		&a.CetAdaptorSigs,
		&a.RefundSig,
	)
}

// MsgType returns the MessageType code which uniquely identifies this message
// as an AcceptDlc on the wire.
//
// This is part of the dlcwire.Message interface.
func (a *AcceptDlc) MsgType() MessageType {
	return MsgAccept
}

// TargetContractID returns the temporary id of the accepted offer.
//
// This is part of the dlcwire.ContractMessage interface.
func (a *AcceptDlc) TargetContractID() ContractID {
	return a.TemporaryContractID
}
