package dlcwire

import (
	"bytes"
	"io"
)

// SignDlc completes contract setup: the offerer returns its CET and refund
// signatures along with the witnesses for its funding inputs. Once the
// accepter adds its own witnesses the funding transaction can be broadcast.
type SignDlc struct {
	// ProtocolVersion is the DLC protocol version of the offerer.
	ProtocolVersion uint32

	// ContractID is the final id derived from the funding outpoint.
	ContractID ContractID

	// CetAdaptorSigs holds the offerer's adaptor signature per outcome.
	CetAdaptorSigs []AdaptorSig

	// RefundSig is the offerer's signature of the refund transaction.
	RefundSig Sig

	// FundingSignatures holds one witness per offerer funding input, in
	// the order of the offer's funding inputs.
	FundingSignatures []Witness
}

// A compile time check to ensure SignDlc implements the ContractMessage
// interface.
var _ ContractMessage = (*SignDlc)(nil)

// Encode serializes the target SignDlc into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (s *SignDlc) Encode(w *bytes.Buffer) error {
	if err := WriteUint32(w, s.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteContractID(w, s.ContractID); err != nil {
		return err
	}
	if err := WriteAdaptorSigs(w, s.CetAdaptorSigs); err != nil {
		return err
	}
	if err := WriteSig(w, s.RefundSig); err != nil {
		return err
	}

	return WriteWitnesses(w, s.FundingSignatures)
}

// Decode deserializes the serialized SignDlc stored in the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (s *SignDlc) Decode(r io.Reader) error {
	return ReadElements(r,
		&s.ProtocolVersion,
		&s.ContractID,
		&s.CetAdaptorSigs,
		&s.RefundSig,
		&s.FundingSignatures,
	)
}

// MsgType returns the MessageType code which uniquely identifies this message
// as a SignDlc on the wire.
//
// This is part of the dlcwire.Message interface.
func (s *SignDlc) MsgType() MessageType {
	return MsgSign
}

// TargetContractID returns the final contract id.
//
// This is part of the dlcwire.ContractMessage interface.
func (s *SignDlc) TargetContractID() ContractID {
	return s.ContractID
}
