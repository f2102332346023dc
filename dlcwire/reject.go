package dlcwire

import (
	"bytes"
	"io"
)

// Reject tells the counterparty that a message concerning the contract was
// refused. A zero ContractID refers to a message that could not be decoded
// at all.
type Reject struct {
	// ContractID is the id (or temporary id) of the rejected contract.
	ContractID ContractID

	// Reason is a human readable explanation.
	Reason string
}

// A compile time check to ensure Reject implements the ContractMessage
// interface.
var _ ContractMessage = (*Reject)(nil)

// Encode serializes the target Reject into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (r *Reject) Encode(w *bytes.Buffer) error {
	if err := WriteContractID(w, r.ContractID); err != nil {
		return err
	}

	return WriteString(w, r.Reason)
}

// Decode deserializes the serialized Reject stored in the passed io.Reader.
//
// This is part of the dlcwire.Message interface.
func (r *Reject) Decode(rd io.Reader) error {
	return ReadElements(rd, &r.ContractID, &r.Reason)
}

// MsgType returns the MessageType code which uniquely identifies this message
// as a Reject on the wire.
//
// This is part of the dlcwire.Message interface.
func (r *Reject) MsgType() MessageType {
	return MsgReject
}

// TargetContractID returns the id of the rejected contract.
//
// This is part of the dlcwire.ContractMessage interface.
func (r *Reject) TargetContractID() ContractID {
	return r.ContractID
}
