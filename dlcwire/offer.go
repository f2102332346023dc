package dlcwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// OfferMaturityType is the TLV type of the optional event maturity
	// hint in the extension stream of an Offer.
	OfferMaturityType tlv.Type = 1
)

// OfferDlc is sent by the offering party to propose a contract. It carries
// the contract terms and the offerer's funding contribution.
type OfferDlc struct {
	// ProtocolVersion is the DLC protocol version of the offerer.
	ProtocolVersion uint32

	// ContractFlags is reserved for future use.
	ContractFlags uint8

	// ChainHash is the genesis hash of the chain the contract lives on.
	ChainHash chainhash.Hash

	// TemporaryContractID identifies the contract until the funding
	// transaction is known.
	TemporaryContractID ContractID

	// ContractInfo is the payout structure.
	ContractInfo ContractInfo

	// FundingPubKey is the offerer's key in the 2-of-2 funding output.
	FundingPubKey *btcec.PublicKey

	// PayoutSPK is the script the offerer's payouts go to.
	PayoutSPK []byte

	// PayoutSerialID orders the payout output in CETs.
	PayoutSerialID uint64

	// OfferCollateral is the offerer's share of the total collateral.
	OfferCollateral btcutil.Amount

	// FundingInputs are the offerer's inputs to the funding transaction.
	FundingInputs []FundingInput

	// ChangeSPK receives the offerer's change.
	ChangeSPK []byte

	// ChangeSerialID orders the offerer's change output.
	ChangeSerialID uint64

	// FundOutputSerialID orders the funding output.
	FundOutputSerialID uint64

	// FeeRatePerVByte is the fee rate for the funding transaction and
	// CETs.
	FeeRatePerVByte uint64

	// CetLocktime is the nLockTime of every CET.
	CetLocktime uint32

	// RefundLocktime is the nLockTime of the refund transaction.
	RefundLocktime uint32

	// MaturityEpoch is an optional hint of when the oracle is expected to
	// attest, carried in the TLV extension stream.
	MaturityEpoch fn.Option[uint32]
}

// A compile time check to ensure OfferDlc implements the ContractMessage
// interface.
var _ ContractMessage = (*OfferDlc)(nil)

// Encode serializes the target OfferDlc into the passed buffer.
//
// This is part of the dlcwire.Message interface.
func (o *OfferDlc) Encode(w *bytes.Buffer) error {
	if err := WriteUint32(w, o.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteUint8(w, o.ContractFlags); err != nil {
		return err
	}
	if err := WriteChainHash(w, o.ChainHash); err != nil {
		return err
	}
	if err := WriteContractID(w, o.TemporaryContractID); err != nil {
		return err
	}
	if err := o.ContractInfo.Encode(w); err != nil {
		return err
	}
	if err := WritePublicKey(w, o.FundingPubKey); err != nil {
		return err
	}
	if err := WriteVarBytes(w, o.PayoutSPK); err != nil {
		return err
	}
	if err := WriteUint64(w, o.PayoutSerialID); err != nil {
		return err
	}
	if err := WriteSatoshi(w, o.OfferCollateral); err != nil {
		return err
	}
	if err := WriteFundingInputs(w, o.FundingInputs); err != nil {
		return err
	}
	if err := WriteVarBytes(w, o.ChangeSPK); err != nil {
		return err
	}
	if err := WriteUint64(w, o.ChangeSerialID); err != nil {
		return err
	}
	if err := WriteUint64(w, o.FundOutputSerialID); err != nil {
		return err
	}
	if err := WriteUint64(w, o.FeeRatePerVByte); err != nil {
		return err
	}
	if err := WriteUint32(w, o.CetLocktime); err != nil {
		return err
	}
	if err := WriteUint32(w, o.RefundLocktime); err != nil {
		return err
	}

	var records []tlv.Record
	o.MaturityEpoch.WhenSome(func(epoch uint32) {
		records = append(
			records, tlv.MakePrimitiveRecord(
				OfferMaturityType, &epoch,
			),
		)
	})

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode deserializes the serialized OfferDlc stored in the passed
// io.Reader. The TLV extension stream consumes the rest of the reader.
//
// This is part of the dlcwire.Message interface.
func (o *OfferDlc) Decode(r io.Reader) error {
	err := ReadElements(r,
		&o.ProtocolVersion,
		&o.ContractFlags,
		&o.ChainHash,
		&o.TemporaryContractID,
		&o.ContractInfo,
		&o.FundingPubKey,
		&o.PayoutSPK,
		&o.PayoutSerialID,
		&o.OfferCollateral,
		&o.FundingInputs,
		&o.ChangeSPK,
		&o.ChangeSerialID,
		&o.FundOutputSerialID,
		&o.FeeRatePerVByte,
		&o.CetLocktime,
		&o.RefundLocktime,
	)
	if err != nil {
		return err
	}

	var epoch uint32
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(OfferMaturityType, &epoch),
	)
	if err != nil {
		return err
	}

	typeMap, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return err
	}

	o.MaturityEpoch = fn.None[uint32]()
	if _, ok := typeMap[OfferMaturityType]; ok {
		o.MaturityEpoch = fn.Some(epoch)
	}

	return nil
}

// MsgType returns the MessageType code which uniquely identifies this message
// as an OfferDlc on the wire.
//
// This is part of the dlcwire.Message interface.
func (o *OfferDlc) MsgType() MessageType {
	return MsgOffer
}

// TargetContractID returns the temporary contract id.
//
// This is part of the dlcwire.ContractMessage interface.
func (o *OfferDlc) TargetContractID() ContractID {
	return o.TemporaryContractID
}

// AcceptCollateral is the collateral the accepting party must contribute.
func (o *OfferDlc) AcceptCollateral() btcutil.Amount {
	return o.ContractInfo.TotalCollateral - o.OfferCollateral
}
