package dlcwire

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"pgregory.net/rapid"
)

// TestMessage is an interface that extends the base Message interface with a
// method to populate the message with random testing data.
type TestMessage interface {
	Message

	// RandTestMessage populates the message with random data suitable for
	// testing. It uses the rapid testing framework to generate random
	// values.
	RandTestMessage(t *rapid.T) Message
}

// RandContractID draws a random contract id.
func RandContractID(t *rapid.T, label string) ContractID {
	var id ContractID
	copy(id[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, label))

	return id
}

// RandPubKey draws a random public key.
func RandPubKey(t *rapid.T, label string) *btcec.PublicKey {
	seed := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, label)
	_, pub := btcec.PrivKeyFromBytes(seed)

	return pub
}

// randBytes draws a nil or non-empty byte slice of at most max bytes, so a
// decoded slice compares equal to the generated one.
func randBytes(t *rapid.T, label string, max int) []byte {
	b := rapid.SliceOfN(rapid.Byte(), 0, max).Draw(t, label)
	if len(b) == 0 {
		return nil
	}

	return b
}

func randAmount(t *rapid.T, label string) btcutil.Amount {
	return btcutil.Amount(rapid.Int64Range(0, 21e14).Draw(t, label))
}

func randSig(t *rapid.T, label string) Sig {
	var sig Sig
	copy(sig[:], rapid.SliceOfN(rapid.Byte(), 64, 64).Draw(t, label))

	return sig
}

func randAdaptorSig(t *rapid.T, label string) AdaptorSig {
	var sig AdaptorSig
	copy(sig[:], rapid.SliceOfN(
		rapid.Byte(), AdaptorSigLen, AdaptorSigLen,
	).Draw(t, label))

	return sig
}

func randAdaptorSigs(t *rapid.T, label string) []AdaptorSig {
	n := rapid.IntRange(0, 4).Draw(t, label+"Count")
	if n == 0 {
		return nil
	}

	sigs := make([]AdaptorSig, n)
	for i := range sigs {
		sigs[i] = randAdaptorSig(t, label)
	}

	return sigs
}

func randSecret(t *rapid.T, label string) [32]byte {
	var s [32]byte
	copy(s[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, label))

	return s
}

// RandFundingInputs draws up to max funding inputs.
func RandFundingInputs(t *rapid.T, max int) []FundingInput {
	n := rapid.IntRange(0, max).Draw(t, "numInputs")
	if n == 0 {
		return nil
	}

	inputs := make([]FundingInput, n)
	for i := range inputs {
		inputs[i] = FundingInput{
			InputSerialID: rapid.Uint64().Draw(t, "inputSerialID"),
			PrevTx:        randBytes(t, "prevTx", 300),
			PrevTxVout:    rapid.Uint32().Draw(t, "prevTxVout"),
			Sequence:      rapid.Uint32().Draw(t, "sequence"),
			MaxWitnessLen: rapid.Uint16().Draw(t, "maxWitnessLen"),
			RedeemScript:  randBytes(t, "redeemScript", 40),
		}
	}

	return inputs
}

// RandContractInfo draws a contract info with up to maxOutcomes outcomes.
func RandContractInfo(t *rapid.T, maxOutcomes int) ContractInfo {
	var info ContractInfo
	info.TotalCollateral = randAmount(t, "totalCollateral")

	n := rapid.IntRange(0, maxOutcomes).Draw(t, "numOutcomes")
	for i := 0; i < n; i++ {
		info.Outcomes = append(info.Outcomes, OutcomePayout{
			Outcome:     rapid.StringN(0, 20, -1).Draw(t, "outcome"),
			OfferPayout: randAmount(t, "offerPayout"),
		})
	}

	info.Oracle = OracleInfo{
		PublicKey:    randSecret(t, "oraclePubKey"),
		EventID:      rapid.StringN(0, 30, -1).Draw(t, "eventID"),
		Announcement: randBytes(t, "announcement", 200),
	}

	return info
}

var _ TestMessage = (*OfferDlc)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (o *OfferDlc) RandTestMessage(t *rapid.T) Message {
	var chainHash chainhash.Hash
	copy(chainHash[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(
		t, "chainHash",
	))

	maturity := fn.None[uint32]()
	if rapid.Bool().Draw(t, "hasMaturity") {
		maturity = fn.Some(rapid.Uint32().Draw(t, "maturity"))
	}

	return &OfferDlc{
		ProtocolVersion:     rapid.Uint32().Draw(t, "protocolVersion"),
		ContractFlags:       rapid.Uint8().Draw(t, "contractFlags"),
		ChainHash:           chainHash,
		TemporaryContractID: RandContractID(t, "tempID"),
		ContractInfo:        RandContractInfo(t, 5),
		FundingPubKey:       RandPubKey(t, "fundingPubKey"),
		PayoutSPK:           randBytes(t, "payoutSPK", 34),
		PayoutSerialID:      rapid.Uint64().Draw(t, "payoutSerialID"),
		OfferCollateral:     randAmount(t, "offerCollateral"),
		FundingInputs:       RandFundingInputs(t, 3),
		ChangeSPK:           randBytes(t, "changeSPK", 34),
		ChangeSerialID:      rapid.Uint64().Draw(t, "changeSerialID"),
		FundOutputSerialID:  rapid.Uint64().Draw(t, "fundSerialID"),
		FeeRatePerVByte:     rapid.Uint64().Draw(t, "feeRate"),
		CetLocktime:         rapid.Uint32().Draw(t, "cetLocktime"),
		RefundLocktime:      rapid.Uint32().Draw(t, "refundLocktime"),
		MaturityEpoch:       maturity,
	}
}

var _ TestMessage = (*AcceptDlc)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (a *AcceptDlc) RandTestMessage(t *rapid.T) Message {
	return &AcceptDlc{
		ProtocolVersion:     rapid.Uint32().Draw(t, "protocolVersion"),
		TemporaryContractID: RandContractID(t, "tempID"),
		AcceptCollateral:    randAmount(t, "acceptCollateral"),
		FundingPubKey:       RandPubKey(t, "fundingPubKey"),
		PayoutSPK:           randBytes(t, "payoutSPK", 34),
		PayoutSerialID:      rapid.Uint64().Draw(t, "payoutSerialID"),
		FundingInputs:       RandFundingInputs(t, 3),
		ChangeSPK:           randBytes(t, "changeSPK", 34),
		ChangeSerialID:      rapid.Uint64().Draw(t, "changeSerialID"),
		CetAdaptorSigs:      randAdaptorSigs(t, "cetSigs"),
		RefundSig:           randSig(t, "refundSig"),
	}
}

var _ TestMessage = (*SignDlc)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (s *SignDlc) RandTestMessage(t *rapid.T) Message {
	var witnesses []Witness
	numWitnesses := rapid.IntRange(0, 3).Draw(t, "numWitnesses")
	for i := 0; i < numWitnesses; i++ {
		var w Witness
		numElems := rapid.IntRange(0, 3).Draw(t, "numElems")
		for j := 0; j < numElems; j++ {
			w = append(w, rapid.SliceOfN(rapid.Byte(), 1, 73).Draw(
				t, "witnessElem",
			))
		}
		witnesses = append(witnesses, w)
	}

	return &SignDlc{
		ProtocolVersion:   rapid.Uint32().Draw(t, "protocolVersion"),
		ContractID:        RandContractID(t, "contractID"),
		CetAdaptorSigs:    randAdaptorSigs(t, "cetSigs"),
		RefundSig:         randSig(t, "refundSig"),
		FundingSignatures: witnesses,
	}
}

var _ TestMessage = (*Reject)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (r *Reject) RandTestMessage(t *rapid.T) Message {
	return &Reject{
		ContractID: RandContractID(t, "contractID"),
		Reason:     rapid.StringN(0, 64, -1).Draw(t, "reason"),
	}
}

var _ TestMessage = (*SegmentStart)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (s *SegmentStart) RandTestMessage(t *rapid.T) Message {
	return &SegmentStart{
		TotalLen: rapid.Uint32().Draw(t, "totalLen"),
		Chunk:    randBytes(t, "chunk", 512),
	}
}

var _ TestMessage = (*SegmentChunk)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (s *SegmentChunk) RandTestMessage(t *rapid.T) Message {
	return &SegmentChunk{
		Seq:   rapid.Uint16().Draw(t, "seq"),
		Chunk: randBytes(t, "chunk", 512),
	}
}

var _ TestMessage = (*SettleOffer)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (s *SettleOffer) RandTestMessage(t *rapid.T) Message {
	return &SettleOffer{
		ContractID:         RandContractID(t, "contractID"),
		CounterPayout:      randAmount(t, "counterPayout"),
		NextPerUpdatePoint: RandPubKey(t, "perUpdatePoint"),
	}
}

var _ TestMessage = (*SettleAccept)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (s *SettleAccept) RandTestMessage(t *rapid.T) Message {
	return &SettleAccept{
		ContractID:         RandContractID(t, "contractID"),
		NextPerUpdatePoint: RandPubKey(t, "perUpdatePoint"),
		SettleAdaptorSig:   randAdaptorSig(t, "settleSig"),
	}
}

var _ TestMessage = (*SettleConfirm)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (s *SettleConfirm) RandTestMessage(t *rapid.T) Message {
	return &SettleConfirm{
		ContractID:          RandContractID(t, "contractID"),
		PrevPerUpdateSecret: randSecret(t, "secret"),
		SettleAdaptorSig:    randAdaptorSig(t, "settleSig"),
	}
}

var _ TestMessage = (*SettleFinalize)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (s *SettleFinalize) RandTestMessage(t *rapid.T) Message {
	return &SettleFinalize{
		ContractID:          RandContractID(t, "contractID"),
		PrevPerUpdateSecret: randSecret(t, "secret"),
	}
}

var _ TestMessage = (*RenewOffer)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (m *RenewOffer) RandTestMessage(t *rapid.T) Message {
	return &RenewOffer{
		ContractID:          RandContractID(t, "contractID"),
		TemporaryContractID: RandContractID(t, "tempID"),
		CounterPayout:       randAmount(t, "counterPayout"),
		NextPerUpdatePoint:  RandPubKey(t, "perUpdatePoint"),
		ContractInfo:        RandContractInfo(t, 3),
		CetLocktime:         rapid.Uint32().Draw(t, "cetLocktime"),
		RefundLocktime:      rapid.Uint32().Draw(t, "refundLocktime"),
	}
}

var _ TestMessage = (*RenewAccept)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (m *RenewAccept) RandTestMessage(t *rapid.T) Message {
	return &RenewAccept{
		ContractID:         RandContractID(t, "contractID"),
		NextPerUpdatePoint: RandPubKey(t, "perUpdatePoint"),
		CetAdaptorSigs:     randAdaptorSigs(t, "cetSigs"),
		RefundSig:          randSig(t, "refundSig"),
	}
}

var _ TestMessage = (*RenewConfirm)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (m *RenewConfirm) RandTestMessage(t *rapid.T) Message {
	return &RenewConfirm{
		ContractID:       RandContractID(t, "contractID"),
		BufferAdaptorSig: randAdaptorSig(t, "bufferSig"),
		CetAdaptorSigs:   randAdaptorSigs(t, "cetSigs"),
		RefundSig:        randSig(t, "refundSig"),
	}
}

var _ TestMessage = (*RenewFinalize)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (m *RenewFinalize) RandTestMessage(t *rapid.T) Message {
	return &RenewFinalize{
		ContractID:      RandContractID(t, "contractID"),
		PerUpdateSecret: randSecret(t, "secret"),
	}
}

var _ TestMessage = (*CollaborativeCloseOffer)(nil)

// RandTestMessage populates the message with random data suitable for testing.
//
// This is part of the TestMessage interface.
func (m *CollaborativeCloseOffer) RandTestMessage(t *rapid.T) Message {
	return &CollaborativeCloseOffer{
		ContractID:    RandContractID(t, "contractID"),
		CounterPayout: randAmount(t, "counterPayout"),
		CloseSig:      randSig(t, "closeSig"),
	}
}
