package contract

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/lightningnetwork/lnd/input"
)

const (
	// FundingTxVersion is the version of every funding transaction.
	FundingTxVersion = 2

	// DustLimit is the smallest change output that is kept. Smaller
	// change goes to fees.
	DustLimit btcutil.Amount = 546

	// P2WPKHWitnessLen is the upper bound of a P2WPKH witness: item
	// count, a 73 byte signature and a 33 byte key with their lengths.
	P2WPKHWitnessLen = 1 + 1 + 73 + 1 + 33

	// baseTxWeight covers version, locktime, counts and the segwit
	// marker and flag.
	baseTxWeight = 4*(4+4+1+1) + 2

	// inputWeight is the non-witness part of an input: outpoint,
	// empty script and sequence.
	inputWeight = 4 * (36 + 1 + 4)

	// p2wshOutputLen is the size of the funding output.
	p2wshOutputLen = 8 + 1 + 34
)

// outputWeight is the weight of an output paying to script.
func outputWeight(script []byte) int64 {
	return 4 * int64(8+1+len(script))
}

// PartyFee is the share of the funding fee a party pays: its own inputs and
// change plus half of the shared transaction overhead and funding output.
func PartyFee(inputs []dlcwire.FundingInput, changeSPK []byte,
	feeRate uint64) btcutil.Amount {

	weight := int64(baseTxWeight+4*p2wshOutputLen) / 2
	for _, in := range inputs {
		weight += inputWeight + int64(in.MaxWitnessLen) +
			4*int64(len(in.RedeemScript))
	}
	weight += outputWeight(changeSPK)

	vsize := (weight + 3) / 4

	return btcutil.Amount(vsize * int64(feeRate))
}

// fundingInput is an input with its decoded previous output.
type fundingInput struct {
	dlcwire.FundingInput

	outPoint wire.OutPoint
	prevOut  *wire.TxOut
}

func decodeFundingInput(in dlcwire.FundingInput) (*fundingInput, error) {
	var prevTx wire.MsgTx
	if err := prevTx.Deserialize(bytes.NewReader(in.PrevTx)); err != nil {
		return nil, fmt.Errorf("%w: bad previous tx: %w",
			ErrInvalidMessage, err)
	}
	if int(in.PrevTxVout) >= len(prevTx.TxOut) {
		return nil, fmt.Errorf("%w: vout %d out of range",
			ErrInvalidMessage, in.PrevTxVout)
	}

	op := wire.OutPoint{Hash: prevTx.TxHash(), Index: in.PrevTxVout}

	return &fundingInput{
		FundingInput: in,
		outPoint:     op,
		prevOut:      prevTx.TxOut[in.PrevTxVout],
	}, nil
}

// decodeFundingInputs decodes inputs and sums their value.
func decodeFundingInputs(inputs []dlcwire.FundingInput) ([]*fundingInput,
	btcutil.Amount, error) {

	var (
		decoded = make([]*fundingInput, 0, len(inputs))
		total   btcutil.Amount
	)
	for _, in := range inputs {
		fi, err := decodeFundingInput(in)
		if err != nil {
			return nil, 0, err
		}
		decoded = append(decoded, fi)
		total += btcutil.Amount(fi.prevOut.Value)
	}

	return decoded, total, nil
}

// partyChange returns the change of a party, zero when below dust.
func partyChange(inputSum, collateral btcutil.Amount,
	inputs []dlcwire.FundingInput, changeSPK []byte,
	feeRate uint64) (btcutil.Amount, error) {

	fee := PartyFee(inputs, changeSPK, feeRate)
	change := inputSum - collateral - fee
	if change < 0 {
		return 0, fmt.Errorf("%w: inputs %v, need %v",
			ErrInsufficientFunds, inputSum, collateral+fee)
	}
	if change < DustLimit {
		return 0, nil
	}

	return change, nil
}

// FundingScript returns the 2-of-2 witness script and output of a contract
// funded by both parties' keys.
func FundingScript(offerKey, acceptKey *btcec.PublicKey,
	total btcutil.Amount) ([]byte, *wire.TxOut, error) {

	return input.GenFundingPkScript(
		offerKey.SerializeCompressed(), acceptKey.SerializeCompressed(),
		int64(total),
	)
}

type serialOutput struct {
	serial uint64
	txOut  *wire.TxOut
}

// BuildFundingTx assembles the unsigned funding transaction of an offer and
// its acceptance. Inputs and outputs are ordered by serial id. It returns
// the transaction and the index of the funding output.
func BuildFundingTx(offer *dlcwire.OfferDlc,
	accept *dlcwire.AcceptDlc) (*wire.MsgTx, uint32, error) {

	offerInputs, offerSum, err := decodeFundingInputs(offer.FundingInputs)
	if err != nil {
		return nil, 0, err
	}
	acceptInputs, acceptSum, err := decodeFundingInputs(
		accept.FundingInputs,
	)
	if err != nil {
		return nil, 0, err
	}

	offerChange, err := partyChange(
		offerSum, offer.OfferCollateral, offer.FundingInputs,
		offer.ChangeSPK, offer.FeeRatePerVByte,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("offerer: %w", err)
	}
	acceptChange, err := partyChange(
		acceptSum, accept.AcceptCollateral, accept.FundingInputs,
		accept.ChangeSPK, offer.FeeRatePerVByte,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("accepter: %w", err)
	}

	_, fundOut, err := FundingScript(
		offer.FundingPubKey, accept.FundingPubKey,
		offer.ContractInfo.TotalCollateral,
	)
	if err != nil {
		return nil, 0, err
	}

	inputs := append(offerInputs, acceptInputs...)
	sort.SliceStable(inputs, func(i, j int) bool {
		return inputs[i].InputSerialID < inputs[j].InputSerialID
	})

	tx := wire.NewMsgTx(FundingTxVersion)
	seen := make(map[wire.OutPoint]struct{}, len(inputs))
	for _, in := range inputs {
		if _, ok := seen[in.outPoint]; ok {
			return nil, 0, fmt.Errorf("%w: input %v spent twice",
				ErrInvalidMessage, in.outPoint)
		}
		seen[in.outPoint] = struct{}{}

		txIn := wire.NewTxIn(&in.outPoint, nil, nil)
		txIn.Sequence = in.Sequence
		if len(in.RedeemScript) > 0 {
			builder := txscript.NewScriptBuilder()
			builder.AddData(in.RedeemScript)
			sigScript, err := builder.Script()
			if err != nil {
				return nil, 0, err
			}
			txIn.SignatureScript = sigScript
		}
		tx.AddTxIn(txIn)
	}

	outputs := []serialOutput{{
		serial: offer.FundOutputSerialID,
		txOut:  fundOut,
	}}
	if offerChange > 0 {
		outputs = append(outputs, serialOutput{
			serial: offer.ChangeSerialID,
			txOut: wire.NewTxOut(
				int64(offerChange), offer.ChangeSPK,
			),
		})
	}
	if acceptChange > 0 {
		outputs = append(outputs, serialOutput{
			serial: accept.ChangeSerialID,
			txOut: wire.NewTxOut(
				int64(acceptChange), accept.ChangeSPK,
			),
		})
	}
	sort.SliceStable(outputs, func(i, j int) bool {
		return outputs[i].serial < outputs[j].serial
	})

	var fundIndex uint32
	for i, out := range outputs {
		if out.txOut == fundOut {
			fundIndex = uint32(i)
		}
		tx.AddTxOut(out.txOut)
	}

	return tx, fundIndex, nil
}

// ComputeContractID derives the final contract id: the funding txid XOR the
// temporary id, with the funding output index XORed into the last two
// bytes.
func ComputeContractID(fundingTx *wire.MsgTx, fundIndex uint32,
	tempID dlcwire.ContractID) dlcwire.ContractID {

	txid := fundingTx.TxHash()

	var id dlcwire.ContractID
	for i := range id {
		id[i] = txid[i] ^ tempID[i]
	}

	var idx [2]byte
	binary.BigEndian.PutUint16(idx[:], uint16(fundIndex))
	id[30] ^= idx[0]
	id[31] ^= idx[1]

	return id
}

// applyWitnesses sets the witnesses of inputs on tx, matched by outpoint.
func applyWitnesses(tx *wire.MsgTx, inputs []dlcwire.FundingInput,
	witnesses []dlcwire.Witness) error {

	if len(inputs) != len(witnesses) {
		return fmt.Errorf("%w: %d witnesses for %d inputs",
			ErrInvalidMessage, len(witnesses), len(inputs))
	}

	for i, in := range inputs {
		fi, err := decodeFundingInput(in)
		if err != nil {
			return err
		}

		idx := inputIndex(tx, fi.outPoint)
		if idx < 0 {
			return fmt.Errorf("%w: input %v not in funding tx",
				ErrInvalidMessage, fi.outPoint)
		}
		tx.TxIn[idx].Witness = wire.TxWitness(witnesses[i])
	}

	return nil
}

func inputIndex(tx *wire.MsgTx, op wire.OutPoint) int {
	for i, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint == op {
			return i
		}
	}

	return -1
}

// PrevOutFetcher resolves the previous outputs of every given input set.
// Signing or verifying a funding transaction needs the outputs spent by both
// parties.
func PrevOutFetcher(inputs ...[]dlcwire.FundingInput) (
	*txscript.MultiPrevOutFetcher, error) {

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, set := range inputs {
		for _, in := range set {
			fi, err := decodeFundingInput(in)
			if err != nil {
				return nil, err
			}
			fetcher.AddPrevOut(fi.outPoint, fi.prevOut)
		}
	}

	return fetcher, nil
}

// CheckPrevOuts fails unless fetcher resolves every input of tx.
func CheckPrevOuts(tx *wire.MsgTx, fetcher txscript.PrevOutputFetcher) error {
	for _, txIn := range tx.TxIn {
		if fetcher.FetchPrevOutput(txIn.PreviousOutPoint) == nil {
			return fmt.Errorf("%w: unknown input %v",
				ErrInvalidMessage, txIn.PreviousOutPoint)
		}
	}

	return nil
}

// VerifyFundingTx runs the script engine over every input of a fully signed
// funding transaction.
func VerifyFundingTx(tx *wire.MsgTx, inputs ...[]dlcwire.FundingInput) error {
	fetcher, err := PrevOutFetcher(inputs...)
	if err != nil {
		return err
	}
	if err := CheckPrevOuts(tx, fetcher); err != nil {
		return err
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, txIn := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher,
		)
		if err != nil {
			return err
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("%w: input %d: %w", ErrInvalidMessage,
				i, err)
		}
	}

	return nil
}
