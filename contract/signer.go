package contract

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcdevkit/ddk/dlcwire"
)

var (
	cetTag    = []byte("DLC/cet/v0")
	refundTag = []byte("DLC/refund/v0")
)

// ErrBadSignature is returned when a counterparty signature doesn't verify.
var ErrBadSignature = errors.New("invalid contract signature")

// DigestSigner commits to each CET and the refund transaction with a
// BIP-340 signature over a tagged digest of the funding outpoint, the
// outcome and its payouts. The signature fills the head of the adaptor
// signature slot and the tail stays zero.
//
// TODO(ddk): replace with ECDSA adaptor signatures encrypted to the oracle's
// attestation points once CETs are built.
type DigestSigner struct {
	key *btcec.PrivateKey
}

// A compile time check to ensure DigestSigner implements the Signer
// interface.
var _ Signer = (*DigestSigner)(nil)

// NewDigestSigner creates a signer for the funding key priv.
func NewDigestSigner(priv *btcec.PrivateKey) *DigestSigner {
	return &DigestSigner{key: priv}
}

func fundingOutpoint(c *Contract, fundingTx *wire.MsgTx) []byte {
	txid := fundingTx.TxHash()

	var b [36]byte
	copy(b[:32], txid[:])
	binary.BigEndian.PutUint32(b[32:], c.FundOutputIndex)

	return b[:]
}

func cetDigest(c *Contract, fundingTx *wire.MsgTx,
	outcome dlcwire.OutcomePayout) *chainhash.Hash {

	var payout [8]byte
	binary.BigEndian.PutUint64(payout[:], uint64(outcome.OfferPayout))

	var locktime [4]byte
	binary.BigEndian.PutUint32(locktime[:], c.Offer.CetLocktime)

	return chainhash.TaggedHash(
		cetTag, fundingOutpoint(c, fundingTx), []byte(outcome.Outcome),
		payout[:], locktime[:],
	)
}

func refundDigest(c *Contract, fundingTx *wire.MsgTx) *chainhash.Hash {
	var locktime [4]byte
	binary.BigEndian.PutUint32(locktime[:], c.Offer.RefundLocktime)

	return chainhash.TaggedHash(
		refundTag, fundingOutpoint(c, fundingTx), locktime[:],
	)
}

// SignContract signs every outcome of the contract and its refund.
//
// This is part of the Signer interface.
func (d *DigestSigner) SignContract(_ context.Context, c *Contract,
	fundingTx *wire.MsgTx) ([]dlcwire.AdaptorSig, dlcwire.Sig, error) {

	var refund dlcwire.Sig

	outcomes := c.Offer.ContractInfo.Outcomes
	sigs := make([]dlcwire.AdaptorSig, 0, len(outcomes))
	for _, o := range outcomes {
		sig, err := schnorr.Sign(d.key, cetDigest(c, fundingTx, o)[:])
		if err != nil {
			return nil, refund, err
		}

		var adaptor dlcwire.AdaptorSig
		copy(adaptor[:], sig.Serialize())
		sigs = append(sigs, adaptor)
	}

	sig, err := schnorr.Sign(d.key, refundDigest(c, fundingTx)[:])
	if err != nil {
		return nil, refund, err
	}
	copy(refund[:], sig.Serialize())

	return sigs, refund, nil
}

// VerifyContract checks signatures made by pub with SignContract.
//
// This is part of the Signer interface.
func (d *DigestSigner) VerifyContract(c *Contract, fundingTx *wire.MsgTx,
	pub *btcec.PublicKey, cetSigs []dlcwire.AdaptorSig,
	refundSig dlcwire.Sig) error {

	outcomes := c.Offer.ContractInfo.Outcomes
	if len(cetSigs) != len(outcomes) {
		return fmt.Errorf("%w: %d CET signatures for %d outcomes",
			ErrBadSignature, len(cetSigs), len(outcomes))
	}

	for i, o := range outcomes {
		for _, b := range cetSigs[i][schnorr.SignatureSize:] {
			if b != 0 {
				return fmt.Errorf("%w: outcome %q",
					ErrBadSignature, o.Outcome)
			}
		}

		err := verify(
			pub, cetDigest(c, fundingTx, o),
			cetSigs[i][:schnorr.SignatureSize],
		)
		if err != nil {
			return fmt.Errorf("outcome %q: %w", o.Outcome, err)
		}
	}

	err := verify(pub, refundDigest(c, fundingTx), refundSig[:])
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}

	return nil
}

func verify(pub *btcec.PublicKey, digest *chainhash.Hash, raw []byte) error {
	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if !sig.Verify(digest[:], pub) {
		return ErrBadSignature
	}

	return nil
}
