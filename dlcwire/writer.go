package dlcwire

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// ErrNilPublicKey is returned when a nil pubkey is used.
	ErrNilPublicKey = errors.New("cannot write nil pubkey")

	// ErrFieldTooLarge is returned when a variable length field exceeds
	// MaxFieldLen.
	ErrFieldTooLarge = errors.New("field exceeds maximum length")
)

// MaxFieldLen bounds every variable length field. No field of a message
// that passed reassembly can be larger than the reassembly cap.
const MaxFieldLen = 1 << 20

// WriteBytes appends the given bytes to the provided buffer.
func WriteBytes(buf *bytes.Buffer, b []byte) error {
	_, err := buf.Write(b)
	return err
}

// WriteUint8 appends the uint8 to the provided buffer.
func WriteUint8(buf *bytes.Buffer, n uint8) error {
	return buf.WriteByte(n)
}

// WriteUint16 appends the uint16 to the provided buffer. It encodes the
// integer using big endian byte order.
func WriteUint16(buf *bytes.Buffer, n uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], n)
	_, err := buf.Write(b[:])
	return err
}

// WriteUint32 appends the uint32 to the provided buffer. It encodes the
// integer using big endian byte order.
func WriteUint32(buf *bytes.Buffer, n uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	_, err := buf.Write(b[:])
	return err
}

// WriteUint64 appends the uint64 to the provided buffer. It encodes the
// integer using big endian byte order.
func WriteUint64(buf *bytes.Buffer, n uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	_, err := buf.Write(b[:])
	return err
}

// WriteBigSize appends n as a BigSize varint.
func WriteBigSize(buf *bytes.Buffer, n uint64) error {
	var scratch [8]byte
	return tlv.WriteVarInt(buf, n, &scratch)
}

// WriteVarBytes appends b prefixed with its BigSize length.
func WriteVarBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > MaxFieldLen {
		return ErrFieldTooLarge
	}
	if err := WriteBigSize(buf, uint64(len(b))); err != nil {
		return err
	}

	return WriteBytes(buf, b)
}

// WriteString appends s prefixed with its BigSize length.
func WriteString(buf *bytes.Buffer, s string) error {
	return WriteVarBytes(buf, []byte(s))
}

// WriteSatoshi appends the Satoshi value to the provided buffer.
func WriteSatoshi(buf *bytes.Buffer, amount btcutil.Amount) error {
	return WriteUint64(buf, uint64(amount))
}

// WritePublicKey appends the compressed public key to the provided buffer.
func WritePublicKey(buf *bytes.Buffer, pub *btcec.PublicKey) error {
	if pub == nil {
		return ErrNilPublicKey
	}

	return WriteBytes(buf, pub.SerializeCompressed())
}

// WriteContractID appends the ContractID to the provided buffer.
func WriteContractID(buf *bytes.Buffer, id ContractID) error {
	return WriteBytes(buf, id[:])
}

// WriteChainHash appends the chain hash to the provided buffer.
func WriteChainHash(buf *bytes.Buffer, h chainhash.Hash) error {
	return WriteBytes(buf, h[:])
}

// WriteSig appends the signature to the provided buffer.
func WriteSig(buf *bytes.Buffer, sig Sig) error {
	return WriteBytes(buf, sig[:])
}

// WriteAdaptorSigs appends the adaptor signatures with a BigSize count.
func WriteAdaptorSigs(buf *bytes.Buffer, sigs []AdaptorSig) error {
	if err := WriteBigSize(buf, uint64(len(sigs))); err != nil {
		return err
	}
	for _, sig := range sigs {
		if err := WriteBytes(buf, sig[:]); err != nil {
			return err
		}
	}

	return nil
}

// WriteFundingInputs appends the funding inputs with a BigSize count.
func WriteFundingInputs(buf *bytes.Buffer, inputs []FundingInput) error {
	if err := WriteBigSize(buf, uint64(len(inputs))); err != nil {
		return err
	}
	for i := range inputs {
		if err := inputs[i].Encode(buf); err != nil {
			return err
		}
	}

	return nil
}

// WriteWitnesses appends the witness stacks. Each stack is a BigSize count
// of BigSize prefixed elements.
func WriteWitnesses(buf *bytes.Buffer, witnesses []Witness) error {
	if err := WriteBigSize(buf, uint64(len(witnesses))); err != nil {
		return err
	}
	for _, w := range witnesses {
		if err := WriteBigSize(buf, uint64(len(w))); err != nil {
			return err
		}
		for _, elem := range w {
			if err := WriteVarBytes(buf, elem); err != nil {
				return err
			}
		}
	}

	return nil
}
