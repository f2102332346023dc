package dlcwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// byteOrder is the preferred byte order for encoding and decoding.
var byteOrder = binary.BigEndian

// Sig is a 64-byte compact signature.
type Sig [64]byte

// AdaptorSigLen is the size of an ECDSA adaptor signature: the 65 byte
// encrypted signature followed by its 97 byte DLEQ proof.
const AdaptorSigLen = 162

// AdaptorSig is a serialized ECDSA adaptor signature over a CET.
type AdaptorSig [AdaptorSigLen]byte

// Witness is a single input's witness stack.
type Witness [][]byte

// maxCount bounds element counts so a hostile length prefix can't force a
// huge allocation before the input runs out.
const maxCount = 1 << 16

// ReadElement is a one-stop utility function to deserialize any datastructure
// encoded using the serialization format of this package.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]

	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = byteOrder.Uint16(b[:])

	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = byteOrder.Uint32(b[:])

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = byteOrder.Uint64(b[:])

	case *btcutil.Amount:
		var a uint64
		if err := ReadElement(r, &a); err != nil {
			return err
		}
		*e = btcutil.Amount(a)

	case *ContractID:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *chainhash.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[32]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *Sig:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *AdaptorSig:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case **btcec.PublicKey:
		var b [btcec.PubKeyBytesLenCompressed]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}

		pubKey, err := btcec.ParsePubKey(b[:])
		if err != nil {
			return err
		}
		*e = pubKey

	case *[]byte:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		*e = b

	case *string:
		b, err := readVarBytes(r)
		if err != nil {
			return err
		}
		*e = string(b)

	case *[]AdaptorSig:
		n, err := readCount(r)
		if err != nil {
			return err
		}

		var sigs []AdaptorSig
		for i := uint64(0); i < n; i++ {
			var sig AdaptorSig
			if _, err := io.ReadFull(r, sig[:]); err != nil {
				return err
			}
			sigs = append(sigs, sig)
		}
		*e = sigs

	case *[]FundingInput:
		n, err := readCount(r)
		if err != nil {
			return err
		}

		var inputs []FundingInput
		for i := uint64(0); i < n; i++ {
			var input FundingInput
			if err := input.Decode(r); err != nil {
				return err
			}
			inputs = append(inputs, input)
		}
		*e = inputs

	case *[]Witness:
		n, err := readCount(r)
		if err != nil {
			return err
		}

		var witnesses []Witness
		for i := uint64(0); i < n; i++ {
			elems, err := readCount(r)
			if err != nil {
				return err
			}

			var w Witness
			for j := uint64(0); j < elems; j++ {
				elem, err := readVarBytes(r)
				if err != nil {
					return err
				}
				w = append(w, elem)
			}
			witnesses = append(witnesses, w)
		}
		*e = witnesses

	case Serializable:
		return e.Decode(r)

	default:
		return fmt.Errorf("unknown type in ReadElement: %T", e)
	}

	return nil
}

// ReadElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the
// ReadElement function.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := ReadElement(r, element); err != nil {
			return err
		}
	}

	return nil
}

// readBigSize reads a BigSize varint.
func readBigSize(r io.Reader) (uint64, error) {
	var scratch [8]byte
	return tlv.ReadVarInt(r, &scratch)
}

// readCount reads a BigSize element count bounded by maxCount.
func readCount(r io.Reader) (uint64, error) {
	n, err := readBigSize(r)
	if err != nil {
		return 0, err
	}
	if n > maxCount {
		return 0, fmt.Errorf("%w: count %d", ErrFieldTooLarge, n)
	}

	return n, nil
}

// readVarBytes reads a BigSize length followed by that many bytes. A nil
// slice is returned for a zero length so decoded messages compare equal to
// the ones that were encoded.
func readVarBytes(r io.Reader) ([]byte, error) {
	n, err := readBigSize(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFieldLen {
		return nil, fmt.Errorf("%w: length %d", ErrFieldTooLarge, n)
	}
	if n == 0 {
		return nil, nil
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	return b, nil
}
