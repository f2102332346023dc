package envelope

import (
	"crypto/aes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

const (
	// ivSeparator splits the ciphertext from the IV in the content field.
	ivSeparator = "?iv="
)

var (
	// ErrEnvelopeMalformed is returned for content or keys that don't
	// have the expected shape.
	ErrEnvelopeMalformed = errors.New("malformed envelope")

	// ErrDecryptionFailed is returned when the ciphertext doesn't decrypt
	// under the shared secret.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrBase64Invalid is returned when a base64 field can't be decoded.
	ErrBase64Invalid = errors.New("invalid base64")
)

// LiftXOnly returns the public key with the given x coordinate and even y.
// Counterparties are identified by x-only keys, so every ECDH peer key goes
// through this lift.
func LiftXOnly(x [32]byte) (*btcec.PublicKey, error) {
	pub, err := schnorr.ParsePubKey(x[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeMalformed, err)
	}

	return pub, nil
}

// ParseXOnlyHex decodes a hex encoded x-only public key.
func ParseXOnlyHex(s string) ([32]byte, error) {
	var x [32]byte

	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(x) {
		return x, fmt.Errorf("%w: bad x-only key %q",
			ErrEnvelopeMalformed, s)
	}
	copy(x[:], b)

	return x, nil
}

// XOnly returns the x-only serialization of a public key.
func XOnly(pub *btcec.PublicKey) [32]byte {
	var x [32]byte
	copy(x[:], schnorr.SerializePubKey(pub))

	return x
}

// SharedSecret computes the NIP-04 shared secret: the x coordinate of
// priv * lift(peer), not hashed.
func SharedSecret(priv *btcec.PrivateKey, peer [32]byte) ([32]byte, error) {
	var key [32]byte

	secret, err := nip04.ComputeSharedSecret(
		hex.EncodeToString(peer[:]),
		hex.EncodeToString(priv.Serialize()),
	)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrEnvelopeMalformed, err)
	}
	if len(secret) != len(key) {
		return key, fmt.Errorf("%w: shared secret of %d bytes",
			ErrEnvelopeMalformed, len(secret))
	}
	copy(key[:], secret)

	return key, nil
}

// Encrypt encrypts plaintext for peer: AES-256-CBC under the shared secret
// with a random IV and PKCS#7 padding. The result has the form
// base64(ciphertext) + "?iv=" + base64(iv).
func Encrypt(priv *btcec.PrivateKey, peer [32]byte,
	plaintext string) (string, error) {

	key, err := SharedSecret(priv, peer)
	if err != nil {
		return "", err
	}

	return nip04.Encrypt(plaintext, key[:])
}

// Decrypt reverses Encrypt for content sent by peer.
func Decrypt(priv *btcec.PrivateKey, peer [32]byte,
	content string) (string, error) {

	if err := checkContent(content); err != nil {
		return "", err
	}

	key, err := SharedSecret(priv, peer)
	if err != nil {
		return "", err
	}

	plaintext, err := nip04.Decrypt(content, key[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// checkContent validates the shape of a NIP-04 payload before decryption.
func checkContent(content string) error {
	ctPart, ivPart, ok := strings.Cut(content, ivSeparator)
	if !ok {
		return fmt.Errorf("%w: missing iv", ErrEnvelopeMalformed)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return fmt.Errorf("%w: ciphertext: %v", ErrBase64Invalid, err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return fmt.Errorf("%w: iv: %v", ErrBase64Invalid, err)
	}
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("%w: iv of %d bytes", ErrEnvelopeMalformed,
			len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return fmt.Errorf("%w: ciphertext of %d bytes",
			ErrDecryptionFailed, len(ciphertext))
	}

	return nil
}
