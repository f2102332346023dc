package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

const (
	// KeyFileName is the name of the identity secret file inside the
	// wallet directory.
	KeyFileName = "nostr_keys"

	// SeedFileName is the name of the HD wallet seed file, kept next to
	// the identity.
	SeedFileName = "wallet_seed"

	// keyFilePerm restricts the secret to the owning user.
	keyFilePerm = 0600

	// walletDirPerm is used when the wallet directory must be created.
	walletDirPerm = 0700

	// secretLen is the size of a serialized secp256k1 scalar.
	secretLen = btcec.PrivKeyBytesLen
)

var (
	// ErrKeystoreIO is returned when the identity file can't be read,
	// written or its directory created.
	ErrKeystoreIO = errors.New("keystore i/o failure")

	// ErrKeystoreCorrupt is returned when the identity file exists but
	// doesn't hold a valid 32-byte secp256k1 secret.
	ErrKeystoreCorrupt = errors.New("keystore corrupt")
)

// Identity is the long-term messaging identity of this node. Counterparties
// address it by its x-only public key.
type Identity struct {
	// Priv is the secret scalar.
	Priv *btcec.PrivateKey
}

// NewIdentity wraps an existing private key.
func NewIdentity(priv *btcec.PrivateKey) *Identity {
	return &Identity{Priv: priv}
}

// PubKey returns the full public key of the identity.
func (i *Identity) PubKey() *btcec.PublicKey {
	return i.Priv.PubKey()
}

// XOnly returns the BIP-340 x-only serialization of the public key.
func (i *Identity) XOnly() [32]byte {
	var x [32]byte
	copy(x[:], schnorr.SerializePubKey(i.Priv.PubKey()))

	return x
}

// XOnlyHex returns the hex encoding of the x-only public key, which is the
// identifier carried in event pubkey fields and p-tags.
func (i *Identity) XOnlyHex() string {
	x := i.XOnly()

	return hex.EncodeToString(x[:])
}

// Path returns the location of the identity file for the given wallet.
func Path(walletDir, walletName string) string {
	return filepath.Join(walletDir, walletName, KeyFileName)
}

// LoadOrCreate returns the identity stored under
// <walletDir>/<walletName>/nostr_keys, generating and persisting a fresh one
// if the file doesn't exist yet. Repeated calls return the same identity.
func LoadOrCreate(walletDir, walletName string) (*Identity, error) {
	keyPath := Path(walletDir, walletName)

	secret, created, err := loadOrCreateFile(keyPath, func() ([]byte,
		error) {

		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}

		return priv.Serialize(), nil
	})
	if err != nil {
		return nil, err
	}

	id, err := parseSecret(secret)
	if err != nil {
		return nil, err
	}
	if created {
		log.Infof("Created new identity %v at %v", id.XOnlyHex(),
			keyPath)
	}

	return id, nil
}

// SeedPath returns the location of the wallet seed for the given wallet.
func SeedPath(walletDir, walletName string) string {
	return filepath.Join(walletDir, walletName, SeedFileName)
}

// LoadOrCreateSeed returns the HD wallet seed stored next to the identity,
// generating one on first use.
func LoadOrCreateSeed(walletDir, walletName string) ([]byte, error) {
	seedPath := SeedPath(walletDir, walletName)

	seed, created, err := loadOrCreateFile(seedPath, func() ([]byte,
		error) {

		return hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	})
	if err != nil {
		return nil, err
	}

	if len(seed) < hdkeychain.MinSeedBytes ||
		len(seed) > hdkeychain.MaxSeedBytes {

		return nil, fmt.Errorf("%w: seed of %d bytes",
			ErrKeystoreCorrupt, len(seed))
	}
	if created {
		log.Infof("Created new wallet seed at %v", seedPath)
	}

	return seed, nil
}

// loadOrCreateFile reads the secret at path, or writes the one returned by
// gen if there is none. It reports whether the file was created.
func loadOrCreateFile(path string, gen func() ([]byte, error)) ([]byte,
	bool, error) {

	secret, err := os.ReadFile(path)
	switch {
	case err == nil:
		return secret, false, nil

	case errors.Is(err, os.ErrNotExist):

	default:
		return nil, false, fmt.Errorf("%w: reading %v: %v",
			ErrKeystoreIO, path, err)
	}

	err = os.MkdirAll(filepath.Dir(path), walletDirPerm)
	if err != nil {
		return nil, false, fmt.Errorf("%w: creating wallet dir: %v",
			ErrKeystoreIO, err)
	}

	secret, err = gen()
	if err != nil {
		return nil, false, fmt.Errorf("%w: generating secret: %v",
			ErrKeystoreIO, err)
	}

	// The secret is written to a temporary file and linked into place.
	// Linking fails if the file exists, so a racing process never sees a
	// partial secret and the loser re-reads the winner's file.
	f, err := os.CreateTemp(
		filepath.Dir(path), filepath.Base(path)+".tmp-*",
	)
	if err != nil {
		return nil, false, fmt.Errorf("%w: creating %v: %v",
			ErrKeystoreIO, path, err)
	}
	defer func() {
		_ = os.Remove(f.Name())
	}()

	if err := f.Chmod(keyFilePerm); err != nil {
		_ = f.Close()

		return nil, false, fmt.Errorf("%w: chmod %v: %v",
			ErrKeystoreIO, f.Name(), err)
	}
	if _, err := f.Write(secret); err != nil {
		_ = f.Close()

		return nil, false, fmt.Errorf("%w: writing %v: %v",
			ErrKeystoreIO, f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()

		return nil, false, fmt.Errorf("%w: syncing %v: %v",
			ErrKeystoreIO, f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return nil, false, fmt.Errorf("%w: closing %v: %v",
			ErrKeystoreIO, f.Name(), err)
	}

	err = os.Link(f.Name(), path)
	if errors.Is(err, os.ErrExist) {
		return loadOrCreateFile(path, gen)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: linking %v: %v",
			ErrKeystoreIO, path, err)
	}

	return secret, true, nil
}

// parseSecret validates and decodes a stored secret.
func parseSecret(secret []byte) (*Identity, error) {
	if len(secret) != secretLen {
		return nil, fmt.Errorf("%w: expected %d bytes, found %d",
			ErrKeystoreCorrupt, secretLen, len(secret))
	}

	// The scalar must be in [1, n-1]. SetByteSlice reports overflow for
	// values >= n.
	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(secret); overflow {
		return nil, fmt.Errorf("%w: secret exceeds curve order",
			ErrKeystoreCorrupt)
	}
	if scalar.IsZero() {
		return nil, fmt.Errorf("%w: zero secret", ErrKeystoreCorrupt)
	}

	return NewIdentity(btcec.PrivKeyFromScalar(&scalar)), nil
}
