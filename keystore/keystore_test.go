package keystore

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLoadOrCreateStable asserts a freshly created identity is returned again
// by later calls and the secret is stored with owner-only permissions.
func TestLoadOrCreateStable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first, err := LoadOrCreate(dir, "alice")
	require.NoError(t, err)

	second, err := LoadOrCreate(dir, "alice")
	require.NoError(t, err)

	require.Equal(t, first.XOnly(), second.XOnly())
	require.True(t, first.PubKey().IsEqual(second.PubKey()))

	info, err := os.Stat(Path(dir, "alice"))
	require.NoError(t, err)
	require.Equal(t, int64(secretLen), info.Size())
	require.Equal(t, os.FileMode(keyFilePerm), info.Mode().Perm())

	// A different wallet name gets its own identity.
	other, err := LoadOrCreate(dir, "bob")
	require.NoError(t, err)
	require.NotEqual(t, first.XOnly(), other.XOnly())
}

// TestLoadOrCreateCorrupt asserts malformed secrets are rejected rather than
// silently replaced.
func TestLoadOrCreateCorrupt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		secret []byte
	}{
		{
			name:   "short",
			secret: []byte{1, 2, 3},
		},
		{
			name:   "long",
			secret: bytes.Repeat([]byte{1}, 33),
		},
		{
			name:   "zero",
			secret: make([]byte, 32),
		},
		{
			name:   "overflow",
			secret: bytes.Repeat([]byte{0xff}, 32),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			keyPath := Path(dir, "w")
			require.NoError(t, os.MkdirAll(
				filepath.Dir(keyPath), 0700,
			))
			require.NoError(t, os.WriteFile(
				keyPath, test.secret, 0600,
			))

			_, err := LoadOrCreate(dir, "w")
			require.ErrorIs(t, err, ErrKeystoreCorrupt)

			// The corrupt file must be left untouched.
			stored, err := os.ReadFile(keyPath)
			require.NoError(t, err)
			require.Equal(t, test.secret, stored)
		})
	}
}

// TestLoadOrCreateIOError asserts an unusable wallet directory surfaces as an
// I/O failure.
func TestLoadOrCreateIOError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// A regular file where the wallet directory should be.
	blocker := filepath.Join(dir, "w")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	_, err := LoadOrCreate(dir, "w")
	require.ErrorIs(t, err, ErrKeystoreIO)
}

// TestLoadOrCreateSeed asserts the wallet seed is stable, lives next to the
// identity and is independent of it.
func TestLoadOrCreateSeed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	id, err := LoadOrCreate(dir, "alice")
	require.NoError(t, err)

	seed, err := LoadOrCreateSeed(dir, "alice")
	require.NoError(t, err)
	require.Len(t, seed, 32)
	require.NotEqual(t, id.Priv.Serialize(), seed)

	again, err := LoadOrCreateSeed(dir, "alice")
	require.NoError(t, err)
	require.Equal(t, seed, again)

	require.Equal(t, filepath.Dir(Path(dir, "alice")),
		filepath.Dir(SeedPath(dir, "alice")))

	// A truncated seed is refused.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bob"), 0700))
	require.NoError(t, os.WriteFile(SeedPath(dir, "bob"), []byte{1}, 0600))
	_, err = LoadOrCreateSeed(dir, "bob")
	require.ErrorIs(t, err, ErrKeystoreCorrupt)
}

// TestLoadOrCreateConcurrent asserts callers racing to create the identity
// all end up with the same complete secret and no temporary files remain.
func TestLoadOrCreateConcurrent(t *testing.T) {
	t.Parallel()

	const callers = 16

	dir := t.TempDir()

	var (
		wg   sync.WaitGroup
		ids  = make([]*Identity, callers)
		errs = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = LoadOrCreate(dir, "alice")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0].XOnly(), ids[i].XOnly())
	}

	entries, err := os.ReadDir(filepath.Join(dir, "alice"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, KeyFileName, entries[0].Name())
}
