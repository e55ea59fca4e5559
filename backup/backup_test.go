package backup

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chebizarro/nostr-signer/accounts"
	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/crypto/keystore"
	"github.com/chebizarro/nostr-signer/secretstore"
)

func TestExportImportRoundTrip(t *testing.T) {
	srcBackend := keystore.NewMemoryBackend()
	src := accounts.New(filepath.Join(t.TempDir(), "a.ini"), srcBackend)
	npub, err := src.GenerateKey("main")
	require.NoError(t, err)

	enc, err := Export(secretstore.New(srcBackend), npub, "correct horse", Options{LogN: 4})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(enc, "ncryptsec1"))

	dst := accounts.New(filepath.Join(t.TempDir(), "b.ini"), keystore.NewMemoryBackend())
	_, err = Import(dst, enc, "wrong", "restored")
	require.ErrorIs(t, err, crypto.ErrDecryptFailed)

	got, err := Import(dst, enc, "correct horse", "restored")
	require.NoError(t, err)
	require.Equal(t, npub, got)
	a, ok := dst.Get(npub)
	require.True(t, ok)
	require.Equal(t, "restored", a.Label)
}

func TestExportErrors(t *testing.T) {
	backend := keystore.NewMemoryBackend()
	acc := accounts.New(filepath.Join(t.TempDir(), "a.ini"), backend)
	watched, err := acc.ImportPubkey("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6", "")
	require.NoError(t, err)
	secrets := secretstore.New(backend, secretstore.WithWatchOnly(acc))

	_, err = Export(secrets, watched, "pw", Options{LogN: 4})
	require.ErrorIs(t, err, secretstore.ErrNotFound)

	_, err = Export(secrets, watched, "", Options{})
	require.ErrorIs(t, err, crypto.ErrInvalidKey)
}

func TestImportMnemonic(t *testing.T) {
	acc := accounts.New(filepath.Join(t.TempDir(), "a.ini"), keystore.NewMemoryBackend())
	npub, err := ImportMnemonic(acc, "leader monkey parrot ring guide accident before fence cannon height naive bean", "", 0, "seed")
	require.NoError(t, err)

	pk, err := crypto.ParsePublicKey("17162c921dc4d2518f9a101db33695df1afb56ab82f5ff3e5da6eec3ca5cd917")
	require.NoError(t, err)
	require.Equal(t, pk.NPub(), npub)

	_, err = ImportMnemonic(acc, "leader monkey parrot", "", 0, "")
	require.ErrorIs(t, err, crypto.ErrInvalidMnemonic)
}

func TestNewMnemonicImports(t *testing.T) {
	m, err := NewMnemonic()
	require.NoError(t, err)
	require.Len(t, strings.Fields(m), 24)

	acc := accounts.New(filepath.Join(t.TempDir(), "a.ini"), keystore.NewMemoryBackend())
	first, err := ImportMnemonic(acc, m, "", 0, "zero")
	require.NoError(t, err)
	second, err := ImportMnemonic(acc, m, "", 1, "one")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
