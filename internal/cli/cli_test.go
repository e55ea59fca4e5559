package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chebizarro/nostr-signer/accounts"
	"github.com/chebizarro/nostr-signer/crypto/keystore"
	"github.com/chebizarro/nostr-signer/executor"
)

func openTemp(t *testing.T, backend string) (*Env, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := "backend: " + backend + "\nconfig_dir: " + filepath.Join(dir, "cfg") + "\ndata_dir: " + filepath.Join(dir, "data") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	for _, k := range []string{"NOSTR_SIGNER_BACKEND", "NOSTR_SIGNER_CONFIG_DIR", "NOSTR_SIGNER_DATA_DIR", "NOSTR_SIGNER_LOG_LEVEL", "NOSTR_SIGNER_ALLOW_SECRET_MUTATIONS"} {
		t.Setenv(k, "")
	}
	return Open(path)
}

func TestOpenAndResolve(t *testing.T) {
	env, err := openTemp(t, keystore.BackendMemory)
	require.NoError(t, err)
	require.Equal(t, keystore.BackendMemory, env.Backend.Name())

	_, err = env.ResolveIdentity("")
	require.Error(t, err)

	npub, err := env.Accounts.GenerateKey("alice")
	require.NoError(t, err)
	require.NoError(t, env.Accounts.SetActive(npub))

	got, err := env.ResolveIdentity("")
	require.NoError(t, err)
	require.Equal(t, npub, got)

	got, err = env.ResolveIdentity("ALI")
	require.NoError(t, err)
	require.Equal(t, npub, got)

	got, err = env.ResolveIdentity(npub)
	require.NoError(t, err)
	require.Equal(t, npub, got)

	_, err = env.ResolveIdentity("bob")
	require.ErrorIs(t, err, accounts.ErrNotFound)

	require.True(t, env.Secrets.HasSecret(npub))
}

func TestOpenUnavailableBackend(t *testing.T) {
	_, err := openTemp(t, keystore.BackendNoop)
	require.ErrorIs(t, err, keystore.ErrNotAvailable)

	_, err = openTemp(t, "floppy")
	require.Error(t, err)
}

func TestOpenSharesPoolWithAccounts(t *testing.T) {
	env, err := openTemp(t, keystore.BackendMemory)
	require.NoError(t, err)
	require.NotNil(t, env.Pool)

	res := <-env.Accounts.SyncWithSecretsAsync(context.Background())
	require.NoError(t, res.Err)

	// once the shared pool is closed, background syncs are refused
	env.Close()
	res = <-env.Accounts.SyncWithSecretsAsync(context.Background())
	require.ErrorIs(t, res.Err, executor.ErrClosed)
}
