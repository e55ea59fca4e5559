package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAllowMutations, EnvBackend, EnvConfigDir, EnvDataDir, EnvLogLevel, EnvMetricsAddr} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "cfg", "nostr-signer"), cfg.ConfigDir)
	require.Equal(t, filepath.Join(home, "data", "nostr-signer", "history.db"), cfg.HistoryPath())
	require.Equal(t, filepath.Join(home, "cfg", "nostr-signer", "accounts.ini"), cfg.AccountsPath())
	require.Equal(t, 5*time.Minute, cfg.ApprovalTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.MutationInterval)
	require.False(t, cfg.AllowMutations)
}

func TestLoadFileAndEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: noop
config_dir: /etc/signer
data_dir: /var/lib/signer
approval_timeout: 0s
policy_sweep_interval: 1m
workers: 8
log_level: debug
allow_mutations: true
`), 0o600))

	t.Setenv(EnvBackend, "keychain")
	t.Setenv(EnvAllowMutations, "0")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "keychain", cfg.Backend)
	require.Equal(t, "/etc/signer/policy.ini", cfg.PolicyPath())
	require.Equal(t, "/var/lib/signer/delegations", cfg.DelegationsDir())
	require.Zero(t, cfg.ApprovalTimeout)
	require.Equal(t, time.Minute, cfg.PolicySweepInterval)
	require.Equal(t, 8, cfg.Workers)
	require.False(t, cfg.AllowMutations)
	require.Equal(t, 10*time.Second, cfg.PublishTimeout)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, "DEBUG", lvl.String())
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("workers: [1"), 0o600))
	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\nconfig_dir: /a\ndata_dir: /b\n"), 0o600))
	_, err = Load(path)
	require.ErrorContains(t, err, "log_level")

	require.NoError(t, os.WriteFile(path, []byte("config_dir: /a\ndata_dir: /b\n"), 0o600))
	t.Setenv(EnvAllowMutations, "maybe")
	_, err = Load(path)
	require.ErrorContains(t, err, EnvAllowMutations)
}
