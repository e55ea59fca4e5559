// Package cli wires the stores shared by the command line tools.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/chebizarro/nostr-signer/accounts"
	"github.com/chebizarro/nostr-signer/config"
	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/crypto/keystore"
	"github.com/chebizarro/nostr-signer/executor"
	"github.com/chebizarro/nostr-signer/secretstore"
)

// Env holds the stores a tool works on.
type Env struct {
	Config   config.Config
	Logger   *slog.Logger
	Backend  keystore.Backend
	// Pool bounds backend and signing work, sized by Config.Workers.
	Pool     *executor.Pool
	Accounts *accounts.Store
	Secrets  *secretstore.Store
}

// NewLogger returns a JSON logger on w at level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Open loads the configuration at configPath (the default path when empty),
// opens the secret backend and loads the accounts store.
func Open(configPath string) (*Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level, _ := cfg.SlogLevel()
	logger := NewLogger(os.Stderr, level)

	backend, err := keystore.NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if !backend.Available() {
		return nil, fmt.Errorf("%w: %s", keystore.ErrNotAvailable, backend.Name())
	}

	pool := executor.NewPool(cfg.Workers)
	accts := accounts.New(cfg.AccountsPath(), backend, accounts.WithLogger(logger), accounts.WithPool(pool))
	if err := accts.Load(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	secrets := secretstore.New(backend, secretstore.WithLogger(logger), secretstore.WithWatchOnly(accts))

	return &Env{
		Config:   cfg,
		Logger:   logger,
		Backend:  backend,
		Pool:     pool,
		Accounts: accts,
		Secrets:  secrets,
	}, nil
}

// Close waits for work running on the pool and stops it.
func (e *Env) Close() {
	e.Pool.Close()
}

// ResolveIdentity returns the npub for id, which may be an npub, hex key or a
// label fragment. An empty id resolves to the active identity.
func (e *Env) ResolveIdentity(id string) (string, error) {
	if id != "" {
		if npub, err := crypto.NormalizePublicKey(id); err == nil {
			return npub, nil
		}
		a, ok := e.Accounts.Find(id)
		if !ok {
			return "", fmt.Errorf("%w: %s", accounts.ErrNotFound, id)
		}
		return a.ID, nil
	}
	active, ok := e.Accounts.Active()
	if !ok {
		return "", errors.New("no identity given and no active identity")
	}
	return active, nil
}

// Fatal prints an error line and exits with status 1.
func Fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
