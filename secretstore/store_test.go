package secretstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/crypto/keystore"
)

type watchOnlySet map[string]bool

func (w watchOnlySet) IsWatchOnly(id string) bool { return w[id] }

func newStoreWithKey(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	s := New(keystore.NewMemoryBackend(), opts...)
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	defer secret.Zero()

	rec, err := s.StoreSecret("alice", secret)
	require.NoError(t, err)
	return s, rec.NPub
}

func TestSignEvent(t *testing.T) {
	s, npub := newStoreWithKey(t)

	signed, err := s.SignEvent(context.Background(), `{"kind":1,"pubkey":"","created_at":0,"tags":[],"content":"hi"}`, npub)
	require.NoError(t, err)

	ev, err := crypto.ParseEvent(signed)
	require.NoError(t, err)

	pk, err := crypto.ParsePublicKey(npub)
	require.NoError(t, err)
	require.Equal(t, pk.Hex(), ev.PubKey)

	sum := sha256.Sum256(ev.Serialize())
	require.Equal(t, hex.EncodeToString(sum[:]), ev.ID)
	require.Len(t, ev.Sig, 128)

	ok, err := ev.Verify()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSignEventAcceptsHexIdentity(t *testing.T) {
	s, npub := newStoreWithKey(t)
	pk, err := crypto.ParsePublicKey(npub)
	require.NoError(t, err)

	_, err = s.SignEvent(context.Background(), `{"kind":1,"content":"x"}`, pk.Hex())
	require.NoError(t, err)
}

func TestSignEventErrors(t *testing.T) {
	s, npub := newStoreWithKey(t)
	other, err := crypto.GenerateSecret()
	require.NoError(t, err)
	otherPK, _ := other.PublicKey()
	other.Zero()

	t.Run("unknown identity", func(t *testing.T) {
		_, err := s.SignEvent(context.Background(), `{"kind":1}`, otherPK.NPub())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("malformed identity", func(t *testing.T) {
		_, err := s.SignEvent(context.Background(), `{"kind":1}`, "npub1nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid event", func(t *testing.T) {
		_, err := s.SignEvent(context.Background(), `not json`, npub)
		require.ErrorIs(t, err, ErrInvalidEvent)
	})

	t.Run("pubkey of another identity", func(t *testing.T) {
		_, err := s.SignEvent(context.Background(), `{"kind":1,"pubkey":"`+otherPK.Hex()+`"}`, npub)
		require.ErrorIs(t, err, ErrInvalidEvent)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.SignEvent(ctx, `{"kind":1}`, npub)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestWatchOnlyNeverReachesBackend(t *testing.T) {
	backend := &countingBackend{Backend: keystore.NewMemoryBackend()}
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	pk, _ := secret.PublicKey()
	secret.Zero()

	s := New(backend, WithWatchOnly(watchOnlySet{pk.NPub(): true}))
	_, err = s.SignEvent(context.Background(), `{"kind":1}`, pk.NPub())
	require.ErrorIs(t, err, ErrNotFound)

	digest := sha256.Sum256([]byte("x"))
	_, err = s.SignBytes(context.Background(), digest[:], pk.NPub())
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, backend.calls())
}

func TestSignBytes(t *testing.T) {
	s, npub := newStoreWithKey(t)
	digest := sha256.Sum256([]byte("delegation"))

	sig, err := s.SignBytes(context.Background(), digest[:], npub)
	require.NoError(t, err)
	require.Len(t, sig, 64)

	pk, err := crypto.ParsePublicKey(npub)
	require.NoError(t, err)
	ok, err := pk.Verify(digest[:], sig)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.SignBytes(context.Background(), []byte("short"), npub)
	require.ErrorIs(t, err, ErrSignFailed)
}

func TestClear(t *testing.T) {
	s, npub := newStoreWithKey(t)
	require.True(t, s.HasSecret(npub))

	require.NoError(t, s.Clear(npub))
	require.False(t, s.HasSecret(npub))
	require.ErrorIs(t, s.Clear(npub), ErrNotFound)
}

func TestStaleLabelCacheIsRefreshed(t *testing.T) {
	backend := keystore.NewMemoryBackend()
	s := New(backend)
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	nsec, _ := secret.NSec()
	secret.Zero()

	rec, err := s.Store("first", nsec)
	require.NoError(t, err)

	// Move the record behind the store's back.
	require.NoError(t, backend.Delete("first"))
	_, err = backend.Store("second", nsec)
	require.NoError(t, err)

	_, err = s.PublicKey(rec.NPub)
	require.NoError(t, err)
}

func TestConcurrentSigning(t *testing.T) {
	s, npub := newStoreWithKey(t)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SignEvent(context.Background(), `{"kind":1,"content":"concurrent"}`, npub)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

type countingBackend struct {
	keystore.Backend
	mu sync.Mutex
	n  int
}

func (c *countingBackend) count() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingBackend) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *countingBackend) Retrieve(label string) (*crypto.Secret, error) {
	c.count()
	return c.Backend.Retrieve(label)
}

func (c *countingBackend) List() ([]keystore.Record, error) {
	c.count()
	return c.Backend.List()
}

// textlessBackend fails any secret passed as a string.
type textlessBackend struct {
	keystore.Backend
	t *testing.T
}

func (b textlessBackend) Store(label, _ string) (keystore.Record, error) {
	b.t.Errorf("secret for %s passed as text", label)
	return keystore.Record{}, keystore.ErrBackend
}

func TestStoreSecretKeepsKeyOutOfStrings(t *testing.T) {
	s := New(textlessBackend{Backend: keystore.NewMemoryBackend(), t: t})
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	defer secret.Zero()

	rec, err := s.StoreSecret("alice", secret)
	require.NoError(t, err)
	require.True(t, s.HasSecret(rec.NPub))

	got, err := s.Retrieve(rec.NPub)
	require.NoError(t, err)
	defer got.Zero()
	want, err := secret.PublicKey()
	require.NoError(t, err)
	pk, err := got.PublicKey()
	require.NoError(t, err)
	require.Equal(t, want, pk)
}
