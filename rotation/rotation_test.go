package rotation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chebizarro/nostr-signer/accounts"
	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/crypto/keystore"
	"github.com/chebizarro/nostr-signer/secretstore"
)

type fixture struct {
	backend  keystore.Backend
	secrets  *secretstore.Store
	accounts *accounts.Store
	alice    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := keystore.NewMemoryBackend()
	acc := accounts.New(filepath.Join(t.TempDir(), "accounts.ini"), backend)
	require.NoError(t, acc.Load())
	alice, err := acc.GenerateKey("alice")
	require.NoError(t, err)
	require.NoError(t, acc.SetActive(alice))
	return &fixture{
		backend:  backend,
		secrets:  secretstore.New(backend, secretstore.WithWatchOnly(acc)),
		accounts: acc,
		alice:    alice,
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func TestStepHappyPath(t *testing.T) {
	var (
		states  []State
		effects []Effect
	)
	s := Idle
	for !s.Terminal() {
		var e Effect
		s, e = Step(s, Outcome{}, true)
		states = append(states, s)
		effects = append(effects, e)
	}
	require.Equal(t, []State{Generating, CreatingEvent, SigningOld, SigningNew, Storing, Publishing, Complete}, states)
	require.Equal(t, []Effect{EffectGenerate, EffectBuildEvent, EffectSignOld, EffectSignNew, EffectStore, EffectPublish, EffectNone}, effects)
}

func TestStepWithoutPublish(t *testing.T) {
	s, e := Step(Storing, Outcome{}, false)
	require.Equal(t, Complete, s)
	require.Equal(t, EffectNone, e)
}

func TestStepErrorFromAnyState(t *testing.T) {
	for _, s := range []State{Idle, Generating, CreatingEvent, SigningOld, SigningNew, Storing, Publishing} {
		next, e := Step(s, Outcome{Err: ErrCancelled}, true)
		require.Equal(t, Error, next, s.String())
		require.Equal(t, EffectNone, e)
	}
	next, _ := Step(Complete, Outcome{Err: ErrCancelled}, true)
	require.Equal(t, Complete, next)
}

func TestRotateHappyPath(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	engine := NewEngine(f.secrets, f.accounts, pub, WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))

	var seen []State
	opts := DefaultOptions()
	opts.NewLabel = "alice-2"
	opts.Progress = func(s State) { seen = append(seen, s) }

	res, err := engine.Rotate(context.Background(), f.alice, opts)
	require.NoError(t, err)
	require.Equal(t, f.alice, res.OldNPub)
	require.NotEqual(t, f.alice, res.NewNPub)
	require.Equal(t, Complete, seen[len(seen)-1])

	// both secrets are in the backend
	records, err := f.backend.List()
	require.NoError(t, err)
	npubs := map[string]string{}
	for _, r := range records {
		npubs[r.NPub] = r.Label
	}
	require.Contains(t, npubs, f.alice)
	require.Equal(t, "alice-2", npubs[res.NewNPub])

	// both accounts, new one active
	require.Equal(t, 2, f.accounts.Count())
	active, ok := f.accounts.Active()
	require.True(t, ok)
	require.Equal(t, res.NewNPub, active)
	newAcc, _ := f.accounts.Get(res.NewNPub)
	require.Equal(t, "alice-2", newAcc.Label)
	oldAcc, _ := f.accounts.Get(f.alice)
	require.True(t, strings.HasSuffix(oldAcc.Label, " (migrated)"))

	// migration event
	oldPK, err := crypto.ParsePublicKey(f.alice)
	require.NoError(t, err)
	newPK, err := crypto.ParsePublicKey(res.NewNPub)
	require.NoError(t, err)

	ev, err := crypto.ParseEvent(res.MigrationEvent)
	require.NoError(t, err)
	require.Equal(t, KindMigration, ev.Kind)
	require.Equal(t, oldPK.Hex(), ev.PubKey)
	require.EqualValues(t, 1_700_000_000, ev.CreatedAt)
	p, ok := ev.Tags.Find("p")
	require.True(t, ok)
	require.Equal(t, newPK.Hex(), p[1])
	require.NotEmpty(t, ev.Sig)
	require.Equal(t, "Migrating to new key: "+res.NewNPub, ev.Content)
	valid, err := ev.Verify()
	require.NoError(t, err)
	require.True(t, valid)

	m, ok := VerifyMigration(res.MigrationEvent)
	require.True(t, ok)
	require.Equal(t, Migration{OldPubkey: oldPK.Hex(), NewPubkey: newPK.Hex()}, m)

	require.Equal(t, []string{res.MigrationEvent}, pub.events)
}

func TestRotateDefaultLabels(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()
	opts.Publish = false
	res, err := NewEngine(f.secrets, f.accounts, nil).Rotate(context.Background(), f.alice, opts)
	require.NoError(t, err)

	newAcc, _ := f.accounts.Get(res.NewNPub)
	require.Equal(t, "alice (rotated)", newAcc.Label)
	oldAcc, _ := f.accounts.Get(f.alice)
	require.Equal(t, "alice (migrated)", oldAcc.Label)
}

func TestRotateUnlabelledWithoutKeepOld(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.accounts.SetLabel(f.alice, ""))

	opts := Options{}
	res, err := NewEngine(f.secrets, f.accounts, nil).Rotate(context.Background(), f.alice, opts)
	require.NoError(t, err)

	newAcc, _ := f.accounts.Get(res.NewNPub)
	require.Equal(t, "Rotated Identity", newAcc.Label)
	oldAcc, _ := f.accounts.Get(f.alice)
	require.Equal(t, "", oldAcc.Label)
}

func TestRotateCancelledAfterGenerating(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(f.secrets, f.accounts, &recordingPublisher{})

	entered := make(chan struct{})
	release := make(chan struct{})
	opts := DefaultOptions()
	opts.Progress = func(s State) {
		if s == Generating {
			close(entered)
			<-release
		}
	}

	r, err := engine.Start(context.Background(), f.alice, opts)
	require.NoError(t, err)
	<-entered
	r.Cancel()
	close(release)
	<-r.Done()

	res := r.Result()
	require.ErrorIs(t, res.Err, ErrCancelled)
	require.Equal(t, Error, r.State())
	require.Empty(t, res.MigrationEvent)

	records, err := f.backend.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 1, f.accounts.Count())
	active, _ := f.accounts.Active()
	require.Equal(t, f.alice, active)
	a, _ := f.accounts.Get(f.alice)
	require.Equal(t, "alice", a.Label)
}

func TestRotateContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	opts := DefaultOptions()
	opts.Progress = func(s State) {
		if s == CreatingEvent {
			cancel()
		}
	}
	_, err := NewEngine(f.secrets, f.accounts, nil).Rotate(ctx, f.alice, opts)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, 1, f.accounts.Count())
}

func TestRotateCancelAfterStoreCompletes(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(r *Rotation, stop context.CancelFunc)
	}{
		{"Cancel", func(r *Rotation, _ context.CancelFunc) { r.Cancel() }},
		{"context", func(_ *Rotation, stop context.CancelFunc) { stop() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			pub := &recordingPublisher{}
			ctx, stop := context.WithCancel(context.Background())
			defer stop()

			var r *Rotation
			started := make(chan struct{})
			opts := DefaultOptions()
			opts.Progress = func(s State) {
				if s == Storing {
					<-started
					tt.cancel(r, stop)
				}
			}
			r, err := NewEngine(f.secrets, f.accounts, pub).Start(ctx, f.alice, opts)
			require.NoError(t, err)
			close(started)
			<-r.Done()

			res := r.Result()
			require.NoError(t, res.Err)
			require.Equal(t, Complete, r.State())
			require.Equal(t, []string{res.MigrationEvent}, pub.events)
			active, _ := f.accounts.Active()
			require.Equal(t, res.NewNPub, active)
		})
	}
}

func TestRotateNoSourceKey(t *testing.T) {
	f := newFixture(t)
	watched, err := f.accounts.ImportPubkey("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6", "w")
	require.NoError(t, err)

	_, err = NewEngine(f.secrets, f.accounts, nil).Rotate(context.Background(), watched, DefaultOptions())
	require.ErrorIs(t, err, ErrNoSourceKey)
	require.ErrorIs(t, err, secretstore.ErrNotFound)
}

func TestRotateInvalidParams(t *testing.T) {
	f := newFixture(t)
	_, err := NewEngine(f.secrets, f.accounts, nil).Start(context.Background(), "nope", DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestRotatePublishFailureKeepsNewKey(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{err: errors.New("no relay accepted")}
	res, err := NewEngine(f.secrets, f.accounts, pub).Rotate(context.Background(), f.alice, DefaultOptions())
	require.ErrorIs(t, err, ErrPublishFailed)
	require.NotEmpty(t, res.NewNPub)
	require.NotEmpty(t, res.MigrationEvent)
	require.True(t, f.accounts.Exists(res.NewNPub))
}

func TestVerifyMigrationRejects(t *testing.T) {
	_, ok := VerifyMigration(`{"kind":1,"pubkey":"aa","tags":[["p","bb"]],"content":"","sig":"cc"}`)
	require.False(t, ok)
	_, ok = VerifyMigration(`{"kind":1776,"pubkey":"aa","tags":[["e","bb"]],"content":"","sig":"cc"}`)
	require.False(t, ok)
	_, ok = VerifyMigration(`{"kind":1776,"pubkey":"aa","tags":[["p","bb"]],"content":""}`)
	require.False(t, ok)
	m, ok := VerifyMigration(`{"kind":1776,"pubkey":"aa","tags":[["alt","x"],["p","bb"]],"content":"","sig":"cc"}`)
	require.True(t, ok)
	require.Equal(t, Migration{OldPubkey: "aa", NewPubkey: "bb"}, m)
}
