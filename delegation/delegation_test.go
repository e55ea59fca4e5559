package delegation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/crypto/keystore"
	"github.com/chebizarro/nostr-signer/secretstore"
)

const delegatee = "477318cfb5427b9cfc66a9fa376150c1ddbc62115ae27cef72417eb959691396"

func newSigner(t *testing.T) (*secretstore.Store, string) {
	t.Helper()
	s := secretstore.New(keystore.NewMemoryBackend())
	sk, err := crypto.GenerateSecret()
	require.NoError(t, err)
	defer sk.Zero()
	rec, err := s.StoreSecret("alice", sk)
	require.NoError(t, err)
	return s, rec.NPub
}

func TestConditions(t *testing.T) {
	require.Equal(t, "", Conditions(nil, 0, 0))
	require.Equal(t, "kind=1&kind=7&created_at>1700000000&created_at<1800000000",
		Conditions([]uint16{1, 7}, 1_700_000_000, 1_800_000_000))
	require.Equal(t, "created_at<5", Conditions(nil, 0, 5))
	require.Equal(t, "kind=0", Conditions([]uint16{0}, 0, 0))

	kinds, from, until, err := ParseConditions("kind=1&kind=7&created_at>1700000000&created_at<1800000000")
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 7}, kinds)
	require.EqualValues(t, 1_700_000_000, from)
	require.EqualValues(t, 1_800_000_000, until)

	for _, bad := range []string{"kind=x", "kind=70000", "foo=1", "created_at>-1", "created_at=5"} {
		_, _, _, err := ParseConditions(bad)
		require.ErrorIs(t, err, ErrInvalidConditions, bad)
	}
}

func TestCreateAndValidate(t *testing.T) {
	signer, alice := newSigner(t)
	now := time.Unix(1_700_000_500, 0)

	d, err := Create(context.Background(), signer, Params{
		DelegatorNPub:   alice,
		DelegateePubkey: delegatee,
		Kinds:           []uint16{1, 7},
		ValidFrom:       1_700_000_000,
		ValidUntil:      1_800_000_000,
		Label:           "phone",
	}, now)
	require.NoError(t, err)

	require.Equal(t, "kind=1&kind=7&created_at>1700000000&created_at<1800000000", d.Conditions)
	require.Len(t, d.Signature, 128)
	require.Equal(t, d.Signature[:16], d.ID)
	require.Equal(t, now.Unix(), d.CreatedAt)

	require.True(t, d.IsValid(1, 1_750_000_000))
	require.False(t, d.IsValid(2, 1_750_000_000))
	require.False(t, d.IsValid(1, 1_900_000_000))
	require.False(t, d.IsValid(1, 1_600_000_000))
	require.True(t, d.IsValid(0, 1_750_000_000))
	require.ErrorIs(t, d.Check(1, 1_900_000_000), ErrExpired)

	d.Revoked = true
	require.False(t, d.IsValid(1, 1_750_000_000))
	require.False(t, d.IsValid(7, 1_750_000_000))
	require.ErrorIs(t, d.Check(1, 1_750_000_000), ErrRevoked)
}

func TestCreateRejectsBadInput(t *testing.T) {
	signer, alice := newSigner(t)
	ctx := context.Background()

	_, err := Create(ctx, signer, Params{DelegatorNPub: alice, DelegateePubkey: "abc"}, time.Now())
	require.ErrorIs(t, err, ErrInvalidPubkey)

	_, err = Create(ctx, signer, Params{DelegatorNPub: alice, DelegateePubkey: strings.Repeat("zz", 32)}, time.Now())
	require.ErrorIs(t, err, ErrInvalidPubkey)

	_, err = Create(ctx, signer, Params{DelegatorNPub: "npub1nope", DelegateePubkey: delegatee}, time.Now())
	require.ErrorIs(t, err, ErrInvalidPubkey)

	_, err = Create(ctx, signer, Params{DelegatorNPub: alice, DelegateePubkey: delegatee, ValidFrom: 10, ValidUntil: 5}, time.Now())
	require.ErrorIs(t, err, ErrInvalidConditions)
}

func TestCreateUnknownDelegatorFailsSigning(t *testing.T) {
	signer, _ := newSigner(t)
	sk, err := crypto.GenerateSecret()
	require.NoError(t, err)
	pk, err := sk.PublicKey()
	require.NoError(t, err)
	sk.Zero()

	_, err = Create(context.Background(), signer, Params{DelegatorNPub: pk.NPub(), DelegateePubkey: delegatee}, time.Now())
	require.ErrorIs(t, err, ErrSignFailed)
	require.ErrorIs(t, err, secretstore.ErrNotFound)
}

func TestTagVerifies(t *testing.T) {
	signer, alice := newSigner(t)
	d, err := Create(context.Background(), signer, Params{
		DelegatorNPub:   alice,
		DelegateePubkey: strings.ToUpper(delegatee),
		Kinds:           []uint16{1},
		ValidFrom:       100,
		ValidUntil:      200,
	}, time.Unix(150, 0))
	require.NoError(t, err)
	require.Equal(t, delegatee, d.DelegateePubkey)

	tag, err := d.Tag()
	require.NoError(t, err)
	pk, err := crypto.ParsePublicKey(alice)
	require.NoError(t, err)
	require.Equal(t, crypto.Tag{"delegation", pk.Hex(), d.Conditions, d.Signature}, tag)

	require.NoError(t, VerifyTag(tag, delegatee, 1, 150))
	require.ErrorIs(t, VerifyTag(tag, delegatee, 2, 150), ErrInvalidConditions)
	require.ErrorIs(t, VerifyTag(tag, delegatee, 1, 100), ErrExpired)
	require.ErrorIs(t, VerifyTag(tag, delegatee, 1, 200), ErrExpired)

	other := strings.Repeat("ab", 32)
	require.ErrorIs(t, VerifyTag(tag, other, 1, 150), ErrSignFailed)

	tampered := append(crypto.Tag(nil), tag...)
	tampered[2] = "kind=1"
	require.ErrorIs(t, VerifyTag(tampered, delegatee, 1, 150), ErrSignFailed)
}

func TestStartingAtAdmitsSameSecond(t *testing.T) {
	signer, alice := newSigner(t)
	now := time.Unix(1_700_000_000, 0)
	d, err := Create(context.Background(), signer, Params{
		DelegatorNPub:   alice,
		DelegateePubkey: delegatee,
		ValidFrom:       StartingAt(now),
		ValidUntil:      now.Add(time.Hour).Unix(),
	}, now)
	require.NoError(t, err)
	require.True(t, d.IsValid(1, now.Unix()))

	tag, err := d.Tag()
	require.NoError(t, err)
	require.NoError(t, VerifyTag(tag, delegatee, 1, now.Unix()))
	require.ErrorIs(t, VerifyTag(tag, delegatee, 1, now.Unix()-1), ErrExpired)
}

func TestStoreRoundTrip(t *testing.T) {
	signer, alice := newSigner(t)
	dir := t.TempDir()
	store := NewStore(dir)
	store.now = func() time.Time { return time.Unix(1_750_000_000, 0) }

	list, err := store.List(alice, true)
	require.NoError(t, err)
	require.Empty(t, list)

	d, err := Create(context.Background(), signer, Params{
		DelegatorNPub:   alice,
		DelegateePubkey: delegatee,
		Kinds:           []uint16{1, 7},
		ValidFrom:       1_700_000_000,
		ValidUntil:      1_800_000_000,
	}, time.Unix(1_700_000_100, 0))
	require.NoError(t, err)
	require.NoError(t, store.Save(alice, *d))

	fp, err := Fingerprint(alice)
	require.NoError(t, err)
	require.Len(t, fp, 16)
	require.Equal(t, alice[5:21], fp)
	_, err = os.Stat(filepath.Join(dir, "delegations", fp+".json"))
	require.NoError(t, err)

	got, err := NewStore(dir).Get(alice, d.ID)
	require.NoError(t, err)
	require.Equal(t, *d, got)

	d.Label = "renamed"
	require.NoError(t, store.Save(alice, *d))
	list, err = store.List(alice, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "renamed", list[0].Label)

	require.NoError(t, store.Revoke(alice, d.ID))
	got, err = store.Get(alice, d.ID)
	require.NoError(t, err)
	require.True(t, got.Revoked)
	require.EqualValues(t, 1_750_000_000, got.RevokedAt)
	require.False(t, got.IsValid(1, 1_750_000_000))
	require.False(t, got.IsValid(7, 1_750_000_000))

	active, err := store.List(alice, false)
	require.NoError(t, err)
	require.Empty(t, active)

	require.NoError(t, store.Delete(alice, d.ID))
	_, err = store.Get(alice, d.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Delete(alice, d.ID), ErrNotFound)
	require.ErrorIs(t, store.Revoke(alice, d.ID), ErrNotFound)
}

func TestStoreMalformedFile(t *testing.T) {
	_, alice := newSigner(t)
	dir := t.TempDir()
	fp, err := Fingerprint(alice)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "delegations"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "delegations", fp+".json"), []byte("{"), 0o600))

	_, err = NewStore(dir).List(alice, true)
	require.True(t, errors.Is(err, ErrParse))

	_, err = NewStore(dir).List("bogus", true)
	require.ErrorIs(t, err, ErrInvalidPubkey)
}
