// Package crypto provides the Nostr key material primitives used by the signer:
// secp256k1 secrets held in wipeable buffers, bech32 npub/nsec encoding,
// NIP-01 event hashing and BIP-340 schnorr signatures.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// KeyType tags the curve an identity uses.
type KeyType string

const (
	// KeyTypeSecp256k1 is the default Nostr key type.
	KeyTypeSecp256k1 KeyType = "SECP256K1"
)

// ErrInvalidKey is returned when key input is neither valid bech32 nor 64 hex characters,
// or when the decoded scalar is outside the curve order.
var ErrInvalidKey = errors.New("invalid key")

// errZeroed is returned when a Secret is used after Zero.
var errZeroed = errors.New("secret has been zeroed")

// Secret is a 32-byte secp256k1 private scalar kept in a fixed-size buffer.
//
// The buffer is wiped by Zero, and by a finalizer if the owner never calls it.
// Methods never return the raw bytes; signing happens through SignDigest.
type Secret struct {
	b    [32]byte
	live bool
}

func newSecret(b []byte) (*Secret, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(b))
	}
	var k btcec.ModNScalar
	overflow := k.SetByteSlice(b)
	zero := k.IsZero()
	k.Zero()
	if overflow || zero {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidKey)
	}

	s := &Secret{live: true}
	copy(s.b[:], b)
	runtime.SetFinalizer(s, func(s *Secret) { s.Zero() })
	return s, nil
}

// SecretFromBytes copies a raw 32-byte scalar into a new Secret.
// The caller still owns b and should wipe it.
func SecretFromBytes(b []byte) (*Secret, error) {
	return newSecret(b)
}

// GenerateSecret creates a fresh random private key.
func GenerateSecret() (*Secret, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	defer priv.Zero()

	raw := priv.Serialize()
	defer Zeroize(raw)

	return newSecret(raw)
}

// ParseSecret accepts an nsec1 bech32 string or 64 hex characters.
func ParseSecret(input string) (*Secret, error) {
	input = strings.TrimSpace(input)
	switch {
	case strings.HasPrefix(input, PrefixNSec+"1"):
		raw, err := decodeBech32(PrefixNSec, input)
		if err != nil {
			return nil, err
		}
		defer Zeroize(raw)
		return newSecret(raw)
	case len(input) == 64:
		raw, err := hex.DecodeString(input)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		defer Zeroize(raw)
		return newSecret(raw)
	default:
		return nil, fmt.Errorf("%w: expected nsec1 or 64 hex characters", ErrInvalidKey)
	}
}

// Zero wipes the scalar. The Secret is unusable afterwards.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	zeroize32(&s.b)
	s.live = false
}

// Clone returns an independent copy that must be zeroed separately.
func (s *Secret) Clone() (*Secret, error) {
	if !s.live {
		return nil, errZeroed
	}
	return newSecret(s.b[:])
}

func (s *Secret) privateKey() (*btcec.PrivateKey, error) {
	if !s.live {
		return nil, errZeroed
	}
	priv, _ := btcec.PrivKeyFromBytes(s.b[:])
	return priv, nil
}

// PublicKey derives the x-only public key.
func (s *Secret) PublicKey() (PublicKey, error) {
	priv, err := s.privateKey()
	if err != nil {
		return PublicKey{}, err
	}
	defer priv.Zero()

	var pk PublicKey
	copy(pk[:], schnorr.SerializePubKey(priv.PubKey()))
	return pk, nil
}

// NSec encodes the secret as bech32. The returned string cannot be wiped,
// so it should only be produced for export to the user.
func (s *Secret) NSec() (string, error) {
	if !s.live {
		return "", errZeroed
	}
	return encodeBech32(PrefixNSec, s.b[:])
}

// AppendRaw appends the raw scalar to dst. Callers own the returned buffer and must Zeroize it.
func (s *Secret) AppendRaw(dst []byte) ([]byte, error) {
	if !s.live {
		return dst, errZeroed
	}
	return append(dst, s.b[:]...), nil
}

// SignDigest produces a 64-byte BIP-340 signature over a 32-byte digest.
func (s *Secret) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	priv, err := s.privateKey()
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig.Serialize(), nil
}

// PublicKey is a 32-byte x-only secp256k1 public key.
type PublicKey [32]byte

// ParsePublicKey accepts an npub1 bech32 string or 64 hex characters.
func ParsePublicKey(input string) (PublicKey, error) {
	input = strings.TrimSpace(input)
	var raw []byte
	var err error
	switch {
	case strings.HasPrefix(input, PrefixNPub+"1"):
		raw, err = decodeBech32(PrefixNPub, input)
	case len(input) == 64:
		raw, err = hex.DecodeString(input)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	default:
		err = fmt.Errorf("%w: expected npub1 or 64 hex characters", ErrInvalidKey)
	}
	if err != nil {
		return PublicKey{}, err
	}
	if len(raw) != 32 {
		return PublicKey{}, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var pk PublicKey
	copy(pk[:], raw)
	return pk, nil
}

// Hex returns the 64-character lowercase hex form.
func (p PublicKey) Hex() string {
	return hex.EncodeToString(p[:])
}

// NPub returns the bech32 npub form.
func (p PublicKey) NPub() string {
	s, err := encodeBech32(PrefixNPub, p[:])
	if err != nil {
		// 32 bytes always fit in a bech32 string.
		panic(err)
	}
	return s
}

// String implements fmt.Stringer using the npub form.
func (p PublicKey) String() string {
	return p.NPub()
}

// IsZero reports whether p is the zero value.
func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// Verify checks a 64-byte BIP-340 signature over a 32-byte digest.
func (p PublicKey) Verify(digest, sig []byte) (bool, error) {
	pub, err := schnorr.ParsePubKey(p[:])
	if err != nil {
		return false, fmt.Errorf("failed to parse public key: %w", err)
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false, fmt.Errorf("failed to parse signature: %w", err)
	}
	return parsed.Verify(digest, pub), nil
}

// NormalizePublicKey converts npub or hex input to the canonical npub form.
func NormalizePublicKey(input string) (string, error) {
	pk, err := ParsePublicKey(input)
	if err != nil {
		return "", err
	}
	return pk.NPub(), nil
}
