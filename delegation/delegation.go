// Package delegation creates, validates and stores NIP-26 delegation tokens.
package delegation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/chebizarro/nostr-signer/crypto"
)

var (
	ErrInvalidPubkey     = errors.New("invalid public key")
	ErrInvalidConditions = errors.New("invalid delegation conditions")
	ErrSignFailed        = errors.New("delegation signing failed")
	ErrNotFound          = errors.New("delegation not found")
	ErrExpired           = errors.New("delegation is outside its validity window")
	ErrRevoked           = errors.New("delegation revoked")
	ErrIO                = errors.New("delegation file I/O failed")
	ErrParse             = errors.New("delegation file is malformed")
)

// TagName is the first element of a delegation tag.
const TagName = "delegation"

// Delegation is a signed NIP-26 token. Times are Unix seconds; a zero
// ValidFrom or ValidUntil leaves that side unbounded.
type Delegation struct {
	ID              string   `json:"id"`
	DelegatorNPub   string   `json:"delegator_npub"`
	DelegateePubkey string   `json:"delegatee_pubkey"`
	AllowedKinds    []uint16 `json:"allowed_kinds"`
	ValidFrom       int64    `json:"valid_from"`
	ValidUntil      int64    `json:"valid_until"`
	Conditions      string   `json:"conditions"`
	Signature       string   `json:"signature"`
	CreatedAt       int64    `json:"created_at"`
	Revoked         bool     `json:"revoked"`
	RevokedAt       int64    `json:"revoked_at"`
	Label           string   `json:"label"`
}

// Conditions builds the canonical query string: one kind=<k> per kind in
// order, then created_at>from and created_at<until when non-zero.
func Conditions(kinds []uint16, from, until int64) string {
	parts := make([]string, 0, len(kinds)+2)
	for _, k := range kinds {
		parts = append(parts, "kind="+strconv.FormatUint(uint64(k), 10))
	}
	if from != 0 {
		parts = append(parts, "created_at>"+strconv.FormatInt(from, 10))
	}
	if until != 0 {
		parts = append(parts, "created_at<"+strconv.FormatInt(until, 10))
	}
	return strings.Join(parts, "&")
}

// ParseConditions is the inverse of Conditions.
func ParseConditions(s string) (kinds []uint16, from, until int64, err error) {
	if s == "" {
		return nil, 0, 0, nil
	}
	for _, tok := range strings.Split(s, "&") {
		switch {
		case strings.HasPrefix(tok, "kind="):
			k, perr := strconv.ParseUint(tok[len("kind="):], 10, 16)
			if perr != nil {
				return nil, 0, 0, fmt.Errorf("%w: %q", ErrInvalidConditions, tok)
			}
			kinds = append(kinds, uint16(k))
		case strings.HasPrefix(tok, "created_at>"):
			if from, err = strconv.ParseInt(tok[len("created_at>"):], 10, 64); err != nil || from < 0 {
				return nil, 0, 0, fmt.Errorf("%w: %q", ErrInvalidConditions, tok)
			}
		case strings.HasPrefix(tok, "created_at<"):
			if until, err = strconv.ParseInt(tok[len("created_at<"):], 10, 64); err != nil || until < 0 {
				return nil, 0, 0, fmt.Errorf("%w: %q", ErrInvalidConditions, tok)
			}
		default:
			return nil, 0, 0, fmt.Errorf("%w: unknown condition %q", ErrInvalidConditions, tok)
		}
	}
	return kinds, from, until, nil
}

// Digest is sha256(sha256(delegatee_hex || conditions)).
func Digest(delegateeHex, conditions string) [32]byte {
	inner := sha256.Sum256([]byte(delegateeHex + conditions))
	return sha256.Sum256(inner[:])
}

// Signer produces schnorr signatures for a stored identity.
type Signer interface {
	SignBytes(ctx context.Context, digest []byte, npub string) ([]byte, error)
}

// Params describes a delegation to create.
type Params struct {
	DelegatorNPub   string
	DelegateePubkey string
	Kinds           []uint16
	ValidFrom       int64
	ValidUntil      int64
	Label           string
}

func normalizeDelegatee(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 64 {
		return "", fmt.Errorf("%w: delegatee must be 64 hex characters", ErrInvalidPubkey)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	return s, nil
}

// StartingAt returns the valid_from bound for a delegation that should admit
// events signed from now on. The created_at> condition is strict, so the bound
// is one second before now.
func StartingAt(now time.Time) int64 {
	return now.Unix() - 1
}

// Create signs a new delegation with the delegator's stored key.
func Create(ctx context.Context, signer Signer, p Params, now time.Time) (*Delegation, error) {
	delegator, err := crypto.NormalizePublicKey(p.DelegatorNPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	delegatee, err := normalizeDelegatee(p.DelegateePubkey)
	if err != nil {
		return nil, err
	}
	if p.ValidFrom < 0 || p.ValidUntil < 0 {
		return nil, fmt.Errorf("%w: negative time bound", ErrInvalidConditions)
	}
	if p.ValidFrom != 0 && p.ValidUntil != 0 && p.ValidUntil <= p.ValidFrom {
		return nil, fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalidConditions)
	}

	cond := Conditions(p.Kinds, p.ValidFrom, p.ValidUntil)
	digest := Digest(delegatee, cond)
	sig, err := signer.SignBytes(ctx, digest[:], delegator)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignFailed, err)
	}
	sigHex := hex.EncodeToString(sig)

	return &Delegation{
		ID:              sigHex[:16],
		DelegatorNPub:   delegator,
		DelegateePubkey: delegatee,
		AllowedKinds:    slices.Clone(p.Kinds),
		ValidFrom:       p.ValidFrom,
		ValidUntil:      p.ValidUntil,
		Conditions:      cond,
		Signature:       sigHex,
		CreatedAt:       now.Unix(),
		Label:           p.Label,
	}, nil
}

// Check returns nil when the delegation permits an event of kind at now.
// A kind of zero or less skips the kind check.
func (d *Delegation) Check(kind int, now int64) error {
	if d.Revoked {
		return ErrRevoked
	}
	if d.ValidFrom != 0 && now < d.ValidFrom {
		return fmt.Errorf("%w: not valid before %d", ErrExpired, d.ValidFrom)
	}
	if d.ValidUntil != 0 && now >= d.ValidUntil {
		return fmt.Errorf("%w: expired at %d", ErrExpired, d.ValidUntil)
	}
	if kind > 65535 {
		return fmt.Errorf("%w: kind %d out of range", ErrInvalidConditions, kind)
	}
	if kind > 0 && len(d.AllowedKinds) > 0 && !slices.Contains(d.AllowedKinds, uint16(kind)) {
		return fmt.Errorf("%w: kind %d not allowed", ErrInvalidConditions, kind)
	}
	return nil
}

// IsValid reports whether Check passes.
func (d *Delegation) IsValid(kind int, now int64) bool {
	return d.Check(kind, now) == nil
}

// Tag returns ["delegation", <delegator hex>, <conditions>, <signature>].
func (d *Delegation) Tag() (crypto.Tag, error) {
	pk, err := crypto.ParsePublicKey(d.DelegatorNPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	return crypto.Tag{TagName, pk.Hex(), d.Conditions, d.Signature}, nil
}

// VerifyTag checks a delegation tag carried by an event from delegatee with
// the given kind and created_at: the conditions must admit the event and the
// signature must be valid for the delegator. Time bounds are strict.
func VerifyTag(tag crypto.Tag, delegateeHex string, kind int, createdAt int64) error {
	if len(tag) != 4 || tag[0] != TagName {
		return fmt.Errorf("%w: not a delegation tag", ErrInvalidConditions)
	}
	delegatee, err := normalizeDelegatee(delegateeHex)
	if err != nil {
		return err
	}
	delegator, err := crypto.ParsePublicKey(tag[1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}

	kinds, from, until, err := ParseConditions(tag[2])
	if err != nil {
		return err
	}
	if kind < 0 || kind > 65535 {
		return fmt.Errorf("%w: kind %d out of range", ErrInvalidConditions, kind)
	}
	if len(kinds) > 0 && !slices.Contains(kinds, uint16(kind)) {
		return fmt.Errorf("%w: kind %d not allowed", ErrInvalidConditions, kind)
	}
	if from != 0 && createdAt <= from {
		return fmt.Errorf("%w: created_at %d not after %d", ErrExpired, createdAt, from)
	}
	if until != 0 && createdAt >= until {
		return fmt.Errorf("%w: created_at %d not before %d", ErrExpired, createdAt, until)
	}

	sig, err := hex.DecodeString(tag[3])
	if err != nil || len(sig) != 64 {
		return fmt.Errorf("%w: malformed signature", ErrSignFailed)
	}
	digest := Digest(delegatee, tag[2])
	ok, err := delegator.Verify(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: signature does not verify", ErrSignFailed)
	}
	return nil
}
