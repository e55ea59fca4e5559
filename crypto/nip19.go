package crypto

import (
	"fmt"

	"github.com/cosmos/btcutil/bech32"
)

// Bech32 human-readable prefixes.
const (
	PrefixNPub      = "npub"
	PrefixNSec      = "nsec"
	PrefixNcryptsec = "ncryptsec"
)

// bech32Limit allows ncryptsec payloads, which exceed the BIP-173 90 character limit.
const bech32Limit = 1023

func encodeBech32(prefix string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert bits: %w", err)
	}
	defer Zeroize(conv)
	s, err := bech32.Encode(prefix, conv)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", prefix, err)
	}
	return s, nil
}

func decodeBech32(prefix, s string) ([]byte, error) {
	hrp, data, err := bech32.Decode(s, bech32Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	// The 5-bit groups carry the same material as the result.
	defer Zeroize(data)
	if hrp != prefix {
		return nil, fmt.Errorf("%w: expected prefix %q, got %q", ErrInvalidKey, prefix, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return raw, nil
}

// EncodeNPub encodes a raw 32-byte public key as npub.
func EncodeNPub(raw []byte) (string, error) {
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	return encodeBech32(PrefixNPub, raw)
}

// DecodeNPub returns the raw public key bytes of an npub string.
func DecodeNPub(npub string) ([]byte, error) {
	raw, err := decodeBech32(PrefixNPub, npub)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}
	return raw, nil
}
