package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tyler-smith/go-bip39"
)

// ErrInvalidMnemonic is returned for a mnemonic that fails the BIP-39 checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

const (
	hardenedOffset = 0x80000000
	// nostrCoinType is the SLIP-44 coin type registered for Nostr.
	nostrCoinType = 1237
)

// NewMnemonic generates a 24-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer Zeroize(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to build mnemonic: %w", err)
	}
	return mnemonic, nil
}

// MnemonicToSecret derives the NIP-06 key at m/44'/1237'/<account>'/0/0.
func MnemonicToSecret(mnemonic, passphrase string, account uint32) (*Secret, error) {
	mnemonic = strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	if account >= hardenedOffset {
		return nil, fmt.Errorf("account index %d out of range", account)
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer Zeroize(seed)

	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	mac.Write(seed)
	master := mac.Sum(nil)
	defer Zeroize(master)

	key := append([]byte(nil), master[:32]...)
	chain := append([]byte(nil), master[32:]...)
	path := []uint32{
		44 + hardenedOffset,
		nostrCoinType + hardenedOffset,
		account + hardenedOffset,
		0,
		0,
	}
	for _, index := range path {
		nextKey, nextChain, err := deriveChild(key, chain, index)
		Zeroize(key)
		Zeroize(chain)
		if err != nil {
			return nil, err
		}
		key, chain = nextKey, nextChain
	}
	defer Zeroize(key)
	defer Zeroize(chain)

	return newSecret(key)
}

// deriveChild implements BIP-32 private child key derivation.
func deriveChild(key, chain []byte, index uint32) ([]byte, []byte, error) {
	mac := hmac.New(sha512.New, chain)
	if index >= hardenedOffset {
		mac.Write([]byte{0})
		mac.Write(key)
	} else {
		priv, _ := btcec.PrivKeyFromBytes(key)
		mac.Write(priv.PubKey().SerializeCompressed())
		priv.Zero()
	}
	var ib [4]byte
	binary.BigEndian.PutUint32(ib[:], index)
	mac.Write(ib[:])
	sum := mac.Sum(nil)
	defer Zeroize(sum)

	var il, parent btcec.ModNScalar
	if overflow := il.SetByteSlice(sum[:32]); overflow {
		return nil, nil, fmt.Errorf("derived key at index %d is invalid", index)
	}
	parent.SetByteSlice(key)
	il.Add(&parent)
	parent.Zero()
	if il.IsZero() {
		return nil, nil, fmt.Errorf("derived key at index %d is zero", index)
	}

	child := il.Bytes()
	il.Zero()
	childKey := append([]byte(nil), child[:]...)
	zeroize32(&child)
	return childKey, append([]byte(nil), sum[32:]...), nil
}
