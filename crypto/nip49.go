package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// KeySecurity records how the key was handled before encryption, as defined by NIP-49.
type KeySecurity byte

const (
	// KeySecurityInsecure marks a key that is known to have been handled insecurely.
	KeySecurityInsecure KeySecurity = 0x00
	// KeySecuritySecure marks a key that has not been handled insecurely.
	KeySecuritySecure KeySecurity = 0x01
	// KeySecurityUnknown is used when the client does not track key handling.
	KeySecurityUnknown KeySecurity = 0x02
)

const (
	ncryptsecVersion = 0x02
	// DefaultScryptLogN is the work factor used for exports (2^16 iterations, 64 MiB).
	DefaultScryptLogN = 16
	saltSize          = 16
	ncryptsecSize     = 1 + 1 + saltSize + chacha20poly1305.NonceSizeX + 1 + 32 + chacha20poly1305.Overhead
)

// ErrDecryptFailed is returned when the password is wrong or the payload was modified.
var ErrDecryptFailed = errors.New("failed to decrypt ncryptsec")

func deriveNcryptsecKey(password string, salt []byte, logN uint8) ([]byte, error) {
	if logN == 0 || logN > 22 {
		return nil, fmt.Errorf("scrypt log_n %d out of range", logN)
	}
	key, err := scrypt.Key([]byte(password), salt, 1<<logN, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// EncryptNcryptsec encrypts secret with a password and returns the bech32 ncryptsec string.
func EncryptNcryptsec(secret *Secret, password string, logN uint8, security KeySecurity) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := deriveNcryptsecKey(password, salt, logN)
	if err != nil {
		return "", err
	}
	defer Zeroize(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	raw, err := secret.AppendRaw(make([]byte, 0, 32))
	if err != nil {
		return "", err
	}
	defer Zeroize(raw)

	ad := []byte{byte(security)}
	payload := make([]byte, 0, ncryptsecSize)
	payload = append(payload, ncryptsecVersion, logN)
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, ad...)
	payload = aead.Seal(payload, nonce, raw, ad)

	return encodeBech32(PrefixNcryptsec, payload)
}

// DecryptNcryptsec reverses EncryptNcryptsec.
func DecryptNcryptsec(encoded, password string) (*Secret, KeySecurity, error) {
	payload, err := decodeBech32(PrefixNcryptsec, encoded)
	if err != nil {
		return nil, 0, err
	}
	if len(payload) != ncryptsecSize {
		return nil, 0, fmt.Errorf("%w: unexpected ncryptsec length %d", ErrInvalidKey, len(payload))
	}
	if payload[0] != ncryptsecVersion {
		return nil, 0, fmt.Errorf("%w: unsupported ncryptsec version %d", ErrInvalidKey, payload[0])
	}

	logN := payload[1]
	salt := payload[2 : 2+saltSize]
	nonce := payload[2+saltSize : 2+saltSize+chacha20poly1305.NonceSizeX]
	ad := payload[2+saltSize+chacha20poly1305.NonceSizeX : 3+saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := payload[3+saltSize+chacha20poly1305.NonceSizeX:]

	key, err := deriveNcryptsecKey(password, salt, logN)
	if err != nil {
		return nil, 0, err
	}
	defer Zeroize(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create cipher: %w", err)
	}
	raw, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, 0, ErrDecryptFailed
	}
	defer Zeroize(raw)

	secret, err := newSecret(raw)
	if err != nil {
		return nil, 0, err
	}
	return secret, KeySecurity(ad[0]), nil
}
