// Package backup exports identities as password-encrypted ncryptsec strings
// and restores them from ncryptsec or a NIP-06 mnemonic.
package backup

import (
	"fmt"

	"github.com/chebizarro/nostr-signer/crypto"
)

// Secrets retrieves stored secrets.
type Secrets interface {
	Retrieve(npub string) (*crypto.Secret, error)
}

// Importer enrolls a parsed secret.
type Importer interface {
	ImportSecret(sk *crypto.Secret, label string) (string, error)
}

// Options tune the ncryptsec encoding.
type Options struct {
	// LogN is the scrypt cost exponent. Zero uses crypto.DefaultScryptLogN.
	LogN uint8
	// Security records how the key has been handled before export.
	Security crypto.KeySecurity
}

// Export encrypts the secret of npub with password.
func Export(secrets Secrets, npub, password string, opts Options) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: empty password", crypto.ErrInvalidKey)
	}
	sk, err := secrets.Retrieve(npub)
	if err != nil {
		return "", err
	}
	defer sk.Zero()

	logN := opts.LogN
	if logN == 0 {
		logN = crypto.DefaultScryptLogN
	}
	return crypto.EncryptNcryptsec(sk, password, logN, opts.Security)
}

// Import decrypts an ncryptsec backup and enrolls it under label.
func Import(imp Importer, ncryptsec, password, label string) (string, error) {
	sk, _, err := crypto.DecryptNcryptsec(ncryptsec, password)
	if err != nil {
		return "", err
	}
	defer sk.Zero()
	return imp.ImportSecret(sk, label)
}

// ImportMnemonic derives the key at m/44'/1237'/<account>'/0/0 and enrolls it.
func ImportMnemonic(imp Importer, mnemonic, passphrase string, account uint32, label string) (string, error) {
	sk, err := crypto.MnemonicToSecret(mnemonic, passphrase, account)
	if err != nil {
		return "", err
	}
	defer sk.Zero()
	return imp.ImportSecret(sk, label)
}

// NewMnemonic returns a fresh 24-word mnemonic.
func NewMnemonic() (string, error) {
	return crypto.NewMnemonic()
}
