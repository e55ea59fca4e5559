package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestMnemonicToSecret(t *testing.T) {
	tests := []struct {
		name     string
		mnemonic string
		wantSK   string
		wantPK   string
	}{
		{
			name:     "nip06 vector 1",
			mnemonic: "leader monkey parrot ring guide accident before fence cannon height naive bean",
			wantSK:   "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a",
			wantPK:   "17162c921dc4d2518f9a101db33695df1afb56ab82f5ff3e5da6eec3ca5cd917",
		},
		{
			name:     "nip06 vector 2",
			mnemonic: "what bleak badge arrange retreat wolf trade produce cricket blur garlic valid proud rude strong choose busy staff weather area salt hollow arm fade",
			wantSK:   "c15d739894c81a2fcfd3a2df85a0d2c0dbc47a280d092799f144d73d7ae78add",
			wantPK:   "d41b22899549e1f3d335a31002cfd382174006e166d3e658e3a5eecdb6463573",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := MnemonicToSecret(tt.mnemonic, "", 0)
			if err != nil {
				t.Fatalf("MnemonicToSecret() error = %v", err)
			}
			defer s.Zero()

			want, err := ParseSecret(tt.wantSK)
			if err != nil {
				t.Fatalf("ParseSecret() error = %v", err)
			}
			defer want.Zero()
			gotNSec, _ := s.NSec()
			wantNSec, _ := want.NSec()
			if gotNSec != wantNSec {
				t.Errorf("derived secret mismatch")
			}

			pk, _ := s.PublicKey()
			if pk.Hex() != tt.wantPK {
				t.Errorf("PublicKey() = %s, want %s", pk.Hex(), tt.wantPK)
			}
		})
	}

	t.Run("invalid mnemonic", func(t *testing.T) {
		_, err := MnemonicToSecret("leader monkey parrot", "", 0)
		if !errors.Is(err, ErrInvalidMnemonic) {
			t.Errorf("error = %v, want ErrInvalidMnemonic", err)
		}
	})

	t.Run("generated mnemonic derives", func(t *testing.T) {
		m, err := NewMnemonic()
		if err != nil {
			t.Fatalf("NewMnemonic() error = %v", err)
		}
		if n := len(strings.Fields(m)); n != 24 {
			t.Fatalf("mnemonic has %d words, want 24", n)
		}
		a, err := MnemonicToSecret(m, "", 0)
		if err != nil {
			t.Fatalf("MnemonicToSecret() error = %v", err)
		}
		defer a.Zero()
		b, err := MnemonicToSecret(m, "", 1)
		if err != nil {
			t.Fatalf("MnemonicToSecret(account 1) error = %v", err)
		}
		defer b.Zero()
		pa, _ := a.PublicKey()
		pb, _ := b.PublicKey()
		if pa == pb {
			t.Error("different accounts derived the same key")
		}
	})
}

func TestNcryptsec(t *testing.T) {
	s, err := ParseSecret(vectorNSecHex)
	if err != nil {
		t.Fatalf("ParseSecret() error = %v", err)
	}
	defer s.Zero()

	// Low work factor keeps the test fast.
	encoded, err := EncryptNcryptsec(s, "correct horse", 4, KeySecuritySecure)
	if err != nil {
		t.Fatalf("EncryptNcryptsec() error = %v", err)
	}
	if !strings.HasPrefix(encoded, "ncryptsec1") {
		t.Fatalf("encoded = %s, want ncryptsec1 prefix", encoded)
	}

	t.Run("round trip", func(t *testing.T) {
		got, security, err := DecryptNcryptsec(encoded, "correct horse")
		if err != nil {
			t.Fatalf("DecryptNcryptsec() error = %v", err)
		}
		defer got.Zero()
		if security != KeySecuritySecure {
			t.Errorf("security = %d, want %d", security, KeySecuritySecure)
		}
		nsec, _ := got.NSec()
		if nsec != vectorNSec {
			t.Errorf("decrypted nsec = %s, want %s", nsec, vectorNSec)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, _, err := DecryptNcryptsec(encoded, "wrong"); !errors.Is(err, ErrDecryptFailed) {
			t.Errorf("error = %v, want ErrDecryptFailed", err)
		}
	})

	t.Run("not ncryptsec", func(t *testing.T) {
		if _, _, err := DecryptNcryptsec(vectorNSec, "x"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("error = %v, want ErrInvalidKey", err)
		}
	})
}
