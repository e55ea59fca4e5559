package crypto

import (
	"testing"
)

func TestZeroize(t *testing.T) {
	t.Run("zeroizes non-empty slice", func(t *testing.T) {
		data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
		Zeroize(data)

		for i, b := range data {
			if b != 0 {
				t.Errorf("byte at index %d should be 0, got %d", i, b)
			}
		}
	})

	t.Run("handles empty slice", func(t *testing.T) {
		data := []byte{}
		Zeroize(data) // Should not panic

		if len(data) != 0 {
			t.Error("empty slice should remain empty")
		}
	})

	t.Run("handles nil slice", func(t *testing.T) {
		var data []byte
		Zeroize(data) // Should not panic
	})

	t.Run("zeroizes 32-byte scalar", func(t *testing.T) {
		var key [32]byte
		for i := range key {
			key[i] = byte(i + 1)
		}

		zeroize32(&key)

		for i, b := range key {
			if b != 0 {
				t.Errorf("byte at index %d should be 0, got %d", i, b)
			}
		}
	})
}

func TestSecretZero(t *testing.T) {
	s, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}

	s.Zero()

	for i, b := range s.b {
		if b != 0 {
			t.Fatalf("byte at index %d should be 0 after Zero, got %d", i, b)
		}
	}
	if _, err := s.PublicKey(); err == nil {
		t.Error("PublicKey() on a zeroed secret should fail")
	}
	if _, err := s.NSec(); err == nil {
		t.Error("NSec() on a zeroed secret should fail")
	}
}
