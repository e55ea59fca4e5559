package crypto

import "runtime"

// Zeroize overwrites a byte slice with zeros to clear key material from memory.
// Go's garbage collector may copy or retain buffers, so callers should keep secrets
// in as few places as possible and wipe each one as soon as it is no longer needed.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b) // Prevent dead code elimination
}

// zeroize32 clears a fixed-size scalar buffer in place.
func zeroize32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
