// Package crypto holds the small amount of general-purpose cryptographic
// plumbing the packet plane needs that is not LoRaWAN-frame-specific
// (pkg/lorawan owns the frame codec). Password hashing and generic
// AES-GCM, which the teacher carried for its user/API layer, are dropped
// here: that layer is out of scope for the device-manager packet plane
// (see DESIGN.md).
package crypto

import (
	"crypto/rand"
	"fmt"
)

// GenerateRandomBytes fills and returns an n-byte slice from the OS CSPRNG.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: read random bytes: %w", err)
	}
	return b, nil
}

// RandomAppNonce generates a fresh, non-zero 24-bit AppNonce as required by
// the join engine (spec §4.D step 4). It retries the vanishingly unlikely
// all-zero draw rather than special-casing it.
func RandomAppNonce() (uint32, error) {
	for {
		b, err := GenerateRandomBytes(3)
		if err != nil {
			return 0, err
		}
		nonce := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
		if nonce != 0 {
			return nonce, nil
		}
	}
}
