package crypto

import "crypto/subtle"

// Zeroize overwrites b with zeros.
func Zeroize(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}
