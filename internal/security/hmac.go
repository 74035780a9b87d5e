package security

import (
	"crypto/hmac"
	"crypto/sha256"
)

// computeHMAC mirrors the original crypto_hmac.c: one HMAC-SHA256 context
// fed a flattened sequence of field buffers, rather than a single
// concatenated byte slice, so callers can pass structured fields directly.
func computeHMAC(key []byte, fields ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, f := range fields {
		if len(f) > 0 {
			mac.Write(f)
		}
	}
	return mac.Sum(nil)
}

// verifyHMAC recomputes the MAC over fields and compares it to want in
// constant time.
func verifyHMAC(key []byte, want []byte, fields ...[]byte) bool {
	got := computeHMAC(key, fields...)
	return hmac.Equal(got, want)
}
