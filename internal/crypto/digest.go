package crypto

import (
	"crypto/sha1" //nolint:gosec // TLS_RSA_WITH_AES_128_CBC_SHA mandates HMAC-SHA1
	"crypto/sha256"
	"hash"
)

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// NewHMACSHA1 returns a fresh HMAC-SHA1 hash.Hash keyed with key — the MAC
// used by TLS_RSA_WITH_AES_128_CBC_SHA.
func NewHMACSHA1(key []byte) hash.Hash {
	return HMACHash(sha1.New, key)
}
