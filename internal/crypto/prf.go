// Package crypto provides the primitive building blocks the TLS 1.2 record
// and handshake layers are built from: the PRF, master-secret and key-block
// derivation, SHA-256 and HMAC helpers, RSA PKCS#1 v1.5 public-key
// encryption and transcript signing, and random bytes. AES-128-CBC and the
// record MAC construction live in internal/cipherstate. It deliberately
// does not wrap crypto/tls — this
// client implements its own record layer against crypto/* primitives
// directly rather than through the high-level package.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"hash"
	"io"
)

// PRF implements the TLS 1.2 pseudorandom function (RFC 5246 §5), fixed
// to the P_SHA256 expansion used by every TLS 1.2 cipher suite.
//
// A(0) = seed
// A(i) = HMAC_hash(secret, A(i-1))
// P_hash(secret, seed) = HMAC_hash(secret, A(1) + seed) + HMAC_hash(secret, A(2) + seed) + ...
func PRF(secret, label, seed []byte, n int) []byte {
	labelAndSeed := make([]byte, 0, len(label)+len(seed))
	labelAndSeed = append(labelAndSeed, label...)
	labelAndSeed = append(labelAndSeed, seed...)

	out := make([]byte, 0, n)
	a := labelAndSeed
	for len(out) < n {
		a = hmacSHA256(secret, a)
		chunk := hmacSHA256(secret, append(append([]byte{}, a...), labelAndSeed...))
		out = append(out, chunk...)
	}
	return out[:n]
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACHash returns a fresh hash.Hash for the named HMAC, keyed with key.
// Used by the cipher suite's MAC (HMAC-SHA1 for TLS_RSA_WITH_AES_128_CBC_SHA).
func HMACHash(newHash func() hash.Hash, key []byte) hash.Hash {
	return hmac.New(newHash, key)
}

// RandomBytes returns n cryptographically strong random bytes, the single
// source of randomness for client_random and the pre_master_secret pad.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
