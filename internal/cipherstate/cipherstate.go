// Package cipherstate implements the MAC-then-encrypt Cipher and the
// decrypt-then-verify Decipher for TLS_RSA_WITH_AES_128_CBC_SHA, the
// single cipher suite this client ever negotiates — no AEAD branch, no
// suite selection. The per-record IV is derived as SHA-256 of the
// decimal ASCII of an incrementing 128-bit counter rather than drawn
// from a random source.
package cipherstate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"math/big"

	tlscrypto "github.com/mistnet-io/iottls/internal/crypto"
	"github.com/mistnet-io/iottls/internal/seq"
)

const (
	ivLen  = 16
	macLen = 20 // HMAC-SHA1
)

// ErrBadRecordMAC is the single undifferentiated decrypt failure: parse,
// pad, and MAC failures must all surface identically to avoid a
// Lucky13/POODLE-style CBC padding oracle.
var ErrBadRecordMAC = errors.New("tls: bad_record_mac")

// Cipher is the outbound (write) protection state for one direction.
type Cipher struct {
	key    []byte // 16-byte AES-128 key
	macKey []byte // 20-byte HMAC-SHA1 key
	seq    seq.Counter
	ivSeed *big.Int // incrementing 128-bit IV seed
}

// NewCipher constructs the outbound cipher state from the derived key
// block entries for this direction.
func NewCipher(writeKey, macKey, ivSeed []byte) *Cipher {
	return &Cipher{
		key:    append([]byte(nil), writeKey...),
		macKey: append([]byte(nil), macKey...),
		ivSeed: new(big.Int).SetBytes(reverseBytes(ivSeed)),
	}
}

// reverseBytes returns a new slice with b's bytes in reverse order, so
// that big.Int.SetBytes (which always reads big-endian) can be used to
// interpret a little-endian-ordered byte string.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func (c *Cipher) nextIV() []byte {
	// IV = first 16 bytes of SHA-256 of the decimal ASCII of the
	// incrementing 128-bit IV seed. Idiosyncratic relative to real TLS
	// 1.2 CBC (which chains off the previous ciphertext block or draws a
	// fresh random nonce), but it is this client's invariant to keep.
	dec := []byte(c.ivSeed.String())
	c.ivSeed.Add(c.ivSeed, big.NewInt(1))
	digest := tlscrypto.SHA256(dec)
	iv := make([]byte, ivLen)
	copy(iv, digest[:ivLen])
	return iv
}

// Seal MAC-then-encrypts payload of content type typ, returning IV||ciphertext
// and advancing the sequence counter.
func (c *Cipher) Seal(typ byte, payload []byte) ([]byte, error) {
	seqBytes := c.seq.Bytes()
	mac := computeMAC(tlscrypto.NewHMACSHA1(c.macKey), seqBytes[:], typ, payload)

	padLen := 16 - (len(payload)+macLen)%16
	padded := make([]byte, 0, len(payload)+macLen+padLen)
	padded = append(padded, payload...)
	padded = append(padded, mac...)
	for i := 0; i < padLen; i++ {
		padded = append(padded, byte(padLen-1))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("tls: aes cipher: %w", err)
	}
	iv := c.nextIV()
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	if err := c.seq.Advance(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decipher is the inbound (read) protection state for one direction.
type Decipher struct {
	key    []byte
	macKey []byte
	seq    seq.Counter
}

// NewDecipher constructs the inbound decipher state.
func NewDecipher(writeKey, macKey []byte) *Decipher {
	return &Decipher{
		key:    append([]byte(nil), writeKey...),
		macKey: append([]byte(nil), macKey...),
	}
}

// Open decrypt-then-verifies a received record payload (IV||ciphertext) of
// content type typ, returning the plaintext. Any failure — malformed
// length, bad padding, or bad MAC — is reported identically as
// ErrBadRecordMAC.
func (d *Decipher) Open(typ byte, record []byte) ([]byte, error) {
	if len(record) < ivLen+macLen+aes.BlockSize {
		return nil, ErrBadRecordMAC
	}
	iv := record[:ivLen]
	ciphertext := record[ivLen:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadRecordMAC
	}

	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, ErrBadRecordMAC
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	if len(plain) < macLen+1 {
		return nil, ErrBadRecordMAC
	}
	padLen := int(plain[len(plain)-1]) + 1
	if padLen > len(plain)-macLen {
		return nil, ErrBadRecordMAC
	}
	padStart := len(plain) - padLen
	padGood := 1
	for _, b := range plain[padStart:] {
		if int(b) != padLen-1 {
			padGood = 0
		}
	}

	macStart := padStart - macLen
	gotMAC := plain[macStart:padStart]
	plaintext := plain[:macStart]

	seqBytes := d.seq.Bytes()
	wantMAC := computeMAC(tlscrypto.NewHMACSHA1(d.macKey), seqBytes[:], typ, plaintext)

	if subtle.ConstantTimeCompare(gotMAC, wantMAC) != 1 || padGood != 1 {
		return nil, ErrBadRecordMAC
	}

	if err := d.seq.Advance(); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// computeMAC implements the TLS 1.0/1.2 MAC construction:
// HMAC(mac_key, seq || type || version(3,3) || uint16(len) || payload).
func computeMAC(h hash.Hash, seq8 []byte, typ byte, payload []byte) []byte {
	h.Reset()
	h.Write(seq8)
	h.Write([]byte{typ, 0x03, 0x03, byte(len(payload) >> 8), byte(len(payload))})
	h.Write(payload)
	return h.Sum(nil)
}
