package cipherstate

import (
	"bytes"
	"crypto/aes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlscrypto "github.com/mistnet-io/iottls/internal/crypto"
)

func fixedKeys() (writeKey, macKey, ivSeed []byte) {
	writeKey = bytes.Repeat([]byte{0x11}, 16)
	macKey = bytes.Repeat([]byte{0x22}, 20)
	ivSeed = bytes.Repeat([]byte{0x00}, 16)
	return
}

func TestSealOpenRoundTrip(t *testing.T) {
	writeKey, macKey, ivSeed := fixedKeys()
	cipher := NewCipher(writeKey, macKey, ivSeed)
	decipher := NewDecipher(writeKey, macKey)

	plaintext := []byte("application data payload")
	record, err := cipher.Seal(23, plaintext)
	require.NoError(t, err)

	got, err := decipher.Open(23, record)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSealAdvancesIVAndSequence(t *testing.T) {
	writeKey, macKey, ivSeed := fixedKeys()
	cipher := NewCipher(writeKey, macKey, ivSeed)

	first, err := cipher.Seal(23, []byte("one"))
	require.NoError(t, err)
	second, err := cipher.Seal(23, []byte("one"))
	require.NoError(t, err)

	assert.NotEqual(t, first[:ivLen], second[:ivLen], "successive records must use distinct IVs")
	assert.Equal(t, uint64(2), cipher.seq.Value())
}

func TestOpenDetectsContentTypeTamper(t *testing.T) {
	writeKey, macKey, ivSeed := fixedKeys()
	cipher := NewCipher(writeKey, macKey, ivSeed)
	decipher := NewDecipher(writeKey, macKey)

	record, err := cipher.Seal(23, []byte("application data payload"))
	require.NoError(t, err)

	_, err = decipher.Open(22, record)
	assert.ErrorIs(t, err, ErrBadRecordMAC)
}

func TestOpenDetectsCiphertextTamper(t *testing.T) {
	writeKey, macKey, ivSeed := fixedKeys()
	cipher := NewCipher(writeKey, macKey, ivSeed)
	decipher := NewDecipher(writeKey, macKey)

	record, err := cipher.Seal(23, []byte("application data payload"))
	require.NoError(t, err)
	record[len(record)-1] ^= 0xFF

	_, err = decipher.Open(23, record)
	assert.ErrorIs(t, err, ErrBadRecordMAC)
}

func TestOpenRejectsUndersizedRecord(t *testing.T) {
	decipher := NewDecipher(bytes.Repeat([]byte{1}, 16), bytes.Repeat([]byte{2}, 20))
	_, err := decipher.Open(23, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadRecordMAC)
}

func TestOpenRejectsNonBlockAlignedCiphertext(t *testing.T) {
	decipher := NewDecipher(bytes.Repeat([]byte{1}, 16), bytes.Repeat([]byte{2}, 20))
	record := make([]byte, ivLen+macLen+aes.BlockSize+1)
	_, err := decipher.Open(23, record)
	assert.ErrorIs(t, err, ErrBadRecordMAC)
}

func TestNewCipherInterpretsIVSeedAsLittleEndian(t *testing.T) {
	writeKey, macKey, _ := fixedKeys()

	// Little-endian 1: low-order byte first. Under a (wrong) big-endian
	// reading this would be 1<<120, a completely different counter value.
	seed := make([]byte, 16)
	seed[0] = 1

	cipher := NewCipher(writeKey, macKey, seed)
	record, err := cipher.Seal(23, []byte("x"))
	require.NoError(t, err)

	wantDigest := tlscrypto.SHA256([]byte("1"))
	assert.Equal(t, wantDigest[:ivLen], record[:ivLen])
}
