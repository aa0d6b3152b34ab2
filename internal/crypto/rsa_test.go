package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptPreMasterSecretRoundTrips(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	preMaster := append([]byte{3, 3}, make([]byte, 46)...)
	ciphertext, err := EncryptPreMasterSecret(&key.PublicKey, preMaster)
	require.NoError(t, err)
	assert.NotEqual(t, preMaster, ciphertext)

	decrypted, err := rsa.DecryptPKCS1v15(rand.Reader, key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, preMaster, decrypted)
}

func TestSignTranscriptProducesVerifiableSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	transcript := []byte("ClientHello || ServerHello || ... || ClientKeyExchange")
	sig, err := SignTranscript(key, transcript)
	require.NoError(t, err)

	digest := SHA256(transcript)
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}
