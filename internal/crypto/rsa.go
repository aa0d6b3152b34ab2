package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
)

// EncryptPreMasterSecret performs the RSA-PKCS1-v1.5 public-key encryption
// of the pre_master_secret under the server's leaf public key, as required
// by ClientKeyExchange.
func EncryptPreMasterSecret(pub *rsa.PublicKey, preMaster []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, pub, preMaster)
}

// SignTranscript signs the SHA-256 digest of transcript with key using
// RSASSA-PKCS1-v1_5 with SHA-256 (signature_algorithm {rsa, sha256}),
// the one algorithm this client ever offers for CertificateVerify.
func SignTranscript(key crypto.Signer, transcript []byte) ([]byte, error) {
	digest := sha256.Sum256(transcript)
	return key.Sign(rand.Reader, digest[:], crypto.SHA256)
}
