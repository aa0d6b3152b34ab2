// Package identity holds the client's certificate/signing identity and
// the two external collaborators the handshake engine treats as
// injected capabilities: chain verification and transcript signing.
// Loading client cert/key material from PEM uses
// github.com/cloudflare/cfssl/helpers (ParsePrivateKeyPEM/
// ParseCertificatePEM) rather than hand-rolling a PEM/PKCS#8 parser.
package identity

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/helpers"

	tlscrypto "github.com/mistnet-io/iottls/internal/crypto"
)

// Signer produces the CertificateVerify signature over the handshake
// transcript. It may be backed by an in-process crypto.Signer or an
// external device; either way a failure is mapped by the owning Conn to
// alert.InternalError.
type Signer interface {
	// Sign returns the RSASSA-PKCS1-v1_5-SHA256 signature over transcript.
	Sign(transcript []byte) ([]byte, error)
}

// AsyncSigner is the asynchronous form of Signer: the handshake engine
// suspends until a result arrives on the returned channel, and must
// tolerate it arriving after the connection has already torn down — in
// that case the result is simply dropped.
type AsyncSigner interface {
	SignAsync(ctx context.Context, transcript []byte) <-chan SignResult
}

// SignResult is delivered on an AsyncSigner's channel.
type SignResult struct {
	Signature []byte
	Err       error
}

// localSigner adapts an in-process crypto.Signer (typically an RSA
// private key loaded from PEM) to the synchronous Signer interface.
type localSigner struct {
	key crypto.Signer
}

// NewLocalSigner wraps key as a synchronous Signer.
func NewLocalSigner(key crypto.Signer) Signer {
	return &localSigner{key: key}
}

func (s *localSigner) Sign(transcript []byte) ([]byte, error) {
	return tlscrypto.SignTranscript(s.key, transcript)
}

// ChainVerifier verifies a server certificate chain against a configured
// root trust store.
type ChainVerifier interface {
	VerifyChain(chain [][]byte, opts VerifyOptions) error
}

// ValidityMode controls how VerifyChain checks certificate not-before/
// not-after dates.
type ValidityMode int

const (
	// ValidityCurrent validates against time.Now (the default).
	ValidityCurrent ValidityMode = iota
	// ValidityFixed validates against a specific instant.
	ValidityFixed
	// ValiditySkip accepts any date.
	ValiditySkip
)

// VerifyOptions carries the certificate validity-date check policy.
type VerifyOptions struct {
	Mode  ValidityMode
	Fixed time.Time
}

// X509ChainVerifier is the standard ChainVerifier: parse DER certificates
// and verify the chain against a caller-supplied root pool using
// crypto/x509, mapping its errors onto this client's chain-error
// vocabulary.
type X509ChainVerifier struct {
	Roots *x509.CertPool
}

// VerifyChain implements ChainVerifier.
func (v *X509ChainVerifier) VerifyChain(chain [][]byte, opts VerifyOptions) error {
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return &ChainError{Kind: BadCertificate, Err: err}
	}

	intermediates := x509.NewCertPool()
	for _, der := range chain[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return &ChainError{Kind: BadCertificate, Err: err}
		}
		intermediates.AddCert(cert)
	}

	verifyOpts := x509.VerifyOptions{
		Roots:         v.Roots,
		Intermediates: intermediates,
	}
	switch opts.Mode {
	case ValidityFixed:
		verifyOpts.CurrentTime = opts.Fixed
	case ValiditySkip:
		// x509.Verify has no "skip" knob; approximate by verifying at the
		// certificate's own NotBefore, which always passes the leaf's date
		// check.
		verifyOpts.CurrentTime = leaf.NotBefore
	}

	if _, err := leaf.Verify(verifyOpts); err != nil {
		return mapVerifyError(err)
	}
	return nil
}

// ChainErrorKind names which alert description a chain verification
// failure maps to.
type ChainErrorKind int

const (
	BadCertificate ChainErrorKind = iota
	UnsupportedCertificate
	CertificateUnknown
	UnknownCA
)

// ChainError is returned by ChainVerifier implementations.
type ChainError struct {
	Kind ChainErrorKind
	Err  error
}

func (e *ChainError) Error() string { return e.Err.Error() }
func (e *ChainError) Unwrap() error { return e.Err }

func mapVerifyError(err error) error {
	switch err.(type) {
	case x509.UnknownAuthorityError:
		return &ChainError{Kind: UnknownCA, Err: err}
	case x509.CertificateInvalidError, x509.HostnameError:
		// Whether to distinguish an expired certificate from any other
		// chain defect is left to the verifier; this one folds both into
		// certificate_unknown rather than minting a separate description.
		return &ChainError{Kind: CertificateUnknown, Err: err}
	default:
		return &ChainError{Kind: UnsupportedCertificate, Err: err}
	}
}

// MatchHost implements this client's CN matching rule: a CN beginning
// with "*" matches any host whose domain ends with the remainder (e.g.
// "*.example.com" matches "api.example.com" but not "example.com").
func MatchHost(cn, host string) bool {
	if !strings.HasPrefix(cn, "*") {
		return strings.EqualFold(cn, host)
	}
	suffix := cn[1:]
	if len(host) <= len(suffix) {
		return false
	}
	return strings.EqualFold(host[len(host)-len(suffix):], suffix)
}

// LoadCertificate parses a PEM-encoded client certificate into its DER
// form and CN.
func LoadCertificate(certPEM []byte) (der []byte, cn string, err error) {
	cert, err := helpers.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, "", err
	}
	return cert.Raw, cert.Subject.CommonName, nil
}

// LoadPrivateKey parses a PEM-encoded RSA private key and wraps it as a
// Signer.
func LoadPrivateKey(keyPEM []byte) (Signer, error) {
	key, err := helpers.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errUnsupportedKeyType
	}
	return NewLocalSigner(rsaKey), nil
}

var errUnsupportedKeyType = &unsupportedKeyTypeError{}

type unsupportedKeyTypeError struct{}

func (*unsupportedKeyTypeError) Error() string {
	return "tls: client key must be an RSA private key"
}
