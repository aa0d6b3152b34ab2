// Package handshake implements the client-driven TLS 1.2 handshake state
// machine: a strict client-emitted/server-expected message sequence, a
// handshake transcript, key derivation, and Finished verification. It
// keeps a single flat struct with an explicit "expected next message"
// discriminator (step) plus the transcript, rather than a layered or
// hierarchical per-phase state machine — re-entry and resource handoff
// are plain field assignments under the one owning Engine, not an
// inheritance walk.
package handshake

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/mistnet-io/iottls/internal/alert"
	tlscrypto "github.com/mistnet-io/iottls/internal/crypto"
	"github.com/mistnet-io/iottls/internal/handshake/wire"
	"github.com/mistnet-io/iottls/internal/identity"
	"github.com/mistnet-io/iottls/internal/record"
)

type step int

const (
	stepExpectServerHello step = iota
	stepExpectCertificate
	stepExpectCertificateRequest
	stepExpectServerHelloDone
	stepAwaitingClientSignature
	stepExpectServerChangeCipherSpec
	stepExpectServerFinished
	stepEstablished
)

// Config is everything the engine needs from the owning Conn to run the
// handshake: the client's identity and the two injected collaborators
// (chain verification and validity-date policy).
type Config struct {
	Host            string
	ClientCertDER   []byte
	Verifier        identity.ChainVerifier
	ValidityOptions identity.VerifyOptions
}

// Engine drives one client-side TLS 1.2 handshake.
type Engine struct {
	cfg Config

	step       step
	transcript []byte

	clientRandom [32]byte
	serverRandom [32]byte
	sessionID    []byte

	preMasterSecret []byte
	masterSecret    []byte
	keyBlock        tlscrypto.KeyBlock

	serverChain  [][]byte
	serverPubKey *rsa.PublicKey

	signTranscript []byte // snapshot handed to the signer
}

// New constructs an Engine. It generates the client_random and
// pre_master_secret up front (pre_master_secret = {3,3}||46 random
// bytes), so that master_secret can be derived once ServerHello
// establishes the server random.
func New(cfg Config) (*Engine, error) {
	random, err := tlscrypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	padding, err := tlscrypto.RandomBytes(46)
	if err != nil {
		return nil, err
	}
	preMaster := append([]byte{0x03, 0x03}, padding...)

	e := &Engine{cfg: cfg, preMasterSecret: preMaster}
	copy(e.clientRandom[:], random)
	return e, nil
}

// OutMessage is one message the façade must frame and write, in order.
type OutMessage struct {
	Type record.Type
	Body []byte
	// InstallClientCipherAfter is true for the ChangeCipherSpec message:
	// once the façade has written it to the transport, it must switch the
	// record.Writer to the client cipher before framing the next message
	// (the Finished message that follows it in the same flight).
	InstallClientCipherAfter bool
}

// Start returns the ClientHello to send and advances the engine to expect
// ServerHello.
func (e *Engine) Start() (OutMessage, error) {
	ch := &wire.ClientHello{Random: e.clientRandom}
	body := ch.Marshal()
	e.append(body)
	e.step = stepExpectServerHello
	return OutMessage{Type: record.TypeHandshake, Body: body}, nil
}

func (e *Engine) append(raw []byte) {
	e.transcript = append(e.transcript, raw...)
}

// Established reports whether the server Finished has verified.
func (e *Engine) Established() bool { return e.step == stepEstablished }

// KeyBlock returns the derived key material. Valid once ServerHello has
// been processed (i.e. once past stepExpectServerHello).
func (e *Engine) KeyBlock() tlscrypto.KeyBlock { return e.keyBlock }

// clientVerifyData computes the client's Finished verify_data over
// transcriptSoFar.
func (e *Engine) clientVerifyData(transcriptSoFar []byte) []byte {
	return tlscrypto.VerifyData(e.masterSecret, "client finished", transcriptSoFar)
}

// HandleHandshakeMessage processes one raw handshake message (the 4-byte
// header plus body, as returned by the defragmenter). A HelloRequest is
// silently ignored regardless of step: this client never renegotiates.
// Any other message received out of the expected order is
// alert.UnexpectedMessage.
func (e *Engine) HandleHandshakeMessage(raw []byte) error {
	typ, body, ok := wire.Header(raw)
	if !ok {
		return alert.New(alert.DecodeError)
	}
	if typ == wire.TypeHelloRequest {
		return nil
	}

	switch e.step {
	case stepExpectServerHello:
		if typ != wire.TypeServerHello {
			return alert.New(alert.UnexpectedMessage)
		}
		return e.handleServerHello(raw, body)
	case stepExpectCertificate:
		if typ != wire.TypeCertificate {
			return alert.New(alert.UnexpectedMessage)
		}
		return e.handleCertificate(raw, body)
	case stepExpectCertificateRequest:
		if typ != wire.TypeCertificateRequest {
			return alert.New(alert.UnexpectedMessage)
		}
		return e.handleCertificateRequest(raw, body)
	case stepExpectServerHelloDone:
		if typ != wire.TypeServerHelloDone {
			return alert.New(alert.UnexpectedMessage)
		}
		return e.handleServerHelloDone(raw, body)
	default:
		// Finished arriving via this entry point (rather than after a
		// ChangeCipherSpec) is always out of order.
		return alert.New(alert.UnexpectedMessage)
	}
}

func (e *Engine) handleServerHello(raw, body []byte) error {
	var sh wire.ServerHello
	if err := sh.Unmarshal(body); err != nil {
		if wire.IsIllegalParameter(err) {
			return alert.New(alert.IllegalParameter)
		}
		return alert.New(alert.DecodeError)
	}
	e.serverRandom = sh.Random
	e.sessionID = sh.SessionID

	e.masterSecret = tlscrypto.MasterSecret(e.preMasterSecret, e.clientRandom[:], e.serverRandom[:])
	e.keyBlock = tlscrypto.DeriveKeyBlock(e.masterSecret, e.clientRandom[:], e.serverRandom[:])

	e.append(raw)
	e.step = stepExpectCertificate
	return nil
}

func (e *Engine) handleCertificate(raw, body []byte) error {
	var cert wire.ServerCertificate
	if err := cert.Unmarshal(body); err != nil {
		return alert.New(alert.DecodeError)
	}
	e.serverChain = cert.Chain

	leaf, err := x509.ParseCertificate(cert.Chain[0])
	if err != nil {
		return alert.Wrap(alert.BadCertificate, err)
	}
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return alert.New(alert.UnsupportedCertificate)
	}
	e.serverPubKey = pub

	if !identity.MatchHost(leaf.Subject.CommonName, e.cfg.Host) {
		return alert.New(alert.BadCertificate)
	}

	if e.cfg.Verifier != nil {
		if err := e.cfg.Verifier.VerifyChain(cert.Chain, e.cfg.ValidityOptions); err != nil {
			return mapChainErr(err)
		}
	}

	e.append(raw)
	e.step = stepExpectCertificateRequest
	return nil
}

func mapChainErr(err error) error {
	var ce *identity.ChainError
	if chainErr, ok := err.(*identity.ChainError); ok {
		ce = chainErr
	}
	if ce == nil {
		return alert.Wrap(alert.CertificateUnknown, err)
	}
	switch ce.Kind {
	case identity.UnsupportedCertificate:
		return alert.Wrap(alert.UnsupportedCertificate, err)
	case identity.CertificateUnknown:
		return alert.Wrap(alert.CertificateUnknown, err)
	case identity.UnknownCA:
		return alert.Wrap(alert.UnknownCA, err)
	default:
		return alert.Wrap(alert.BadCertificate, err)
	}
}

func (e *Engine) handleCertificateRequest(raw, body []byte) error {
	var cr wire.CertificateRequest
	if err := cr.Unmarshal(body); err != nil {
		return alert.New(alert.DecodeError)
	}
	e.append(raw)
	e.step = stepExpectServerHelloDone
	return nil
}

func (e *Engine) handleServerHelloDone(raw, body []byte) error {
	var d wire.ServerHelloDone
	if err := d.Unmarshal(body); err != nil {
		return alert.New(alert.IllegalParameter)
	}
	e.append(raw)
	e.step = stepAwaitingClientSignature
	return nil
}

// ReadyForClientFlight reports whether ServerHelloDone has been processed
// and BuildClientFlightPrefix may be called.
func (e *Engine) ReadyForClientFlight() bool {
	return e.step == stepAwaitingClientSignature
}

// AwaitingServerFinished reports whether the next Handshake-type message
// must be routed to OnServerFinished rather than HandleHandshakeMessage
// (i.e. the server's ChangeCipherSpec has already been processed).
func (e *Engine) AwaitingServerFinished() bool {
	return e.step == stepExpectServerFinished
}

// BuildClientFlightPrefix builds and appends the Certificate and
// ClientKeyExchange messages, and returns the transcript snapshot that
// must be handed to the signer for CertificateVerify: the signature
// covers every transcript entry up to and including ClientKeyExchange.
func (e *Engine) BuildClientFlightPrefix() ([]OutMessage, []byte, error) {
	if e.step != stepAwaitingClientSignature {
		return nil, nil, alert.New(alert.InternalError)
	}

	certMsg := &wire.ClientCertificate{DER: e.cfg.ClientCertDER}
	certBody := certMsg.Marshal()
	e.append(certBody)

	encrypted, err := tlscrypto.EncryptPreMasterSecret(e.serverPubKey, e.preMasterSecret)
	if err != nil {
		return nil, nil, alert.Wrap(alert.InternalError, err)
	}
	ckeMsg := &wire.ClientKeyExchange{EncryptedPreMaster: encrypted}
	ckeBody := ckeMsg.Marshal()
	e.append(ckeBody)

	e.signTranscript = append([]byte(nil), e.transcript...)

	return []OutMessage{
		{Type: record.TypeHandshake, Body: certBody},
		{Type: record.TypeHandshake, Body: ckeBody},
	}, e.signTranscript, nil
}

// CompleteClientFlight takes the CertificateVerify signature (produced
// in-process or by an external, possibly asynchronous, signer) and
// returns the remaining client flight: CertificateVerify,
// ChangeCipherSpec, and the client Finished.
func (e *Engine) CompleteClientFlight(signature []byte) ([]OutMessage, error) {
	if e.step != stepAwaitingClientSignature {
		// The engine is no longer waiting for a signature (the flight was
		// already completed, or the step otherwise advanced). This is a
		// no-op from the caller's point of view; surfacing it as an error
		// lets the façade simply discard the extra signer result.
		return nil, errStaleSignature
	}

	cv := &wire.CertificateVerify{Signature: signature}
	cvBody := cv.Marshal()
	e.append(cvBody)

	verifyData := e.clientVerifyData(e.transcript)
	fin := &wire.Finished{}
	copy(fin.VerifyData[:], verifyData)
	finBody := fin.Marshal()
	e.append(finBody)

	e.step = stepExpectServerChangeCipherSpec

	return []OutMessage{
		{Type: record.TypeHandshake, Body: cvBody},
		{Type: record.TypeChangeCipherSpec, Body: []byte{1}, InstallClientCipherAfter: true},
		{Type: record.TypeHandshake, Body: finBody},
	}, nil
}

var errStaleSignature = fmt.Errorf("tls: signature arrived after handshake state advanced")

// IsStaleSignature reports whether err is the "late signer callback"
// sentinel that CompleteClientFlight returns once the engine has moved
// past stepAwaitingClientSignature.
func IsStaleSignature(err error) bool {
	return err == errStaleSignature
}

// OnServerChangeCipherSpec validates that a server ChangeCipherSpec is
// legal at this point — the server's Finished is only legal once its
// ChangeCipherSpec has installed the decipher — and advances the engine
// to expect the server's Finished.
func (e *Engine) OnServerChangeCipherSpec() error {
	if e.step != stepExpectServerChangeCipherSpec {
		return alert.New(alert.UnexpectedMessage)
	}
	e.step = stepExpectServerFinished
	return nil
}

// OnServerFinished verifies the server's Finished message against the
// transcript accumulated so far. A mismatch is alert.DecryptError.
func (e *Engine) OnServerFinished(raw []byte) error {
	if e.step != stepExpectServerFinished {
		return alert.New(alert.UnexpectedMessage)
	}
	typ, body, ok := wire.Header(raw)
	if !ok || typ != wire.TypeFinished {
		return alert.New(alert.UnexpectedMessage)
	}
	var fin wire.Finished
	if err := fin.Unmarshal(body); err != nil {
		return alert.New(alert.DecodeError)
	}

	want := tlscrypto.VerifyData(e.masterSecret, "server finished", e.transcript)
	if !hmacEqual(want, fin.VerifyData[:]) {
		return alert.New(alert.DecryptError)
	}

	e.append(raw)
	e.step = stepEstablished
	return nil
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
