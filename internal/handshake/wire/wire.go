// Package wire marshals and parses the handshake messages this client
// sends and receives. Message bodies with length-prefixed fields are
// parsed and built with golang.org/x/crypto/cryptobyte's reader/writer;
// the 4-byte handshake header and the fixed-size Finished body are
// handled by direct indexing.
package wire

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// Handshake message type bytes (RFC 5246 §7.4).
const (
	TypeHelloRequest       byte = 0
	TypeClientHello        byte = 1
	TypeServerHello        byte = 2
	TypeCertificate        byte = 11
	TypeServerKeyExchange  byte = 12
	TypeCertificateRequest byte = 13
	TypeServerHelloDone    byte = 14
	TypeCertificateVerify  byte = 15
	TypeClientKeyExchange  byte = 16
	TypeFinished           byte = 20
)

// ErrMalformed is returned whenever a handshake message fails to parse.
// The handshake engine maps this to alert.DecodeError; constraint
// violations that map to alert.IllegalParameter use a separate error
// (see IsIllegalParameter).
var ErrMalformed = errors.New("tls: malformed handshake message")

// wrap prepends the 1-byte type + 3-byte length handshake header to body.
func wrap(typ byte, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = typ
	out[1] = byte(len(body) >> 16)
	out[2] = byte(len(body) >> 8)
	out[3] = byte(len(body))
	copy(out[4:], body)
	return out
}

// Header reads the type and body of a raw handshake message (the bytes
// the defragmenter hands back for a TypeHandshake message, i.e. including
// the 4-byte header).
func Header(data []byte) (typ byte, body []byte, ok bool) {
	if len(data) < 4 {
		return 0, nil, false
	}
	n := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if len(data) != 4+n {
		return 0, nil, false
	}
	return data[0], data[4:], true
}

// ClientHello is the sole client hello this client ever sends: fixed
// cipher suite, no compression, no extensions, no session resumption.
type ClientHello struct {
	Random [32]byte
}

func (m *ClientHello) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16(0x0303) // vers {3,3}
	b.AddBytes(m.Random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {}) // empty session id
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x002F) // TLS_RSA_WITH_AES_128_CBC_SHA
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0x00) // compression: null
	})
	body, _ := b.Bytes()
	return wrap(TypeClientHello, body)
}

// ServerHello is the parsed form of the server's ServerHello.
type ServerHello struct {
	Random    [32]byte
	SessionID []byte
}

// Unmarshal parses body (the bytes after the 4-byte handshake header) and
// enforces this client's fixed ServerHello constraints: version {3,3},
// cipher suite 0x002F, compression null, no extensions.
func (m *ServerHello) Unmarshal(body []byte) error {
	s := cryptobyte.String(body)
	var vers uint16
	if !s.ReadUint16(&vers) || vers != 0x0303 {
		return errBadServerHello
	}
	var random []byte
	if !s.ReadBytes(&random, 32) {
		return ErrMalformed
	}
	copy(m.Random[:], random)

	var sessionID cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) {
		return ErrMalformed
	}
	m.SessionID = append([]byte(nil), sessionID...)

	var suite uint16
	if !s.ReadUint16(&suite) || suite != 0x002F {
		return errBadServerHello
	}
	var compression uint8
	if !s.ReadUint8(&compression) || compression != 0 {
		return errBadServerHello
	}
	if !s.Empty() {
		// Any extension bytes at all are illegal_parameter: this client
		// never advertises an extension, so the server must not send one.
		return errBadServerHello
	}
	return nil
}

// errBadServerHello is distinguished from ErrMalformed by the handshake
// engine, which maps it to illegal_parameter rather than decode_error.
var errBadServerHello = errors.New("tls: illegal ServerHello parameter")

// IsIllegalParameter reports whether err was produced by a ServerHello
// field that is well-formed but violates a fixed spec constraint (version,
// cipher suite, compression, or unexpected extensions), or by a
// ServerHelloDone with a non-empty body.
func IsIllegalParameter(err error) bool {
	return errors.Is(err, errBadServerHello)
}

// ClientCertificate marshals the client's Certificate message carrying
// exactly one DER certificate entry; an empty certificate list is never
// produced.
type ClientCertificate struct {
	DER []byte
}

func (m *ClientCertificate) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.DER)
		})
	})
	body, _ := b.Bytes()
	return wrap(TypeCertificate, body)
}

// ServerCertificate is the parsed chain from the server's Certificate
// message, leaf first (the on-wire order).
type ServerCertificate struct {
	Chain [][]byte
}

func (m *ServerCertificate) Unmarshal(body []byte) error {
	s := cryptobyte.String(body)
	var certs cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&certs) || !s.Empty() {
		return ErrMalformed
	}
	var chain [][]byte
	for !certs.Empty() {
		var cert cryptobyte.String
		if !certs.ReadUint24LengthPrefixed(&cert) {
			return ErrMalformed
		}
		chain = append(chain, append([]byte(nil), cert...))
	}
	if len(chain) == 0 {
		return ErrMalformed
	}
	m.Chain = chain
	return nil
}

// CertificateRequest is parsed only for well-formedness; its content
// does not change what the client sends — this client always responds
// with its one configured certificate and key regardless of the
// requested certificate types or CA names.
type CertificateRequest struct{}

func (m *CertificateRequest) Unmarshal(body []byte) error {
	s := cryptobyte.String(body)
	var certTypes cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&certTypes) {
		return ErrMalformed
	}
	var sigAlgs cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&sigAlgs) || len(sigAlgs)%2 != 0 {
		return ErrMalformed
	}
	var caNames cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&caNames) || !s.Empty() {
		return ErrMalformed
	}
	for !caNames.Empty() {
		var name cryptobyte.String
		if !caNames.ReadUint16LengthPrefixed(&name) {
			return ErrMalformed
		}
	}
	return nil
}

// ServerHelloDone must have an empty body.
type ServerHelloDone struct{}

func (m *ServerHelloDone) Unmarshal(body []byte) error {
	if len(body) != 0 {
		return errBadServerHello
	}
	return nil
}

// ClientKeyExchange carries the RSA-encrypted pre_master_secret.
type ClientKeyExchange struct {
	EncryptedPreMaster []byte
}

func (m *ClientKeyExchange) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.EncryptedPreMaster)
	})
	body, _ := b.Bytes()
	return wrap(TypeClientKeyExchange, body)
}

// CertificateVerify carries the client's transcript signature, always
// under signature_algorithm {rsa, sha256} (0x0401) — the one algorithm
// this client ever offers.
type CertificateVerify struct {
	Signature []byte
}

func (m *CertificateVerify) Marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint16(0x0401)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.Signature)
	})
	body, _ := b.Bytes()
	return wrap(TypeCertificateVerify, body)
}

// Finished carries the 12-byte verify_data.
type Finished struct {
	VerifyData [12]byte
}

func (m *Finished) Marshal() []byte {
	return wrap(TypeFinished, m.VerifyData[:])
}

func (m *Finished) Unmarshal(body []byte) error {
	if len(body) != 12 {
		return ErrMalformed
	}
	copy(m.VerifyData[:], body)
	return nil
}
