package iottls

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mistnet-io/iottls/internal/alert"
	"github.com/mistnet-io/iottls/internal/cipherstate"
	"github.com/mistnet-io/iottls/internal/config"
	tlscrypto "github.com/mistnet-io/iottls/internal/crypto"
	"github.com/mistnet-io/iottls/internal/handshake/wire"
	"github.com/mistnet-io/iottls/internal/record"
)

// issuePEMCert generates a self-signed RSA certificate/key pair for cn and
// returns the DER plus the PEM encodings NewConn is configured with.
func issuePEMCert(t *testing.T, cn string) (der []byte, certPEM, keyPEM []byte, key *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return der, certPEM, keyPEM, key
}

func wrapHandshake(typ byte, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = typ
	out[1], out[2], out[3] = byte(len(body)>>16), byte(len(body)>>8), byte(len(body))
	copy(out[4:], body)
	return out
}

// fakeServer drives the server side of one handshake against the real
// client Conn, then echoes every application-data record it receives.
// It is a minimal fixture, not a general TLS server: it trusts the
// client's messages rather than fully validating them.
type fakeServer struct {
	conn       net.Conn
	reader     *record.Reader
	writer     *record.Writer
	serverKey  *rsa.PrivateKey
	serverCert []byte

	transcript []byte
}

func (s *fakeServer) writeHandshake(raw []byte) error {
	s.transcript = append(s.transcript, raw...)
	frame, err := s.writer.Frame(record.TypeHandshake, raw)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(frame)
	return err
}

func (s *fakeServer) readHandshakeMessage() (typ byte, body []byte, raw []byte, err error) {
	buf := make([]byte, 4096)
	for {
		rec, ok, rerr := s.reader.Next()
		if rerr != nil {
			return 0, nil, nil, rerr
		}
		if ok {
			typ, body, hok := wire.Header(rec.Payload)
			if !hok {
				continue
			}
			s.transcript = append(s.transcript, rec.Payload...)
			return typ, body, rec.Payload, nil
		}
		n, rerr := s.conn.Read(buf)
		if rerr != nil {
			return 0, nil, nil, rerr
		}
		s.reader.Feed(buf[:n])
	}
}

func (s *fakeServer) readRecord() (record.Record, error) {
	buf := make([]byte, 4096)
	for {
		rec, ok, err := s.reader.Next()
		if err != nil {
			return record.Record{}, err
		}
		if ok {
			return rec, nil
		}
		n, err := s.conn.Read(buf)
		if err != nil {
			return record.Record{}, err
		}
		s.reader.Feed(buf[:n])
	}
}

// run performs the server side of the handshake and then loops echoing
// application-data records back to the client until the pipe ends. It
// runs on its own goroutine, so it reports failures by return value
// rather than through *testing.T (whose Fatal-family methods must only
// be called from the goroutine running the test).
func (s *fakeServer) run() error {
	_, chBody, _, err := s.readHandshakeMessage() // ClientHello
	if err != nil {
		return err
	}
	var clientRandom [32]byte
	copy(clientRandom[:], chBody[2:34])

	randomBytes, err := tlscrypto.RandomBytes(32)
	if err != nil {
		return err
	}
	var serverRandom [32]byte
	copy(serverRandom[:], randomBytes)

	if err := s.writeHandshake(wrapHandshake(wire.TypeServerHello, serverHelloBody(serverRandom))); err != nil {
		return err
	}
	if err := s.writeHandshake(wrapHandshake(wire.TypeCertificate, serverCertificateBody(s.serverCert))); err != nil {
		return err
	}
	if err := s.writeHandshake(wrapHandshake(wire.TypeCertificateRequest, certificateRequestBody())); err != nil {
		return err
	}
	if err := s.writeHandshake(wrapHandshake(wire.TypeServerHelloDone, nil)); err != nil {
		return err
	}

	if _, _, _, err := s.readHandshakeMessage(); err != nil { // client Certificate
		return err
	}
	_, ckeBody, _, err := s.readHandshakeMessage() // ClientKeyExchange
	if err != nil {
		return err
	}

	preMaster, err := decryptClientKeyExchange(s.serverKey, ckeBody)
	if err != nil {
		return err
	}

	if _, _, _, err := s.readHandshakeMessage(); err != nil { // CertificateVerify, trusted as-is
		return err
	}

	ccsRec, err := s.readRecord()
	if err != nil {
		return err
	}
	if ccsRec.Type != record.TypeChangeCipherSpec {
		return errUnexpectedServerFixtureRecord
	}

	masterSecret := tlscrypto.MasterSecret(preMaster, clientRandom[:], serverRandom[:])
	kb := tlscrypto.DeriveKeyBlock(masterSecret, clientRandom[:], serverRandom[:])

	s.reader.SetDecipher(cipherstate.NewDecipher(kb.ClientWriteKey, kb.ClientMACKey))

	if _, _, _, err := s.readHandshakeMessage(); err != nil { // client Finished
		return err
	}

	if err := writeChangeCipherSpec(s); err != nil {
		return err
	}
	s.writer.SetCipher(cipherstate.NewCipher(kb.ServerWriteKey, kb.ServerMACKey, kb.IVSeed))

	serverVerifyData := tlscrypto.VerifyData(masterSecret, "server finished", s.transcript)
	var vd [12]byte
	copy(vd[:], serverVerifyData)
	if err := s.writeHandshake(wrapHandshake(wire.TypeFinished, vd[:])); err != nil {
		return err
	}

	for {
		rec, err := s.readRecord()
		if err != nil {
			return nil
		}
		switch rec.Type {
		case record.TypeApplicationData:
			frame, ferr := s.writer.Frame(record.TypeApplicationData, rec.Payload)
			if ferr != nil {
				return ferr
			}
			if _, werr := s.conn.Write(frame); werr != nil {
				return nil
			}
		case record.TypeAlert:
			return nil
		}
	}
}

var errUnexpectedServerFixtureRecord = fixtureError("tls test fixture: expected ChangeCipherSpec")

type fixtureError string

func (e fixtureError) Error() string { return string(e) }

func writeChangeCipherSpec(s *fakeServer) error {
	frame, err := s.writer.Frame(record.TypeChangeCipherSpec, []byte{1})
	if err != nil {
		return err
	}
	_, err = s.conn.Write(frame)
	return err
}

func decryptClientKeyExchange(key *rsa.PrivateKey, body []byte) ([]byte, error) {
	if len(body) < 2 {
		return nil, errShortClientKeyExchange
	}
	n := int(body[0])<<8 | int(body[1])
	ciphertext := body[2 : 2+n]
	return rsa.DecryptPKCS1v15(rand.Reader, key, ciphertext)
}

var errShortClientKeyExchange = shortCKEError{}

type shortCKEError struct{}

func (shortCKEError) Error() string { return "tls: truncated ClientKeyExchange" }

func serverHelloBody(random [32]byte) []byte {
	body := append([]byte{0x03, 0x03}, random[:]...)
	body = append(body, 0x00)       // empty session id
	body = append(body, 0x00, 0x2F) // TLS_RSA_WITH_AES_128_CBC_SHA
	body = append(body, 0x00)       // compression null
	return body
}

func serverCertificateBody(der []byte) []byte {
	inner := append([]byte{0, byte(len(der) >> 8), byte(len(der))}, der...)
	return append([]byte{0, byte(len(inner) >> 8), byte(len(inner))}, inner...)
}

func certificateRequestBody() []byte {
	return []byte{
		0x01, 0x01, // certificate types
		0x00, 0x02, 0x04, 0x01, // signature algorithms
		0x00, 0x00, // CA names
	}
}

func TestConnFullHandshakeAndEcho(t *testing.T) {
	serverDER, serverCertPEM, _, serverKey := issuePEMCert(t, "broker.example.com")
	_, clientCertPEM, clientKeyPEM, _ := issuePEMCert(t, "client-001")

	clientConn, serverConn := net.Pipe()

	srv := &fakeServer{
		conn:       serverConn,
		reader:     record.NewReader(),
		writer:     record.NewWriter(),
		serverKey:  serverKey,
		serverCert: serverDER,
	}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.run() }()

	opts := config.Options{
		Host:          "broker.example.com",
		CertPEM:       string(clientCertPEM),
		KeyPEM:        string(clientKeyPEM),
		CAPEM:         string(serverCertPEM),
		ValidityCheck: "current",
	}

	conn, err := NewConn(clientConn, opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.WaitHandshake(ctx))
	assert.True(t, conn.Established())

	n, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, conn.End())

	select {
	case err := <-srvErr:
		assert.NoError(t, err)
	default:
	}
}

func TestHandleAlertIgnoresNonFatalWarning(t *testing.T) {
	c := &Conn{logger: zap.NewNop()}
	err := c.handleAlert([]byte{byte(alert.LevelWarning), byte(alert.NoRenegotiation)})
	assert.NoError(t, err)
}

func TestHandleAlertTerminatesOnFatalAlert(t *testing.T) {
	c := &Conn{logger: zap.NewNop()}
	err := c.handleAlert([]byte{byte(alert.LevelFatal), byte(alert.HandshakeFailure)})
	var alertErr *alert.Error
	require.ErrorAs(t, err, &alertErr)
	assert.Equal(t, alert.HandshakeFailure, alertErr.Description)
}

func TestHandleAlertTerminatesOnWarningCloseNotify(t *testing.T) {
	c := &Conn{logger: zap.NewNop()}
	err := c.handleAlert([]byte{byte(alert.LevelWarning), byte(alert.CloseNotify)})
	var alertErr *alert.Error
	require.ErrorAs(t, err, &alertErr)
	assert.Equal(t, alert.CloseNotify, alertErr.Description)
}

func TestConnRejectsHandshakeWithUntrustedServer(t *testing.T) {
	serverDER, _, _, serverKey := issuePEMCert(t, "broker.example.com")
	otherDER, otherCertPEM, _, _ := issuePEMCert(t, "unrelated-ca")
	_ = otherDER
	_, clientCertPEM, clientKeyPEM, _ := issuePEMCert(t, "client-001")

	clientConn, serverConn := net.Pipe()

	srv := &fakeServer{
		conn:       serverConn,
		reader:     record.NewReader(),
		writer:     record.NewWriter(),
		serverKey:  serverKey,
		serverCert: serverDER,
	}
	go func() { _ = srv.run() }() // fixture read errors are expected once the client aborts

	opts := config.Options{
		Host:          "broker.example.com",
		CertPEM:       string(clientCertPEM),
		KeyPEM:        string(clientKeyPEM),
		CAPEM:         string(otherCertPEM), // does not trust the server's actual cert
		ValidityCheck: "current",
	}

	conn, err := NewConn(clientConn, opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = conn.WaitHandshake(ctx)
	assert.Error(t, err)
	assert.False(t, conn.Established())
}
