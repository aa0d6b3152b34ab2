// Package iottls is a minimal mutually-authenticated TLS 1.2 duplex
// client for IoT-style devices (AWS-IoT-shaped brokers in particular).
// Conn is the single-actor stream façade: one goroutine owns the record
// layer, the handshake engine and the termination controller. Write, End
// and Destroy talk to that goroutine over a channel, Read drains a pipe
// only that goroutine writes, and Established and WaitHandshake read the
// session state under a mutex — an event-driven actor rather than a
// blocking net.Conn-pull model, because the duplex contract here must
// never block on a socket read while a handshake signer or a transport
// write is also in flight.
package iottls

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/mistnet-io/iottls/internal/alert"
	"github.com/mistnet-io/iottls/internal/cipherstate"
	"github.com/mistnet-io/iottls/internal/config"
	"github.com/mistnet-io/iottls/internal/defrag"
	"github.com/mistnet-io/iottls/internal/handshake"
	"github.com/mistnet-io/iottls/internal/identity"
	"github.com/mistnet-io/iottls/internal/record"
	"github.com/mistnet-io/iottls/internal/termination"
)

// Transport is the downward connection Conn transports TLS records over.
// Any net.Conn satisfies it; CloseWrite is probed for separately (most
// net.Conn implementations that support half-close, e.g. *net.TCPConn,
// expose it as an extra method rather than through the interface).
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

type halfCloser interface {
	CloseWrite() error
}

// Callbacks lets a caller receive application data and lifecycle events
// by push instead of by calling Read. Exactly one delivery mode is used
// per Conn: when OnData is set, Read always returns io.EOF.
type Callbacks struct {
	OnData  func([]byte)
	OnEnd   func()
	OnClose func()
	OnError func(error)
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithCallbacks installs push-style event delivery.
func WithCallbacks(cb Callbacks) Option { return func(c *Conn) { c.callbacks = cb } }

// WithSigner overrides (or supplies, when Options.KeyPEM is empty) the
// synchronous CertificateVerify signer.
func WithSigner(s identity.Signer) Option {
	return func(c *Conn) { c.signer = s; c.asyncSigner = nil }
}

// WithAsyncSigner installs an out-of-process signer, which the handshake
// engine suspends on until its channel delivers a result — tolerating a
// result that arrives after the connection has already torn down.
func WithAsyncSigner(s identity.AsyncSigner) Option {
	return func(c *Conn) { c.asyncSigner = s; c.signer = nil }
}

// Conn is one client-side TLS 1.2 session.
type Conn struct {
	logger    *zap.Logger
	transport Transport

	reader *record.Reader
	writer *record.Writer
	frag   *defrag.Defragmenter
	engine *handshake.Engine

	signer      identity.Signer
	asyncSigner identity.AsyncSigner
	callbacks   Callbacks

	cmdCh        chan any
	inboundCh    chan inboundEvent
	signResultCh chan identity.SignResult

	pipeR *io.PipeReader
	pipeW *io.PipeWriter

	doneCh    chan struct{}
	readyCh   chan struct{}
	readyOnce sync.Once

	// pendingWrite is the single queued write slot for a Write issued
	// before the handshake completes. It is touched only from run, the
	// actor goroutine; terminate (also only ever called from run) reads
	// and clears it when settling a session.
	pendingWrite *writeCmd

	mu       sync.Mutex
	state    termination.State
	finalErr error
}

type inboundEvent struct {
	data []byte
	err  error
}

type writeResult struct {
	n   int
	err error
}

type writeCmd struct {
	data   []byte
	result chan writeResult
}

type endCmd struct{ result chan error }

type destroyCmd struct{ err error }

// NewConn constructs a Conn over an already-connected transport and
// immediately starts the handshake. logger may be nil (a no-op logger is
// used).
func NewConn(transport Transport, opts config.Options, logger *zap.Logger, optFns ...Option) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	certDER, _, err := identity.LoadCertificate([]byte(opts.CertPEM))
	if err != nil {
		return nil, fmt.Errorf("iottls: load client certificate: %w", err)
	}

	var verifier identity.ChainVerifier
	if opts.CAPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(opts.CAPEM)) {
			return nil, errors.New("iottls: no certificates found in caPem")
		}
		verifier = &identity.X509ChainVerifier{Roots: pool}
	}

	engine, err := handshake.New(handshake.Config{
		Host:            opts.Host,
		ClientCertDER:   certDER,
		Verifier:        verifier,
		ValidityOptions: identity.VerifyOptions{Mode: opts.ValidityMode()},
	})
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()

	c := &Conn{
		logger:       logger.Named("stream"),
		transport:    transport,
		reader:       record.NewReader(),
		writer:       record.NewWriter(),
		frag:         defrag.New(),
		engine:       engine,
		cmdCh:        make(chan any),
		inboundCh:    make(chan inboundEvent),
		signResultCh: make(chan identity.SignResult, 1),
		pipeR:        pr,
		pipeW:        pw,
		doneCh:       make(chan struct{}),
		readyCh:      make(chan struct{}),
		state:        termination.StateConnecting,
	}

	if opts.KeyPEM != "" {
		signer, err := identity.LoadPrivateKey([]byte(opts.KeyPEM))
		if err != nil {
			return nil, fmt.Errorf("iottls: load client key: %w", err)
		}
		c.signer = signer
	}

	for _, fn := range optFns {
		fn(c)
	}

	if c.signer == nil && c.asyncSigner == nil {
		return nil, errors.New("iottls: no signer configured: set Options.KeyPEM or pass WithSigner/WithAsyncSigner")
	}

	c.state = termination.StateHandshaking

	go c.pump()
	go c.run()

	return c, nil
}

// WaitHandshake blocks until the session is ESTABLISHED or terminated,
// whichever comes first, or ctx is done.
func (c *Conn) WaitHandshake(ctx context.Context) error {
	select {
	case <-c.readyCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != termination.StateEstablished {
			if c.finalErr != nil {
				return c.finalErr
			}
			return errors.New("iottls: handshake did not complete")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Established reports whether the session has completed its handshake.
func (c *Conn) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == termination.StateEstablished
}

// Read returns decrypted application data. Valid only when Callbacks.OnData
// is unset; otherwise it always returns io.EOF, since data is being
// delivered by push instead.
func (c *Conn) Read(p []byte) (int, error) {
	if c.callbacks.OnData != nil {
		return 0, io.EOF
	}
	return c.pipeR.Read(p)
}

// Write sends p as application data, queuing it as the single pending
// write if the handshake has not yet completed. A second Write issued
// while one is already queued fails immediately rather than silently
// overwriting the first.
func (c *Conn) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	result := make(chan writeResult, 1)
	select {
	case c.cmdCh <- &writeCmd{data: data, result: result}:
	case <-c.doneCh:
		return 0, c.closedErr()
	}
	select {
	case res := <-result:
		return res.n, res.err
	case <-c.doneCh:
		return 0, c.closedErr()
	}
}

// End performs a graceful shutdown: close_notify is sent, the transport
// is half-closed (or closed, if it doesn't support that), and End blocks
// until the actor has fully wound down.
func (c *Conn) End() error {
	result := make(chan error, 1)
	select {
	case c.cmdCh <- &endCmd{result: result}:
	case <-c.doneCh:
		return c.finalError()
	}
	select {
	case err := <-result:
		return err
	case <-c.doneCh:
		return c.finalError()
	}
}

// Destroy tears the session down immediately, attributing err (if
// non-nil) as the termination cause. A best-effort close_notify is sent
// (preceded by user_canceled while handshaking), then the transport is
// closed outright rather than half-closed, and no end or close event is
// emitted. It does not block on the actor winding down.
func (c *Conn) Destroy(err error) {
	select {
	case c.cmdCh <- &destroyCmd{err: err}:
	case <-c.doneCh:
	}
}

// Close is an io.Closer alias for End, so Conn satisfies
// io.ReadWriteCloser for callers that only need the standard interface.
func (c *Conn) Close() error { return c.End() }

func (c *Conn) closedErr() error {
	if err := c.finalError(); err != nil {
		return err
	}
	return termination.ErrClosed
}

func (c *Conn) finalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalErr
}

// pump is the only goroutine that ever calls transport.Read. It exists
// because Go has no portable way to wait on "socket readable" and
// "command received" in one select without a dedicated reader goroutine;
// every byte it reads is handed to the actor loop in run, which is the
// sole owner of all session state.
func (c *Conn) pump() {
	buf := make([]byte, 16*1024)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case c.inboundCh <- inboundEvent{data: chunk}:
			case <-c.doneCh:
				return
			}
		}
		if err != nil {
			select {
			case c.inboundCh <- inboundEvent{err: err}:
			case <-c.doneCh:
			}
			return
		}
	}
}

// run is the single-threaded actor: every field on Conn except the
// channels themselves and the mu-guarded state/finalErr (which other
// goroutines read under mu) is touched only from this goroutine.
func (c *Conn) run() {
	defer func() {
		c.signalReady()
		close(c.doneCh)
	}()

	if err := c.startHandshake(); err != nil {
		c.terminate(reasonFor(err), err)
		return
	}

	for {
		select {
		case ev := <-c.inboundCh:
			if ev.err != nil {
				reason := termination.ReasonSocket
				cause := ev.err
				if errors.Is(cause, io.EOF) {
					cause = nil
				}
				c.terminate(reason, cause)
				return
			}
			if err := c.handleInbound(ev.data); err != nil {
				c.terminate(reasonFor(err), err)
				return
			}
			if c.pendingWrite != nil && c.engine.Established() {
				w := c.pendingWrite
				c.pendingWrite = nil
				c.performWrite(w)
			}

		case res := <-c.signResultCh:
			if res.Err != nil {
				err := alert.Wrap(alert.InternalError, res.Err)
				c.terminate(reasonFor(err), err)
				return
			}
			outs, err := c.engine.CompleteClientFlight(res.Signature)
			if err != nil {
				if handshake.IsStaleSignature(err) {
					continue
				}
				c.terminate(reasonFor(err), err)
				return
			}
			if err := c.emit(outs...); err != nil {
				c.terminate(reasonFor(err), err)
				return
			}

		case cmd := <-c.cmdCh:
			switch v := cmd.(type) {
			case *writeCmd:
				if c.pendingWrite != nil {
					v.result <- writeResult{err: errWriteAlreadyPending}
					continue
				}
				if !c.engine.Established() {
					c.pendingWrite = v
					continue
				}
				c.performWrite(v)

			case *endCmd:
				err := c.terminate(termination.ReasonFinal, nil)
				v.result <- err
				return

			case *destroyCmd:
				c.terminate(termination.ReasonDestroy, v.err)
				return
			}
		}
	}
}

var errWriteAlreadyPending = errors.New("tls: a write is already pending")

func (c *Conn) performWrite(cmd *writeCmd) {
	frame, err := c.writer.Frame(record.TypeApplicationData, cmd.data)
	if err != nil {
		cmd.result <- writeResult{err: err}
		return
	}
	if _, err := c.transport.Write(frame); err != nil {
		cmd.result <- writeResult{err: err}
		c.terminate(termination.ReasonSocket, err)
		return
	}
	cmd.result <- writeResult{n: len(cmd.data)}
}

func (c *Conn) startHandshake() error {
	out, err := c.engine.Start()
	if err != nil {
		return err
	}
	return c.emit(out)
}

func (c *Conn) emit(msgs ...handshake.OutMessage) error {
	for _, m := range msgs {
		frame, err := c.writer.Frame(m.Type, m.Body)
		if err != nil {
			return err
		}
		if _, err := c.transport.Write(frame); err != nil {
			return err
		}
		if m.InstallClientCipherAfter {
			kb := c.engine.KeyBlock()
			c.writer.SetCipher(cipherstate.NewCipher(kb.ClientWriteKey, kb.ClientMACKey, kb.IVSeed))
		}
	}
	return nil
}

func (c *Conn) handleInbound(data []byte) error {
	c.reader.Feed(data)
	for {
		rec, ok, err := c.reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := c.frag.Push(rec); err != nil {
			return err
		}
		for {
			msg, ok, err := c.frag.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := c.handleMessage(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) handleMessage(msg defrag.Message) error {
	switch msg.Type {
	case record.TypeAlert:
		return c.handleAlert(msg.Body)
	case record.TypeChangeCipherSpec:
		return c.handleChangeCipherSpec(msg.Body)
	case record.TypeHandshake:
		return c.handleHandshake(msg.Body)
	case record.TypeApplicationData:
		if !c.engine.Established() {
			return alert.New(alert.UnexpectedMessage)
		}
		return c.deliver(msg.Body)
	default:
		return alert.New(alert.UnexpectedMessage)
	}
}

func (c *Conn) handleAlert(body []byte) error {
	if len(body) != 2 {
		return alert.New(alert.DecodeError)
	}
	alertErr := &alert.Error{Level: alert.Level(body[0]), Description: alert.Description(body[1]), Peer: true}
	if !alertErr.Fatal() {
		c.logger.Warn("peer alert ignored", zap.String("description", alertErr.Description.String()))
		return nil
	}
	return alertErr
}

func (c *Conn) handleChangeCipherSpec(body []byte) error {
	if len(body) != 1 || body[0] != 1 {
		return alert.New(alert.UnexpectedMessage)
	}
	if err := c.engine.OnServerChangeCipherSpec(); err != nil {
		return err
	}
	kb := c.engine.KeyBlock()
	c.reader.SetDecipher(cipherstate.NewDecipher(kb.ServerWriteKey, kb.ServerMACKey))
	return nil
}

func (c *Conn) handleHandshake(raw []byte) error {
	if c.engine.AwaitingServerFinished() {
		if err := c.engine.OnServerFinished(raw); err != nil {
			return err
		}
		c.mu.Lock()
		c.state = termination.StateEstablished
		c.mu.Unlock()
		c.signalReady()
		return nil
	}

	if err := c.engine.HandleHandshakeMessage(raw); err != nil {
		return err
	}
	if c.engine.ReadyForClientFlight() {
		outs, transcript, err := c.engine.BuildClientFlightPrefix()
		if err != nil {
			return err
		}
		if err := c.emit(outs...); err != nil {
			return err
		}
		c.beginSigning(transcript)
	}
	return nil
}

func (c *Conn) beginSigning(transcript []byte) {
	if c.asyncSigner != nil {
		resultCh := c.asyncSigner.SignAsync(context.Background(), transcript)
		go func() {
			select {
			case res := <-resultCh:
				select {
				case c.signResultCh <- res:
				case <-c.doneCh:
				}
			case <-c.doneCh:
			}
		}()
		return
	}
	signer := c.signer
	go func() {
		sig, err := signer.Sign(transcript)
		select {
		case c.signResultCh <- identity.SignResult{Signature: sig, Err: err}:
		case <-c.doneCh:
		}
	}()
}

func (c *Conn) deliver(data []byte) error {
	if c.callbacks.OnData != nil {
		c.callbacks.OnData(data)
		return nil
	}
	if _, err := c.pipeW.Write(data); err != nil {
		// The Read side has stopped consuming; treat it like the
		// transport having gone away.
		return err
	}
	return nil
}

// terminate runs the unified shutdown procedure and settles the pipe and
// any callbacks. It must only be called from run.
func (c *Conn) terminate(reason termination.Reason, cause error) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	hooks := termination.Hooks{
		Transport: transportAdapter{c.transport},
		Alerts:    alertSink{c},
		EmitEnd: func() {
			if c.callbacks.OnEnd != nil {
				c.callbacks.OnEnd()
			}
		},
		EmitClose: func() {
			if c.callbacks.OnClose != nil {
				c.callbacks.OnClose()
			}
		},
		EmitError: func(err error) {
			if c.callbacks.OnError != nil {
				c.callbacks.OnError(err)
			}
		},
		ResolvePendingWrite: func(err error) bool {
			w := c.pendingWrite
			if w == nil {
				return false
			}
			c.pendingWrite = nil
			if err == nil {
				err = termination.ErrClosed
			}
			w.result <- writeResult{err: err}
			return true
		},
	}

	resolved := termination.Run(hooks, state, reason, cause)

	c.mu.Lock()
	c.state = termination.StateTerminated
	c.finalErr = resolved
	c.mu.Unlock()

	_ = c.pipeW.CloseWithError(resolved)
	return resolved
}

func reasonFor(err error) termination.Reason {
	var a *alert.Error
	if errors.As(err, &a) {
		if a.Peer {
			return termination.ReasonAlert
		}
		return termination.ReasonError
	}
	return termination.ReasonSocket
}

func (c *Conn) signalReady() {
	c.readyOnce.Do(func() { close(c.readyCh) })
}

type transportAdapter struct{ t Transport }

func (a transportAdapter) End() error {
	if hc, ok := a.t.(halfCloser); ok {
		if err := hc.CloseWrite(); err == nil {
			return nil
		}
	}
	return a.t.Close()
}

func (a transportAdapter) Destroy() error { return a.t.Close() }

type alertSink struct{ c *Conn }

func (s alertSink) SendAlert(level alert.Level, desc alert.Description) error {
	frame, err := s.c.writer.Frame(record.TypeAlert, []byte{byte(level), byte(desc)})
	if err != nil {
		return err
	}
	_, err = s.c.transport.Write(frame)
	return err
}
