// Package termination implements the unified shutdown procedure: a
// single entry point invoked with a Reason and an optional error,
// responsible for best-effort alert emission, transport teardown, and
// settling any pending write — all synchronously, with no intermediate
// draining/closing state visible to callers.
package termination

import (
	"errors"
	"io"

	"github.com/mistnet-io/iottls/internal/alert"
)

// Reason names why termination was invoked.
type Reason int

const (
	ReasonFinal Reason = iota
	ReasonDestroy
	ReasonSocket
	ReasonError
	ReasonAlert
	ReasonCloseNotify
)

// State is the connection's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateEstablished
	StateTerminated
)

// ErrPrematureClose is synthesized when the transport closes with reason
// Socket and no error.
var ErrPrematureClose = errors.New("tls: premature close")

// ErrServerClose is synthesized when a close_notify arrives while still
// handshaking.
var ErrServerClose = errors.New("tls: server close")

// ErrSocketEndedByPeer ("EPIPE") is synthesized when a close_notify
// arrives in the established state while a write was in-flight.
var ErrSocketEndedByPeer = errors.New("tls: socket ended by peer")

// ErrClosed ("EPIPE") is returned by writes issued after termination.
var ErrClosed = errors.New("tls: write on closed connection")

// AlertSink sends one outbound alert record. Implemented by the owning
// Conn; errors are discarded by Run (best-effort emission).
type AlertSink interface {
	SendAlert(level alert.Level, desc alert.Description) error
}

// Transport is the subset of downward transport behavior termination
// needs: destroying or gracefully ending.
type Transport interface {
	End() error
	Destroy() error
}

// Hooks lets the owning Conn observe and participate in termination
// without this package importing the Conn type.
type Hooks struct {
	Transport Transport
	Alerts    AlertSink

	// EmitEnd signals end-of-stream upward (a nil "data" push).
	EmitEnd func()
	// EmitClose signals the close event upward, scheduled strictly after
	// EmitEnd.
	EmitClose func()
	// EmitError delivers an error upward when there is no pending write
	// to resolve it against.
	EmitError func(err error)
	// ResolvePendingWrite resolves the single pending write slot (if
	// any) with the given error (nil for a clean resolution). It reports
	// whether a write was in fact pending.
	ResolvePendingWrite func(err error) (hadPending bool)
}

// Run executes the termination procedure and returns the error that was
// ultimately attributed to the session, if any.
func Run(hooks Hooks, state State, reason Reason, cause error) error {
	if reason == ReasonAlert {
		if a, ok := cause.(*alert.Error); ok && a.Description == alert.CloseNotify {
			reason = ReasonCloseNotify
			cause = nil
		}
	}

	emitAlerts(hooks, state, reason, cause)

	if hooks.Transport != nil {
		if reason == ReasonDestroy {
			_ = hooks.Transport.Destroy()
		} else {
			_ = hooks.Transport.End()
		}
	}

	if reason != ReasonDestroy && hooks.EmitEnd != nil {
		hooks.EmitEnd()
	}

	resolved := resolveWriteError(state, reason, cause)
	hadPending := false
	if hooks.ResolvePendingWrite != nil {
		hadPending = hooks.ResolvePendingWrite(resolved)
	}

	// A close_notify received while ESTABLISHED only yields ErrSocketEndedByPeer
	// when it interrupts a write actually in flight; an idle peer-initiated
	// close is a normal closure and must not be reported as an error.
	if reason == ReasonCloseNotify && state == StateEstablished && !hadPending {
		resolved = nil
	}

	if resolved != nil && !hadPending && hooks.EmitError != nil {
		hooks.EmitError(resolved)
	}

	if reason != ReasonDestroy && hooks.EmitClose != nil {
		hooks.EmitClose()
	}

	return resolved
}

func emitAlerts(hooks Hooks, state State, reason Reason, cause error) {
	if hooks.Alerts == nil {
		return
	}
	switch reason {
	case ReasonFinal, ReasonDestroy:
		if state == StateHandshaking {
			_ = hooks.Alerts.SendAlert(alert.LevelWarning, alert.UserCanceled)
		}
		_ = hooks.Alerts.SendAlert(alert.LevelWarning, alert.CloseNotify)
	case ReasonCloseNotify:
		_ = hooks.Alerts.SendAlert(alert.LevelWarning, alert.CloseNotify)
	case ReasonError:
		if a, ok := cause.(*alert.Error); ok && !a.Peer {
			_ = hooks.Alerts.SendAlert(alert.LevelFatal, a.Description)
		} else {
			_ = hooks.Alerts.SendAlert(alert.LevelFatal, alert.InternalError)
		}
	}
}

func resolveWriteError(state State, reason Reason, cause error) error {
	switch reason {
	case ReasonSocket:
		if cause == nil {
			return ErrPrematureClose
		}
		return cause
	case ReasonCloseNotify:
		if state == StateHandshaking {
			return ErrServerClose
		}
		if state == StateEstablished {
			return ErrSocketEndedByPeer
		}
		return nil
	default:
		return cause
	}
}

// IsGraceful reports whether err represents a normal closure that should
// not be surfaced as a failure to a caller merely observing End().
func IsGraceful(err error) bool {
	return err == nil || errors.Is(err, io.EOF)
}
