package iottls

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/mistnet-io/iottls/internal/config"
)

// Dial connects to addr over network (typically "tcp"), then runs the
// handshake and returns once it completes (or fails). It is the thin
// convenience entry point a CLI or an MQTT client can call directly:
// load identity, build the connection, hand off to the TLS layer.
func Dial(ctx context.Context, network, addr string, opts config.Options, logger *zap.Logger, optFns ...Option) (*Conn, error) {
	var d net.Dialer
	if opts.DialTimeout > 0 {
		d.Timeout = opts.DialTimeout
	}

	transport := opts.Socket
	if transport == nil {
		nc, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		transport = nc
	}

	conn, err := NewConn(transport, opts, logger, optFns...)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	if err := conn.WaitHandshake(ctx); err != nil {
		conn.Destroy(err)
		return nil, err
	}
	return conn, nil
}
