package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mistnet-io/iottls/internal/config"
	"github.com/mistnet-io/iottls/internal/log"

	"github.com/mistnet-io/iottls"
)

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Dial a broker, complete the TLS 1.2 handshake, then pump stdin/stdout as application data",
		RunE:  runConnect,
	}
}

func runConnect(cmd *cobra.Command, _ []string) error {
	opts, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := buildLogger(opts.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	conn, err := iottls.Dial(ctx, "tcp", opts.Addr(), opts, logger)
	if err != nil {
		log.LogError(logger, err, "failed to establish session", zap.String("addr", opts.Addr()))
		return err
	}
	logger.Info("session established", zap.String("addr", opts.Addr()))

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, os.Stdin)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		errCh <- err
	}()

	err = <-errCh
	_ = conn.End()
	return err
}
