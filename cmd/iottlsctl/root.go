// iottlsctl is the CLI wrapper around the iottls client: the command-line
// entry point and flag/config wiring needed to make the module runnable
// as a standalone binary.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// colorConsoleEncoder wraps zapcore's console encoder so TTY output keeps
// its level colors.
type colorConsoleEncoder struct {
	*zapcore.EncoderConfig
	zapcore.Encoder
}

func newColorConsole(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return colorConsoleEncoder{EncoderConfig: &cfg, Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (c colorConsoleEncoder) Clone() zapcore.Encoder {
	return colorConsoleEncoder{EncoderConfig: c.EncoderConfig, Encoder: c.Encoder.Clone()}
}

func init() {
	_ = zap.RegisterEncoder("iottlsColorConsole", func(cfg zapcore.EncoderConfig) (zapcore.Encoder, error) {
		return newColorConsole(cfg), nil
	})
}

func buildLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Encoding = "iottlsColorConsole"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.DisableStacktrace = true
	}
	return cfg.Build()
}

// NewRoot builds the iottlsctl root command with its persistent flags and
// the connect subcommand registered.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "iottlsctl",
		Short: "Minimal mutually-authenticated TLS 1.2 client for IoT brokers",
	}

	root.PersistentFlags().String("host", "", "broker hostname (also the expected server certificate CN)")
	root.PersistentFlags().Uint32("port", 8883, "broker TCP port")
	root.PersistentFlags().String("caPem", "", "PEM text (not a file path) of the CA bundle used to verify the server chain")
	root.PersistentFlags().String("certPem", "", "PEM text (not a file path) of the client certificate")
	root.PersistentFlags().String("keyPem", "", "PEM text (not a file path) of the client private key")
	root.PersistentFlags().String("validityCheck", "current", "certificate validity check mode: current|skip")
	root.PersistentFlags().Duration("dialTimeout", 0, "dial timeout (0 = no timeout)")
	root.PersistentFlags().Bool("debug", false, "enable verbose logging")

	root.AddCommand(newConnectCmd())
	return root
}
