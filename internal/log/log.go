// Package log builds the single *zap.Logger handed explicitly to the
// stream façade (which logs under the "stream" name), built once and
// passed down rather than reached for as a package-level global. The
// handshake engine and termination controller take no logger.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a development-style logger when debug is true, a production
// one otherwise.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// LogError logs err at Error level with msg plus any extra fields. A
// nil err is still logged, since callers sometimes use it to report a
// condition that has no underlying error value.
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Error(msg, fields...)
}
