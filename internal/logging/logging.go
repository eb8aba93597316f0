// Package logging builds the zap loggers used by every process of a run.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapgrpc"
	"google.golang.org/grpc/grpclog"
)

// Level maps the command line verbosity to a zap level.
func Level(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.ErrorLevel
	case verbosity == 1:
		return zapcore.WarnLevel
	case verbosity == 2:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

// New returns a console logger writing to stderr at the given verbosity.
func New(verbosity int) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(Level(verbosity))
	cfg.DisableStacktrace = verbosity < 3
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	return cfg.Build()
}

// Node scopes l to one actor.
func Node(l *zap.Logger, id string) *zap.Logger {
	return l.Named(id).With(zap.String("node", id))
}

// RouteGRPC sends gRPC's internal logging through l. It must run before any
// gRPC client or server is created.
func RouteGRPC(l *zap.Logger) {
	grpclog.SetLoggerV2(zapgrpc.NewLogger(l.Named("grpc")))
}
