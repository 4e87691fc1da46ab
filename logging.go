package cwsp

import (
	"gopkg.in/natefinch/lumberjack.v2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewRotatingLogger builds a zap.Logger that writes JSON-encoded entries
// to path, rotated via lumberjack. Acceptor and Dialer take a *zap.Logger;
// this is the convenience constructor for embedders who want file output
// instead of wiring zapcore themselves.
func NewRotatingLogger(path string) *zap.Logger {
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(writer),
		zap.InfoLevel,
	)
	return zap.New(core)
}

// nopLogger returns a Logger that discards everything, used whenever an
// Acceptor/Dialer/Connection is constructed without an explicit one.
func nopLogger() *zap.Logger { return zap.NewNop() }
