package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerName is the root name of every logger the CLI and server create.
const LoggerName = "simple-rag"

// NewLogger returns the process logger. Debug mode logs human-readable lines at debug level;
// otherwise JSON at info level with ISO8601 timestamps. Both write to stderr so command output
// on stdout stays machine-readable.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(LoggerName), nil
}
