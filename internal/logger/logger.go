package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger is the process-wide logger set by Init
var logger = zap.NewNop()

// Init builds the process logger. Format "json" selects the production
// encoder; anything else a console encoder.
func Init(level, format string) (*zap.Logger, error) {
	l, err := New(level, format)
	if err != nil {
		return nil, err
	}
	logger = l
	zap.ReplaceGlobals(l)
	return l, nil
}

// New builds a logger without touching the process logger
func New(level, format string) (*zap.Logger, error) {
	var config zap.Config
	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.Encoding = "console"
	}

	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	config.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	l, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}

// Sync flushes any buffered log entries
func Sync() error {
	return logger.Sync()
}

// Get returns the process logger; a no-op logger before Init
func Get() *zap.Logger {
	return logger
}
