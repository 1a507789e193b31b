package mlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, See also zapcore.ParseLevel. Default is info.
	Level string `yaml:"level"`

	// File that logger will be writen into.
	// Default is stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)
	lvl    = zap.NewAtomicLevelAt(zap.InfoLevel)
	global atomic.Pointer[zap.Logger]
)

func init() {
	global.Store(zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), stderr, lvl)))
}

// NewLogger builds a logger from lc. The level of the returned logger is
// independent of the process logger.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if len(lc.Level) > 0 {
		var err error
		if level, err = zapcore.ParseLevel(lc.Level); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	var out zapcore.WriteSyncer
	if lf := lc.File; len(lf) > 0 {
		f, _, err := zap.Open(lf)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	} else {
		out = stderr
	}

	var enc zapcore.Encoder
	if lc.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zap.New(zapcore.NewCore(enc, out, level)), nil
}

// L returns the process logger. It logs to stderr until Replace is called.
func L() *zap.Logger {
	return global.Load()
}

// Replace sets the process logger. A nil l is ignored.
func Replace(l *zap.Logger) {
	if l != nil {
		global.Store(l)
	}
}

// SetLevel sets the level of the default stderr logger.
func SetLevel(l zapcore.Level) {
	lvl.SetLevel(l)
}
