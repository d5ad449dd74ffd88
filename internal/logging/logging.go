// Package logging builds the zap logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hpungsan/scribe/internal/config"
)

// Rotation limits for file logging.
const (
	maxSizeMB  = 10
	maxBackups = 3
	maxAgeDays = 28
)

// New returns a JSON logger writing to cfg.LogFile (rotated) or stderr.
// stderr keeps stdout free for CLI JSON output and the MCP stdio transport.
func New(cfg *config.Config) *zap.Logger {
	var w io.Writer = os.Stderr
	level := "info"
	if cfg != nil {
		if cfg.LogFile != "" {
			w = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    maxSizeMB,
				MaxBackups: maxBackups,
				MaxAge:     maxAgeDays,
			}
		}
		if cfg.LogLevel != "" {
			level = cfg.LogLevel
		}
	}
	return NewWithWriter(w, ParseLevel(level))
}

// NewWithWriter builds the logger over an arbitrary writer (tests use a buffer).
func NewWithWriter(w io.Writer, level zapcore.Level) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCaller())
}

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
