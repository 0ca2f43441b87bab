// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/HerbHall/robobridge/internal/config"
)

// ParseLevel maps a configured level name to a zap level. Unknown names
// fall back to info; "trace" is treated as debug.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func encoder(format string) zapcore.Encoder {
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	return zapcore.NewConsoleEncoder(cfg)
}

// New returns a logger writing to stderr and, when a file is configured, to
// a size rotated log file. The file always receives JSON.
func New(s config.LogSettings) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(s.Level))

	cores := []zapcore.Core{
		zapcore.NewCore(encoder(s.Format), zapcore.Lock(os.Stderr), level),
	}

	if s.File != "" {
		if s.MaxSizeMB <= 0 {
			return nil, fmt.Errorf("log.max_size_mb must be positive, got %d", s.MaxSizeMB)
		}
		rotator := &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    s.MaxSizeMB,
			MaxBackups: s.MaxBackups,
			MaxAge:     s.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder("json"), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
