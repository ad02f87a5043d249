package utils

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFormat selects the encoder used by NewLogger.
type LogFormat string

const (
	FormatJSON    LogFormat = "json"
	FormatConsole LogFormat = "console"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	Level  string
	Format LogFormat
	// OutputPaths defaults to stderr.
	OutputPaths []string
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a production (json) or development (console) zap logger.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	logger, _, err := NewAtomicLogger(cfg)
	return logger, err
}

// NewAtomicLogger is NewLogger that also returns the level handle, so the
// level can be changed while the logger is in use.
func NewAtomicLogger(cfg LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	var zcfg zap.Config
	switch cfg.Format {
	case FormatConsole:
		zcfg = zap.NewDevelopmentConfig()
	case "", FormatJSON:
		zcfg = zap.NewProductionConfig()
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, zcfg.Level, nil
}

// OrNop returns logger, or a no-op logger when nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// BytesToMB converts a byte count to whole megabytes, rounding down.
func BytesToMB(bytes uint64) int64 {
	return int64(bytes / (1024 * 1024))
}
