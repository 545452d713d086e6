// Package logging builds the zap loggers used by the daemon and CLI.
//
// Core paths take a non-sugared *zap.Logger. CLIs may call Sugar() on it
// for printf-style output.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogLevel  = "WBP_LOG_LEVEL"
	EnvLogFormat = "WBP_LOG_FORMAT"
)

// Format selects the log encoding
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config describes a logger. Level "off" disables logging.
type Config struct {
	Level  string
	Format Format
	Output io.Writer
}

// DefaultConfig logs info and above as JSON to stderr
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

// ApplyEnv overrides level and format from WBP_LOG_LEVEL and WBP_LOG_FORMAT
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		c.Format = Format(strings.ToLower(v))
	}
}

// ParseLevel accepts debug, info, warn, error and off. ok is false for
// "off".
func ParseLevel(raw string) (level zapcore.Level, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel, true, nil
	case "", "info":
		return zapcore.InfoLevel, true, nil
	case "warn", "warning":
		return zapcore.WarnLevel, true, nil
	case "error":
		return zapcore.ErrorLevel, true, nil
	case "off", "none":
		return zapcore.InfoLevel, false, nil
	default:
		return zapcore.InfoLevel, false, fmt.Errorf("unknown log level %q", raw)
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

// Core builds the zapcore.Core for cfg. Disabled logging yields a no-op
// core.
func Core(cfg Config) (zapcore.Core, error) {
	level, on, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if !on {
		return zapcore.NewNopCore(), nil
	}

	var encoder zapcore.Encoder
	switch cfg.Format {
	case FormatJSON, "":
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	case FormatConsole:
		ec := encoderConfig()
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return zapcore.NewCore(encoder, zapcore.AddSync(out), level), nil
}

// New builds a logger from cfg
func New(cfg Config) (*zap.Logger, error) {
	core, err := Core(cfg)
	if err != nil {
		return nil, err
	}
	return zap.New(core), nil
}
