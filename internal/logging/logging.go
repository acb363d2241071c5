// Package logging builds the zap loggers used across capmap.
//
// Logs go to stderr by default: stdout carries command output and the MCP
// stdio transport.
package logging

import (
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and sinks.
type Config struct {
	Level  string // debug, info, warn, error (default info)
	Format string // json (default) or console
	// OutputPaths defaults to ["stderr"].
	OutputPaths []string
}

// New builds a logger from cfg. Unknown levels are rejected so a typo in the
// config file is not silently ignored.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if s := strings.TrimSpace(cfg.Level); s != "" {
		l, err := zapcore.ParseLevel(strings.ToLower(s))
		if err != nil {
			return nil, eris.Wrapf(err, "log level %q", cfg.Level)
		}
		level = l
	}

	console := strings.EqualFold(strings.TrimSpace(cfg.Format), "console")
	encCfg := zap.NewProductionEncoderConfig()
	encoding := "json"
	if console {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoding = "console"
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      console,
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "building zap logger")
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
