// Package logging builds the service logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lbj "gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and an optional rotated file sink.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	File   string // empty disables the file sink
}

// ParseLevel accepts the usual spellings of the four levels.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "verb", "verbose":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warning", "warn":
		return zap.WarnLevel, nil
	case "error", "err":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unsupported log level %q", s)
}

// New returns a logger writing to stdout and, when cfg.File is set, to a
// rotated file as well. The returned AtomicLevel can change verbosity at runtime.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	atom := zap.NewAtomicLevelAt(level)

	ws := zapcore.AddSync(os.Stdout)
	if cfg.File != "" {
		w := zapcore.AddSync(&lbj.Logger{
			Filename:   cfg.File,
			MaxSize:    64, // MB
			MaxBackups: 15,
		})
		ws = zapcore.NewMultiWriteSyncer(w, ws)
	}

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	case "", "console":
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	core := zapcore.NewCore(enc, ws, atom)
	return zap.New(core, zap.WithCaller(true)), atom, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Fingerprint shortens a credential fingerprint for log fields.
func Fingerprint(fp string) zap.Field {
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return zap.String("fingerprint", fp)
}
