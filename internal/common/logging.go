package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// LogOption configures a logger created with NewLogger.
type LogOption func(*logConfig)

type logConfig struct {
	level   slog.Level
	pretty  bool
	json    bool
	writers []io.Writer
	prefix  string
}

// WithDebug lowers the level to Debug when true.
func WithDebug(debug bool) LogOption {
	return func(c *logConfig) {
		if debug {
			c.level = slog.LevelDebug
		} else {
			c.level = slog.LevelInfo
		}
	}
}

// WithPretty selects the colorized charmbracelet handler for terminals.
func WithPretty(pretty bool) LogOption {
	return func(c *logConfig) { c.pretty = pretty }
}

// WithJSON selects slog's JSON handler, used by the daemon.
func WithJSON(json bool) LogOption {
	return func(c *logConfig) { c.json = json }
}

// WithWriters replaces the default stderr output. Several writers are
// combined with io.MultiWriter.
func WithWriters(w ...io.Writer) LogOption {
	return func(c *logConfig) { c.writers = w }
}

// WithPrefix sets the prefix shown by the pretty handler.
func WithPrefix(prefix string) LogOption {
	return func(c *logConfig) { c.prefix = prefix }
}

// NewLogger builds a slog.Logger.
func NewLogger(opts ...LogOption) *slog.Logger {
	cfg := logConfig{level: slog.LevelInfo, prefix: "canuds"}
	for _, opt := range opts {
		opt(&cfg)
	}
	var w io.Writer = os.Stderr
	switch len(cfg.writers) {
	case 0:
	case 1:
		w = cfg.writers[0]
	default:
		w = io.MultiWriter(cfg.writers...)
	}
	switch {
	case cfg.json:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.level}))
	case cfg.pretty:
		h := charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(cfg.level),
			Prefix:          cfg.prefix,
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		})
		return slog.New(h)
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.level}))
	}
}

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(nopHandler{})
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (nopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h nopHandler) WithGroup(string) slog.Handler { return h }

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	defaultLogger.Store(NewLogger(WithPretty(true)))
}

// SetLogger replaces the package logger used by Fatalf and the decoders.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = NopLogger()
	}
	defaultLogger.Store(l)
}

// Logger returns the package logger.
func Logger() *slog.Logger {
	return defaultLogger.Load()
}

func Fatalf(format string, args ...interface{}) {
	Logger().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
