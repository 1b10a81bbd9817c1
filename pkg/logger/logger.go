// Package logger configures the process-wide slog logger.
//
// Third-party library records are demoted: they only appear when the level
// is debug. Format "auto" picks a colored text handler on a TTY and JSON
// otherwise, so service deployments get machine-readable logs without
// configuration.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"golang.org/x/term"
)

const modulePrefix = "github.com/lontar-ai/lontar"

var defaultLogger *slog.Logger

// ParseLevel converts a config string into a slog.Level. Unknown strings
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the default logger. format is one of text, json, auto.
func Init(level slog.Level, output *os.File, format string) {
	tty := term.IsTerminal(int(output.Fd()))

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	case "text":
		handler = newTextHandler(output, level, tty)
	default: // auto
		if tty {
			handler = newTextHandler(output, level, true)
		} else {
			handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
		}
	}

	defaultLogger = slog.New(&moduleFilterHandler{handler: handler, minLevel: level})
	slog.SetDefault(defaultLogger)
}

// Get returns the installed logger, initializing a sane default when Init
// has not run (tests, tooling).
func Get() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "text")
	}
	return defaultLogger
}

// For returns a logger tagged with the given component name.
func For(component string) *slog.Logger {
	return Get().With("component", component)
}

// moduleFilterHandler suppresses records emitted by other modules unless
// the level is debug. Libraries that log through slog.Default would
// otherwise drown service output.
type moduleFilterHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *moduleFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *moduleFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || fromThisModule(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *moduleFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &moduleFilterHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *moduleFilterHandler) WithGroup(name string) slog.Handler {
	return &moduleFilterHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return true
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return true
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), modulePrefix) || strings.Contains(file, "lontar")
}

// textHandler renders "15:04:05 LEVEL message key=value", colored on a TTY.
type textHandler struct {
	inner  slog.Handler
	writer io.Writer
	color  bool
}

func newTextHandler(output *os.File, level slog.Level, color bool) slog.Handler {
	return &textHandler{
		inner:  slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}),
		writer: output,
		color:  color,
	}
}

func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *textHandler) Handle(ctx context.Context, record slog.Record) error {
	var buf strings.Builder

	if !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("15:04:05 "))
	}

	level := strings.ToUpper(record.Level.String())
	if level == "WARNING" {
		level = "WARN"
	}
	if h.color {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(level)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(level)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	record.Attrs(func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &textHandler{inner: h.inner.WithAttrs(attrs), writer: h.writer, color: h.color}
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	return &textHandler{inner: h.inner.WithGroup(name), writer: h.writer, color: h.color}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}
