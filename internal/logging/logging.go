/*
Package logging configures structured logging with file rotation.

Logs are written to both stderr (bracketed component-tag text format, for
human reading) and a rotated JSON log file (for machine parsing and
post-hoc analysis). The file logger uses lumberjack for size-based
rotation.
*/
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// Verbose enables DEBUG-level logging. Default is INFO.
	Verbose bool
	// ExtraHandlers are additional slog.Handlers to include in the fan-out chain.
	ExtraHandlers []slog.Handler
}

// Result holds the outputs of logging Setup.
type Result struct {
	Logger *slog.Logger
	// Cleanup flushes and closes the rotating file sink.
	Cleanup func()
	// LevelVar allows runtime log level changes.
	LevelVar *slog.LevelVar
}

// Setup creates a logger that writes to stderr (in the
// "[<unix-millis>][<TAG>] <message>" wire format) and optionally to a
// rotated JSON log file. Returns a Result with the logger, cleanup
// function, and LevelVar for runtime level changes.
func Setup(cfg Config) Result {
	levelVar := new(slog.LevelVar)
	if cfg.Verbose {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}

	stderrHandler := newTagHandler(os.Stderr, levelVar)

	handlers := []slog.Handler{stderrHandler}

	var cleanup func()
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil { //nolint:gosec // log directory
			slog.New(stderrHandler).Warn("failed to create log directory, file logging disabled",
				"dir", cfg.LogDir,
				"error", err,
			)
		} else {
			lj := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.LogDir, "ghostwire.log"),
				MaxSize:    10, // MB per file
				MaxBackups: 3,  // keep 3 old files
				MaxAge:     7,  // days to retain
				Compress:   true,
			}

			fileHandler := slog.NewJSONHandler(lj, &slog.HandlerOptions{
				Level: levelVar,
			})
			handlers = append(handlers, fileHandler)
			cleanup = func() { _ = lj.Close() }
		}
	}

	handlers = append(handlers, cfg.ExtraHandlers...)

	if cleanup == nil {
		cleanup = func() {}
	}

	multi := &multiHandler{handlers: handlers}
	return Result{
		Logger:   slog.New(multi),
		Cleanup:  cleanup,
		LevelVar: levelVar,
	}
}

// Component returns a slog.Attr that the tagHandler renders as the
// bracketed component tag in spec §6's wire format (e.g. "CERT", "SESSION",
// "CONN", "WS", "TLS", "REQ", "RES", "ERROR"). Other handlers (the JSON
// file sink) simply see it as a normal structured field named "component".
func Component(tag string) slog.Attr {
	return slog.String("component", tag)
}

// tagHandler renders records as "[<unix-millis>][<TAG>] <message> k=v ...",
// matching the literal operator-facing log format from the spec. It is used
// only for the stderr sink; the file sink stays fully structured JSON.
type tagHandler struct {
	w      *os.File
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func newTagHandler(w *os.File, level slog.Leveler) *tagHandler {
	return &tagHandler{w: w, level: level}
}

func (h *tagHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *tagHandler) Handle(_ context.Context, r slog.Record) error {
	tag := "PROXY"
	var fields []string

	appendAttr := func(a slog.Attr) {
		if a.Key == "component" {
			tag = strings.ToUpper(a.Value.String())
			return
		}
		fields = append(fields, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})

	line := fmt.Sprintf("[%d][%s] %s", r.Time.UnixMilli(), tag, r.Message)
	if len(fields) > 0 {
		line += " " + strings.Join(fields, " ")
	}
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *tagHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &tagHandler{w: h.w, level: h.level, groups: h.groups}
	n.attrs = append(append(n.attrs, h.attrs...), attrs...)
	return n
}

func (h *tagHandler) WithGroup(name string) slog.Handler {
	n := &tagHandler{w: h.w, level: h.level, attrs: h.attrs}
	n.groups = append(append(n.groups, h.groups...), name)
	return n
}

// multiHandler fans out log records to multiple slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(_ context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(nil, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
