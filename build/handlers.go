package build

import (
	"context"
	"log/slog"
	"os"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

// NewDefaultLogHandlers returns the standard console and rotating log file
// handlers with the config options applied. Disabled loggers are left out.
func NewDefaultLogHandlers(cfg *LogConfig,
	rotator *RotatingLogWriter) []btclog.Handler {

	var handlers []btclog.Handler

	if !cfg.Console.Disable {
		handlers = append(handlers, btclog.NewDefaultHandler(
			os.Stdout, cfg.Console.HandlerOptions()...,
		))
	}

	if !cfg.File.Disable && rotator != nil {
		handlers = append(handlers, btclog.NewDefaultHandler(
			rotator, cfg.File.HandlerOptions()...,
		))
	}

	return handlers
}

// HandlerSet is a btclog.Handler that writes every record to each of its
// children. The whole set shares one level.
type HandlerSet struct {
	level btclogv1.Level
	set   []btclog.Handler
}

var _ btclog.Handler = (*HandlerSet)(nil)

// NewHandlerSet constructs a new HandlerSet.
func NewHandlerSet(level btclogv1.Level,
	handlers ...btclog.Handler) *HandlerSet {

	h := &HandlerSet{
		set:   handlers,
		level: level,
	}
	h.SetLevel(level)

	return h
}

// Enabled reports whether the handler handles records at the given level.
//
// NOTE: this is part of the slog.Handler interface.
func (h *HandlerSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.set {
		if handler.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

// Handle handles the Record.
//
// NOTE: this is part of the slog.Handler interface.
func (h *HandlerSet) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.set {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}

		if err := handler.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs returns a new Handler whose attributes consist of both the
// receiver's attributes and the arguments.
//
// NOTE: this is part of the slog.Handler interface.
func (h *HandlerSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(handler btclog.Handler) btclog.Handler {
		return handler.WithAttrs(attrs).(btclog.Handler)
	})
}

// WithGroup returns a new Handler with the given group appended to the
// receiver's existing groups.
//
// NOTE: this is part of the slog.Handler interface.
func (h *HandlerSet) WithGroup(name string) slog.Handler {
	return h.derive(func(handler btclog.Handler) btclog.Handler {
		return handler.WithGroup(name).(btclog.Handler)
	})
}

// SubSystem creates a new Handler with the given sub-system tag.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *HandlerSet) SubSystem(tag string) btclog.Handler {
	return h.derive(func(handler btclog.Handler) btclog.Handler {
		return handler.SubSystem(tag)
	})
}

// SetLevel changes the logging level of the Handler to the passed level.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *HandlerSet) SetLevel(level btclogv1.Level) {
	for _, handler := range h.set {
		handler.SetLevel(level)
	}
	h.level = level
}

// Level returns the current logging level of the Handler.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *HandlerSet) Level() btclogv1.Level {
	return h.level
}

// WithPrefix returns a copy of the Handler but with the given string prefixed
// to each log message.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *HandlerSet) WithPrefix(prefix string) btclog.Handler {
	return h.derive(func(handler btclog.Handler) btclog.Handler {
		return handler.WithPrefix(prefix)
	})
}

func (h *HandlerSet) derive(
	f func(btclog.Handler) btclog.Handler) *HandlerSet {

	newSet := &HandlerSet{
		level: h.level,
		set:   make([]btclog.Handler, len(h.set)),
	}
	for i, handler := range h.set {
		newSet.set[i] = f(handler)
	}

	return newSet
}
