package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/loykin/simpool/internal/event"
)

// EventLogger is an event.Listener that writes one structured line per
// lifecycle event. Unexpected terminations are logged at warn. With a Dir
// configured each simulator additionally gets its own rotated event log.
type EventLogger struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*instanceLog
}

type instanceLog struct {
	w      io.WriteCloser
	logger *slog.Logger
}

func NewEventLogger(cfg Config, logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{cfg: cfg, logger: logger, files: make(map[string]*instanceLog)}
}

func (l *EventLogger) HandleEvent(e event.Event) {
	level := slog.LevelDebug
	switch {
	case e.Kind.IsTermination() && !e.Expected:
		level = slog.LevelWarn
	case e.Kind == event.StateChange, e.Kind.IsTermination():
		level = slog.LevelInfo
	}
	attrs := eventAttrs(e)
	l.logger.LogAttrs(context.Background(), level, "simulator event", attrs...)
	if il := l.instance(e.UDID); il != nil {
		il.logger.LogAttrs(context.Background(), level, string(e.Kind), attrs...)
	}
}

func eventAttrs(e event.Event) []slog.Attr {
	attrs := []slog.Attr{slog.String("udid", e.UDID), slog.String("kind", string(e.Kind))}
	if e.Kind == event.StateChange {
		attrs = append(attrs, slog.String("state", e.State.String()))
	}
	if e.Process != nil {
		attrs = append(attrs, slog.Int("pid", e.Process.PID()), slog.String("process", e.Process.Name()))
	}
	if e.Kind.IsTermination() {
		attrs = append(attrs, slog.Bool("expected", e.Expected))
	}
	if e.Launch != nil {
		attrs = append(attrs, slog.String("config", e.Launch.String()))
	}
	if e.Framebuffer != nil {
		attrs = append(attrs, slog.String("framebuffer", e.Framebuffer.ID))
	}
	if e.Diagnostic != nil {
		attrs = append(attrs, slog.String("diagnostic", e.Diagnostic.Name))
	}
	return attrs
}

func (l *EventLogger) instance(udid string) *instanceLog {
	if l.cfg.File.Dir == "" || udid == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if il, ok := l.files[udid]; ok {
		return il
	}
	w := l.cfg.InstanceWriter(udid)
	il := &instanceLog{w: w, logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	l.files[udid] = il
	return il
}

// Forget closes the event log of udid.
func (l *EventLogger) Forget(udid string) {
	l.mu.Lock()
	il, ok := l.files[udid]
	delete(l.files, udid)
	l.mu.Unlock()
	if ok {
		_ = il.w.Close()
	}
}

// Close closes every per-simulator event log.
func (l *EventLogger) Close() error {
	l.mu.Lock()
	files := l.files
	l.files = make(map[string]*instanceLog)
	l.mu.Unlock()
	for _, il := range files {
		_ = il.w.Close()
	}
	return nil
}

var _ event.Listener = (*EventLogger)(nil)
