package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/loykin/simpool/internal/event"
	"github.com/loykin/simpool/internal/process"
	"github.com/loykin/simpool/internal/state"
)

func TestInstanceWriterDefaults(t *testing.T) {
	assert.Nil(t, Config{}.InstanceWriter("SIM-1"))

	dir := t.TempDir()
	w := Config{File: FileConfig{Dir: dir}}.InstanceWriter("SIM-1")
	require.NotNil(t, w)
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "SIM-1.events.log"), l.Filename)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
	_ = w.Close()
}

func TestInstanceWriterOverrides(t *testing.T) {
	cfg := Config{File: FileConfig{Dir: t.TempDir(), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	l := cfg.InstanceWriter("SIM-2").(*lj.Logger)
	defer l.Close()
	assert.Equal(t, 1, l.MaxSize)
	assert.Equal(t, 9, l.MaxBackups)
	assert.Equal(t, 11, l.MaxAge)
	assert.True(t, l.Compress)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero", Config{}, false},
		{"json debug", Config{Slog: SlogConfig{Level: LevelDebug, Format: FormatJSON}}, false},
		{"bad level", Config{Slog: SlogConfig{Level: "loud"}}, true},
		{"bad format", Config{Slog: SlogConfig{Format: "xml"}}, true},
		{"relative dir", Config{File: FileConfig{Dir: "logs"}}, true},
		{"relative filename", Config{File: FileConfig{Filename: "simpool.log"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSloggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simpool.log")
	cfg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}, File: FileConfig{Filename: path}}
	log := cfg.NewSlogger()
	log.Info("hidden")
	log.Warn("shown", "udid", "SIM-1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"udid":"SIM-1"`)
	assert.NotContains(t, string(data), `"time"`)
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h).With("pool", "default")
	log.Error("boom")
	out := buf.String()
	assert.Contains(t, out, "[31mERROR")
	assert.Contains(t, out, "pool=default")
	assert.NotContains(t, out, "time=")
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
}

func TestEventLogger(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	el := NewEventLogger(Config{File: FileConfig{Dir: dir}}, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	p := process.NewInfo(42, "/Applications/Maps.app/Maps", nil, nil)
	el.HandleEvent(event.Event{Kind: event.StateChange, UDID: "SIM-1", State: state.Booted})
	el.HandleEvent(event.Event{Kind: event.ApplicationTerminate, UDID: "SIM-1", Process: &p, Expected: false})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "level=INFO")
	assert.Contains(t, lines[0], "state=booted")
	assert.Contains(t, lines[1], "level=WARN")
	assert.Contains(t, lines[1], "pid=42")
	assert.Contains(t, lines[1], "expected=false")

	el.Forget("SIM-1")
	data, err := os.ReadFile(filepath.Join(dir, "SIM-1.events.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), `"msg":"application_terminate"`)
	require.NoError(t, el.Close())
}
