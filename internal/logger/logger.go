package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the daemon's structured logger.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes rotated log files. When Filename is set the daemon log
// goes there; Dir holds per-simulator event logs named <udid>.events.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

func (c Config) Validate() error {
	switch c.Slog.Level {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("log: unknown level %q", c.Slog.Level)
	}
	switch c.Slog.Format {
	case "", FormatText, FormatJSON:
	default:
		return fmt.Errorf("log: unknown format %q", c.Slog.Format)
	}
	if c.File.Dir != "" && !filepath.IsAbs(c.File.Dir) {
		return fmt.Errorf("log: dir must be an absolute path: %s", c.File.Dir)
	}
	if c.File.Filename != "" && !filepath.IsAbs(c.File.Filename) {
		return fmt.Errorf("log: filename must be an absolute path: %s", c.File.Filename)
	}
	return nil
}

func (c SlogConfig) level() slog.Level {
	switch Level(strings.ToLower(string(c.Level))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewSlogger builds the daemon logger. Output goes to the rotated file when
// File.Filename is set, otherwise to stderr.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stderr
	color := c.Slog.Color
	if c.File.Filename != "" {
		w = c.rotated(c.File.Filename)
		color = false
	}
	return slog.New(c.Slog.handler(w, color))
}

func (c SlogConfig) handler(w io.Writer, color bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.level(), AddSource: c.Source}
	if !c.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	if c.Format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	if color {
		return NewColorTextHandler(w, opts, c.TimeStamps)
	}
	return slog.NewTextHandler(w, opts)
}

// InstanceWriter returns a rotated writer for the event log of one simulator,
// or nil when no Dir is configured.
func (c Config) InstanceWriter(udid string) io.WriteCloser {
	if c.File.Dir == "" {
		return nil
	}
	return c.rotated(filepath.Join(c.File.Dir, udid+".events.log"))
}

func (c Config) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
