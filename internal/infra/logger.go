package infra

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger: JSON records on stdout and in a rotated file under
// the logging dir. The file sink is skipped when the dir cannot be created.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, console io.Writer) *slog.Logger {
	writer := console
	if sink := rotatingFile(cfg); sink != nil {
		writer = io.MultiWriter(console, sink)
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Logging.Level),
	})
	return slog.New(handler).With(
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
	)
}

func rotatingFile(cfg *Config) *lumberjack.Logger {
	dir := cfg.Logging.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil
	}

	name := cfg.Logging.File
	if name == "" {
		name = "app.log"
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    cfg.Logging.MaxSizeMB, // Megabytes; 0 means lumberjack's 100
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   true,
	}
}

// ParseLevel maps a config level name to slog; unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
