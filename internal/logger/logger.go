// Package logger собирает *slog.Logger для CLI.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New создаёт логгер сервиса с нужным уровнем и форматом (text или json), вывод в stderr.
func New(service, level, format string) *slog.Logger {
	return NewWithWriter(os.Stderr, service, level, format)
}

// NewWithWriter: то же, что New, но с произвольным выводом.
func NewWithWriter(w io.Writer, service, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", service)
}

// ParseLevel разбирает уровень; неизвестное значение даёт info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
