// Package logging builds the slog handler used by the CLI and the server.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Output formats.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Options selects the level and format of the handler.
type Options struct {
	Level  string
	Format string
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level: %s (valid: debug, info, warn, error)", s)
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// NewHandler returns a colorized tint handler for text output and a JSON
// handler otherwise. The auto format picks text when w is a terminal.
func NewHandler(w io.Writer, opts Options) (slog.Handler, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(opts.Format)
	switch format {
	case "", FormatAuto:
		format = FormatJSON
		if IsTerminal(w) {
			format = FormatText
		}
	case FormatText, FormatJSON:
	default:
		return nil, fmt.Errorf("unknown log format: %s (valid: auto, text, json)", opts.Format)
	}

	if format == FormatText {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !IsTerminal(w),
		}), nil
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
}

// New builds a logger for w.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	h, err := NewHandler(w, opts)
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

// Setup installs a logger for w as the slog default.
func Setup(w io.Writer, opts Options) error {
	logger, err := New(w, opts)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
