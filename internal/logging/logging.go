// Package logging builds the root structured logger every ringtrace
// component derives from via log.With("component", "...").
package logging

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// New builds a tint-backed slog.Logger writing to w. verbose selects
// Debug level; otherwise Info.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
