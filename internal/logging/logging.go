// Package logging builds the slog.Handler used by both the server and
// client CLIs: a colorized tint handler for an attached terminal, a plain
// JSON handler otherwise (piped output, CI, prod deploys).
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewHandler returns the slog.Handler appropriate for the current stdout:
// tint for an interactive TTY, JSON otherwise. FMSYNC_ENV=PROD/STAGE always
// forces JSON regardless of TTY, matching how deploy environments capture
// logs.
func NewHandler() slog.Handler {
	forceJSON := os.Getenv("FMSYNC_ENV") == "PROD" || os.Getenv("FMSYNC_ENV") == "STAGE"

	if forceJSON || !isatty.IsTerminal(os.Stdout.Fd()) {
		return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.DateTime,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key != "msg" && a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(fmt.Sprintf("'%s'", a.Value.String()))
			}
			return a
		},
	})
}

// Setup installs the default slog.Logger built from NewHandler.
func Setup() {
	slog.SetDefault(slog.New(NewHandler()))
}
