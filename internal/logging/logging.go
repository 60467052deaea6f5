// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"log/slog"
	"os"
)

// Setup installs a text handler on stderr at the given level. An empty level
// falls back to TRIAGE_LOG_LEVEL, then to info. Level names are anything
// slog.Level understands ("debug", "info", "WARN", "error", "error+2", ...).
func Setup(level string) error {
	if level == "" {
		level = os.Getenv("TRIAGE_LOG_LEVEL")
	}
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("bad log level %q: %w", level, err)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}
