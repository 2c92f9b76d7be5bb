package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewAppLogger builds the application logger. An empty level disables
// application logging; logfile, when set, receives a copy of stdout output.
// The returned closer releases the log file.
func NewAppLogger(level, logfile string, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	if level == "" {
		// Application logging disabled
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})), io.NopCloser(nil), nil
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	var w io.Writer = stdout
	var closer io.Closer = io.NopCloser(nil)
	if logfile != "" {
		file, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open application log file: %w", err)
		}
		w = io.MultiWriter(stdout, file)
		closer = file
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})), closer, nil
}

// ParseLevel maps a config level name to a slog level, info by default.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
