package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLogLevel maps a configured level name to a slog level. Empty means
// info.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", raw)
	}
}
