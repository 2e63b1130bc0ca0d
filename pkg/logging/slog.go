package logging

import (
	"log/slog"
	"os"
)

// New builds the JSON logger every service shares. The service name is
// attached once so log aggregation can split streams without parsing.
func New(service string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level(),
	})
	return slog.New(h).With("service", service)
}

func level() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
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
