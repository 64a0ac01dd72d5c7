package logger

import (
	"log/slog"
	"os"
)

func Setup(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug // ref/unref and every firing
	}
	// stderr: stdout carries lookup results
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
