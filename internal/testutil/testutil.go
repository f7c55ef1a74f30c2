// Package testutil holds small helpers shared across package tests.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("GSTFORGE_TEST_MODE") == "" {
			_ = os.Setenv("GSTFORGE_TEST_MODE", "1")
		}
	})
}

// DiscardLogger returns a logger that drops everything. Tests pass it
// where a component requires a non-nil *slog.Logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
