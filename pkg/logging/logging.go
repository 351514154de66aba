// Package logging provides the default structured logger used by the
// controller and the cmd tools.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

var Logger *slog.Logger

func init() {
	// You can tweak options here:
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		// Minimum log level (Info, Debug, etc.)
		Level: slog.LevelInfo,

		// Show time (you can also set a custom time format)
		TimeFormat: time.RFC3339,

		// Add source file:line
		AddSource: true,
	})

	Logger = slog.New(handler)
}
