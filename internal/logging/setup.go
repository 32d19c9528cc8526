package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide logger. Output goes to stdout (console
// or JSON lines) and, when a ring is given, to the in-memory buffer the API
// serves at /api/logs.
func NewLogger(level string, jsonFormat bool, ring *Ring) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if !jsonFormat {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if ring != nil {
		// The ring always receives JSON lines so it can parse fields.
		out = zerolog.MultiLevelWriter(out, ring)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
