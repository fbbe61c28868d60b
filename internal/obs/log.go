package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).With().Timestamp().Str("service", "keyline").Logger()
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := logger
	return &l
}

// SetOutput redirects the shared logger and returns a func restoring the previous one.
func SetOutput(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// LogRequest emits a structured log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	Logger().Info().Fields(entry).Msg("request_complete")
}
