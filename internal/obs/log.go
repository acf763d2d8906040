package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout, "production")
)

// Configure replaces the shared logger. Production writes JSON lines; every other
// environment gets the human-readable console writer.
func Configure(environment string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = newLogger(os.Stdout, environment)
	if environment == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// SetOutput redirects the shared logger to w as JSON lines and returns a function
// restoring the previous logger.
func SetOutput(w io.Writer) (restore func()) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	prev := logger
	logger = newLogger(w, "production")
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := logger
	return &l
}

func newLogger(w io.Writer, environment string) zerolog.Logger {
	out := w
	if environment != "production" && w == os.Stdout {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("service", ServiceName).Logger()
}
