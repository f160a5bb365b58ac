// Package logging provides the structured, leveled logger shared by the
// store facade, synchronizer, and daemon.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once     sync.Once
	instance zerolog.Logger
	verbose  bool
	mu       sync.RWMutex
)

// Get returns the process-wide logger, creating it on first use with a
// console writer to stderr at info level.
func Get() zerolog.Logger {
	once.Do(func() {
		instance = New(os.Stderr, false)
	})
	return instance
}

// New builds a zerolog.Logger writing human-readable lines to w. verbose
// enables debug-level output; otherwise the floor is info.
func New(w io.Writer, verboseMode bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verboseMode {
		level = zerolog.DebugLevel
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: true}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// SetVerbose toggles the process-wide logger between info and debug level.
// Safe for concurrent use; affects subsequent Get() callers.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
	Get() // ensure initialized
	lvl := zerolog.InfoLevel
	if v {
		lvl = zerolog.DebugLevel
	}
	instance = instance.Level(lvl)
}

// IsVerbose reports the current verbosity setting.
func IsVerbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// NewFile opens (creating if needed) a PID-scoped log file for a background
// daemon process, mirroring the foreground logger's level filtering.
func NewFile(path string, verboseMode bool) (zerolog.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}
	level := zerolog.InfoLevel
	if verboseMode {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(f).Level(level).With().Timestamp().Logger()
	return logger, f, nil
}
