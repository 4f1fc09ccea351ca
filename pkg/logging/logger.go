// Package logging provides the engine-wide structured logger, a thin
// wrapper around log/slog with lazy global initialization.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	logger  *slog.Logger
	mu      sync.RWMutex
	logFile *os.File
	inited  bool
)

// Config holds logger configuration.
type Config struct {
	Level      slog.Level
	OutputPath string // empty for stdout
	JSON       bool
}

// Init initializes the global logger. Calling Init twice without an
// intervening Close is an error.
func Init(config Config) error {
	mu.Lock()
	defer mu.Unlock()

	if inited {
		return fmt.Errorf("logger already initialized; call Close() first")
	}

	var writer io.Writer = os.Stdout
	if config.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o750); err != nil {
			return err
		}
		file, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		writer = file
		logFile = file
	}

	opts := &slog.HandlerOptions{Level: config.Level}
	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	logger = slog.New(handler)
	inited = true
	return nil
}

// Close releases the log file, if any. Safe to call multiple times.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if !inited {
		return nil
	}

	var err error
	if logFile != nil {
		err = logFile.Close()
		logFile = nil
	}
	logger = nil
	inited = false
	return err
}

// Get returns the current logger, initializing a default text logger to
// stdout on first use.
func Get() *slog.Logger {
	mu.RLock()
	if inited {
		l := logger
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !inited {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		inited = true
	}
	return logger
}

// Debug logs a debug message on the global logger.
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

// Info logs an info message on the global logger.
func Info(msg string, args ...any) { Get().Info(msg, args...) }

// Warn logs a warning message on the global logger.
func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

// Error logs an error message on the global logger.
func Error(msg string, args ...any) { Get().Error(msg, args...) }
