// Package logging provides named zap loggers for the conjure subsystems.
// The library stays quiet by default (warn level); Init or SetLevel turn on
// debug output for the CLI and tests.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	base  *zap.Logger
	level zap.AtomicLevel
)

// Init builds the process-wide base logger. Safe to call more than once;
// the last call wins. When debug is true the console encoder is used and
// the level drops to debug.
func Init(debug bool) {
	mu.Lock()
	defer mu.Unlock()

	level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.Level = level

	logger, err := cfg.Build()
	if err != nil {
		// Building with a stock config cannot realistically fail; fall back
		// to a nop logger rather than panicking inside a library.
		logger = zap.NewNop()
	}
	base = logger
}

// SetLevel adjusts the level of the shared logger at runtime.
func SetLevel(l zapcore.Level) {
	mu.RLock()
	defer mu.RUnlock()
	if base == nil {
		return
	}
	level.SetLevel(l)
}

// L returns a named logger for a subsystem (loader, cache, safety, ...).
func L(subsystem string) *zap.Logger {
	mu.RLock()
	if base != nil {
		l := base.Named(subsystem)
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	Init(false)

	mu.RLock()
	defer mu.RUnlock()
	return base.Named(subsystem)
}

// S returns a sugared named logger.
func S(subsystem string) *zap.SugaredLogger {
	return L(subsystem).Sugar()
}

// Sync flushes buffered log entries. Called by the CLI on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}
