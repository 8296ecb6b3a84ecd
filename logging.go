//go:build linux

package monsoon

// Package-level structured logging.
//
// Logging is an infrastructure cross-cutting concern shared by every
// scheduler instance, so it is configured once at package level rather than
// per instance. The logger is nil-safe: with no logger set, every builder
// the helpers return is disabled and costs a couple of nil checks.

import (
	"sync"

	"github.com/joeycumines/logiface"
)

var globalLogger struct {
	sync.RWMutex
	logger *logiface.Logger[logiface.Event]
}

// SetLogger sets the package-level structured logger. Pass nil to disable
// logging (the default).
func SetLogger(logger *logiface.Logger[logiface.Event]) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

// log returns the current package logger, which may be nil. All logiface
// builder methods tolerate a nil receiver, so call sites chain directly.
func log() *logiface.Logger[logiface.Event] {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}
