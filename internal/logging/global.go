package logging

import (
	"os"
	"sync/atomic"
)

var global atomic.Pointer[Logger]

func init() {
	global.Store(DefaultLogger())
}

// SetGlobal replaces the process logger. Packages that are handed no logger
// fall back to it.
func SetGlobal(l *Logger) {
	if l != nil {
		global.Store(l)
	}
}

// Global returns the process logger.
func Global() *Logger {
	return global.Load()
}

// Configure builds the process logger from the observability settings and
// installs it as the global logger. Caller annotations are only added at
// debug level.
func Configure(level, format string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		Output:    os.Stderr,
		AddCaller: lvl == LevelDebug,
	})
	SetGlobal(l)
	return l
}
