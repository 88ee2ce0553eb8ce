// Package plog is the ambient logger shared by the parent-side client, the
// bootstrap package, and the daemon. Logging is off by default so a
// privsep-linked binary stays quiet unless an operator opts in, matching
// the convention used elsewhere in this codebase's lineage.
package plog

import (
	"io"
	"log"
	"os"
)

var (
	std     = log.New(os.Stderr, "", log.LstdFlags)
	enabled = false
)

func init() {
	if os.Getenv("PRIVSEP_LOGS") != "" {
		enabled = true
		return
	}
	// Silence the global log package too, in case something upstream of
	// this module reaches for it directly.
	log.SetOutput(io.Discard)
}

// Errorf logs an error-level message.
func Errorf(format string, v ...any) {
	if enabled {
		std.Printf("[ERROR] "+format, v...)
	}
}

// Warnf logs a warning-level message.
func Warnf(format string, v ...any) {
	if enabled {
		std.Printf("[WARN] "+format, v...)
	}
}

// Infof logs an info-level message.
func Infof(format string, v ...any) {
	if enabled {
		std.Printf("[INFO] "+format, v...)
	}
}

// Debugf logs a debug-level message.
func Debugf(format string, v ...any) {
	if enabled {
		std.Printf("[DEBUG] "+format, v...)
	}
}

// Enabled reports whether logging is currently turned on.
func Enabled() bool {
	return enabled
}
