package app

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// runIsolated runs fn and turns a panic into an error so one bad item cannot
// stop the rest of a cycle.
func runIsolated(logger *slog.Logger, fn func() error, attrs ...any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("recovered panic while processing item", append(attrs, "panic", rec, "stack", string(debug.Stack()))...)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
