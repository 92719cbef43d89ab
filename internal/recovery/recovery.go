// Package recovery contains panics raised by application callbacks and by
// the engine's background goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with its stack.
// Defer it at the top of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "loopback-deliver")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it, and calls callback
// with the recovered value. The callback is typically a metrics counter.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Call runs fn and reports whether it panicked. A panic is logged and
// passed to onPanic instead of unwinding into the caller, so a faulty
// upcall cannot take the receive path down with it.
func Call(logger *slog.Logger, name string, onPanic func(recovered any), fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			logPanic(logger, name, r)
			if onPanic != nil {
				onPanic(r)
			}
		}
	}()
	fn()
	return false
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
