// Package recovery provides panic recovery utilities for relay goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError wraps a value recovered from a panic so it can flow through
// ordinary error returns.
type PanicError struct {
	Goroutine string
	Value     interface{}
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Goroutine, e.Value)
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines that must not take the
// process down, such as HTTP serve loops.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "healthServer")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, string(debug.Stack()))
	}
}

// RecoverAsError recovers from panics, logs them and stores a *PanicError in
// errp. It lets a forwarding loop report a panic through its normal error
// return so the supervision policy applies to it.
//
//	func (f *Forwarder) Run(ctx context.Context) (err error) {
//	    defer recovery.RecoverAsError(f.logger, "inbound", &err)
//	    ...
//	}
func RecoverAsError(logger *slog.Logger, name string, errp *error) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logPanic(logger, name, r, stack)
		if errp != nil {
			*errp = &PanicError{Goroutine: name, Value: r, Stack: stack}
		}
	}
}

func logPanic(logger *slog.Logger, name string, r interface{}, stack string) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", stack)
}
