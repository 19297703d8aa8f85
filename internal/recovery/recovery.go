// Package recovery provides panic recovery utilities for goroutines and
// per-event dispatch boundaries.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strings"
)

// PanicError wraps a recovered panic value together with the stack at the
// point of recovery.
type PanicError struct {
	Value any
	Stack string
	File  string
	Line  int
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return fmt.Sprintf("panic: %v", err)
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// AsError converts a recovered value into a *PanicError. It must be called
// from the deferred function that called recover so the stack and panic
// site still describe the panicking goroutine.
func AsError(r any) *PanicError {
	file, line := PanicSite()
	return &PanicError{
		Value: r,
		Stack: string(debug.Stack()),
		File:  file,
		Line:  line,
	}
}

// Guard runs fn and converts a panic inside it into a *PanicError. Errors
// returned by fn are passed through unchanged.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = AsError(r)
		}
	}()
	return fn()
}

// PanicSite returns the file and line of the frame that raised the panic
// currently being recovered. It returns ("unknown", 0) outside of a panic.
func PanicSite() (string, int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	afterPanic := false
	for {
		frame, more := frames.Next()
		if afterPanic && !strings.HasPrefix(frame.Function, "runtime.") {
			return frame.File, frame.Line
		}
		if frame.Function == "runtime.gopanic" {
			afterPanic = true
		}
		if !more {
			break
		}
	}
	return "unknown", 0
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines to prevent crashes and log diagnostics.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "myGoroutine")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the optional callback.
// The callback receives the panic converted to a *PanicError so it can
// record where the goroutine died.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(*PanicError)) {
	if r := recover(); r != nil {
		perr := AsError(r)
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"file", perr.File,
			"line", perr.Line,
			"stack", perr.Stack)
		if callback != nil {
			callback(perr)
		}
	}
}

// RecoverNoop silently recovers from panics without logging.
// Use only in tests or when logging is not available.
func RecoverNoop() {
	recover()
}
