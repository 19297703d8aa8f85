// Package fault carries fatal conditions from rakgate components to the
// process's top-level fault reporter.
package fault

import (
	"fmt"
	"log/slog"

	"github.com/postalsys/rakgate/internal/logging"
)

// Kind identifies where a worker crash was detected.
type Kind string

const (
	// KindTick is a crash found while ticking the worker.
	KindTick Kind = "tick"
	// KindDrain is a crash found while draining the event queue.
	KindDrain Kind = "drain"
)

// Fault is a structured fatal condition.
type Fault struct {
	Kind    Kind
	Scope   string
	Message string
	File    string
	Line    int
}

// Reporter receives fatal conditions.
type Reporter interface {
	Report(f Fault)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(f Fault)

// Report calls fn(f).
func (fn ReporterFunc) Report(f Fault) { fn(f) }

// LogReporter writes faults to a logger at error level.
type LogReporter struct {
	Logger *slog.Logger
}

// Report logs f.
func (r LogReporter) Report(f Fault) {
	logger := r.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger.Error("transport worker crashed",
		"kind", string(f.Kind),
		logging.KeyScope, f.Scope,
		"message", f.Message,
		"file", f.File,
		"line", f.Line)
}

// CrashError is returned by the component that detected the crash.
type CrashError struct {
	Fault Fault
}

func (e *CrashError) Error() string {
	msg := e.Fault.Message
	if msg == "" {
		msg = "no message"
	}
	return fmt.Sprintf("transport worker crashed [%s]: %s (%s:%d)",
		e.Fault.Scope, msg, e.Fault.File, e.Fault.Line)
}
