package fault

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/postalsys/rakgate/internal/logging"
)

func TestCrashError(t *testing.T) {
	var err error = &CrashError{Fault: Fault{Kind: KindDrain, Scope: "worker", Message: "boom", File: "worker.go", Line: 12}}

	want := "transport worker crashed [worker]: boom (worker.go:12)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	var crash *CrashError
	if !errors.As(err, &crash) || crash.Fault.Kind != KindDrain {
		t.Errorf("errors.As() = %v, kind %v", crash, crash.Fault.Kind)
	}

	empty := &CrashError{Fault: Fault{Scope: "s"}}
	if !strings.Contains(empty.Error(), "no message") {
		t.Errorf("Error() = %q, want placeholder message", empty.Error())
	}
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	r := LogReporter{Logger: logging.NewLoggerWithWriter("error", "json", &buf)}

	r.Report(Fault{Kind: KindTick, Scope: "worker", Message: "boom", File: "a.go", Line: 3})

	out := buf.String()
	for _, want := range []string{`"kind":"tick"`, `"scope":"worker"`, `"line":3`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestReporterFunc(t *testing.T) {
	var got []Fault
	var r Reporter = ReporterFunc(func(f Fault) { got = append(got, f) })
	r.Report(Fault{Scope: "x"})
	if len(got) != 1 || got[0].Scope != "x" {
		t.Errorf("got = %v", got)
	}

	LogReporter{}.Report(Fault{})
}
