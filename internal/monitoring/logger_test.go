package monitoring

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestSetLogger_RedirectsAndMutes(t *testing.T) {
	orig := Logf
	defer func() { Logf = orig }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = fmt.Sprintf(format, v...) })
	Logf("tick %d", 7)
	if got != "tick 7" {
		t.Errorf("Logf wrote %q, want %q", got, "tick 7")
	}

	SetLogger(nil)
	Logf("dropped %d", 1) // must not panic
}

func TestSetLogWriters_Streams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, trace bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Trace: &trace})

	Opsf("acquisition started")
	Diagf("not captured")
	Tracef("frame %d", 3)

	if !strings.Contains(ops.String(), "[ephys] ") || !strings.Contains(ops.String(), "acquisition started") {
		t.Errorf("ops stream = %q", ops.String())
	}
	if !strings.Contains(trace.String(), "frame 3") {
		t.Errorf("trace stream = %q", trace.String())
	}
	if !TraceEnabled() {
		t.Error("TraceEnabled() = false with a trace writer configured")
	}

	SetLogWriters(LogWriters{})
	if TraceEnabled() {
		t.Error("TraceEnabled() = true after disabling trace writer")
	}
}
