package log

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestDebugDisabledByDefault(t *testing.T) {
	var b bytes.Buffer
	DebugLogger.SetOutput(&b)
	defer DebugLogger.SetOutput(&bytes.Buffer{})

	Debugf("must be dropped")
	if b.Len() != 0 {
		t.Fatalf("unexpected debug output: %q", b.String())
	}

	SetDebug(true)
	defer SetDebug(false)
	Debugf("must be %s", "written")
	if !strings.Contains(b.String(), "must be written") {
		t.Fatalf("missing debug output: %q", b.String())
	}
}

func TestOutputFormat(t *testing.T) {
	var b bytes.Buffer
	testLogger := log.New(&b, "INFO: ", stdLogFlags)
	if err := testLogger.Output(outputCallDepth, "hello"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	res, err := b.ReadString('\n')
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !strings.HasPrefix(res, "INFO: ") {
		t.Fatalf("unexpected log line: %q", res)
	}
	if !strings.Contains(res, "hello") {
		t.Fatalf("unexpected log line: %q", res)
	}
}
