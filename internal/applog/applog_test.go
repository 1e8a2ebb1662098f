package applog

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestInfoWritesEventAndPairs(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })

	Info("grouping.pass.done", "buckets", 2, "reason", "tab updated")

	line := buf.String()
	if !strings.Contains(line, " INFO grouping.pass.done ") {
		t.Errorf("missing level/event in %q", line)
	}
	if !strings.Contains(line, "buckets=2") {
		t.Errorf("missing buckets pair in %q", line)
	}
	if !strings.Contains(line, `reason="tab updated"`) {
		t.Errorf("value with space should be quoted in %q", line)
	}
}

func TestErrorIncludesErr(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })

	Error("ws.send", errors.New("boom"), "action", "tabs.group")

	if !strings.Contains(buf.String(), "ERROR ws.send err=boom action=tabs.group") {
		t.Errorf("unexpected line %q", buf.String())
	}
}

func TestUninitializedIsNoop(t *testing.T) {
	SetOutput(nil)
	Info("nothing.happens")
}

func TestQuoteTruncates(t *testing.T) {
	long := strings.Repeat("x", maxValueLen+10)
	got := quote(long)
	if !strings.HasSuffix(got, truncSuffix) {
		t.Errorf("expected truncation suffix, got %q", got[len(got)-5:])
	}
}
