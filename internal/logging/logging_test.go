package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestWarnFormatsKVPairs(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "")
	l.Warn("claim failed", "project", "proj", "issue", "I-1")

	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "claim failed") {
		t.Fatalf("expected level and message in output, got %q", out)
	}
	if !strings.Contains(out, "project=proj") || !strings.Contains(out, "issue=I-1") {
		t.Fatalf("expected kv pairs in output, got %q", out)
	}
}

func TestInfoWithNoKVPairs(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "")
	l.Info("agent started")

	if !strings.Contains(buf.String(), "agent started") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
}

func TestOddKVPairsMarksMissing(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "")
	l.Error("bad call", "agent")

	if !strings.Contains(buf.String(), "agent=<missing>") {
		t.Fatalf("expected dangling key marked missing, got %q", buf.String())
	}
}
