package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, false)
	l.SetOutput(&buf)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO message written at WARN level: %q", out)
	}
	if !strings.Contains(out, "WARN: shown") {
		t.Errorf("expected WARN line, got %q", out)
	}
}

func TestJSONFormatWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, true)
	l.SetOutput(&buf)

	l.WithField("task", "cleanup").Error("iteration failed", map[string]interface{}{"iteration": 3})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry.Level != "ERROR" || entry.Message != "iteration failed" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["task"] != "cleanup" {
		t.Errorf("expected task field, got %v", entry.Fields)
	}
	if entry.Fields["iteration"] != float64(3) {
		t.Errorf("expected iteration field, got %v", entry.Fields)
	}
}

func TestWithFieldSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	parent.SetOutput(&buf)
	child := parent.WithField("a", 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child.Info("line")
			parent.Info("line")
		}()
	}
	wg.Wait()

	if n := strings.Count(buf.String(), "\n"); n != 40 {
		t.Errorf("expected 40 lines, got %d", n)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	if l.Enabled(ERROR) {
		t.Error("discard logger should not be enabled for ERROR")
	}
	l.Error("nothing")
}
