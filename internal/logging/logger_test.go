package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": Debug, "": Info, "WARNING": Warn, " error ": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != JSON {
		t.Fatalf("expected JSON, got %v (%v)", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != Text {
		t.Fatalf("expected text default, got %v (%v)", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Debug, JSON, &buf).With(F("session", "abc"))
	l.Info("sweep done", F("points", 3), F("err", errors.New("boom")))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if payload["message"] != "sweep done" {
		t.Fatalf("unexpected message: %v", payload["message"])
	}
	if payload["session"] != "abc" {
		t.Fatalf("missing inherited field: %v", payload)
	}
	if payload["points"] != float64(3) {
		t.Fatalf("missing points field: %v", payload)
	}
	if payload["err"] != "boom" {
		t.Fatalf("missing error field: %v", payload)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Warn, Text, &buf)
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info entry should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn entry missing: %q", out)
	}
}
