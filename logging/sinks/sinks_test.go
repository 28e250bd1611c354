package sinks

import (
	"strings"
	"testing"

	"conclave/client/logging"
)

func TestConsoleSinkFormatsSyncEvents(t *testing.T) {
	var buf strings.Builder
	sink := NewConsoleSink(&buf, logging.ConsoleConfig{})

	err := sink.Write(logging.Event{
		Type:     "sync.conflict_detected",
		Tick:     7,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSync},
		Severity: logging.SeverityWarn,
		Category: logging.CategorySync,
		ActionID: "a-1",
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	line := buf.String()
	for _, want := range []string{"sync.conflict_detected", "tick=7", "actor=sync", "severity=warn", "category=sync", "action=a-1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("console output %q missing %q", line, want)
		}
	}
}

func TestConsoleSinkOmitsEmptyFields(t *testing.T) {
	var buf strings.Builder
	sink := NewConsoleSink(&buf, logging.ConsoleConfig{})

	if err := sink.Write(logging.Event{Type: "session.connected", Tick: 1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	line := buf.String()
	if strings.Contains(line, "category=") || strings.Contains(line, "action=") {
		t.Fatalf("console output %q carries empty fields", line)
	}
}

func TestMemorySinkFiltersByType(t *testing.T) {
	sink := NewMemorySink()
	for _, eventType := range []logging.EventType{"session.connected", "sync.resync_requested", "session.connected"} {
		if err := sink.Write(logging.Event{Type: eventType}); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	connected := sink.EventsOfType("session.connected")
	if len(connected) != 2 {
		t.Fatalf("expected 2 session.connected events, got %d", len(connected))
	}
	if len(sink.EventsOfType("sync.fatal")) != 0 {
		t.Fatalf("unexpected match for an absent event type")
	}
	if len(sink.Events()) != 3 {
		t.Fatalf("full stream must stay intact")
	}
}
