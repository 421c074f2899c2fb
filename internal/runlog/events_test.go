package runlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEventRecorderAppendsOneJSONLinePerEmit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	rec, err := NewEventRecorder(path)
	if err != nil {
		t.Fatalf("NewEventRecorder: %v", err)
	}

	rec.Emit("info", "run starting", map[string]interface{}{"site": "site-a"})
	rec.Emit("error", "boom", map[string]interface{}{"url": "https://x"})
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 event lines, got %d", len(events))
	}
	if events[0].Type != EventType("info") || events[0].Message != "run starting" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != EventError || events[1].Message != "boom" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestEventTypeForLevelMapsErrorSpecially(t *testing.T) {
	if got := eventTypeForLevel("error"); got != EventError {
		t.Fatalf("expected EventError, got %s", got)
	}
	if got := eventTypeForLevel("info"); got != EventType("info") {
		t.Fatalf("expected passthrough for non-error levels, got %s", got)
	}
}

func TestNewEventRecorderFailsOnUnwritableDirectory(t *testing.T) {
	if _, err := NewEventRecorder("/nonexistent-dir/events.jsonl"); err == nil {
		t.Fatalf("expected an error opening a log in a missing directory")
	}
}
