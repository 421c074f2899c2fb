package logging

import (
	"path/filepath"
	"testing"
)

type fakeEmitter struct {
	calls []struct {
		level   string
		message string
	}
}

func (f *fakeEmitter) Emit(level string, message string, fields map[string]interface{}) {
	f.calls = append(f.calls, struct {
		level   string
		message string
	}{level, message})
}

func TestDebugIsSuppressedUnlessVerbose(t *testing.T) {
	emitter := &fakeEmitter{}
	log, err := New(Options{FilePath: filepath.Join(t.TempDir(), "log"), Emitter: emitter, Verbose: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("hidden", nil)
	if len(emitter.calls) != 0 {
		t.Fatalf("expected Debug to be suppressed without verbose mode, got %v", emitter.calls)
	}
}

func TestDebugEmitsWhenVerbose(t *testing.T) {
	emitter := &fakeEmitter{}
	log, err := New(Options{FilePath: filepath.Join(t.TempDir(), "log"), Emitter: emitter, Verbose: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("shown", nil)
	if len(emitter.calls) != 1 || emitter.calls[0].level != "debug" {
		t.Fatalf("expected one debug emission, got %v", emitter.calls)
	}
}

func TestInfoWarnErrorAllForwardToEmitter(t *testing.T) {
	emitter := &fakeEmitter{}
	log, err := New(Options{FilePath: filepath.Join(t.TempDir(), "log"), Emitter: emitter})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("i", nil)
	log.Warn("w", nil)
	log.Error("e", nil)

	if len(emitter.calls) != 3 {
		t.Fatalf("expected 3 emitted calls, got %d", len(emitter.calls))
	}
	levels := []string{emitter.calls[0].level, emitter.calls[1].level, emitter.calls[2].level}
	want := []string{"info", "warn", "error"}
	for i := range want {
		if levels[i] != want[i] {
			t.Fatalf("levels = %v, want %v", levels, want)
		}
	}
}

func TestNewDefaultsToInfoLevelOnInvalidLevelString(t *testing.T) {
	log, err := New(Options{FilePath: filepath.Join(t.TempDir(), "log"), Level: "not-a-level"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log == nil {
		t.Fatalf("expected a non-nil logger")
	}
}

func TestErrorEventFieldsRendersAllKeys(t *testing.T) {
	ev := ErrorEvent{
		ErrorType:      "TransportError",
		ErrorSource:    "http",
		URL:            "https://x",
		Proxy:          "direct",
		RetryIndex:     2,
		ActionRequired: "rotate_proxy",
	}
	fields := ev.Fields()
	if fields["error_type"] != "TransportError" || fields["error_source"] != "http" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if fields["retry_index"] != 2 {
		t.Fatalf("expected retry_index 2, got %v", fields["retry_index"])
	}
}
