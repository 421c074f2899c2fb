package proxypool

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQuarantineAfterTwoConsecutive403(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "bad_proxies.log")

	p, err := New([]string{"p1", "p2"}, false, logPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	e1, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if e1.ID != "p1" {
		t.Fatalf("expected p1 first, got %s", e1.ID)
	}

	p.Report(e1, OutcomeHTTP403)
	if e1.Quarantined() {
		t.Fatalf("should not be quarantined after one 403")
	}
	p.Report(e1, OutcomeHTTP403)
	if !e1.Quarantined() {
		t.Fatalf("should be quarantined after two consecutive 403s")
	}

	// A third 403 (if forced) must not append a second log entry.
	p.Report(e1, OutcomeHTTP403)

	for i := 0; i < 4; i++ {
		e, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if e.ID == "p1" {
			t.Fatalf("quarantined egress p1 must never be returned again")
		}
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read bad proxy log: %v", err)
	}
	lines := countLines(string(data))
	if lines != 1 {
		t.Fatalf("expected exactly one bad-egress log line, got %d: %q", lines, data)
	}
}

func TestNonConsecutive403DoesNotQuarantine(t *testing.T) {
	p, err := New([]string{"p1"}, false, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, _ := p.Acquire()
	p.Report(e, OutcomeHTTP403)
	p.Report(e, OutcomeOK)
	p.Report(e, OutcomeHTTP403)
	if e.Quarantined() {
		t.Fatalf("non-consecutive 403s must not quarantine")
	}
}

func TestAllQuarantinedReturnsExhausted(t *testing.T) {
	p, err := New([]string{"p1", "p2"}, false, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"p1", "p2"} {
		e, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		_ = id
		p.Report(e, OutcomeHTTP403)
		p.Report(e, OutcomeHTTP403)
	}

	exhaustedCalled := false
	p.OnExhausted(func() { exhaustedCalled = true })

	if _, err := p.Acquire(); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if !exhaustedCalled {
		t.Fatalf("expected onExhausted callback to fire")
	}
}

func TestAllowDirectInsertsDirectEgress(t *testing.T) {
	p, err := New(nil, true, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !e.Direct || e.ID != "direct" {
		t.Fatalf("expected direct egress, got %+v", e)
	}
}

func countLines(s string) int {
	n := 0
	for _, c := range s {
		if c == '\n' {
			n++
		}
	}
	return n
}
