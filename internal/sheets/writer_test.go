package sheets

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/digster-labs/sheetcrawler/internal/product"
)

// fakeClient fails AppendRows a fixed number of times before succeeding,
// letting the retry-ladder timing be asserted deterministically.
type fakeClient struct {
	NoopClient
	failures   int
	calls      int
	rows       [][]string
	lastColumn []string
}

func (f *fakeClient) AppendRows(ctx context.Context, tab string, rows [][]string) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transport error")
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeClient) ReadColumn(ctx context.Context, tab string, letter string) ([]string, error) {
	return f.lastColumn, nil
}

func TestAppendFlushesAtBatchSize(t *testing.T) {
	client := &fakeClient{}
	w := New(client, 2, "", nil)
	ctx := context.Background()

	if err := w.EnsureSiteTab(ctx, "site", "_state", "_runs"); err != nil {
		t.Fatalf("EnsureSiteTab: %v", err)
	}

	if err := w.Append(ctx, "site", product.Record{ProductURL: "https://x/a"}); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected no flush before batch size reached, got %d calls", client.calls)
	}
	if err := w.Append(ctx, "site", product.Record{ProductURL: "https://x/b"}); err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected exactly one flush at batch size, got %d", client.calls)
	}
	if len(client.rows) != 2 {
		t.Fatalf("expected 2 rows flushed, got %d", len(client.rows))
	}
}

func TestAppendRetryLadderTiming(t *testing.T) {
	client := &fakeClient{failures: 2}
	var slept []time.Duration
	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	w := New(client, 1, "", nil, WithClock(
		func() time.Time { return fakeNow },
		func(d time.Duration) { slept = append(slept, d) },
	))
	ctx := context.Background()
	if err := w.EnsureSiteTab(ctx, "site", "_state", "_runs"); err != nil {
		t.Fatalf("EnsureSiteTab: %v", err)
	}

	if err := w.Append(ctx, "site", product.Record{ProductURL: "https://x/a"}); err != nil {
		t.Fatalf("Append should succeed on third attempt: %v", err)
	}
	if len(slept) != 2 || slept[0] != 10*time.Minute || slept[1] != 20*time.Minute {
		t.Fatalf("expected sleeps [10m, 20m], got %v", slept)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.calls)
	}
}

func TestAppendFailsAfterThreeAttemptsAndLogsSkipped(t *testing.T) {
	client := &fakeClient{failures: 3}
	skippedLog := t.TempDir() + "/skipped.log"
	w := New(client, 1, skippedLog, nil, WithClock(time.Now, func(time.Duration) {}))
	ctx := context.Background()
	if err := w.EnsureSiteTab(ctx, "site", "_state", "_runs"); err != nil {
		t.Fatalf("EnsureSiteTab: %v", err)
	}

	err := w.Append(ctx, "site", product.Record{ProductURL: "https://x/a"})
	if err == nil {
		t.Fatalf("expected append to fail after 3 attempts")
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.calls)
	}
	data, err := os.ReadFile(skippedLog)
	if err != nil {
		t.Fatalf("read skipped log: %v", err)
	}
	if !strings.Contains(string(data), "https://x/a") {
		t.Fatalf("expected skipped log to record https://x/a, got %q", data)
	}
}

func TestSeenSeededFromExistingColumn(t *testing.T) {
	client := &fakeClient{lastColumn: []string{"https://x/existing"}}
	w := New(client, 1, "", nil)
	ctx := context.Background()
	if err := w.EnsureSiteTab(ctx, "site", "_state", "_runs"); err != nil {
		t.Fatalf("EnsureSiteTab: %v", err)
	}
	if !w.Seen("site", "https://x/existing") {
		t.Fatalf("expected seen set to be seeded from ReadColumn")
	}
	if w.Seen("site", "https://x/new") {
		t.Fatalf("unseen product must not be reported seen")
	}
}

func TestProductURLColumnResolvesByName(t *testing.T) {
	if got := productURLColumn(); got != "D" {
		t.Fatalf("expected product_url column D, got %s", got)
	}
}
