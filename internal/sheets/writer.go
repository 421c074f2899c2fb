package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/digster-labs/sheetcrawler/internal/logging"
	"github.com/digster-labs/sheetcrawler/internal/product"
	"github.com/digster-labs/sheetcrawler/internal/runlog"
	"github.com/digster-labs/sheetcrawler/internal/state"
)

// header is the product sheet's column layout (A..S).
var header = []string{
	"source_site", "category", "category_url", "product_url", "product_content",
	"discovered_at", "run_id", "product_id_hash", "page_num", "metadata",
	"image_path", "name_en", "name_ru", "price_without_discount", "price_with_discount",
	"status", "note", "processed_at", "llm_raw",
}

var stateHeader = []string{"site_name", "category_url", "last_page", "last_product_count", "last_run_ts"}
var runsHeader = []string{"run_id", "site", "started_at", "finished_at", "total_pages", "total_products", "status"}

// productURLColumn finds the letter of the "product_url" column by its
// name rather than trusting a hardcoded letter, since its position in
// header can shift independently of any callers that dedupe by it.
func productURLColumn() string {
	for i, name := range header {
		if name == "product_url" {
			return columnLetters[i]
		}
	}
	return "D"
}

// tabState is the per-tab in-memory bookkeeping: the seen-product set
// and the pending-flush buffer.
type tabState struct {
	seen   map[string]bool
	buffer [][]string
}

// Writer implements the Sheets Writer (C10).
type Writer struct {
	client      SheetsClient
	batchSize   int
	skippedLog  string
	log         *logging.Logger
	now         func() time.Time
	sleep       func(time.Duration)

	mu   sync.Mutex
	tabs map[string]*tabState
}

// Option configures New for tests (mocked clock/sleep).
type Option func(*Writer)

// WithClock overrides the now/sleep functions, used by tests to make
// the 10/20-minute retry ladder verifiable without real waits.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(w *Writer) {
		w.now = now
		w.sleep = sleep
	}
}

// New builds a Writer. batchSize is WRITE_FLUSH_PRODUCT_INTERVAL (default 1).
func New(client SheetsClient, batchSize int, skippedLog string, log *logging.Logger, opts ...Option) *Writer {
	if batchSize <= 0 {
		batchSize = 1
	}
	w := &Writer{
		client:     client,
		batchSize:  batchSize,
		skippedLog: skippedLog,
		log:        log,
		now:        time.Now,
		sleep:      time.Sleep,
		tabs:       make(map[string]*tabState),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnsureSiteTab creates (if absent) the per-domain tab, the _state tab,
// and the _runs tab, and seeds the per-domain tab's seen-product set.
func (w *Writer) EnsureSiteTab(ctx context.Context, tab, stateTab, runsTab string) error {
	if err := w.client.EnsureTab(ctx, tab, header); err != nil {
		return fmt.Errorf("sheets: ensure tab %s: %w", tab, err)
	}
	if err := w.client.EnsureHiddenTab(ctx, stateTab, stateHeader); err != nil {
		return fmt.Errorf("sheets: ensure state tab: %w", err)
	}
	if err := w.client.EnsureHiddenTab(ctx, runsTab, runsHeader); err != nil {
		return fmt.Errorf("sheets: ensure runs tab: %w", err)
	}

	existing, err := w.client.ReadColumn(ctx, tab, productURLColumn())
	if err != nil {
		return fmt.Errorf("sheets: seed seen set for %s: %w", tab, err)
	}

	w.mu.Lock()
	ts := &tabState{seen: make(map[string]bool, len(existing))}
	for _, url := range existing {
		ts.seen[url] = true
	}
	w.tabs[tab] = ts
	w.mu.Unlock()
	return nil
}

// Seen reports whether productURL has already been written to tab.
func (w *Writer) Seen(tab, productURL string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := w.tabs[tab]
	return ts != nil && ts.seen[productURL]
}

// Append buffers one product row, flushing to the client once the
// buffer reaches batchSize.
// If the final retry attempt fails, the product URL is appended to the
// skipped log and the error is returned; removing the record's saved
// image is left to the caller.
func (w *Writer) Append(ctx context.Context, tab string, rec product.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return fmt.Errorf("sheets: marshal row: %w", err)
	}

	w.mu.Lock()
	ts := w.tabs[tab]
	if ts == nil {
		ts = &tabState{seen: make(map[string]bool)}
		w.tabs[tab] = ts
	}
	ts.buffer = append(ts.buffer, row)
	ts.seen[rec.ProductURL] = true
	shouldFlush := len(ts.buffer) >= w.batchSize
	var toSend [][]string
	if shouldFlush {
		toSend = ts.buffer
		ts.buffer = nil
	}
	w.mu.Unlock()

	if !shouldFlush {
		return nil
	}

	if err := w.flushWithRetry(ctx, tab, toSend); err != nil {
		w.logSkipped(rec.ProductURL, err)
		return err
	}
	return nil
}

// flushWithRetry appends rows with up to three attempts, sleeping 10
// and then 20 minutes between failures.
func (w *Writer) flushWithRetry(ctx context.Context, tab string, rows [][]string) error {
	delays := []time.Duration{10 * time.Minute, 20 * time.Minute}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := w.client.AppendRows(ctx, tab, rows); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if w.log != nil {
			w.log.Warn("sheet append attempt failed", logging.ErrorEvent{
				ErrorType:   "SheetAppendError",
				ErrorSource: "sheet",
				RetryIndex:  attempt,
				Details:     map[string]interface{}{"tab": tab},
			}.Fields())
		}

		if attempt < 2 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				w.sleep(delays[attempt])
			}
		}
	}
	return fmt.Errorf("sheets: append to %s failed after 3 attempts: %w", tab, lastErr)
}

func (w *Writer) logSkipped(productURL string, cause error) {
	if w.skippedLog == "" {
		return
	}
	f, err := os.OpenFile(w.skippedLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s\t%s\t%v\n", w.now().UTC().Format(time.RFC3339), productURL, cause)
}

// FinishRun appends a row to _runs and rewrites _state from the store.
func (w *Writer) FinishRun(ctx context.Context, runsTab, stateTab string, run runlog.Record, st *state.Store, site string) error {
	runRow := []string{
		run.RunID, run.Site,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		strconv.Itoa(run.TotalPages),
		strconv.Itoa(run.TotalProducts),
		run.Status,
	}
	if err := w.client.AppendRows(ctx, runsTab, [][]string{runRow}); err != nil {
		return fmt.Errorf("sheets: append run record: %w", err)
	}

	rows, err := st.IterSite(site)
	if err != nil {
		return fmt.Errorf("sheets: read category state: %w", err)
	}
	out := [][]string{stateHeader}
	for _, cs := range rows {
		out = append(out, []string{
			cs.SiteName, cs.CategoryURL,
			strconv.Itoa(cs.LastPage), strconv.Itoa(cs.LastProductCount),
			cs.LastRunTS.UTC().Format(time.RFC3339),
		})
	}
	return w.client.RewriteTab(ctx, stateTab, out)
}

func toRow(rec product.Record) ([]string, error) {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, err
	}

	var processedAt string
	if rec.ProcessedAt != nil {
		processedAt = rec.ProcessedAt.UTC().Format(time.RFC3339)
	}

	return []string{
		rec.SourceSite,
		rec.Category,
		rec.CategoryURL,
		rec.ProductURL,
		rec.ProductContent,
		rec.DiscoveredAt.UTC().Format(time.RFC3339),
		rec.RunID,
		rec.ProductIDHash,
		strconv.Itoa(rec.PageNum),
		string(metaJSON),
		rec.ImagePath,
		rec.NameEN,
		rec.NameRU,
		rec.PriceWithoutDiscount,
		rec.PriceWithDiscount,
		rec.Status,
		rec.Note,
		processedAt,
		rec.LLMRaw,
	}, nil
}
