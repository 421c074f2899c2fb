// Package sheets implements the spreadsheet writer: tab/header
// bootstrap, a seen-product dedupe set per tab, a flush buffer, and a
// coarse retry ladder around the append call, against a logical
// SheetsClient contract rather than a concrete wire protocol.
package sheets

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SheetsClient is the spreadsheet wire stand-in every Writer call goes through.
type SheetsClient interface {
	EnsureTab(ctx context.Context, name string, header []string) error
	EnsureHiddenTab(ctx context.Context, name string, header []string) error
	AppendRows(ctx context.Context, tab string, rows [][]string) error
	ReadColumn(ctx context.Context, tab string, letter string) ([]string, error)
	RewriteTab(ctx context.Context, tab string, rows [][]string) error
}

// columnLetters is the A.. column order used by ReadColumn/RewriteTab
// to locate a column without depending on the full header layout.
var columnLetters = []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M", "N", "O", "P", "Q", "R", "S", "T"}

// FileSheetsClient persists each tab as <dir>/<tab>.csv, a file-backed
// stand-in for the real spreadsheet API, using an atomic
// temp-file-then-rename write pattern.
type FileSheetsClient struct {
	dir string
	mu  sync.Mutex
}

// NewFileSheetsClient builds a client rooted at dir, creating it if necessary.
func NewFileSheetsClient(dir string) (*FileSheetsClient, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("sheets: create directory %s: %w", dir, err)
	}
	return &FileSheetsClient{dir: dir}, nil
}

func (c *FileSheetsClient) path(tab string) string {
	return filepath.Join(c.dir, tab+".csv")
}

// EnsureTab creates the CSV file with a header row if it does not exist yet.
func (c *FileSheetsClient) EnsureTab(ctx context.Context, name string, header []string) error {
	return c.ensure(name, header)
}

// EnsureHiddenTab behaves identically to EnsureTab; the file backend has
// no tab-visibility concept.
func (c *FileSheetsClient) EnsureHiddenTab(ctx context.Context, name string, header []string) error {
	return c.ensure(name, header)
}

func (c *FileSheetsClient) ensure(name string, header []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path(name)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("sheets: stat %s: %w", path, err)
	}

	return writeRowsAtomic(path, [][]string{header})
}

// AppendRows appends rows to an existing tab, reading the current
// contents and rewriting atomically (the CSV stand-in has no true
// append-in-place primitive, so the whole file is rewritten each time).
func (c *FileSheetsClient) AppendRows(ctx context.Context, tab string, rows [][]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.readAllLocked(tab)
	if err != nil {
		return err
	}
	existing = append(existing, rows...)
	return writeRowsAtomic(c.path(tab), existing)
}

// ReadColumn returns every value in the given column letter, excluding the header row.
func (c *FileSheetsClient) ReadColumn(ctx context.Context, tab string, letter string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.readAllLocked(tab)
	if err != nil {
		return nil, err
	}

	idx := columnIndex(letter)
	var out []string
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if idx < len(row) {
			out = append(out, row[idx])
		}
	}
	return out, nil
}

// RewriteTab replaces a tab's entire contents, used to refresh _state.
func (c *FileSheetsClient) RewriteTab(ctx context.Context, tab string, rows [][]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeRowsAtomic(c.path(tab), rows)
}

func (c *FileSheetsClient) readAllLocked(tab string) ([][]string, error) {
	path := c.path(tab)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sheets: open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("sheets: read %s: %w", path, err)
	}
	return records, nil
}

func columnIndex(letter string) int {
	for i, l := range columnLetters {
		if strings.EqualFold(l, letter) {
			return i
		}
	}
	return -1
}

// NoopClient discards every write and answers reads with nothing,
// backing `--dry-run` so a run can exercise the crawl without touching
// the sheet.
type NoopClient struct{}

// NewNoopClient builds a SheetsClient that performs no I/O.
func NewNoopClient() *NoopClient { return &NoopClient{} }

func (c *NoopClient) EnsureTab(ctx context.Context, name string, header []string) error { return nil }
func (c *NoopClient) EnsureHiddenTab(ctx context.Context, name string, header []string) error {
	return nil
}
func (c *NoopClient) AppendRows(ctx context.Context, tab string, rows [][]string) error { return nil }
func (c *NoopClient) ReadColumn(ctx context.Context, tab string, letter string) ([]string, error) {
	return nil, nil
}
func (c *NoopClient) RewriteTab(ctx context.Context, tab string, rows [][]string) error { return nil }

func writeRowsAtomic(path string, rows [][]string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sheets-*.csv")
	if err != nil {
		return fmt.Errorf("sheets: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sheets: write csv: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sheets: flush csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
