package imagesaver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/digster-labs/sheetcrawler/internal/proxypool"
)

func testPool(t *testing.T) *proxypool.Pool {
	t.Helper()
	pool, err := proxypool.New(nil, true, t.TempDir()+"/bad_proxies.log")
	if err != nil {
		t.Fatalf("proxypool.New: %v", err)
	}
	return pool
}

func TestSaveWritesFileNamedFromProductSlug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("fake-jpeg-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	saver, err := New(testPool(t), dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := saver.Save(context.Background(), srv.URL+"/image.jpg", "Café Élégant")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "cafe-elegant.jpg" {
		t.Fatalf("expected transliterated slug filename, got %s", filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestSaveAppendsHashSuffixOnSlugCollision(t *testing.T) {
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		w.Header().Set("Content-Type", "image/png")
		if count == 1 {
			w.Write([]byte("first"))
		} else {
			w.Write([]byte("second"))
		}
	}))
	defer srv.Close()

	saver, err := New(testPool(t), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := saver.Save(context.Background(), srv.URL+"/a.png", "Widget")
	if err != nil {
		t.Fatalf("Save 1: %v", err)
	}
	second, err := saver.Save(context.Background(), srv.URL+"/b.png", "Widget")
	if err != nil {
		t.Fatalf("Save 2: %v", err)
	}
	if filepath.Base(first) != "widget.png" {
		t.Fatalf("expected first file to use bare slug, got %s", filepath.Base(first))
	}
	if first == second {
		t.Fatalf("expected colliding slug to get a distinct filename, got %s twice", first)
	}
}

func TestSaveRejectsEmptyURL(t *testing.T) {
	saver, err := New(testPool(t), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := saver.Save(context.Background(), "", "name"); err == nil {
		t.Fatalf("expected an error for an empty image URL")
	}
}

func TestExtensionForKnownAndUnknownContentTypes(t *testing.T) {
	cases := map[string]string{
		"image/jpeg; charset=binary": ".jpg",
		"image/png":                  ".png",
		"image/webp":                 ".webp",
		"text/html":                  ".bin",
		"":                           ".bin",
	}
	for ct, want := range cases {
		if got := extensionFor(ct); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", ct, got, want)
		}
	}
}

func TestSlugifyTransliteratesAndHyphenates(t *testing.T) {
	cases := map[string]string{
		"Café Élégant":    "cafe-elegant",
		"  Multi   Space ": "multi-space",
		"日本語":             "",
		"Widget #42!":     "widget-42",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteAtomicCreatesFileWithContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	if err := writeAtomic(path, []byte("hello")); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected file content %q, got %q", "hello", string(data))
	}
}
