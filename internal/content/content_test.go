package content

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/digster-labs/sheetcrawler/internal/config"
)

func mustDoc(t *testing.T, htmlContent string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}

func TestSelectImagePrefersOGImage(t *testing.T) {
	doc := mustDoc(t, `<html><head><meta property="og:image" content="/og.jpg"></head>
		<body><img srcset="/a.jpg 400w, /b.jpg 800w"></body></html>`)
	got := selectImage(doc, "https://example.com/product")
	if got != "https://example.com/og.jpg" {
		t.Fatalf("expected og:image to win, got %s", got)
	}
}

func TestSelectImageFallsBackToHighestWidthSrcset(t *testing.T) {
	doc := mustDoc(t, `<html><body>
		<img srcset="/a.jpg 400w, /b.jpg 1200w, /c.jpg 800w">
	</body></html>`)
	got := selectImage(doc, "https://example.com/")
	if got != "https://example.com/b.jpg" {
		t.Fatalf("expected the highest-width candidate of the first srcset image, got %s", got)
	}
}

func TestSelectImageIgnoresSrcsetOnLaterImages(t *testing.T) {
	doc := mustDoc(t, `<html><body>
		<img srcset="/a.jpg 400w">
		<img srcset="/b.jpg 1200w">
	</body></html>`)
	got := selectImage(doc, "https://example.com/")
	if got != "https://example.com/a.jpg" {
		t.Fatalf("expected only the first srcset image to be considered, got %s", got)
	}
}

func TestSelectImageFallsBackToFirstSrc(t *testing.T) {
	doc := mustDoc(t, `<html><body><img src="/plain.jpg"></body></html>`)
	got := selectImage(doc, "https://example.com/")
	if got != "https://example.com/plain.jpg" {
		t.Fatalf("expected plain src fallback, got %s", got)
	}
}

func TestFirstMatchReturnsFirstNonEmptySelector(t *testing.T) {
	doc := mustDoc(t, `<html><body><div class="a"></div><div class="b">Widget</div></body></html>`)
	got := firstMatch(doc, config.StringList{".a", ".b"})
	if got != "Widget" {
		t.Fatalf("expected fallback to second selector, got %q", got)
	}
}

func TestTruncateAtFirstMatchDropsMatchedAndFollowing(t *testing.T) {
	doc := mustDoc(t, `<html><body>
		<p id="keep">Keep this</p>
		<div class="reviews">Reviews</div>
		<p id="drop">Drop this</p>
	</body></html>`)
	truncateAtFirstMatch(doc, config.StringList{".reviews"})

	text := doc.Text()
	if !strings.Contains(text, "Keep this") {
		t.Fatalf("expected content before the match to survive")
	}
	if strings.Contains(text, "Reviews") || strings.Contains(text, "Drop this") {
		t.Fatalf("expected the matched element and everything after it removed, got %q", text)
	}
}

func TestBestSrcsetCandidatePicksHighestWidth(t *testing.T) {
	url, width := bestSrcsetCandidate("/a.jpg 400w, /b.jpg 1600w, /c.jpg 800w")
	if url != "/b.jpg" || width != 1600 {
		t.Fatalf("expected /b.jpg at 1600w, got %s at %d", url, width)
	}
}

func TestExtractTextFallsBackToPlainTextWhenTrafilaturaFindsNothing(t *testing.T) {
	text, err := extractText("https://example.com/p", `<html><body><p>Just some plain body copy.</p></body></html>`, nil)
	if err != nil {
		t.Fatalf("extractText: %v", err)
	}
	if !strings.Contains(text, "Just some plain body copy.") {
		t.Fatalf("expected extracted text to contain body copy, got %q", text)
	}
}
