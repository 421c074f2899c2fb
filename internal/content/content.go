// Package content implements the Product Content Fetcher (C6): given a
// product URL, obtains cleaned text, the main image URL, and whatever
// name/price values the site's selectors can find.
package content

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/markusmobius/go-trafilatura"
	"golang.org/x/net/html"

	"github.com/digster-labs/sheetcrawler/internal/config"
	"github.com/digster-labs/sheetcrawler/internal/fetch"
)

// Result is everything C6 extracts from one product page.
type Result struct {
	Text                 string
	ImageURL             string
	NameEN                string
	PriceWithoutDiscount string
	PriceWithDiscount    string
	FinalURL             string
}

// Fetcher drives an Engine to retrieve a product page and extract its content.
type Fetcher struct {
	engine    fetch.Engine
	selectors config.Selectors
}

// New builds a Fetcher bound to one engine and one site's selectors.
func New(engine fetch.Engine, selectors config.Selectors) *Fetcher {
	return &Fetcher{engine: engine, selectors: selectors}
}

// Fetch retrieves productURL and extracts its content.
func (f *Fetcher) Fetch(ctx context.Context, productURL string) (*Result, error) {
	res, err := f.engine.Fetch(ctx, fetch.EngineRequest{URL: productURL})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		return nil, &fetch.FetchError{Kind: fetch.KindExtractionEmpty, URL: productURL, Err: err}
	}

	text, err := extractText(productURL, res.HTML, f.selectors.ContentDropAfter)
	if err != nil {
		return nil, &fetch.FetchError{Kind: fetch.KindExtractionEmpty, URL: productURL, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &fetch.FetchError{Kind: fetch.KindExtractionEmpty, URL: productURL}
	}

	return &Result{
		Text:                 text,
		ImageURL:             selectImage(doc, res.FinalURL),
		NameEN:               firstMatch(doc, f.selectors.NameSelectors),
		PriceWithoutDiscount: firstMatch(doc, f.selectors.PriceWithoutDiscountSelectors),
		PriceWithDiscount:    firstMatch(doc, f.selectors.PriceWithDiscountSelectors),
		FinalURL:             res.FinalURL,
	}, nil
}

// extractText removes script/style/noscript nodes, truncates at
// content_drop_after when configured, and renders the remaining text
// with trafilatura's main-content extraction, falling back to a plain
// whitespace-normalized render of the body when trafilatura finds nothing.
func extractText(rawURL, htmlContent string, dropAfter config.StringList) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()

	if len(dropAfter) > 0 {
		truncateAtFirstMatch(doc, dropAfter)
	}

	cleaned, err := doc.Html()
	if err != nil {
		return "", err
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("content: parse url: %w", err)
	}

	opts := trafilatura.Options{OriginalURL: parsedURL, EnableFallback: true}
	result, err := trafilatura.Extract(strings.NewReader(cleaned), opts)
	if err == nil && result != nil && result.ContentNode != nil {
		var buf bytes.Buffer
		if err := html.Render(&buf, result.ContentNode); err == nil {
			text := normalizeWhitespace(stripTags(buf.String()))
			if text != "" {
				return text, nil
			}
		}
	}

	return normalizeWhitespace(doc.Text()), nil
}

// truncateAtFirstMatch removes the first element matching any selector
// in dropAfter, along with every element that follows it in document
// order.
func truncateAtFirstMatch(doc *goquery.Document, dropAfter config.StringList) {
	for _, sel := range dropAfter {
		match := doc.Find(sel).First()
		if match.Length() == 0 {
			continue
		}
		removeFromHere(match)
		return
	}
}

func removeFromHere(node *goquery.Selection) {
	for anc := node; anc.Length() > 0 && !anc.Is("html"); anc = anc.Parent() {
		anc.NextAll().Remove()
	}
	node.Remove()
}

func stripTags(htmlContent string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return htmlContent
	}
	return doc.Text()
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// selectImage implements the og:image → highest-width srcset → first
// src fallback order.
func selectImage(doc *goquery.Document, baseURL string) string {
	if og, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok && og != "" {
		return resolveImageURL(baseURL, og)
	}

	if srcset, ok := doc.Find("img[srcset]").First().Attr("srcset"); ok {
		if candidate, _ := bestSrcsetCandidate(srcset); candidate != "" {
			return resolveImageURL(baseURL, candidate)
		}
	}

	if src, ok := doc.Find("img[src]").First().Attr("src"); ok && src != "" {
		return resolveImageURL(baseURL, src)
	}
	return ""
}

// bestSrcsetCandidate parses a srcset attribute and returns the URL
// with the highest width descriptor.
func bestSrcsetCandidate(srcset string) (string, int) {
	var bestURL string
	var bestWidth int
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		candidateURL := fields[0]
		width := 0
		if len(fields) > 1 && strings.HasSuffix(fields[1], "w") {
			if n, err := strconv.Atoi(strings.TrimSuffix(fields[1], "w")); err == nil {
				width = n
			}
		}
		if width >= bestWidth {
			bestURL = candidateURL
			bestWidth = width
		}
	}
	return bestURL, bestWidth
}

func resolveImageURL(baseURL, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	resolved, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(resolved).String()
}

// firstMatch returns the text of the first selector in the fallback
// list that yields a non-empty value.
func firstMatch(doc *goquery.Document, selectors config.StringList) string {
	for _, sel := range selectors {
		text := strings.TrimSpace(doc.Find(sel).First().Text())
		if text != "" {
			return text
		}
	}
	return ""
}
