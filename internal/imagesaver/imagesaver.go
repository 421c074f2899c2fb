// Package imagesaver implements the Image Saver (C7): downloads the
// product image chosen by the Content Fetcher and writes it atomically
// under the configured image directory, named from an ASCII slug of the
// product name.
package imagesaver

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/digster-labs/sheetcrawler/internal/fetch"
	"github.com/digster-labs/sheetcrawler/internal/proxypool"
)

// extensionByContentType maps the Content-Type header to a file
// extension, falling back to .bin when the type is unrecognized.
var extensionByContentType = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/avif": ".avif",
}

// Saver downloads and persists product images, sharing the proxy pool's
// egress rotation with the HTTP Engine.
type Saver struct {
	pool *proxypool.Pool
	dir  string

	clientsMu sync.Mutex
	clients   map[string]*http.Client

	namesMu sync.Mutex
	names   map[string]int // slug -> count, for collision suffixes
}

// New builds a Saver that writes into dir, creating it if necessary.
func New(pool *proxypool.Pool, dir string) (*Saver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("imagesaver: create directory %s: %w", dir, err)
	}
	return &Saver{
		pool:    pool,
		dir:     dir,
		clients: make(map[string]*http.Client),
		names:   make(map[string]int),
	}, nil
}

// Save downloads imageURL and writes it under dir, naming the file from
// productName. Returns the final file path.
func (s *Saver) Save(ctx context.Context, imageURL, productName string) (string, error) {
	if imageURL == "" {
		return "", fmt.Errorf("imagesaver: empty image URL")
	}

	egress, err := s.pool.Acquire()
	if err != nil {
		return "", &fetch.FetchError{Kind: fetch.KindProxyPoolExhausted, URL: imageURL, Err: err}
	}

	client, err := s.clientFor(egress)
	if err != nil {
		return "", &fetch.FetchError{Kind: fetch.KindImageSaveError, URL: imageURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", &fetch.FetchError{Kind: fetch.KindImageSaveError, URL: imageURL, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		s.pool.Report(egress, proxypool.OutcomeTransportError)
		return "", &fetch.FetchError{Kind: fetch.KindImageSaveError, URL: imageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		s.pool.Report(egress, proxypool.OutcomeHTTP403)
		return "", &fetch.FetchError{Kind: fetch.KindImageSaveError, StatusCode: resp.StatusCode, URL: imageURL}
	}
	if resp.StatusCode != http.StatusOK {
		s.pool.Report(egress, proxypool.OutcomeTransportError)
		return "", &fetch.FetchError{Kind: fetch.KindImageSaveError, StatusCode: resp.StatusCode, URL: imageURL}
	}
	s.pool.Report(egress, proxypool.OutcomeOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &fetch.FetchError{Kind: fetch.KindImageSaveError, URL: imageURL, Err: err}
	}

	ext := extensionFor(resp.Header.Get("Content-Type"))
	filename := s.filenameFor(productName, body, ext)
	path := filepath.Join(s.dir, filename)

	if err := writeAtomic(path, body); err != nil {
		return "", &fetch.FetchError{Kind: fetch.KindImageSaveError, URL: imageURL, Err: err}
	}
	return path, nil
}

func (s *Saver) clientFor(e *proxypool.Egress) (*http.Client, error) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if c, ok := s.clients[e.ID]; ok {
		return c, nil
	}

	transport := &http.Transport{}
	if !e.Direct {
		proxyURL, err := url.Parse(e.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", e.ID, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{Transport: transport}
	s.clients[e.ID] = client
	return client, nil
}

func extensionFor(contentType string) string {
	base := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if ext, ok := extensionByContentType[strings.ToLower(base)]; ok {
		return ext
	}
	return ".bin"
}

// filenameFor slugs productName into an ASCII-safe, lowercase,
// hyphenated base name, appending a short content hash suffix if that
// slug has already been used in this run.
func (s *Saver) filenameFor(productName string, body []byte, ext string) string {
	slug := slugify(productName)
	if slug == "" {
		slug = "product"
	}

	s.namesMu.Lock()
	count := s.names[slug]
	s.names[slug] = count + 1
	s.namesMu.Unlock()

	if count == 0 {
		return slug + ext
	}

	sum := md5.Sum(body)
	shortHash := fmt.Sprintf("%x", sum)[:8]
	return fmt.Sprintf("%s-%s%s", slug, shortHash, ext)
}

// slugify reduces productName to ASCII (stripping diacritics via Unicode
// NFKD decomposition) and then to lowercase, hyphen-separated tokens.
// Letters with no ASCII decomposition (Cyrillic, CJK and other non-Latin
// scripts) are dropped, not transliterated, so a name written wholly in
// such a script yields an empty slug.
func slugify(name string) string {
	ascii, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), runes.Remove(runes.NotIn(asciiRange))), name)
	if err != nil {
		ascii = name
	}

	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(ascii) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteRune('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}

var asciiRange = unicode.RangeTable{
	R16: []unicode.Range16{{Lo: 0x0000, Hi: 0x007F, Stride: 1}},
}

// writeAtomic writes data to path via a temporary file in the same
// directory followed by a rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".imagesaver-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
