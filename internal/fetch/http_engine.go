package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/digster-labs/sheetcrawler/internal/config"
	"github.com/digster-labs/sheetcrawler/internal/logging"
	"github.com/digster-labs/sheetcrawler/internal/proxypool"
)

// HTTPEngine implements Engine over net/http, with a cached client per
// egress identity (connection reuse) and the pool's retry/backoff
// ladder. 403s are reported to the pool but never retried on the same
// egress — the next attempt always picks a new one.
type HTTPEngine struct {
	pool       *proxypool.Pool
	userAgents []string
	acceptLang string
	timeout    time.Duration
	retry      config.RetryPolicy
	log        *logging.Logger

	clientsMu sync.Mutex
	clients   map[string]*http.Client

	uaMu    sync.Mutex
	uaIndex int
}

// NewHTTPEngine constructs an HTTP Engine sharing pool across the caller's engines.
func NewHTTPEngine(pool *proxypool.Pool, net config.Network, log *logging.Logger) *HTTPEngine {
	return &HTTPEngine{
		pool:       pool,
		userAgents: net.UserAgents,
		acceptLang: net.AcceptLanguage,
		timeout:    time.Duration(net.TimeoutSec) * time.Second,
		retry:      net.Retry,
		log:        log,
		clients:    make(map[string]*http.Client),
	}
}

func (h *HTTPEngine) nextUserAgent() string {
	if len(h.userAgents) == 0 {
		return "Mozilla/5.0 (compatible; SheetCrawler/1.0)"
	}
	h.uaMu.Lock()
	defer h.uaMu.Unlock()
	ua := h.userAgents[h.uaIndex]
	h.uaIndex = (h.uaIndex + 1) % len(h.userAgents)
	return ua
}

// clientFor returns the cached *http.Client for an egress, lazily
// populating it under a lock so concurrent categories share connections.
func (h *HTTPEngine) clientFor(e *proxypool.Egress) (*http.Client, error) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if c, ok := h.clients[e.ID]; ok {
		return c, nil
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}
	if !e.Direct {
		proxyURL, err := url.Parse(e.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch: invalid proxy URL %q: %w", e.ID, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{Timeout: h.timeout, Transport: transport}
	h.clients[e.ID] = client
	return client, nil
}

// Fetch retrieves req.URL, retrying transport errors and 5xx per the
// configured backoff ladder. A 403 is reported to the pool and causes
// an immediate move to the next egress rather than a same-egress retry.
func (h *HTTPEngine) Fetch(ctx context.Context, req EngineRequest) (*FetchResult, error) {
	maxAttempts := h.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delays := retryDelays(h.retry, maxAttempts)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		egress, err := h.pool.Acquire()
		if err != nil {
			return nil, &FetchError{Kind: KindProxyPoolExhausted, URL: req.URL, Err: err}
		}

		result, status, ferr := h.fetchOnce(ctx, egress, req.URL)
		h.pool.Report(egress, outcomeFor(status, ferr))

		if ferr == nil && status == http.StatusOK {
			return result, nil
		}

		if status == http.StatusForbidden {
			// 403: reported above, no same-egress retry, try next immediately.
			lastErr = &FetchError{Kind: KindHTTPStatusError, StatusCode: status, URL: req.URL}
			continue
		}

		if ferr == nil && status < http.StatusInternalServerError {
			// Other 4xx statuses (404, 410, 400, ...) are not transport
			// failures and won't be fixed by retrying or rotating egress.
			return nil, &FetchError{Kind: KindHTTPStatusError, StatusCode: status, URL: req.URL}
		}

		lastErr = ferr
		if lastErr == nil {
			lastErr = &FetchError{Kind: KindHTTPStatusError, StatusCode: status, URL: req.URL}
		}

		if h.log != nil {
			h.log.Warn("http fetch attempt failed", logging.ErrorEvent{
				ErrorType:      string(KindTransportError),
				ErrorSource:    "http",
				URL:            req.URL,
				Proxy:          egress.ID,
				RetryIndex:     attempt,
				ActionRequired: "rotate_proxy",
			}.Fields())
		}

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(delays[attempt]) * time.Second):
			}
		}
	}

	return nil, &FetchError{Kind: KindTransportError, URL: req.URL, Err: lastErr}
}

func (h *HTTPEngine) fetchOnce(ctx context.Context, egress *proxypool.Egress, rawURL string) (*FetchResult, int, error) {
	client, err := h.clientFor(egress)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("User-Agent", h.nextUserAgent())
	if h.acceptLang != "" {
		httpReq.Header.Set("Accept-Language", h.acceptLang)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &FetchResult{
		FinalURL:   finalURL,
		HTML:       string(body),
		Status:     resp.StatusCode,
		EgressUsed: egress.ID,
	}, resp.StatusCode, nil
}

// Close is a no-op: http.Client requires no explicit teardown.
func (h *HTTPEngine) Close() error { return nil }

// randomDuration returns a uniform random duration in [min, max).
func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
