package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/digster-labs/sheetcrawler/internal/config"
	"github.com/digster-labs/sheetcrawler/internal/logging"
	"github.com/digster-labs/sheetcrawler/internal/proxypool"
)

// browserContext bundles the long-lived allocator/context pair for one egress.
type browserContext struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// BrowserEngine implements Engine (C4) by driving a headless browser via
// chromedp, with per-egress contexts, a short+long retry ladder, and a
// Human-Behavior Controller hook invoked before HTML capture.
type BrowserEngine struct {
	pool         *proxypool.Pool
	net          config.Network
	storageState *storageState
	behavior     BehaviorRunner
	behaviorOn   bool
	log          *logging.Logger

	mu       sync.Mutex
	contexts map[string]*browserContext
}

// NewBrowserEngine constructs a Browser Engine. behavior may be nil if
// human-behavior simulation is disabled.
func NewBrowserEngine(pool *proxypool.Pool, net config.Network, behaviorEnabled bool, behavior BehaviorRunner, log *logging.Logger) (*BrowserEngine, error) {
	state, err := loadStorageState(net.StorageStatePath)
	if err != nil {
		return nil, fmt.Errorf("fetch: load storage state: %w", err)
	}
	return &BrowserEngine{
		pool:         pool,
		net:          net,
		storageState: state,
		behavior:     behavior,
		behaviorOn:   behaviorEnabled,
		log:          log,
		contexts:     make(map[string]*browserContext),
	}, nil
}

func (b *BrowserEngine) contextFor(egress *proxypool.Egress) (*browserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bc, ok := b.contexts[egress.ID]; ok {
		return bc, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.net.BrowserHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if len(b.net.UserAgents) > 0 {
		opts = append(opts, chromedp.UserAgent(b.net.UserAgents[0]))
	}
	if !egress.Direct {
		opts = append(opts, chromedp.ProxyServer(egress.ID))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	if b.net.BrowserSlowMoMs > 0 {
		// slow-mo is applied in navigate as an explicit sleep after each
		// navigation action rather than a global slow-motion hook.
	}

	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("fetch: start browser for egress %s: %w", egress.ID, err)
	}

	if err := b.applyStorageState(ctx); err != nil && b.log != nil {
		b.log.Warn("failed to apply storage state", map[string]interface{}{"error": err.Error()})
	}
	if _, err := cdpAddScript(ctx, hideWebdriverScript); err != nil && b.log != nil {
		b.log.Warn("failed to inject anti-detection script", map[string]interface{}{"error": err.Error()})
	}

	bc := &browserContext{allocCtx: allocCtx, allocCancel: allocCancel, ctx: ctx, cancel: cancel}
	b.contexts[egress.ID] = bc
	return bc, nil
}

func (b *BrowserEngine) applyStorageState(ctx context.Context) error {
	if b.storageState == nil {
		return nil
	}
	for _, c := range b.storageState.Cookies {
		expires := cdpTimeSinceEpoch(c.Expires)
		err := chromedp.Run(ctx, network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(c.Path).
			WithHTTPOnly(c.HTTPOnly).
			WithSecure(c.Secure).
			WithExpires(expires))
		if err != nil {
			return err
		}
	}
	for _, origin := range b.storageState.Origins {
		script := buildLocalStorageScript(origin)
		if script == "" {
			continue
		}
		if _, err := cdpAddScript(ctx, script); err != nil {
			return err
		}
	}
	return nil
}

func cdpTimeSinceEpoch(seconds float64) *cdpTime {
	if seconds == 0 {
		return nil
	}
	t := cdpTime(seconds)
	return &t
}

// cdpTime satisfies cdproto/network's expected TimeSinceEpoch type via
// the same underlying float64 representation.
type cdpTime = network.TimeSinceEpoch

// hideWebdriverScript masks navigator.webdriver so the headless browser
// does not trivially identify itself as automated, adapted from the
// teacher's antibot_scripts.go HideWebdriverScript.
const hideWebdriverScript = `
Object.defineProperty(navigator, 'webdriver', {
    get: () => undefined,
});
`

func cdpAddScript(ctx context.Context, script string) (page.ScriptIdentifier, error) {
	var id page.ScriptIdentifier
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var aErr error
		id, aErr = page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return aErr
	}))
	return id, err
}

func buildLocalStorageScript(origin storageOrigin) string {
	if len(origin.LocalStorage) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("(function(){ if (location.origin !== ")
	b.WriteString(fmt.Sprintf("%q", origin.Origin))
	b.WriteString(") return;\n")
	for _, e := range origin.LocalStorage {
		b.WriteString(fmt.Sprintf("window.localStorage.setItem(%q, %q);\n", e.Name, e.Value))
	}
	b.WriteString("})();")
	return b.String()
}

// shortDelays returns the navigation retry ladder's short stage,
// defaulting to 30s/60s when no backoff is configured.
func (b *BrowserEngine) shortDelays() []time.Duration {
	if len(b.net.Retry.BackoffSec) == 0 {
		return []time.Duration{30 * time.Second, 60 * time.Second}
	}
	out := make([]time.Duration, len(b.net.Retry.BackoffSec))
	for i, s := range b.net.Retry.BackoffSec {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// longDelays is the fixed +120s/+240s second stage of the ladder.
func (b *BrowserEngine) longDelays() []time.Duration {
	return []time.Duration{120 * time.Second, 240 * time.Second}
}

// Fetch drives the navigation protocol, retrying failures across the
// short-then-long ladder, re-acquiring a new egress for every attempt.
func (b *BrowserEngine) Fetch(ctx context.Context, req EngineRequest) (*FetchResult, error) {
	delays := append(append([]time.Duration{}, b.shortDelays()...), b.longDelays()...)

	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		egress, err := b.pool.Acquire()
		if err != nil {
			return nil, &FetchError{Kind: KindProxyPoolExhausted, URL: req.URL, Err: err}
		}

		result, ferr := b.navigate(ctx, egress, req)
		if ferr == nil {
			b.pool.Report(egress, proxypool.OutcomeOK)
			return result, nil
		}

		var fe *FetchError
		if ok := asFetchError(ferr, &fe); ok && fe.StatusCode == 403 {
			b.pool.Report(egress, proxypool.OutcomeHTTP403)
		} else {
			b.pool.Report(egress, proxypool.OutcomeTransportError)
		}

		lastErr = ferr
		if b.log != nil {
			b.log.Error("browser navigation attempt failed", logging.ErrorEvent{
				ErrorType:      string(KindTransportError),
				ErrorSource:    "browser",
				URL:            req.URL,
				Proxy:          egress.ID,
				RetryIndex:     attempt,
				ActionRequired: "rotate_proxy",
			}.Fields())
		}

		if attempt < len(delays) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delays[attempt]):
			}
			continue
		}
	}

	return nil, &FetchError{Kind: KindTransportError, URL: req.URL, Err: lastErr}
}

func asFetchError(err error, target **FetchError) bool {
	fe, ok := err.(*FetchError)
	if ok {
		*target = fe
	}
	return ok
}

func (b *BrowserEngine) navigate(parent context.Context, egress *proxypool.Egress, req EngineRequest) (*FetchResult, error) {
	bc, err := b.contextFor(egress)
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(bc.ctx)
	defer tabCancel()

	var timeoutCancel context.CancelFunc
	tabCtx, timeoutCancel = context.WithTimeout(tabCtx, 2*time.Minute)
	defer timeoutCancel()

	var statusCode int
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			statusCode = int(resp.Response.Status)
		}
	})

	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if b.net.BrowserSlowMoMs > 0 {
		slowMo := chromedp.Sleep(time.Duration(b.net.BrowserSlowMoMs) * time.Millisecond)
		paced := make([]chromedp.Action, 0, 2*len(actions))
		for _, a := range actions {
			paced = append(paced, a, slowMo)
		}
		actions = paced
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, wrapNavError(req.URL, err)
	}

	if err := b.evaluateWaitConditions(tabCtx, req.WaitConditions); err != nil {
		return nil, err
	}

	var trace *BehaviorTrace
	if b.behaviorOn && req.BehaviorContext != nil && b.behavior != nil {
		trace, err = b.behavior.Run(tabCtx, *req.BehaviorContext)
		if err != nil && b.log != nil {
			b.log.Warn("human behavior controller error", map[string]interface{}{"error": err.Error()})
		}
	}

	html, finalURL, err := b.captureHTML(tabCtx)
	if err != nil {
		return nil, err
	}

	if statusCode == 0 {
		statusCode = 200
	}

	stop := b.evaluateStopConditions(tabCtx, req.StopConditions)

	return &FetchResult{
		FinalURL:      finalURL,
		HTML:          html,
		Status:        statusCode,
		EgressUsed:    egress.ID,
		BehaviorTrace: trace,
		StopTriggered: stop,
	}, nil
}

func wrapNavError(rawURL string, err error) error {
	if strings.Contains(err.Error(), "net::ERR_") {
		return &FetchError{Kind: KindTransportError, URL: rawURL, Err: err}
	}
	return &FetchError{Kind: KindTransportError, URL: rawURL, Err: err}
}

// evaluateWaitConditions applies each wait condition in order: a
// selector condition polls until present or a bounded timeout expires;
// a timeout condition sleeps its value.
func (b *BrowserEngine) evaluateWaitConditions(ctx context.Context, conds []config.Condition) error {
	for _, c := range conds {
		switch c.Type {
		case "selector":
			waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := chromedp.Run(waitCtx, chromedp.WaitReady(c.Value, chromedp.ByQuery))
			cancel()
			if err != nil {
				// Bounded timeout expiring is not fatal: extraction proceeds
				// with whatever content is present.
				continue
			}
		case "timeout":
			d, err := time.ParseDuration(c.Value)
			if err != nil {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
	}
	return nil
}

// evaluateStopConditions checks each condition after extraction and
// returns the first satisfied one for the caller to act on.
func (b *BrowserEngine) evaluateStopConditions(ctx context.Context, conds []config.Condition) *config.Condition {
	for _, c := range conds {
		switch c.Type {
		case "missing_selector":
			var count int
			err := chromedp.Run(ctx, chromedp.EvaluateAsDevTools(
				fmt.Sprintf("document.querySelectorAll(%q).length", c.Value), &count))
			if err == nil && count == 0 {
				cond := c
				return &cond
			}
		}
	}
	return nil
}

// captureHTML reads the outer HTML of the document. If the read fails
// because the page is mid-navigation, it waits until the document body
// is ready, sleeps 500-1000ms, and retries exactly once. It does not wait
// for network activity to go idle.
func (b *BrowserEngine) captureHTML(ctx context.Context) (html string, finalURL string, err error) {
	err = chromedp.Run(ctx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err == nil {
		return html, finalURL, nil
	}
	if !isNavigatingError(err) {
		return "", "", &FetchError{Kind: KindTransportError, Err: err}
	}

	if werr := chromedp.Run(ctx, chromedp.WaitReady("body", chromedp.ByQuery)); werr != nil {
		return "", "", &FetchError{Kind: KindNavigationBusy, Err: werr}
	}
	time.Sleep(randomDuration(500*time.Millisecond, 1000*time.Millisecond))

	err = chromedp.Run(ctx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", "", &FetchError{Kind: KindNavigationBusy, Err: err}
	}
	return html, finalURL, nil
}

func isNavigatingError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "navigat")
}

// Close tears down every per-egress browser context.
func (b *BrowserEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bc := range b.contexts {
		bc.cancel()
		bc.allocCancel()
	}
	b.contexts = make(map[string]*browserContext)
	return nil
}
