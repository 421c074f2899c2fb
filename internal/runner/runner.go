// Package runner drives the whole crawl: one GlobalConfig, N sites run
// sequentially, each site's categories run with bounded concurrency
// using a semaphore channel plus a WaitGroup.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/digster-labs/sheetcrawler/internal/behavior"
	"github.com/digster-labs/sheetcrawler/internal/config"
	"github.com/digster-labs/sheetcrawler/internal/content"
	"github.com/digster-labs/sheetcrawler/internal/crawler"
	"github.com/digster-labs/sheetcrawler/internal/fetch"
	"github.com/digster-labs/sheetcrawler/internal/imagesaver"
	"github.com/digster-labs/sheetcrawler/internal/logging"
	"github.com/digster-labs/sheetcrawler/internal/proxypool"
	"github.com/digster-labs/sheetcrawler/internal/runlog"
	"github.com/digster-labs/sheetcrawler/internal/sheets"
	"github.com/digster-labs/sheetcrawler/internal/state"
	"github.com/digster-labs/sheetcrawler/internal/urlnorm"
)

// Options are the per-invocation knobs, assembled from CLI flags and
// env vars in cmd/crawler/main.go.
type Options struct {
	RunID   string
	Resume  bool
	DryRun  bool
	ImageDir string
	SkippedLog string
}

// Runner owns the long-lived resources shared across sites (store,
// sheets client), and drives sites one at a time; each site gets its own
// proxy pool.
type Runner struct {
	global    config.GlobalConfig
	sites     []config.SiteConfig
	store     *state.Store
	sheets    sheets.SheetsClient
	log       *logging.Logger
	opts      Options
	blacklist *urlnorm.Blacklist
}

// New builds a Runner. store and sheetsClient are opened by the caller
// so cmd/crawler/main.go controls their lifetime and close order.
func New(global config.GlobalConfig, sites []config.SiteConfig, store *state.Store, sheetsClient sheets.SheetsClient, log *logging.Logger, opts Options) *Runner {
	return &Runner{
		global:    global,
		sites:     sites,
		store:     store,
		sheets:    sheetsClient,
		log:       log,
		opts:      opts,
		blacklist: urlnorm.NewBlacklist(global.Dedupe.ParamBlacklist),
	}
}

// SiteOutcome summarizes one site's run for the final exit-code decision.
type SiteOutcome struct {
	Site    string
	Status  crawler.Status
	Err     error
}

// Run executes every site sequentially, one at a time, while categories
// within a site run concurrently. It stops scheduling new categories as
// soon as ctx is cancelled, letting in-flight work finish or fail cleanly.
func (r *Runner) Run(ctx context.Context) ([]SiteOutcome, error) {
	var outcomes []SiteOutcome

	for _, site := range r.sites {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, SiteOutcome{Site: site.Name, Status: crawler.StatusStopped, Err: err})
			continue
		}

		outcome, err := r.runSite(ctx, site)
		outcomes = append(outcomes, outcome)
		if err != nil && r.log != nil {
			r.log.Error("site run failed", map[string]interface{}{"site": site.Name, "error": err.Error()})
		}
	}

	return outcomes, nil
}

func (r *Runner) runSite(ctx context.Context, site config.SiteConfig) (SiteOutcome, error) {
	started := time.Now()
	r.log.Info("starting site", map[string]interface{}{"site": site.Name, "run_id": r.opts.RunID})

	pool, err := proxypool.New(r.global.Network.ProxyPool, r.global.Network.AllowDirect, r.global.Network.BadProxyLogPath)
	if err != nil {
		return SiteOutcome{Site: site.Name, Status: crawler.StatusFailed, Err: err}, err
	}
	defer pool.Close()
	pool.OnExhausted(func() {
		r.log.Error("proxy pool exhausted", logging.ErrorEvent{
			ErrorType: "ProxyPoolExhausted", ErrorSource: "proxy", ActionRequired: "add proxies or enable allow_direct",
		}.Fields())
	})

	engine, err := r.buildEngine(site, pool)
	if err != nil {
		return SiteOutcome{Site: site.Name, Status: crawler.StatusFailed, Err: err}, err
	}
	defer engine.Close()

	imageDir := r.opts.ImageDir
	imageSaver, err := imagesaver.New(pool, imageDir)
	if err != nil {
		return SiteOutcome{Site: site.Name, Status: crawler.StatusFailed, Err: err}, err
	}

	contentFetcher := content.New(engine, site.Selectors)

	writer := sheets.New(r.sheets, r.global.Sheet.BatchSize, r.opts.SkippedLog, r.log)
	tab := site.Name
	if err := writer.EnsureSiteTab(ctx, tab, r.global.Sheet.StateTabName, r.global.Sheet.RunsTabName); err != nil {
		return SiteOutcome{Site: site.Name, Status: crawler.StatusFailed, Err: err}, err
	}

	robots := crawler.NewPolitenessGate(userAgentFor(r.global.Network))

	stop := crawler.NewSiteStopTracker(r.global.Runtime.StopAfterProducts, r.global.Runtime.StopAfterMinutes)

	results := r.runCategories(ctx, site, engine, contentFetcher, imageSaver, writer, robots, stop, tab)

	run := runlog.Record{
		RunID:      r.opts.RunID,
		Site:       site.Name,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	status := crawler.StatusDone
	for _, res := range results {
		run.TotalPages += res.LastPage
		run.TotalProducts += res.ProductsFound
		if res.Status == crawler.StatusFailed {
			status = crawler.StatusFailed
		} else if res.Status == crawler.StatusStopped && status != crawler.StatusFailed {
			status = crawler.StatusStopped
		}
	}
	run.Status = string(status)

	if err := writer.FinishRun(ctx, r.global.Sheet.RunsTabName, r.global.Sheet.StateTabName, run, r.store, site.Name); err != nil {
		r.log.Error("finish run failed", map[string]interface{}{"site": site.Name, "error": err.Error()})
	}

	return SiteOutcome{Site: site.Name, Status: status}, nil
}

// runCategories processes every category_urls entry for a site with at
// most runtime.concurrency_per_site in flight at once, grounded on the
// teacher's semaphore-channel-plus-WaitGroup pattern (crawler.go).
func (r *Runner) runCategories(ctx context.Context, site config.SiteConfig, engine fetch.Engine, contentFetcher *content.Fetcher, imageSaver *imagesaver.Saver, writer *sheets.Writer, robots *crawler.PolitenessGate, stop *crawler.SiteStopTracker, tab string) []crawler.Result {
	concurrency := r.global.Runtime.ConcurrencyPerSite
	if concurrency <= 0 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []crawler.Result

	for _, categoryURL := range site.CategoryURLs {
		if ctx.Err() != nil || stop.ShouldStop() {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(categoryURL string) {
			defer wg.Done()
			defer func() { <-sem }()

			c := &crawler.Crawler{
				Site:       site,
				Engine:     engine,
				Content:    contentFetcher,
				Images:     imageSaver,
				Writer:     writer,
				Store:      r.store,
				Blacklist:  r.blacklist,
				Robots:     robots,
				Log:        r.log,
				RunID:      r.opts.RunID,
				Runtime:    r.global.Runtime,
				Resume:     r.opts.Resume,
				SheetTab:   tab,
				SkippedLog: r.opts.SkippedLog,
				Stop:       stop,
			}
			res := c.RunCategory(ctx, categoryURL)

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(categoryURL)
	}

	wg.Wait()
	return results
}

func userAgentFor(net config.Network) string {
	if len(net.UserAgents) > 0 {
		return net.UserAgents[0]
	}
	return "*"
}

func (r *Runner) buildEngine(site config.SiteConfig, pool *proxypool.Pool) (fetch.Engine, error) {
	switch site.Engine {
	case config.EngineHTTP:
		return fetch.NewHTTPEngine(pool, r.global.Network, r.log), nil
	case config.EngineBrowser:
		var runner fetch.BehaviorRunner
		if r.global.Runtime.Behavior.Enabled {
			runner = behavior.NewController(r.global.Runtime.Behavior, site.Selectors, r.log)
		}
		return fetch.NewBrowserEngine(pool, r.global.Network, r.global.Runtime.Behavior.Enabled, runner, r.log)
	default:
		return nil, fmt.Errorf("runner: site %s: unknown engine %q", site.Name, site.Engine)
	}
}
