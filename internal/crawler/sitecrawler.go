// Package crawler implements the Site Crawler (C8): the per-category
// state machine that drives pagination, extracts product links, and
// runs each product through the content/image/sheet/state pipeline.
package crawler

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/digster-labs/sheetcrawler/internal/config"
	"github.com/digster-labs/sheetcrawler/internal/content"
	"github.com/digster-labs/sheetcrawler/internal/fetch"
	"github.com/digster-labs/sheetcrawler/internal/imagesaver"
	"github.com/digster-labs/sheetcrawler/internal/logging"
	"github.com/digster-labs/sheetcrawler/internal/product"
	"github.com/digster-labs/sheetcrawler/internal/sheets"
	"github.com/digster-labs/sheetcrawler/internal/state"
	"github.com/digster-labs/sheetcrawler/internal/urlnorm"
)

// Status is the terminal state a category run ends in.
type Status string

const (
	StatusDone    Status = "DONE"
	StatusStopped Status = "STOPPED"
	StatusFailed  Status = "FAILED"
)

// Result summarizes one category run.
type Result struct {
	Status        Status
	LastPage      int
	ProductsFound int
	Err           error
}

// SiteStopTracker is shared by every category of one site so the global
// stop_after_products/stop_after_minutes thresholds apply across
// concurrent categories, not per-category.
type SiteStopTracker struct {
	mu                sync.Mutex
	productCount      int
	startedAt         time.Time
	stopAfterProducts int
	stopAfterMinutes  int
}

func NewSiteStopTracker(stopAfterProducts, stopAfterMinutes int) *SiteStopTracker {
	return &SiteStopTracker{
		startedAt:         time.Now(),
		stopAfterProducts: stopAfterProducts,
		stopAfterMinutes:  stopAfterMinutes,
	}
}

func (t *SiteStopTracker) RecordProduct() {
	t.mu.Lock()
	t.productCount++
	t.mu.Unlock()
}

func (t *SiteStopTracker) ShouldStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopAfterProducts > 0 && t.productCount >= t.stopAfterProducts {
		return true
	}
	if t.stopAfterMinutes > 0 && time.Since(t.startedAt) >= time.Duration(t.stopAfterMinutes)*time.Minute {
		return true
	}
	return false
}

// Crawler drives one site's categories through the C8 state machine.
type Crawler struct {
	Site       config.SiteConfig
	Engine     fetch.Engine
	Content    *content.Fetcher
	Images     *imagesaver.Saver
	Writer     *sheets.Writer
	Store      *state.Store
	Blacklist  *urlnorm.Blacklist
	Robots     *PolitenessGate
	Log        *logging.Logger
	RunID      string
	Runtime    config.Runtime
	Resume     bool
	SheetTab   string
	SkippedLog string
	Stop       *SiteStopTracker
}

// RunCategory executes the state machine for one category URL.
func (c *Crawler) RunCategory(ctx context.Context, categoryURL string) Result {
	category := c.categoryLabel(categoryURL)
	seenIDs := make(map[string]bool)

	switch c.Site.Pagination.Mode {
	case config.PaginationNumberedPages:
		return c.runNumberedPages(ctx, categoryURL, category, seenIDs)
	case config.PaginationNextButton:
		return c.runNextButton(ctx, categoryURL, category, seenIDs)
	case config.PaginationInfiniteScroll:
		return c.runInfiniteScroll(ctx, categoryURL, category, seenIDs)
	default:
		return Result{Status: StatusFailed, Err: fmt.Errorf("crawler: unknown pagination mode %q", c.Site.Pagination.Mode)}
	}
}

func (c *Crawler) categoryLabel(categoryURL string) string {
	if label, ok := c.Site.CategoryLabels[categoryURL]; ok {
		return label
	}
	return categoryURL
}

func (c *Crawler) resumeState(categoryURL string) (lastPage, lastCount int) {
	if !c.Resume {
		return 0, 0
	}
	cs, ok, err := c.Store.Get(c.Site.Name, categoryURL)
	if err != nil || !ok {
		return 0, 0
	}
	return cs.LastPage, cs.LastProductCount
}

func (c *Crawler) runNumberedPages(ctx context.Context, categoryURL, category string, seenIDs map[string]bool) Result {
	startPage := c.Site.Pagination.StartPage
	if startPage <= 0 {
		startPage = 1
	}
	resumePage, lastCount := c.resumeState(categoryURL)
	page := startPage
	if resumePage > page {
		page = resumePage
	}
	totalCount := lastCount

	for {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusStopped, LastPage: page, ProductsFound: totalCount, Err: err}
		}
		if c.Site.Pagination.EndPage > 0 && page > c.Site.Pagination.EndPage {
			return Result{Status: StatusDone, LastPage: page - 1, ProductsFound: totalCount}
		}
		if c.Site.Pagination.MaxPages > 0 && page > c.Site.Pagination.MaxPages {
			return Result{Status: StatusDone, LastPage: page - 1, ProductsFound: totalCount}
		}

		pageURL := withPageParam(categoryURL, c.Site.Pagination.ParamName, page)
		fetched, stopCond, err := c.fetchCategoryPage(ctx, pageURL, categoryURL)
		if err != nil {
			return Result{Status: StatusFailed, LastPage: page, ProductsFound: totalCount, Err: err}
		}

		newCount, err := c.processPage(ctx, fetched, categoryURL, category, page, seenIDs, &totalCount)
		if err != nil {
			return Result{Status: StatusFailed, LastPage: page, ProductsFound: totalCount, Err: err}
		}

		if stopCond != nil || c.Stop.ShouldStop() || c.maxProductsReached(totalCount) {
			return Result{Status: StatusStopped, LastPage: page, ProductsFound: totalCount}
		}
		if newCount == 0 {
			return Result{Status: StatusDone, LastPage: page, ProductsFound: totalCount}
		}

		page++
		c.sleepPageDelay()
	}
}

func (c *Crawler) runNextButton(ctx context.Context, categoryURL, category string, seenIDs map[string]bool) Result {
	currentURL := categoryURL
	page := 1
	totalCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusStopped, LastPage: page, ProductsFound: totalCount, Err: err}
		}

		fetched, stopCond, err := c.fetchCategoryPage(ctx, currentURL, categoryURL)
		if err != nil {
			return Result{Status: StatusFailed, LastPage: page, ProductsFound: totalCount, Err: err}
		}

		if _, err := c.processPage(ctx, fetched, categoryURL, category, page, seenIDs, &totalCount); err != nil {
			return Result{Status: StatusFailed, LastPage: page, ProductsFound: totalCount, Err: err}
		}

		if stopCond != nil || c.Stop.ShouldStop() || c.maxProductsReached(totalCount) {
			return Result{Status: StatusStopped, LastPage: page, ProductsFound: totalCount}
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(fetched.HTML))
		if err != nil {
			return Result{Status: StatusFailed, LastPage: page, ProductsFound: totalCount, Err: err}
		}
		href, ok := doc.Find(c.Site.Selectors.NextButtonSelector).First().Attr("href")
		if !ok || href == "" {
			return Result{Status: StatusDone, LastPage: page, ProductsFound: totalCount}
		}
		currentURL = resolveURL(fetched.FinalURL, href)

		page++
		c.sleepPageDelay()
	}
}

// runInfiniteScroll treats each scroll step as a re-fetch of the same
// category URL: the browser engine's behavior controller performs the
// actual scrolling as one of its trace actions, and each successive
// snapshot is mined for newly appeared product links.
func (c *Crawler) runInfiniteScroll(ctx context.Context, categoryURL, category string, seenIDs map[string]bool) Result {
	totalCount := 0
	maxScrolls := c.Site.Limits.MaxScrolls
	if maxScrolls <= 0 {
		maxScrolls = 1
	}

	for step := 1; step <= maxScrolls; step++ {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusStopped, LastPage: step, ProductsFound: totalCount, Err: err}
		}

		fetched, stopCond, err := c.fetchCategoryPage(ctx, categoryURL, categoryURL)
		if err != nil {
			return Result{Status: StatusFailed, LastPage: step, ProductsFound: totalCount, Err: err}
		}

		newCount, err := c.processPage(ctx, fetched, categoryURL, category, step, seenIDs, &totalCount)
		if err != nil {
			return Result{Status: StatusFailed, LastPage: step, ProductsFound: totalCount, Err: err}
		}

		if stopCond != nil || c.Stop.ShouldStop() || c.maxProductsReached(totalCount) {
			return Result{Status: StatusStopped, LastPage: step, ProductsFound: totalCount}
		}
		if newCount == 0 && step > 1 {
			return Result{Status: StatusDone, LastPage: step, ProductsFound: totalCount}
		}
	}
	return Result{Status: StatusDone, LastPage: maxScrolls, ProductsFound: totalCount}
}

// fetchCategoryPage applies the politeness gate, then fetches a
// category page with the site's wait/stop conditions.
func (c *Crawler) fetchCategoryPage(ctx context.Context, pageURL, categoryURL string) (*fetch.FetchResult, *config.Condition, error) {
	if c.Site.RespectsRobots() && c.Robots != nil && !c.Robots.Allowed(pageURL) {
		return nil, nil, fmt.Errorf("crawler: %s disallowed by robots.txt", pageURL)
	}

	var bc *fetch.BehaviorContext
	if c.Runtime.Behavior.Enabled {
		bc = &fetch.BehaviorContext{
			CategorySelector: c.Site.Selectors.ProductLinkSelector,
			CategoryURL:      categoryURL,
			BaseURL:          c.Site.BaseURL,
			RootURL:          c.Site.BaseURL,
		}
	}

	res, err := c.Engine.Fetch(ctx, fetch.EngineRequest{
		URL:             pageURL,
		WaitConditions:  c.Site.WaitConditions,
		StopConditions:  c.Site.StopConditions,
		BehaviorContext: bc,
	})
	if err != nil {
		return nil, nil, err
	}
	return res, res.StopTriggered, nil
}

// processPage extracts product links from a fetched page, dedupes
// against the in-run seen set, and runs each new product through the
// per-product pipeline. It returns the number of genuinely new products
// found on this page.
func (c *Crawler) processPage(ctx context.Context, fetched *fetch.FetchResult, categoryURL, category string, pageNum int, seenIDs map[string]bool, totalCount *int) (int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fetched.HTML))
	if err != nil {
		return 0, fmt.Errorf("crawler: parse page: %w", err)
	}

	var links []string
	doc.Find(c.Site.Selectors.ProductLinkSelector).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			links = append(links, href)
		}
	})

	newCount := 0
	for _, href := range links {
		rawURL := resolveURL(fetched.FinalURL, href)
		canonical, err := urlnorm.Canonicalize(rawURL, c.Site.BaseURL, c.Blacklist)
		if err != nil {
			continue
		}
		idHash := urlnorm.Fingerprint(canonical)
		if seenIDs[idHash] {
			continue
		}
		seenIDs[idHash] = true
		newCount++

		c.sleepProductDelay()
		if err := c.processProduct(ctx, canonical, idHash, categoryURL, category, pageNum); err != nil {
			if c.Log != nil {
				c.Log.Warn("product processing failed", map[string]interface{}{"url": canonical, "error": err.Error()})
			}
			c.logSkippedProduct(canonical, err)
			continue
		}
		*totalCount++
		c.Stop.RecordProduct()

		if err := c.Store.Upsert(state.CategoryState{
			SiteName: c.Site.Name, CategoryURL: categoryURL,
			LastPage: pageNum, LastProductCount: *totalCount, LastRunTS: time.Now(),
		}); err != nil && c.Log != nil {
			c.Log.Warn("state upsert failed", map[string]interface{}{"error": err.Error()})
		}

		if c.Stop.ShouldStop() || c.maxProductsReached(*totalCount) {
			break
		}
	}
	return newCount, nil
}

// maxProductsReached reports whether a site's per-category product cap
// has been hit; a non-positive limit means no cap is configured.
func (c *Crawler) maxProductsReached(totalCount int) bool {
	return c.Site.Limits.MaxProducts > 0 && totalCount >= c.Site.Limits.MaxProducts
}

// logSkippedProduct appends a line to the site's skipped-products log
// for a product whose content fetch (or the rest of its pipeline)
// failed, mirroring the sheets writer's own skipped-append log.
func (c *Crawler) logSkippedProduct(productURL string, cause error) {
	if c.SkippedLog == "" {
		return
	}
	f, err := os.OpenFile(c.SkippedLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s\t%s\t%v\n", time.Now().UTC().Format(time.RFC3339), productURL, cause)
}

// processProduct fetches content, saves the product image, and appends
// a sheet row for one product.
func (c *Crawler) processProduct(ctx context.Context, productURL, idHash, categoryURL, category string, pageNum int) error {
	if c.Writer.Seen(c.SheetTab, productURL) {
		return nil
	}

	result, err := c.Content.Fetch(ctx, productURL)
	if err != nil {
		return fmt.Errorf("content fetch: %w", err)
	}

	var imagePath string
	if result.ImageURL != "" {
		path, err := c.Images.Save(ctx, result.ImageURL, result.NameEN)
		if err != nil {
			if c.Log != nil {
				c.Log.Warn("image save failed", map[string]interface{}{"url": result.ImageURL, "error": err.Error()})
			}
		} else {
			imagePath = path
		}
	}

	rec := product.Record{
		SourceSite:           c.Site.Name,
		Category:             category,
		CategoryURL:          categoryURL,
		ProductURL:           productURL,
		ProductContent:       result.Text,
		DiscoveredAt:         time.Now(),
		RunID:                c.RunID,
		ProductIDHash:        idHash,
		PageNum:              pageNum,
		Metadata:             map[string]interface{}{"image_url": result.ImageURL, "fetched_via": string(c.Site.Engine)},
		ImagePath:            imagePath,
		NameEN:               result.NameEN,
		PriceWithoutDiscount: result.PriceWithoutDiscount,
		PriceWithDiscount:    result.PriceWithDiscount,
	}

	if err := c.Writer.Append(ctx, c.SheetTab, rec); err != nil {
		if imagePath != "" {
			os.Remove(imagePath)
		}
		return fmt.Errorf("sheet append: %w", err)
	}
	return nil
}

func (c *Crawler) sleepPageDelay() {
	sleepUniform(c.Runtime.PageDelayMinSec, c.Runtime.PageDelayMaxSec)
}

func (c *Crawler) sleepProductDelay() {
	sleepUniform(c.Runtime.ProductDelayMinSec, c.Runtime.ProductDelayMaxSec)
}

func sleepUniform(minSec, maxSec float64) {
	if maxSec <= minSec {
		time.Sleep(time.Duration(minSec * float64(time.Second)))
		return
	}
	d := minSec + rand.Float64()*(maxSec-minSec)
	time.Sleep(time.Duration(d * float64(time.Second)))
}

func withPageParam(categoryURL, paramName string, page int) string {
	u, err := url.Parse(categoryURL)
	if err != nil {
		return categoryURL
	}
	q := u.Query()
	q.Set(paramName, fmt.Sprintf("%d", page))
	u.RawQuery = q.Encode()
	return u.String()
}

func resolveURL(baseURL, ref string) string {
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
