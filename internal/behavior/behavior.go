// Package behavior implements the Human-Behavior Controller (C5): a set
// of human-like page interactions (scrolling, hovering, an occasional
// extra tab) invoked by the Browser Engine before HTML capture, when
// the site's runtime.behavior block enables it.
package behavior

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/digster-labs/sheetcrawler/internal/config"
	"github.com/digster-labs/sheetcrawler/internal/fetch"
	"github.com/digster-labs/sheetcrawler/internal/logging"
)

// Controller implements fetch.BehaviorRunner for one site, carrying that
// site's behavior knobs and hover-target selectors.
type Controller struct {
	cfg       config.BehaviorConfig
	selectors config.Selectors
	log       *logging.Logger
}

// NewController builds a Controller for a site's behavior configuration.
func NewController(cfg config.BehaviorConfig, selectors config.Selectors, log *logging.Logger) *Controller {
	return &Controller{cfg: cfg, selectors: selectors, log: log}
}

// Run performs the configured actions against the currently loaded page
// and returns the trace of what happened.
func (c *Controller) Run(ctx context.Context, bc fetch.BehaviorContext) (*fetch.BehaviorTrace, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}

	trace := &fetch.BehaviorTrace{}

	if err := c.runScrolls(ctx, trace); err != nil {
		return trace, fmt.Errorf("behavior: scroll: %w", err)
	}
	c.delay()

	if err := c.runHovers(ctx, c.selectors.HoverTargets, "hover", trace); err != nil {
		return trace, fmt.Errorf("behavior: hover: %w", err)
	}
	c.delay()

	if err := c.runProductHovers(ctx, trace); err != nil {
		return trace, fmt.Errorf("behavior: product hover: %w", err)
	}

	if bc.RootURL != "" && bc.RootURL != bc.CategoryURL && rand.Float64() < c.cfg.VisitRootProbability {
		dur, err := c.visitExtraTab(ctx, bc.RootURL)
		if err != nil {
			if c.log != nil {
				c.log.Warn("behavior: extra tab visit failed", map[string]interface{}{"error": err.Error()})
			}
		} else {
			trace.Actions = append(trace.Actions, fetch.BehaviorAction{Name: "visit_root_tab", Duration: dur})
		}
	}

	if err := c.runBackForward(ctx, trace); err != nil {
		if c.log != nil {
			c.log.Warn("behavior: back/forward navigation failed", map[string]interface{}{"error": err.Error()})
		}
	}

	c.logTrace(trace)
	return trace, nil
}

func (c *Controller) delay() {
	min := time.Duration(c.cfg.ActionDelayMinMs) * time.Millisecond
	max := time.Duration(c.cfg.ActionDelayMaxMs) * time.Millisecond
	if max <= min {
		time.Sleep(min)
		return
	}
	time.Sleep(min + time.Duration(rand.Int63n(int64(max-min))))
}

// runScrolls performs a random number of scroll actions (within the
// configured depth bounds), each moving a random percentage of the
// document's scroll height with an ease-out momentum curve.
func (c *Controller) runScrolls(ctx context.Context, trace *fetch.BehaviorTrace) error {
	depthSpan := c.cfg.ScrollMaxDepth - c.cfg.ScrollMinDepth
	count := c.cfg.ScrollMinDepth
	if depthSpan > 0 {
		count += rand.Intn(depthSpan + 1)
	}

	for i := 0; i < count; i++ {
		start := time.Now()

		var height float64
		if err := chromedp.Run(ctx, chromedp.Evaluate("document.body.scrollHeight", &height)); err != nil {
			return err
		}

		percent := c.cfg.ScrollMinPercent
		percentSpan := c.cfg.ScrollMaxPercent - c.cfg.ScrollMinPercent
		if percentSpan > 0 {
			percent += rand.Float64() * percentSpan
		}
		deltaY := height * percent

		if err := scrollNaturally(ctx, deltaY); err != nil {
			return err
		}

		trace.Actions = append(trace.Actions, fetch.BehaviorAction{
			Name:     "scroll",
			Duration: time.Since(start).Seconds(),
		})
	}
	return nil
}

// scrollNaturally scrolls deltaY pixels with a cubic ease-out curve,
// giving the impression of scroll momentum rather than a single jump.
func scrollNaturally(ctx context.Context, deltaY float64) error {
	steps := 10 + rand.Intn(5)
	scrolled := 0.0
	for i := 0; i < steps; i++ {
		progress := float64(i+1) / float64(steps)
		easeOut := 1 - math.Pow(1-progress, 3)
		target := deltaY * easeOut
		step := target - scrolled
		scrolled = target

		script := fmt.Sprintf("window.scrollBy(0, %f)", step)
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, nil)); err != nil {
			return err
		}
		time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
	}
	return nil
}

// runHovers moves the mouse over each configured selector that is
// actually present on the page, recording one trace entry per hover.
func (c *Controller) runHovers(ctx context.Context, selectors config.StringList, name string, trace *fetch.BehaviorTrace) error {
	for _, sel := range selectors {
		start := time.Now()
		rect, ok, err := elementRect(ctx, sel)
		if err != nil || !ok {
			continue
		}
		if err := moveMouseNaturally(ctx, rect.x+rect.width/2, rect.y+rect.height/2); err != nil {
			continue
		}
		trace.Actions = append(trace.Actions, fetch.BehaviorAction{Name: name, Duration: time.Since(start).Seconds()})
	}
	return nil
}

// runProductHovers hovers over up to ExtraProductsLimit product-card
// selectors, bounded by MaxAdditionalChain consecutive hovers.
func (c *Controller) runProductHovers(ctx context.Context, trace *fetch.BehaviorTrace) error {
	if c.cfg.ExtraProductsLimit <= 0 {
		return nil
	}
	limit := c.cfg.ExtraProductsLimit
	if c.cfg.MaxAdditionalChain > 0 && c.cfg.MaxAdditionalChain < limit {
		limit = c.cfg.MaxAdditionalChain
	}

	selectors := c.selectors.ProductHoverTargets
	if len(selectors) == 0 {
		return nil
	}
	for i := 0; i < limit && i < len(selectors); i++ {
		if err := c.runHovers(ctx, config.StringList{selectors[i]}, "product_hover", trace); err != nil {
			return err
		}
	}
	return nil
}

type rect struct{ x, y, width, height float64 }

func elementRect(ctx context.Context, selector string) (rect, bool, error) {
	var r struct {
		X, Y, Width, Height float64
		Found               bool
	}
	script := fmt.Sprintf(`(function(){
		const el = document.querySelector(%q);
		if (!el) return {found: false};
		const b = el.getBoundingClientRect();
		return {found: true, X: b.x, Y: b.y, Width: b.width, Height: b.height};
	})()`, selector)
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &r)); err != nil {
		return rect{}, false, err
	}
	if !r.Found || r.Width == 0 || r.Height == 0 {
		return rect{}, false, nil
	}
	return rect{x: r.X, y: r.Y, width: r.Width, height: r.Height}, true, nil
}

// moveMouseNaturally moves the mouse to (x, y) along a Bezier curve
// with an ease-in-out speed profile instead of a single dispatched event.
func moveMouseNaturally(ctx context.Context, targetX, targetY float64) error {
	startX, startY := targetX-100, targetY-100
	dist := math.Hypot(targetX-startX, targetY-startY)
	steps := int(math.Max(10, math.Min(30, dist/10))) + rand.Intn(5)

	distX, distY := targetX-startX, targetY-startY
	ctrl1x := startX + distX*0.25 + (rand.Float64()-0.5)*math.Abs(distY)*0.5
	ctrl1y := startY + distY*0.25 + (rand.Float64()-0.5)*math.Abs(distX)*0.5
	ctrl2x := startX + distX*0.75 + (rand.Float64()-0.5)*math.Abs(distY)*0.5
	ctrl2y := startY + distY*0.75 + (rand.Float64()-0.5)*math.Abs(distX)*0.5

	for i := 0; i < steps; i++ {
		t := float64(i) / float64(steps-1)
		px, py := cubicBezier(startX, ctrl1x, ctrl2x, targetX, t), cubicBezier(startY, ctrl1y, ctrl2y, targetY, t)

		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseMoved, px, py).Do(ctx)
		}))
		if err != nil {
			return err
		}

		progress := float64(i) / float64(steps-1)
		ease := 0.5 - 0.5*math.Cos(progress*math.Pi)
		time.Sleep(time.Duration(float64(5+rand.Intn(15))*(1+ease*0.5)) * time.Millisecond)
	}
	return nil
}

func cubicBezier(p0, p1, p2, p3, t float64) float64 {
	u := 1 - t
	return u*u*u*p0 + 3*u*u*t*p1 + 3*u*t*t*p2 + t*t*t*p3
}

// visitExtraTab opens rootURL in a sibling tab, waits briefly, and
// closes it, simulating a curious visitor checking the site's home page.
func (c *Controller) visitExtraTab(parent context.Context, rootURL string) (float64, error) {
	start := time.Now()
	tabCtx, cancel := chromedp.NewContext(parent)
	defer cancel()

	err := chromedp.Run(tabCtx,
		chromedp.Navigate(rootURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return 0, err
	}
	time.Sleep(time.Duration(500+rand.Intn(1000)) * time.Millisecond)
	return time.Since(start).Seconds(), nil
}

// runBackForward navigates one step back in history and then forward
// again, simulating a visitor who double-checks the previous page
// before returning to where they were. Gated by BackForwardProbability;
// a non-positive value is a hard no-op.
func (c *Controller) runBackForward(ctx context.Context, trace *fetch.BehaviorTrace) error {
	if c.cfg.BackForwardProbability <= 0 || rand.Float64() >= c.cfg.BackForwardProbability {
		return nil
	}

	start := time.Now()
	if err := chromedp.Run(ctx, chromedp.NavigateBack()); err != nil {
		return err
	}
	time.Sleep(time.Duration(300+rand.Intn(700)) * time.Millisecond)
	trace.Actions = append(trace.Actions, fetch.BehaviorAction{Name: "navigate_back", Duration: time.Since(start).Seconds()})

	start = time.Now()
	if err := chromedp.Run(ctx, chromedp.NavigateForward()); err != nil {
		return err
	}
	trace.Actions = append(trace.Actions, fetch.BehaviorAction{Name: "navigate_forward", Duration: time.Since(start).Seconds()})
	return nil
}

func (c *Controller) logTrace(trace *fetch.BehaviorTrace) {
	if c.log == nil {
		return
	}
	if c.cfg.Debug {
		names := make([]string, len(trace.Actions))
		for i, a := range trace.Actions {
			names[i] = a.Name
		}
		c.log.Debug("behavior trace", map[string]interface{}{"actions": names, "count": len(trace.Actions)})
		return
	}
	c.log.Debug("behavior summary", map[string]interface{}{"count": len(trace.Actions)})
}
