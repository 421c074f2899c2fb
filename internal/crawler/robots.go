package crawler

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
)

// PolitenessGate caches robots.txt per host and answers whether a URL
// may be fetched.
type PolitenessGate struct {
	userAgent string
	client    *http.Client

	mu    sync.RWMutex
	cache map[string]*robotstxt.RobotsData
}

func NewPolitenessGate(userAgent string) *PolitenessGate {
	return &PolitenessGate{
		userAgent: userAgent,
		client:    &http.Client{},
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

func (g *PolitenessGate) Allowed(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true
	}

	robots := g.get(parsed.Scheme, parsed.Host)
	if robots == nil {
		return true
	}
	group := robots.FindGroup(g.userAgent)
	return group.Test(parsed.Path)
}

func (g *PolitenessGate) get(scheme, host string) *robotstxt.RobotsData {
	g.mu.RLock()
	robots, ok := g.cache[host]
	g.mu.RUnlock()
	if ok {
		return robots
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	req, err := http.NewRequest(http.MethodGet, robotsURL, nil)
	if err == nil && g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}

	var parsed *robotstxt.RobotsData
	if err == nil {
		if resp, err := g.client.Do(req); err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				if body, err := io.ReadAll(resp.Body); err == nil {
					parsed, _ = robotstxt.FromBytes(body)
				}
			}
		}
	}

	g.mu.Lock()
	g.cache[host] = parsed
	g.mu.Unlock()
	return parsed
}
