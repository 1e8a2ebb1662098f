// Package scrape asks open editor tabs for the human name of their branch and
// records the answer as branch data.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/lotas/bubblegroups/internal/applog"
	"github.com/lotas/bubblegroups/internal/cache"
	"github.com/lotas/bubblegroups/internal/registry"
	"github.com/lotas/bubblegroups/internal/types"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultThrottle = 2 * time.Minute
	DefaultInterval = 10 * time.Minute

	editorTitleSuffix = "| Bubble Editor"
)

// ErrThrottled is returned when the branch was scraped too recently.
var ErrThrottled = errors.New("scrape: throttled")

var scrapesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bubblegroups_scrapes_total",
	Help: "Branch name scrapes by outcome.",
}, []string{"outcome"})

// Result is what the extension returns for a scrape request. Content holds
// the page HTML and is only consulted when Name is empty.
type Result struct {
	Name    string
	Content string
}

// Scraper runs the scrape inside a tab.
type Scraper interface {
	ScrapeBranch(ctx context.Context, tabID int) (Result, error)
}

// BranchStore persists scraped names.
type BranchStore interface {
	UpdateBranch(ctx context.Context, key types.BranchKey, fn func(b *types.Branch) bool) (*types.Branch, error)
}

// TitleRefresher rewrites the titles of a branch's groups.
type TitleRefresher interface {
	RefreshBranchTitles(ctx context.Context, key types.BranchKey) error
}

type Options struct {
	Timeout  time.Duration
	Throttle time.Duration
	Interval time.Duration
	// Capacity bounds the number of branches whose last attempt is kept.
	Capacity int
	Now      func() time.Time
}

// Coordinator throttles and dedupes scrapes per branch.
type Coordinator struct {
	scraper  Scraper
	store    BranchStore
	titles   TitleRefresher
	reg      *registry.Registry
	timeout  time.Duration
	throttle time.Duration
	interval time.Duration
	now      func() time.Time

	attempts *cache.Bounded[string, time.Time]
	flight   singleflight.Group
	mu       sync.Mutex
}

func New(s Scraper, store BranchStore, titles TitleRefresher, reg *registry.Registry, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		scraper:  s,
		store:    store,
		titles:   titles,
		reg:      reg,
		timeout:  opts.Timeout,
		throttle: opts.Throttle,
		interval: opts.Interval,
		now:      opts.Now,
		attempts: cache.NewBounded[string, time.Time](opts.Capacity, opts.Now),
	}
}

func (c *Coordinator) throttled(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.attempts.Get(key)
	return ok && c.now().Sub(last) < c.throttle
}

// Request scrapes the branch name from tabID and stores it. Concurrent
// requests for one branch share a single scrape; a branch scraped within the
// throttle window returns ErrThrottled. The returned name is empty when the
// page offered none.
func (c *Coordinator) Request(ctx context.Context, tabID int, id types.Identity) (string, error) {
	key := id.BranchKey()
	if c.throttled(key.String()) {
		scrapesTotal.WithLabelValues("throttled").Inc()
		return "", ErrThrottled
	}

	v, err, shared := c.flight.Do(key.String(), func() (any, error) {
		defer func() {
			c.mu.Lock()
			c.attempts.Set(key.String(), c.now())
			c.mu.Unlock()
		}()

		sctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		res, err := c.scraper.ScrapeBranch(sctx, tabID)
		if err != nil {
			scrapesTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("scrape tab %d: %w", tabID, err)
		}

		name := CleanName(res.Name)
		if name == "" && res.Content != "" {
			name = TitleFromHTML(res.Content)
		}
		if name == "" {
			scrapesTotal.WithLabelValues("empty").Inc()
			return "", nil
		}
		scrapesTotal.WithLabelValues("ok").Inc()
		return name, c.Report(ctx, key.AppID, key.VersionID, name)
	})
	if shared {
		applog.Info("scrape.shared", "tab", tabID, "branch", key.String())
	}
	name, _ := v.(string)
	return name, err
}

// Report stores a branch name pushed by the extension or returned by a
// scrape. The branch's group titles are refreshed when the name changed.
func (c *Coordinator) Report(ctx context.Context, appID, versionID, name string) error {
	name = CleanName(name)
	if appID == "" || versionID == "" || name == "" {
		return nil
	}
	key := types.BranchKey{AppID: appID, VersionID: versionID}

	changed := false
	if _, err := c.store.UpdateBranch(ctx, key, func(b *types.Branch) bool {
		if b.ScrapedName == name {
			return false
		}
		b.ScrapedName = name
		changed = true
		return true
	}); err != nil {
		return fmt.Errorf("store scraped name for %s: %w", key, err)
	}
	if !changed {
		return nil
	}
	applog.Info("scrape.name", "branch", key.String(), "name", name)
	if c.titles == nil {
		return nil
	}
	return c.titles.RefreshBranchTitles(ctx, key)
}

// ScanOnce requests a scrape for one editor tab of every branch currently
// open. It returns the number of requests made.
func (c *Coordinator) ScanOnce(ctx context.Context) int {
	seen := make(map[types.BranchKey]bool)
	n := 0
	for _, e := range c.reg.All() {
		if e.PageType != types.PageEditor || seen[e.BranchKey()] {
			continue
		}
		seen[e.BranchKey()] = true
		id := types.Identity{AppID: e.AppID, VersionID: e.VersionID, PageType: e.PageType, Hostname: e.Hostname}
		if _, err := c.Request(ctx, e.TabID, id); err != nil && !errors.Is(err, ErrThrottled) {
			applog.Error("scrape.scan", err, "tab", e.TabID)
		}
		n++
	}
	return n
}

// Run rescans editor tabs on every interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ScanOnce(ctx)
		}
	}
}

// CleanName trims whitespace and the editor's page title suffix.
func CleanName(name string) string {
	name = strings.TrimSpace(name)
	return strings.TrimSpace(strings.TrimSuffix(name, editorTitleSuffix))
}

// TitleFromHTML extracts the page title of an editor page.
func TitleFromHTML(content string) string {
	article, err := readability.FromReader(strings.NewReader(content), nil)
	if err != nil {
		applog.Error("scrape.readability", err)
		return ""
	}
	return CleanName(article.Title)
}
