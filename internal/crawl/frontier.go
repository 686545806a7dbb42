package crawl

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FrontierEntry is one unit of pending fetch work.
type FrontierEntry struct {
	URL   string
	Depth int
}

// FrontierStats counts admission decisions.
type FrontierStats struct {
	Admitted   int
	Duplicates int
	Malformed  int
	External   int
	Assets     int
	Blocked    int
	OverDepth  int
	OverBudget int
}

// Frontier is the bounded, deduplicated FIFO of URLs awaiting fetch for one
// crawl. It is the single enforcer of max_depth and max_pages: an admitted
// URL is popped exactly once, and admission stops once max_pages distinct
// URLs have been accepted. Pop paces callers to 1/rate_limit seconds,
// stretched per host when robots.txt asks for a larger crawl delay.
type Frontier struct {
	maxDepth       int
	maxPages       int
	followExternal bool
	seedHost       string
	blocklist      *DomainBlocklist
	crawlDelay     func(host string) time.Duration

	limiter  *rate.Limiter
	interval time.Duration

	mu      sync.Mutex
	pending []FrontierEntry
	seen    map[string]struct{}
	lastPop map[string]time.Time
	stats   FrontierStats
}

// NewFrontier builds a frontier for one crawl. crawlDelay may be nil when no
// robots policy applies.
func NewFrontier(spec Spec, blocklist *DomainBlocklist, crawlDelay func(host string) time.Duration) *Frontier {
	if crawlDelay == nil {
		crawlDelay = func(string) time.Duration { return 0 }
	}
	return &Frontier{
		maxDepth:       spec.MaxDepth,
		maxPages:       spec.MaxPages,
		followExternal: spec.FollowExternal,
		seedHost:       Host(spec.URL),
		blocklist:      blocklist,
		crawlDelay:     crawlDelay,
		limiter:        rate.NewLimiter(rate.Limit(spec.RateLimit), 1),
		interval:       time.Duration(float64(time.Second) / spec.RateLimit),
		seen:           make(map[string]struct{}),
		lastPop:        make(map[string]time.Time),
	}
}

// Seed inserts the start URL at depth zero.
func (f *Frontier) Seed(rawURL string) bool {
	return f.admit(rawURL, 0)
}

// Enqueue inserts a discovered URL. It reports whether the URL was admitted;
// out-of-scope, duplicate, malformed, and over-budget URLs are dropped
// silently and counted, never raised.
func (f *Frontier) Enqueue(rawURL string, depth int) bool {
	return f.admit(rawURL, depth)
}

func (f *Frontier) admit(rawURL string, depth int) bool {
	norm, err := NormalizeURL(rawURL)
	if err != nil {
		return f.reject(&f.stats.Malformed, "malformed")
	}
	u, err := url.Parse(norm)
	if err != nil {
		return f.reject(&f.stats.Malformed, "malformed")
	}
	if SkippableAsset(u) {
		return f.reject(&f.stats.Assets, "asset")
	}
	host := strings.ToLower(u.Hostname())
	if f.blocklist.Blocked(host) {
		return f.reject(&f.stats.Blocked, "blocked")
	}
	if !f.followExternal && !SameSite(host, f.seedHost) {
		return f.reject(&f.stats.External, "external")
	}
	if depth > f.maxDepth {
		return f.reject(&f.stats.OverDepth, "depth")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.seen[norm]; dup {
		f.stats.Duplicates++
		return false
	}
	if f.stats.Admitted >= f.maxPages {
		f.stats.OverBudget++
		frontierDropsTotal.WithLabelValues("budget").Inc()
		return false
	}
	f.seen[norm] = struct{}{}
	f.stats.Admitted++
	f.pending = append(f.pending, FrontierEntry{URL: norm, Depth: depth})
	return true
}

func (f *Frontier) reject(counter *int, reason string) bool {
	f.mu.Lock()
	*counter++
	f.mu.Unlock()
	frontierDropsTotal.WithLabelValues(reason).Inc()
	return false
}

// Pop returns the next entry in FIFO order once the pacing interval has
// elapsed, or ok=false when the frontier is empty. The error is non-nil only
// when ctx ends while waiting.
func (f *Frontier) Pop(ctx context.Context) (FrontierEntry, bool, error) {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return FrontierEntry{}, false, nil
	}
	entry := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()

	if err := f.limiter.Wait(ctx); err != nil {
		return FrontierEntry{}, false, err
	}
	if err := f.waitHostDelay(ctx, entry.URL); err != nil {
		return FrontierEntry{}, false, err
	}
	return entry, true, nil
}

// waitHostDelay sleeps out the remainder of a robots crawl-delay when it is
// more conservative than the crawl's own interval.
func (f *Frontier) waitHostDelay(ctx context.Context, rawURL string) error {
	host := Host(rawURL)
	delay := f.crawlDelay(host)
	if delay > f.interval {
		f.mu.Lock()
		last, known := f.lastPop[host]
		f.mu.Unlock()
		if known {
			if wait := delay - time.Since(last); wait > 0 {
				timer := time.NewTimer(wait)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
	}
	f.mu.Lock()
	f.lastPop[host] = time.Now()
	f.mu.Unlock()
	return nil
}

// Remaining reports how many entries are queued.
func (f *Frontier) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Stats returns a snapshot of the admission counters.
func (f *Frontier) Stats() FrontierStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
