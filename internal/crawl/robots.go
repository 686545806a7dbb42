package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// hostRobots caches everything derived from one host's robots.txt. A nil
// group means no rules apply to this crawl's user agent.
type hostRobots struct {
	group    *robotstxt.Group
	delay    time.Duration
	sitemaps []string
}

// RobotsEnforcer answers robots.txt questions for one crawl, caching per
// host for the crawl's lifetime. Fetch failures fail open: a host whose
// robots.txt cannot be retrieved is treated as allow-all.
type RobotsEnforcer struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*hostRobots
}

// NewRobotsPolicy builds the policy for one crawl, honoring the spec toggle.
func NewRobotsPolicy(spec Spec, client *http.Client, logger *zap.Logger) RobotsPolicy {
	if !spec.RespectRobots {
		return allowAllPolicy{}
	}
	return NewRobotsEnforcer(spec.UserAgent, client, logger)
}

// NewRobotsEnforcer builds an enforcer bound to one user agent. A nil client
// gets a 10s-timeout default.
func NewRobotsEnforcer(userAgent string, client *http.Client, logger *zap.Logger) *RobotsEnforcer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsEnforcer{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		cache:     make(map[string]*hostRobots),
	}
}

// Allowed implements RobotsPolicy.
func (r *RobotsEnforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	entry := r.load(ctx, parsed)
	if entry.group == nil {
		return true
	}
	return entry.group.Test(parsed.Path)
}

// CrawlDelay implements RobotsPolicy. It only consults the cache: the first
// fetch of a host has no predecessor to pace against, and Allowed will have
// populated the entry before any later pop of the same host.
func (r *RobotsEnforcer) CrawlDelay(host string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.cache[strings.ToLower(host)]; ok {
		return entry.delay
	}
	return 0
}

// Sitemaps implements RobotsPolicy, returning the sitemap URLs advertised by
// the host's robots.txt.
func (r *RobotsEnforcer) Sitemaps(ctx context.Context, rawURL string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	entry := r.load(ctx, parsed)
	return append([]string(nil), entry.sitemaps...)
}

func (r *RobotsEnforcer) load(ctx context.Context, parsed *url.URL) *hostRobots {
	hostKey := strings.ToLower(parsed.Host)
	r.mu.Lock()
	if entry, ok := r.cache[hostKey]; ok {
		r.mu.Unlock()
		return entry
	}
	r.mu.Unlock()

	entry := r.fetch(ctx, parsed)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cache[hostKey]; ok {
		return existing
	}
	r.cache[hostKey] = entry
	return entry
}

// fetch retrieves and parses robots.txt, retrying transient timeouts with a
// short backoff before giving up and allowing everything.
func (r *RobotsEnforcer) fetch(ctx context.Context, parsed *url.URL) *hostRobots {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	for attempt := 0; ; attempt++ {
		data, err := r.fetchOnce(ctx, robotsURL.String())
		if err == nil {
			return r.build(data)
		}
		if !isTransientFetchError(err) || attempt >= len(robotsRetryBackoff) {
			r.logger.Warn("robots fetch failed; allowing access",
				zap.String("host", parsed.Host),
				zap.Error(err),
			)
			return &hostRobots{}
		}
		if sleepErr := sleepWithContext(ctx, robotsRetryBackoff[attempt]); sleepErr != nil {
			return &hostRobots{}
		}
	}
}

func (r *RobotsEnforcer) fetchOnce(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	// The parser treats 5xx as disallow-all. This guard fails open on any
	// fetch problem, so surface server errors as errors instead.
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("robots.txt returned status %d", resp.StatusCode)
	}
	return robotstxt.FromStatusAndBytes(resp.StatusCode, body)
}

func (r *RobotsEnforcer) build(data *robotstxt.RobotsData) *hostRobots {
	entry := &hostRobots{sitemaps: data.Sitemaps}
	if group := data.FindGroup(r.userAgent); group != nil {
		entry.group = group
		entry.delay = group.CrawlDelay
	}
	return entry
}

func isTransientFetchError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// allowAllPolicy is used when a crawl opts out of robots.txt.
type allowAllPolicy struct{}

func (allowAllPolicy) Allowed(context.Context, string) bool      { return true }
func (allowAllPolicy) CrawlDelay(string) time.Duration           { return 0 }
func (allowAllPolicy) Sitemaps(context.Context, string) []string { return nil }
