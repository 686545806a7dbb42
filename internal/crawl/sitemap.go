package crawl

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxSitemapBytes    = 5 << 20
	maxSitemapChildren = 3
	maxSitemapURLs     = 200
)

type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapLoc `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// SitemapFetcher downloads sitemap documents advertised in robots.txt and
// returns the page URLs they list. Index files are followed one level deep
// so a handful of extra requests cannot balloon into a second crawl.
type SitemapFetcher struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

func NewSitemapFetcher(userAgent string, client *http.Client, logger *zap.Logger) *SitemapFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SitemapFetcher{client: client, userAgent: userAgent, logger: logger}
}

// FetchURLs resolves the given sitemap locations into a capped, de-duplicated
// list of page URLs. Failures are logged and skipped; a broken sitemap never
// fails the crawl that consulted it.
func (f *SitemapFetcher) FetchURLs(ctx context.Context, sitemaps []string) []string {
	var out []string
	seen := make(map[string]struct{})

	add := func(raw string) bool {
		norm, err := NormalizeURL(raw)
		if err != nil {
			return len(out) < maxSitemapURLs
		}
		if _, dup := seen[norm]; dup {
			return len(out) < maxSitemapURLs
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
		return len(out) < maxSitemapURLs
	}

	for _, loc := range sitemaps {
		if len(out) >= maxSitemapURLs {
			break
		}
		urls, children, err := f.fetchOne(ctx, loc)
		if err != nil {
			f.logger.Warn("sitemap fetch failed", zap.String("sitemap", loc), zap.Error(err))
			continue
		}
		for _, u := range urls {
			if !add(u) {
				return out
			}
		}
		if len(children) > maxSitemapChildren {
			children = children[:maxSitemapChildren]
		}
		for _, child := range children {
			urls, _, err := f.fetchOne(ctx, child)
			if err != nil {
				f.logger.Warn("sitemap fetch failed", zap.String("sitemap", child), zap.Error(err))
				continue
			}
			for _, u := range urls {
				if !add(u) {
					return out
				}
			}
		}
	}
	return out
}

// fetchOne returns the page URLs and child sitemap locations of a single
// sitemap document.
func (f *SitemapFetcher) fetchOne(ctx context.Context, rawURL string) (urls, children []string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build sitemap request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("sitemap returned status %d", resp.StatusCode)
	}

	var reader io.Reader = io.LimitReader(resp.Body, maxSitemapBytes)
	if strings.HasSuffix(strings.ToLower(rawURL), ".gz") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip sitemap: %w", err)
		}
		defer gz.Close()
		reader = io.LimitReader(gz, maxSitemapBytes)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("read sitemap: %w", err)
	}
	return parseSitemap(body)
}

func parseSitemap(body []byte) (urls, children []string, err error) {
	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err == nil && len(set.URLs) > 0 {
		for _, u := range set.URLs {
			if loc := strings.TrimSpace(u.Loc); loc != "" {
				urls = append(urls, loc)
			}
		}
		return urls, nil, nil
	}

	var idx sitemapIndex
	if err := xml.Unmarshal(body, &idx); err == nil && len(idx.Sitemaps) > 0 {
		for _, s := range idx.Sitemaps {
			if loc := strings.TrimSpace(s.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return nil, children, nil
	}

	return nil, nil, fmt.Errorf("unrecognized sitemap format")
}
