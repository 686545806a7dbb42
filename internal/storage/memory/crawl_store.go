// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pagelens/crawler/internal/crawl"
)

type assetRef struct {
	crawlID string
	index   int
}

// CrawlStore keeps crawls and their extracted records in process memory. It
// enforces the same status transition and URL dedup rules as the Postgres
// store so tests exercise real semantics.
type CrawlStore struct {
	mu        sync.RWMutex
	crawls    map[string]crawl.Crawl
	pages     map[string][]crawl.Page
	pageURLs  map[string]map[string]struct{}
	links     map[string][]crawl.Link
	images    map[string][]crawl.Image
	issues    map[string][]crawl.Issue
	linkRefs  map[string]assetRef
	imageRefs map[string]assetRef
}

// NewCrawlStore constructs a CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{
		crawls:    make(map[string]crawl.Crawl),
		pages:     make(map[string][]crawl.Page),
		pageURLs:  make(map[string]map[string]struct{}),
		links:     make(map[string][]crawl.Link),
		images:    make(map[string][]crawl.Image),
		issues:    make(map[string][]crawl.Issue),
		linkRefs:  make(map[string]assetRef),
		imageRefs: make(map[string]assetRef),
	}
}

// CreateCrawl stores a new crawl row.
func (s *CrawlStore) CreateCrawl(_ context.Context, c crawl.Crawl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.crawls[c.ID]; exists {
		return fmt.Errorf("crawl %s already exists", c.ID)
	}
	s.crawls[c.ID] = c
	return nil
}

// GetCrawl fetches a crawl by ID.
func (s *CrawlStore) GetCrawl(_ context.Context, id string) (crawl.Crawl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.crawls[id]
	if !ok {
		return crawl.Crawl{}, fmt.Errorf("crawl %s: %w", id, crawl.ErrNotFound)
	}
	return c, nil
}

// ListCrawls returns crawls newest first, optionally filtered by status.
func (s *CrawlStore) ListCrawls(_ context.Context, f crawl.CrawlFilter) ([]crawl.Crawl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Crawl, 0, len(s.crawls))
	for _, c := range s.crawls {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID > out[j].ID
	})
	return window(out, f.Limit, f.Offset), nil
}

// UpdateCrawlStatus applies a status transition plus the latest counters.
// Started is stamped on the first move to running and Finished on any move
// to a terminal state.
func (s *CrawlStore) UpdateCrawlStatus(
	_ context.Context,
	id string,
	status crawl.Status,
	errText string,
	counters crawl.Counters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawls[id]
	if !ok {
		return fmt.Errorf("crawl %s: %w", id, crawl.ErrNotFound)
	}
	if !crawl.ValidTransition(c.Status, status) {
		if c.Status.Terminal() {
			return fmt.Errorf("crawl %s is %s: %w", id, c.Status, crawl.ErrTerminalStatus)
		}
		return fmt.Errorf("crawl %s: invalid transition %s -> %s", id, c.Status, status)
	}
	c.Status = status
	c.Error = errText
	c.Counters = counters
	now := time.Now().UTC()
	if status == crawl.StatusRunning && c.Started == nil {
		c.Started = pointerTime(now)
	}
	if status.Terminal() {
		c.Finished = pointerTime(now)
		c.CurrentURL = ""
	}
	s.crawls[id] = c
	return nil
}

// SetCurrentURL records the URL a crawl is fetching right now.
func (s *CrawlStore) SetCurrentURL(_ context.Context, id string, rawURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawls[id]
	if !ok {
		return fmt.Errorf("crawl %s: %w", id, crawl.ErrNotFound)
	}
	c.CurrentURL = rawURL
	s.crawls[id] = c
	return nil
}

// DeleteCrawl removes a crawl and all of its child records.
func (s *CrawlStore) DeleteCrawl(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.crawls[id]; !ok {
		return fmt.Errorf("crawl %s: %w", id, crawl.ErrNotFound)
	}
	delete(s.crawls, id)
	delete(s.pages, id)
	delete(s.pageURLs, id)
	for _, l := range s.links[id] {
		delete(s.linkRefs, l.ID)
	}
	delete(s.links, id)
	for _, img := range s.images[id] {
		delete(s.imageRefs, img.ID)
	}
	delete(s.images, id)
	delete(s.issues, id)
	return nil
}

// CreatePage appends a page row. Pages are unique per crawl and normalized
// URL; a second write for the same URL is silently dropped so redirect
// chains landing on an already stored page do not duplicate rows.
func (s *CrawlStore) CreatePage(_ context.Context, p crawl.Page) error {
	key := urlKey(p.URL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.crawls[p.CrawlID]; !ok {
		return fmt.Errorf("crawl %s: %w", p.CrawlID, crawl.ErrNotFound)
	}
	seen := s.pageURLs[p.CrawlID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.pageURLs[p.CrawlID] = seen
	}
	if _, dup := seen[key]; dup {
		return nil
	}
	seen[key] = struct{}{}
	s.pages[p.CrawlID] = append(s.pages[p.CrawlID], p)
	return nil
}

// CreateLinks appends a batch of link rows.
func (s *CrawlStore) CreateLinks(_ context.Context, links []crawl.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range links {
		s.linkRefs[l.ID] = assetRef{crawlID: l.CrawlID, index: len(s.links[l.CrawlID])}
		s.links[l.CrawlID] = append(s.links[l.CrawlID], l)
	}
	return nil
}

// CreateImages appends a batch of image rows.
func (s *CrawlStore) CreateImages(_ context.Context, images []crawl.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range images {
		s.imageRefs[img.ID] = assetRef{crawlID: img.CrawlID, index: len(s.images[img.CrawlID])}
		s.images[img.CrawlID] = append(s.images[img.CrawlID], img)
	}
	return nil
}

// CreateIssues appends a batch of issue rows.
func (s *CrawlStore) CreateIssues(_ context.Context, issues []crawl.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, is := range issues {
		s.issues[is.CrawlID] = append(s.issues[is.CrawlID], is)
	}
	return nil
}

// UpdateLinkVerification stores the verifier's verdict on one link.
func (s *CrawlStore) UpdateLinkVerification(
	_ context.Context,
	crawlID, linkID string,
	res crawl.VerificationResult,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.linkRefs[linkID]
	if !ok || ref.crawlID != crawlID {
		return fmt.Errorf("link %s: %w", linkID, crawl.ErrNotFound)
	}
	l := s.links[crawlID][ref.index]
	l.IsBroken = res.Broken
	l.Error = res.Error
	l.LatencyMs = res.Latency.Milliseconds()
	if res.StatusCode > 0 {
		l.StatusCode = pointerInt(res.StatusCode)
	}
	s.links[crawlID][ref.index] = l
	return nil
}

// UpdateImageVerification stores the verifier's verdict on one image.
func (s *CrawlStore) UpdateImageVerification(
	_ context.Context,
	crawlID, imageID string,
	res crawl.VerificationResult,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.imageRefs[imageID]
	if !ok || ref.crawlID != crawlID {
		return fmt.Errorf("image %s: %w", imageID, crawl.ErrNotFound)
	}
	img := s.images[crawlID][ref.index]
	img.IsBroken = res.Broken
	if res.StatusCode > 0 {
		img.StatusCode = pointerInt(res.StatusCode)
	}
	s.images[crawlID][ref.index] = img
	return nil
}

// ListPages returns pages for a crawl in insertion order.
func (s *CrawlStore) ListPages(_ context.Context, crawlID string, f crawl.PageFilter) ([]crawl.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Page, 0, len(s.pages[crawlID]))
	for _, p := range s.pages[crawlID] {
		if f.StatusCode > 0 && p.StatusCode != f.StatusCode {
			continue
		}
		out = append(out, p)
	}
	return window(out, f.Limit, f.Offset), nil
}

// ListLinks returns links for a crawl in insertion order.
func (s *CrawlStore) ListLinks(_ context.Context, crawlID string, f crawl.LinkFilter) ([]crawl.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Link, 0, len(s.links[crawlID]))
	for _, l := range s.links[crawlID] {
		if f.BrokenOnly && !l.IsBroken {
			continue
		}
		if f.Internal != nil && l.IsInternal != *f.Internal {
			continue
		}
		out = append(out, l)
	}
	return window(out, f.Limit, f.Offset), nil
}

// ListImages returns images for a crawl in insertion order.
func (s *CrawlStore) ListImages(_ context.Context, crawlID string, f crawl.ImageFilter) ([]crawl.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Image, 0, len(s.images[crawlID]))
	for _, img := range s.images[crawlID] {
		if f.BrokenOnly && !img.IsBroken {
			continue
		}
		if f.MissingAltOnly && img.HasAlt {
			continue
		}
		out = append(out, img)
	}
	return window(out, f.Limit, f.Offset), nil
}

// ListIssues returns issues for a crawl in insertion order.
func (s *CrawlStore) ListIssues(_ context.Context, crawlID string, f crawl.IssueFilter) ([]crawl.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Issue, 0, len(s.issues[crawlID]))
	for _, is := range s.issues[crawlID] {
		if f.Severity != "" && is.Severity != f.Severity {
			continue
		}
		if f.Type != "" && is.Type != f.Type {
			continue
		}
		out = append(out, is)
	}
	return window(out, f.Limit, f.Offset), nil
}

func urlKey(rawURL string) string {
	if normalized, err := crawl.NormalizeURL(rawURL); err == nil {
		return normalized
	}
	return rawURL
}

func window[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func pointerInt(v int) *int {
	n := v
	return &n
}
