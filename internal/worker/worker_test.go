package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagelens/crawler/internal/clock/system"
	"github.com/pagelens/crawler/internal/crawl"
	hashsha "github.com/pagelens/crawler/internal/hash/sha256"
	idgen "github.com/pagelens/crawler/internal/id/uuid"
	"github.com/pagelens/crawler/internal/policy/simple"
	mempub "github.com/pagelens/crawler/internal/publisher/memory"
	memqueue "github.com/pagelens/crawler/internal/queue/memory"
	memstore "github.com/pagelens/crawler/internal/storage/memory"
)

func TestWorker_Run_CompletesCrawl(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newProbeServer(t)
	seedURL := srv.URL + "/"

	fetcher := &fakeFetcher{
		responses: map[string]crawl.FetchResponse{
			seedURL: htmlResponse(200, "Example Landing Page For Workers",
				fmt.Sprintf(`<a href="%s/about">About</a> <a href="%s/contact">Contact</a>`, srv.URL, srv.URL)),
			srv.URL + "/about": htmlResponse(200, "About The Example Company Site",
				fmt.Sprintf(`<a href="%s/missing">Gone</a>`, srv.URL)),
			srv.URL + "/contact": htmlResponse(200, "Contact The Example Company Here", "<p>mail us</p>"),
			srv.URL + "/missing": htmlResponse(404, "Not Found", "<p>gone</p>"),
		},
	}

	store := memstore.NewCrawlStore()
	blobs := memstore.NewBlobStore()
	publisher := mempub.New()
	queue := memqueue.NewQueue(4)

	deps := newTestDeps(store, fetcher)
	deps.Queue = queue
	deps.Blobs = blobs
	deps.Publisher = publisher

	c := seedCrawl(t, store, testSpec(srv.URL))
	w := New(deps, Config{BlobPrefix: "pages", Topic: "crawl.events"})

	require.NoError(t, queue.Enqueue(ctx, crawl.QueueItem{CrawlID: c.ID, Submitted: time.Now().Unix()}))
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := store.GetCrawl(ctx, c.ID)
		return err == nil && got.Status == crawl.StatusCompleted
	}, 10*time.Second, 25*time.Millisecond)

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.Counters.PagesCrawled)
	require.Equal(t, 1, got.Counters.PagesFailed)
	require.Equal(t, 3, got.Counters.LinksFound)
	require.Equal(t, 1, got.Counters.LinksBroken)
	require.NotNil(t, got.Finished)

	pages, err := store.ListPages(ctx, c.ID, crawl.PageFilter{})
	require.NoError(t, err)
	require.Len(t, pages, 4)
	for _, p := range pages {
		if p.Succeeded() {
			require.NotEmpty(t, p.BlobURI, "snapshot missing for %s", p.URL)
			require.NotEmpty(t, p.Title)
		}
	}

	issues, err := store.ListIssues(ctx, c.ID, crawl.IssueFilter{})
	require.NoError(t, err)
	require.True(t, hasIssue(issues, crawl.IssueCrawlError, "Page returned HTTP 404"))
	require.True(t, hasIssue(issues, crawl.IssueTechnical, "1 broken links on page"))

	events := publisher.MessagesFor("crawl.events")
	require.GreaterOrEqual(t, len(events), 3)
	require.Equal(t, "crawl.started", eventName(t, events[0]))
	require.Equal(t, "crawl.finished", eventName(t, events[len(events)-1]))
}

func TestWorker_SkipsCrawlThatIsNotQueued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.NewCrawlStore()
	fetcher := &fakeFetcher{}
	deps := newTestDeps(store, fetcher)

	c := crawl.Crawl{
		ID:      uuid.NewString(),
		Spec:    testSpec("https://example.com"),
		Status:  crawl.StatusCompleted,
		Created: time.Now().UTC(),
	}
	require.NoError(t, store.CreateCrawl(ctx, c))

	w := New(deps, Config{})
	w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, got.Status)
	require.Zero(t, fetcher.count())
}

func TestWorker_UnreachableSeedFailsCrawl(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newProbeServer(t)
	seedURL := srv.URL + "/"

	fetcher := &fakeFetcher{
		errs: map[string]error{
			seedURL: &crawl.FetchError{
				Kind: crawl.FetchConnection,
				URL:  seedURL,
				Err:  errors.New("connection refused"),
			},
		},
	}
	store := memstore.NewCrawlStore()
	deps := newTestDeps(store, fetcher)

	c := seedCrawl(t, store, testSpec(srv.URL))
	w := New(deps, Config{})
	w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Contains(t, got.Error, "connection refused")
	require.Equal(t, 1, got.Counters.PagesFailed)
	require.Zero(t, got.Counters.PagesCrawled)

	pages, err := store.ListPages(ctx, c.ID, crawl.PageFilter{})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Zero(t, pages[0].StatusCode)
	require.NotEmpty(t, pages[0].Error)

	issues, err := store.ListIssues(ctx, c.ID, crawl.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, crawl.IssueCrawlError, issues[0].Type)
	require.Equal(t, crawl.SeverityCritical, issues[0].Severity)
}

func TestWorker_NotFoundSeedFailsCrawl(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newProbeServer(t)
	seedURL := srv.URL + "/"

	fetcher := &fakeFetcher{
		responses: map[string]crawl.FetchResponse{
			seedURL: htmlResponse(404, "Not Found", "<p>nothing here</p>"),
		},
	}
	store := memstore.NewCrawlStore()
	deps := newTestDeps(store, fetcher)

	c := seedCrawl(t, store, testSpec(srv.URL))
	w := New(deps, Config{})
	w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Equal(t, "no pages were fetched", got.Error)

	pages, err := store.ListPages(ctx, c.ID, crawl.PageFilter{})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, 404, pages[0].StatusCode)

	issues, err := store.ListIssues(ctx, c.ID, crawl.IssueFilter{})
	require.NoError(t, err)
	require.True(t, hasIssue(issues, crawl.IssueCrawlError, "Page returned HTTP 404"))
}

func TestWorker_StopRequestHaltsTraversal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newProbeServer(t)
	seedURL := srv.URL + "/"

	store := memstore.NewCrawlStore()
	stops := NewStopRegistry()

	c := seedCrawl(t, store, testSpec(srv.URL))
	fetcher := &fakeFetcher{
		responses: map[string]crawl.FetchResponse{
			seedURL: htmlResponse(200, "Stoppable Crawl Landing Page",
				fmt.Sprintf(`<a href="%s/next">Next</a>`, srv.URL)),
			srv.URL + "/next": htmlResponse(200, "Second Page Never Reached", ""),
		},
	}
	// Request the stop while the seed fetch is still in flight.
	fetcher.onFetch = func(string) { stops.Stop(c.ID) }

	deps := newTestDeps(store, fetcher)
	deps.Stops = stops

	w := New(deps, Config{DrainGrace: 500 * time.Millisecond})
	w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusStopped, got.Status)
	require.NotNil(t, got.Finished)

	pages, err := store.ListPages(ctx, c.ID, crawl.PageFilter{})
	require.NoError(t, err)
	require.Len(t, pages, 1, "traversal should end after the in-flight page")
}

func TestWorker_HeadlessPromotionSwapsResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newProbeServer(t)
	seedURL := srv.URL + "/"

	static := &fakeFetcher{
		responses: map[string]crawl.FetchResponse{
			seedURL: htmlResponse(200, "", `<div id="root"></div>`),
		},
	}
	rendered := htmlResponse(200, "Rendered Application Shell Title", "<p>hydrated content for readers</p>")
	rendered.RenderMode = crawl.RenderHeadless
	headless := &fakeFetcher{
		responses: map[string]crawl.FetchResponse{seedURL: rendered},
	}

	store := memstore.NewCrawlStore()
	deps := newTestDeps(store, static)
	deps.Headless = headless
	deps.Detector = &fakeDetector{promote: true}
	deps.Budget = simple.NewHeadlessBudget(5)

	spec := testSpec(srv.URL)
	spec.JSRender = true
	c := seedCrawl(t, store, spec)

	w := New(deps, Config{})
	w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, got.Status)

	pages, err := store.ListPages(ctx, c.ID, crawl.PageFilter{})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, crawl.RenderHeadless, pages[0].RenderMode)
	require.Equal(t, "Rendered Application Shell Title", pages[0].Title)
	require.Equal(t, 1, headless.count())
}

func TestWorker_SitemapSeedsFrontier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			fmt.Fprintf(w, "User-agent: *\nAllow: /\nSitemap: %s/sitemap.xml\n", srv.URL)
		case "/sitemap.xml":
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprintf(w, `<?xml version="1.0"?><urlset><url><loc>%s/landing</loc></url></urlset>`, srv.URL)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	seedURL := srv.URL + "/"

	fetcher := &fakeFetcher{
		responses: map[string]crawl.FetchResponse{
			seedURL:              htmlResponse(200, "Homepage Without Any Links Here", "<p>plain</p>"),
			srv.URL + "/landing": htmlResponse(200, "Landing Page From The Sitemap", "<p>landed</p>"),
		},
	}

	store := memstore.NewCrawlStore()
	deps := newTestDeps(store, fetcher)
	deps.Client = srv.Client()

	spec := testSpec(srv.URL)
	spec.RespectRobots = true
	c := seedCrawl(t, store, spec)

	w := New(deps, Config{})
	w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, got.Status)
	require.Equal(t, 2, got.Counters.PagesCrawled)

	pages, err := store.ListPages(ctx, c.ID, crawl.PageFilter{})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	var landing *crawl.Page
	for i := range pages {
		if pages[i].URL == srv.URL+"/landing" {
			landing = &pages[i]
		}
	}
	require.NotNil(t, landing, "sitemap URL was never crawled")
	require.Equal(t, 1, landing.Depth)
}

func TestWorker_PanicBecomesFailedCrawl(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.NewCrawlStore()
	fetcher := &fakeFetcher{}
	fetcher.onFetch = func(string) { panic("boom") }

	deps := newTestDeps(store, fetcher)
	c := seedCrawl(t, store, testSpec("https://example.com"))

	w := New(deps, Config{})
	require.NotPanics(t, func() {
		w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})
	})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Contains(t, got.Error, "internal error")
}

func newTestDeps(store *memstore.CrawlStore, fetcher crawl.Fetcher) Deps {
	return Deps{
		Store:  store,
		Blobs:  memstore.NewBlobStore(),
		Static: fetcher,
		Hasher: hashsha.New(),
		Clock:  system.New(),
		IDs:    idgen.New(),
		Retry:  crawl.NewExponentialRetryPolicy(),
		Stops:  NewStopRegistry(),
		Logger: zap.NewNop(),
	}
}

func testSpec(rawURL string) crawl.Spec {
	return crawl.Spec{
		URL:       rawURL,
		Name:      "worker test",
		MaxDepth:  2,
		MaxPages:  10,
		RateLimit: 10,
		UserAgent: "pagelens-test",
	}
}

func seedCrawl(t *testing.T, store *memstore.CrawlStore, spec crawl.Spec) crawl.Crawl {
	t.Helper()
	c := crawl.Crawl{
		ID:      uuid.NewString(),
		Spec:    spec,
		Status:  crawl.StatusQueued,
		Created: time.Now().UTC(),
	}
	require.NoError(t, store.CreateCrawl(context.Background(), c))
	return c
}

// newProbeServer serves verification probes: /missing is broken, everything
// else responds 200.
func newProbeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func htmlResponse(status int, title, body string) crawl.FetchResponse {
	html := fmt.Sprintf(
		`<!DOCTYPE html><html lang="en"><head><title>%s</title><meta name="viewport" content="width=device-width"></head><body>%s</body></html>`,
		title, body)
	return crawl.FetchResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(html),
		Duration:   5 * time.Millisecond,
		RenderMode: crawl.RenderStatic,
	}
}

func hasIssue(issues []crawl.Issue, typ crawl.IssueType, message string) bool {
	for _, issue := range issues {
		if issue.Type == typ && issue.Message == message {
			return true
		}
	}
	return false
}

func eventName(t *testing.T, msg mempub.PublishedMessage) string {
	t.Helper()
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok, "payload is %T", msg.Payload)
	name, _ := payload["event"].(string)
	return name
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawl.FetchResponse
	errs      map[string]error
	calls     []string
	onFetch   func(url string)
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch(req.URL)
	}
	if err, ok := f.errs[req.URL]; ok {
		return crawl.FetchResponse{}, err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return crawl.FetchResponse{}, &crawl.FetchError{
			Kind: crawl.FetchConnection,
			URL:  req.URL,
			Err:  errors.New("no canned response"),
		}
	}
	if resp.URL == "" {
		resp.URL = req.URL
	}
	return resp, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDetector struct {
	promote bool
}

func (d *fakeDetector) ShouldPromote(crawl.FetchResponse) bool {
	return d.promote
}
