package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagelens/crawler/internal/config"
	"github.com/pagelens/crawler/internal/crawl"
	"github.com/pagelens/crawler/internal/dispatcher"
	memqueue "github.com/pagelens/crawler/internal/queue/memory"
	memstore "github.com/pagelens/crawler/internal/storage/memory"
	"github.com/pagelens/crawler/internal/worker"
)

func TestServer_CreateCrawl_Succeeds(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	q := memqueue.NewQueue(10)
	server := newTestServerWith(store, q, nil)

	reqBody := []byte(`{"url":"https://example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body struct {
		Crawl crawl.Crawl `json:"crawl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Crawl.ID)
	require.Equal(t, crawl.StatusQueued, body.Crawl.Status)
	// Omitted fields pick up the service defaults.
	require.Equal(t, "example.com", body.Crawl.Spec.Name)
	require.Equal(t, 2, body.Crawl.Spec.MaxDepth)
	require.Equal(t, 100, body.Crawl.Spec.MaxPages)
	require.True(t, body.Crawl.Spec.RespectRobots)
	require.Equal(t, "test-agent", body.Crawl.Spec.UserAgent)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, body.Crawl.ID, item.CrawlID)
}

func TestServer_CreateCrawl_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CreateCrawl_RejectsBadSpec(t *testing.T) {
	t.Parallel()

	server := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewBufferString(`{"url":"ftp://example.com"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "http")

	req = httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewBufferString(`{"url":"https://example.com","max_depth":50}`))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "max_depth")
}

func TestServer_GetCrawl_ReturnsCrawl(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	seedTestCrawl(t, store, "crawl-1")
	server := newTestServerWith(store, memqueue.NewQueue(1), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/crawl-1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawl-1")
}

func TestServer_GetCrawl_NotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/missing", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListCrawls_FiltersByLegacyStatusAlias(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	seedTestCrawl(t, store, "crawl-q")
	c := seedTestCrawl(t, store, "crawl-r")
	require.NoError(t, store.UpdateCrawlStatus(context.Background(), c.ID, crawl.StatusRunning, "", crawl.Counters{}))
	server := newTestServerWith(store, memqueue.NewQueue(1), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls?status=pending", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Crawls []crawl.Crawl `json:"crawls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Crawls, 1)
	require.Equal(t, "crawl-q", body.Crawls[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/v1/crawls?status=bogus", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StopCrawl_TransitionsQueuedCrawl(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	seedTestCrawl(t, store, "crawl-stop")
	server := newTestServerWith(store, memqueue.NewQueue(1), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/crawls/crawl-stop/stop", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got, err := store.GetCrawl(context.Background(), "crawl-stop")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusStopped, got.Status)

	// A second stop hits the terminal guard.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/crawls/crawl-stop/stop", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_StopCrawl_SignalsRunningWorker(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	c := seedTestCrawl(t, store, "crawl-live")
	require.NoError(t, store.UpdateCrawlStatus(context.Background(), c.ID, crawl.StatusRunning, "", crawl.Counters{}))

	stops := worker.NewStopRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stops.Register(c.ID, cancel)

	server := newTestServerWith(store, memqueue.NewQueue(1), stops)

	req := httptest.NewRequest(http.MethodPost, "/v1/crawls/crawl-live/stop", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Error(t, ctx.Err(), "registry stop should cancel the traversal context")
	// The worker owns the final status write; the row is still running here.
	got, err := store.GetCrawl(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusRunning, got.Status)
}

func TestServer_DeleteCrawl_Cascades(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	c := seedTestCrawl(t, store, "crawl-del")
	ctx := context.Background()
	require.NoError(t, store.CreatePage(ctx, crawl.Page{ID: "p1", CrawlID: c.ID, URL: "https://example.com/", StatusCode: 200}))
	server := newTestServerWith(store, memqueue.NewQueue(1), nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/crawls/crawl-del", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err := store.GetCrawl(ctx, c.ID)
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestServer_ListPages_FiltersStatusCode(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	c := seedTestCrawl(t, store, "crawl-pages")
	ctx := context.Background()
	require.NoError(t, store.CreatePage(ctx, crawl.Page{ID: "p1", CrawlID: c.ID, URL: "https://example.com/", StatusCode: 200}))
	require.NoError(t, store.CreatePage(ctx, crawl.Page{ID: "p2", CrawlID: c.ID, URL: "https://example.com/gone", StatusCode: 404}))
	server := newTestServerWith(store, memqueue.NewQueue(1), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/crawl-pages/pages?status_code=404", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pages []crawl.Page `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Pages, 1)
	require.Equal(t, "p2", body.Pages[0].ID)
}

func TestServer_ListLinks_BrokenOnly(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	c := seedTestCrawl(t, store, "crawl-links")
	ctx := context.Background()
	require.NoError(t, store.CreateLinks(ctx, []crawl.Link{
		{ID: "l1", CrawlID: c.ID, TargetURL: "https://example.com/ok"},
		{ID: "l2", CrawlID: c.ID, TargetURL: "https://example.com/broken", IsBroken: true},
	}))
	server := newTestServerWith(store, memqueue.NewQueue(1), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/crawl-links/links?broken=true", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Links []crawl.Link `json:"links"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Links, 1)
	require.Equal(t, "l2", body.Links[0].ID)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawls/crawl-links/links?broken=sideways", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListIssues_FiltersSeverity(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	c := seedTestCrawl(t, store, "crawl-issues")
	ctx := context.Background()
	require.NoError(t, store.CreateIssues(ctx, []crawl.Issue{
		{ID: "i1", CrawlID: c.ID, Type: crawl.IssueSEO, Severity: crawl.SeverityHigh, Message: "Missing title tag"},
		{ID: "i2", CrawlID: c.ID, Type: crawl.IssueAccessibility, Severity: crawl.SeverityLow, Message: "Missing lang attribute"},
	}))
	server := newTestServerWith(store, memqueue.NewQueue(1), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/crawl-issues/issues?severity=high", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Issues []crawl.Issue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Issues, 1)
	require.Equal(t, "i1", body.Issues[0].ID)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crawls/crawl-issues/issues?severity=apocalyptic", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Report_AggregatesStoredFacts(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	c := seedTestCrawl(t, store, "crawl-report")
	ctx := context.Background()
	require.NoError(t, store.CreatePage(ctx, crawl.Page{ID: "p1", CrawlID: c.ID, URL: "https://example.com/", StatusCode: 200, RenderMode: crawl.RenderStatic}))
	require.NoError(t, store.CreatePage(ctx, crawl.Page{ID: "p2", CrawlID: c.ID, URL: "https://example.com/gone", StatusCode: 404, RenderMode: crawl.RenderStatic}))
	server := newTestServerWith(store, memqueue.NewQueue(1), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/crawl-report/report", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report crawl.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, 1, report.PagesCrawled)
	require.Equal(t, 1, report.PagesFailed)
	require.Equal(t, 1, report.StatusCodes["2xx"])
	require.Equal(t, 1, report.StatusCodes["4xx"])
}

func TestServer_Progress_ReportsPercent(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	c := seedTestCrawl(t, store, "crawl-prog")
	ctx := context.Background()
	require.NoError(t, store.UpdateCrawlStatus(ctx, c.ID, crawl.StatusRunning, "", crawl.Counters{PagesCrawled: 5}))
	server := newTestServerWith(store, memqueue.NewQueue(1), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/crawl-prog/progress", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var progress crawl.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	require.Equal(t, crawl.StatusRunning, progress.Status)
	require.Equal(t, 5, progress.PagesCrawled)
	require.Equal(t, 10, progress.TotalPages)
	require.InDelta(t, 50.0, progress.Percent, 0.01)
}

func TestServer_APIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	store := memstore.NewCrawlStore()
	cfg := testConfig()
	cfg.HTTP.APIKey = "secret"
	server := NewServer(store, nil, dispatcher.New(memqueue.NewQueue(1), nil), nil, &fakeIDGen{}, &fakeClock{now: time.Unix(100, 0)}, nil, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/crawls", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay reachable without the key.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer().Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Crawler: config.CrawlerConfig{
			MaxDepthDefault:   2,
			MaxPagesDefault:   100,
			RateLimitDefault:  2.0,
			MaxRuntimeDefault: 3600,
			DefaultUserAgent:  "test-agent",
		},
		Logging: config.LoggingConfig{Development: true},
	}
}

func seedTestCrawl(t *testing.T, store crawl.CrawlStore, id string) crawl.Crawl {
	t.Helper()
	c := crawl.Crawl{
		ID: id,
		Spec: crawl.Spec{
			URL:       "https://example.com",
			Name:      "seeded",
			MaxDepth:  2,
			MaxPages:  10,
			RateLimit: 2,
			UserAgent: "test-agent",
		},
		Status:  crawl.StatusQueued,
		Created: time.Now().UTC(),
	}
	if err := store.CreateCrawl(context.Background(), c); err != nil {
		t.Fatalf("seed crawl: %v", err)
	}
	return c
}

func newTestServer() *Server {
	return newTestServerWith(memstore.NewCrawlStore(), memqueue.NewQueue(10), nil)
}

func newTestServerWith(store crawl.CrawlStore, q crawl.Queue, stops *worker.StopRegistry) *Server {
	return NewServer(
		store,
		nil,
		dispatcher.New(q, nil),
		stops,
		&fakeIDGen{},
		&fakeClock{now: time.Unix(100, 0)},
		nil,
		testConfig(),
		zap.NewNop(),
	)
}
