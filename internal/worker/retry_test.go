package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagelens/crawler/internal/crawl"
	memstore "github.com/pagelens/crawler/internal/storage/memory"
)

// countingFetcher fails a configured number of attempts before handing out
// the canned response.
type countingFetcher struct {
	mu       sync.Mutex
	failures int
	attempts int
	err      error
	resp     crawl.FetchResponse
}

func (f *countingFetcher) Fetch(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return crawl.FetchResponse{}, f.err
	}
	resp := f.resp
	resp.URL = req.URL
	return resp, nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func timeoutErr(url string) error {
	return &crawl.FetchError{Kind: crawl.FetchTimeout, URL: url, Err: errors.New("deadline exceeded")}
}

func TestWorker_FetchRetriesTimeoutsUntilSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.NewCrawlStore()

	resp := htmlResponse(200, "Eventually Reachable Seed Document", "<p>made it</p>")
	fetcher := &countingFetcher{
		failures: 2,
		err:      timeoutErr("https://slow.example/"),
		resp:     resp,
	}
	deps := newTestDeps(store, fetcher)
	deps.Retry = &fastRetry{inner: crawl.NewExponentialRetryPolicy()}

	c := seedCrawl(t, store, testSpec("https://slow.example"))
	w := New(deps, Config{})
	w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, got.Status)
	require.Equal(t, 1, got.Counters.PagesCrawled)
	require.Equal(t, 3, fetcher.count(), "two failures plus the success")
}

func TestWorker_FetchRetryGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.NewCrawlStore()

	fetcher := &countingFetcher{
		failures: 100,
		err:      timeoutErr("https://slow.example/"),
	}
	deps := newTestDeps(store, fetcher)
	deps.Retry = &fastRetry{inner: crawl.NewExponentialRetryPolicy()}

	c := seedCrawl(t, store, testSpec("https://slow.example"))
	w := New(deps, Config{})
	w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Contains(t, got.Error, "timeout")
	require.Equal(t, 3, fetcher.count(), "policy caps attempts at three")
}

func TestWorker_FetchDoesNotRetryConnectionErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.NewCrawlStore()

	fetcher := &countingFetcher{
		failures: 100,
		err: &crawl.FetchError{
			Kind: crawl.FetchConnection,
			URL:  "https://down.example/",
			Err:  errors.New("connection refused"),
		},
	}
	deps := newTestDeps(store, fetcher)

	c := seedCrawl(t, store, testSpec("https://down.example"))
	w := New(deps, Config{})
	w.handleCrawl(ctx, crawl.QueueItem{CrawlID: c.ID})

	got, err := store.GetCrawl(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Equal(t, 1, fetcher.count(), "connection errors are not worth retrying")
}

// fastRetry keeps the real policy's decisions but collapses the backoff so
// tests do not sleep.
type fastRetry struct {
	inner crawl.RetryPolicy
}

func (f *fastRetry) ShouldRetry(err error, attempt int) bool {
	return f.inner.ShouldRetry(err, attempt)
}

func (f *fastRetry) Backoff(int) time.Duration {
	return time.Millisecond
}
