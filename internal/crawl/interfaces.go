package crawl

import (
	"context"
	"time"
)

// CrawlStore is the authoritative persistence collaborator: crawl rows plus
// every page, link, image, and issue extracted for them. Deleting a crawl
// cascades to all of its child records.
type CrawlStore interface {
	CreateCrawl(ctx context.Context, c Crawl) error
	GetCrawl(ctx context.Context, id string) (Crawl, error)
	ListCrawls(ctx context.Context, f CrawlFilter) ([]Crawl, error)
	UpdateCrawlStatus(ctx context.Context, id string, status Status, errText string, counters Counters) error
	SetCurrentURL(ctx context.Context, id string, rawURL string) error
	DeleteCrawl(ctx context.Context, id string) error

	CreatePage(ctx context.Context, p Page) error
	CreateLinks(ctx context.Context, links []Link) error
	CreateImages(ctx context.Context, images []Image) error
	CreateIssues(ctx context.Context, issues []Issue) error
	UpdateLinkVerification(ctx context.Context, crawlID, linkID string, res VerificationResult) error
	UpdateImageVerification(ctx context.Context, crawlID, imageID string, res VerificationResult) error

	ListPages(ctx context.Context, crawlID string, f PageFilter) ([]Page, error)
	ListLinks(ctx context.Context, crawlID string, f LinkFilter) ([]Link, error)
	ListImages(ctx context.Context, crawlID string, f ImageFilter) ([]Image, error)
	ListIssues(ctx context.Context, crawlID string, f IssueFilter) ([]Issue, error)
}

// CrawlFilter narrows ListCrawls. Zero Limit means no paging.
type CrawlFilter struct {
	Status Status
	Limit  int
	Offset int
}

// PageFilter narrows ListPages.
type PageFilter struct {
	StatusCode int
	Limit      int
	Offset     int
}

// LinkFilter narrows ListLinks.
type LinkFilter struct {
	BrokenOnly bool
	Internal   *bool
	Limit      int
	Offset     int
}

// ImageFilter narrows ListImages.
type ImageFilter struct {
	BrokenOnly     bool
	MissingAltOnly bool
	Limit          int
	Offset         int
}

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	Severity Severity
	Type     IssueType
	Limit    int
	Offset   int
}

// FactMirror receives a secondary copy of extracted records, typically a SQL
// database used for offline analysis. Mirror failures are logged, never
// fatal to the crawl.
type FactMirror interface {
	MirrorPage(ctx context.Context, p Page) error
	MirrorLinks(ctx context.Context, links []Link) error
	MirrorImages(ctx context.Context, images []Image) error
	MirrorIssues(ctx context.Context, issues []Issue) error
	DeleteCrawl(ctx context.Context, crawlID string) error
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a static fetch should be re-run through
// the rendering path.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// RobotsPolicy answers crawl permission questions for one crawl. An
// implementation caches robots.txt per host for the crawl's lifetime.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
	CrawlDelay(host string) time.Duration
	Sitemaps(ctx context.Context, rawURL string) []string
}

// AssetVerifier probes discovered links and images for reachability without
// blocking page traversal. Run processes submissions until Drain is called
// and the backlog empties, or ctx is canceled.
type AssetVerifier interface {
	Run(ctx context.Context)
	Submit(ctx context.Context, links []Link, images []Image)
	Drain(ctx context.Context) error
	Stats() VerifyStats
}

// HostLimiter paces outbound requests per host. Wait reports how long the
// caller was held back.
type HostLimiter interface {
	Wait(ctx context.Context, host string) (time.Duration, error)
}

// VerifyStats summarizes a verifier's work for crawl counters.
type VerifyStats struct {
	LinksChecked  int
	LinksBroken   int
	ImagesChecked int
	ImagesBroken  int
}

// Queue carries crawl IDs from the API to the dispatcher's workers.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem wraps a crawl ready to run.
type QueueItem struct {
	CrawlID   string
	Submitted int64
}

// RetryPolicy decides whether and when to retry a failed fetch.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for snapshot naming and change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
