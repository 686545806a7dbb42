// Package worker runs crawls end to end: it claims queued crawl jobs,
// drives the frontier/fetch/extract/classify pipeline for each one, and
// writes the final status exactly once. One Worker processes one crawl at
// a time; the dispatcher runs several Workers over a shared queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagelens/crawler/internal/crawl"
	"github.com/pagelens/crawler/internal/metrics"
	"github.com/pagelens/crawler/internal/policy/simple"
	"github.com/pagelens/crawler/internal/progress"
)

// Config carries the tunables shared by every crawl a worker runs.
type Config struct {
	// ContentType is recorded on page snapshots written to blob storage.
	ContentType string
	// BlobPrefix prefixes snapshot object paths.
	BlobPrefix string
	// Topic is the lifecycle event topic. Empty disables publishing.
	Topic string
	// VerifyTimeout bounds each link/image probe.
	VerifyTimeout time.Duration
	// RedirectCap bounds redirect chains during verification.
	RedirectCap int
	// ThinContentWords and LargePageBytes tune the issue rules.
	ThinContentWords int
	LargePageBytes   int
	// HeartbeatEvery paces progress heartbeats.
	HeartbeatEvery time.Duration
	// DrainGrace bounds verification drain when a crawl was stopped or ran
	// out of wall-clock budget.
	DrainGrace time.Duration
	// ShutdownGrace bounds the final status write when the worker context
	// is already gone.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 10 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 5 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// Deps are the worker's collaborators. Mirror, Publisher, Hub, Detector,
// Headless, Budget, and Stops may be nil; the corresponding behavior is
// skipped.
type Deps struct {
	Queue     crawl.Queue
	Store     crawl.CrawlStore
	Mirror    crawl.FactMirror
	Blobs     crawl.BlobStore
	Publisher crawl.Publisher
	Static    crawl.Fetcher
	Headless  crawl.Fetcher
	Detector  crawl.HeadlessDetector
	Hasher    crawl.Hasher
	Clock     crawl.Clock
	IDs       crawl.IDGenerator
	Blocklist *crawl.DomainBlocklist
	Retry     crawl.RetryPolicy
	Verify    crawl.HostLimiter
	Budget    *simple.HeadlessBudget
	Stops     *StopRegistry
	Hub       *progress.Hub
	// Client serves robots.txt and sitemap fetches.
	Client *http.Client
	Logger *zap.Logger
}

// Worker consumes crawl jobs from the queue and executes them.
type Worker struct {
	deps       Deps
	cfg        Config
	extractor  *crawl.Extractor
	classifier *crawl.Classifier
	auditor    *crawl.Auditor
	logger     *zap.Logger
}

// New builds a worker. Queue, Store, Blobs, Static, Hasher, Clock, IDs,
// and Retry must be non-nil.
func New(deps Deps, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Worker{
		deps:       deps,
		cfg:        cfg,
		extractor:  crawl.NewExtractor(),
		classifier: crawl.NewClassifier(cfg.ThinContentWords),
		auditor:    crawl.NewAuditor(cfg.LargePageBytes),
		logger:     logger,
	}
}

// Run consumes jobs until ctx is canceled. It returns ctx.Err so callers
// can tell shutdown apart from queue failures.
func (w *Worker) Run(ctx context.Context) error {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.handleCrawl(ctx, item)
	}
}

// handleCrawl loads the crawl and runs it. Crawls that are no longer
// queued are skipped so queue redeliveries never restart finished work.
func (w *Worker) handleCrawl(ctx context.Context, item crawl.QueueItem) {
	logger := w.logger.With(zap.String("crawl_id", item.CrawlID))
	c, err := w.deps.Store.GetCrawl(ctx, item.CrawlID)
	if err != nil {
		logger.Error("crawl lookup failed", zap.Error(err))
		return
	}
	if c.Status != crawl.StatusQueued {
		logger.Warn("skipping crawl that is not queued", zap.String("status", string(c.Status)))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	newCrawlRun(w, c, logger).execute(ctx)
}

// crawlRun holds the per-crawl state assembled for one execution.
type crawlRun struct {
	w      *Worker
	crawl  crawl.Crawl
	logger *zap.Logger

	seedHost string
	eventID  [16]byte
	hasEvent bool

	robots   crawl.RobotsPolicy
	frontier *crawl.Frontier
	verifier *crawl.Verifier

	counters    crawl.Counters
	lastFailure string
	lastBeat    time.Time
	marked      bool

	// externallyStopped is set when a counter refresh hits a terminal
	// status, meaning the API already finished this crawl on our behalf.
	externallyStopped bool
}

func newCrawlRun(w *Worker, c crawl.Crawl, logger *zap.Logger) *crawlRun {
	r := &crawlRun{
		w:        w,
		crawl:    c,
		logger:   logger,
		seedHost: crawl.Host(c.Spec.URL),
		counters: c.Counters,
	}
	if id, err := uuid.Parse(c.ID); err == nil {
		r.eventID = progress.UUIDToBytes(id)
		r.hasEvent = true
	}
	return r
}

// execute runs the crawl to a terminal status. A panic anywhere in the
// pipeline is converted into a failed crawl so one hostile page cannot
// wedge a worker slot.
func (r *crawlRun) execute(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("crawl panicked", zap.Any("panic", rec))
			r.finish(ctx, crawl.StatusFailed, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	// travCtx bounds traversal only. Verification and the final writes run
	// on the parent so a stop or budget expiry cannot strand half-written
	// verdicts.
	travCtx, travCancel := context.WithCancel(ctx)
	if budget := r.crawl.Spec.Runtime(); budget > 0 {
		travCtx, travCancel = context.WithTimeout(ctx, budget)
	}
	defer travCancel()

	// Register before the running transition so a stop request can always
	// reach the traversal context once the crawl is visibly running.
	if r.w.deps.Stops != nil {
		r.w.deps.Stops.Register(r.crawl.ID, travCancel)
		defer r.w.deps.Stops.Forget(r.crawl.ID)
	}

	if err := r.w.deps.Store.UpdateCrawlStatus(ctx, r.crawl.ID, crawl.StatusRunning, "", r.counters); err != nil {
		r.logger.Warn("could not mark crawl running", zap.Error(err))
		return
	}
	crawl.MarkCrawlStarted()
	r.marked = true
	r.emit(progress.Event{Stage: progress.StageCrawlStart, Site: r.seedHost})
	r.publishEvent(ctx, "crawl.started", nil)
	r.logger.Info("crawl started",
		zap.String("url", r.crawl.Spec.URL),
		zap.Int("max_depth", r.crawl.Spec.MaxDepth),
		zap.Int("max_pages", r.crawl.Spec.MaxPages))

	started := r.w.deps.Clock.Now()

	r.robots = crawl.NewRobotsPolicy(r.crawl.Spec, r.w.deps.Client, r.logger)
	r.frontier = crawl.NewFrontier(r.crawl.Spec, r.w.deps.Blocklist, r.robots.CrawlDelay)
	r.verifier = crawl.NewVerifier(crawl.VerifierConfig{
		CrawlID:     r.crawl.ID,
		UserAgent:   r.crawl.Spec.UserAgent,
		Timeout:     r.w.cfg.VerifyTimeout,
		RedirectCap: r.w.cfg.RedirectCap,
		Store:       r.w.deps.Store,
		Limiter:     r.w.deps.Verify,
		Logger:      r.logger,
	})

	verifyCtx, verifyCancel := context.WithCancel(ctx)
	defer verifyCancel()
	go r.verifier.Run(verifyCtx)

	r.seed(travCtx)
	r.traverse(travCtx)

	stopRequested := r.w.deps.Stops != nil && r.w.deps.Stops.Requested(r.crawl.ID)
	stopped := stopRequested || ctx.Err() != nil
	budgetHit := !stopped && errors.Is(travCtx.Err(), context.DeadlineExceeded)

	r.drainVerifier(ctx, stopped || budgetHit)
	vstats := r.verifier.Stats()
	r.counters.LinksBroken = vstats.LinksBroken
	r.counters.ImagesBroken = vstats.ImagesBroken
	r.emit(progress.Event{
		Stage:  progress.StageVerify,
		Site:   r.seedHost,
		Visits: int64(vstats.LinksChecked + vstats.ImagesChecked),
	})

	// Crawl-wide rules need the complete page set, so only a traversal
	// that drained on its own is audited.
	if !stopped && !r.externallyStopped && ctx.Err() == nil {
		r.audit(ctx)
	}

	status, errText := r.finalStatus(stopped, budgetHit)
	r.finish(ctx, status, errText)
	r.logger.Info("crawl finished",
		zap.String("status", string(status)),
		zap.Int("pages_crawled", r.counters.PagesCrawled),
		zap.Int("pages_failed", r.counters.PagesFailed),
		zap.Int("issues_found", r.counters.IssuesFound),
		zap.Duration("elapsed", r.w.deps.Clock.Now().Sub(started)))
}

// seed admits the start URL and, when robots metadata is honored, any URLs
// advertised by the site's sitemaps. Sitemap URLs enter at depth 1 and
// stay within the seed's origin regardless of the external-follow setting.
func (r *crawlRun) seed(ctx context.Context) {
	if !r.frontier.Seed(r.crawl.Spec.URL) {
		r.logger.Warn("seed URL rejected", zap.String("url", r.crawl.Spec.URL))
	}
	if !r.crawl.Spec.RespectRobots {
		return
	}
	sitemaps := r.robots.Sitemaps(ctx, r.crawl.Spec.URL)
	if len(sitemaps) == 0 {
		return
	}
	fetcher := crawl.NewSitemapFetcher(r.crawl.Spec.UserAgent, r.w.deps.Client, r.logger)
	var admitted int
	for _, u := range fetcher.FetchURLs(ctx, sitemaps) {
		if !crawl.SameSite(crawl.Host(u), r.seedHost) {
			continue
		}
		if r.frontier.Enqueue(u, 1) {
			admitted++
		}
	}
	if admitted > 0 {
		r.logger.Info("seeded from sitemaps",
			zap.Int("urls", admitted),
			zap.Int("sitemaps", len(sitemaps)))
	}
}

// traverse pops frontier entries until the frontier drains or the
// traversal context ends.
func (r *crawlRun) traverse(ctx context.Context) {
	r.lastBeat = r.w.deps.Clock.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		entry, ok, err := r.frontier.Pop(ctx)
		if err != nil || !ok {
			return
		}
		r.handlePage(ctx, entry)
		if !r.syncCounters(ctx) {
			return
		}
		r.maybeHeartbeat()
	}
}

// syncCounters refreshes the stored counters after each page. A terminal
// status here means the API finished the crawl out from under us, which
// is treated as a stop.
func (r *crawlRun) syncCounters(ctx context.Context) bool {
	err := r.w.deps.Store.UpdateCrawlStatus(ctx, r.crawl.ID, crawl.StatusRunning, "", r.counters)
	if err == nil {
		return true
	}
	if errors.Is(err, crawl.ErrTerminalStatus) {
		r.logger.Info("crawl was finished externally, halting traversal")
		r.externallyStopped = true
		return false
	}
	r.logger.Warn("counter refresh failed", zap.Error(err))
	return true
}

func (r *crawlRun) maybeHeartbeat() {
	now := r.w.deps.Clock.Now()
	if now.Sub(r.lastBeat) < r.w.cfg.HeartbeatEvery {
		return
	}
	r.lastBeat = now
	r.emit(progress.Event{
		Stage:  progress.StageCrawlHB,
		Site:   r.seedHost,
		Visits: int64(r.counters.PagesCrawled),
	})
}

// handlePage fetches one frontier entry and records everything learned
// from it.
func (r *crawlRun) handlePage(ctx context.Context, entry crawl.FrontierEntry) {
	if !r.robots.Allowed(ctx, entry.URL) {
		crawl.MarkRobotsDenied()
		r.logger.Debug("robots disallowed", zap.String("url", entry.URL))
		return
	}
	if err := r.w.deps.Store.SetCurrentURL(ctx, r.crawl.ID, entry.URL); err != nil {
		r.logger.Debug("current URL update failed", zap.Error(err))
	}

	resp, err := r.fetch(ctx, entry)
	if err != nil {
		if ctx.Err() != nil {
			// The fetch died with the traversal context; the page was not
			// tried on its own merits, so nothing is recorded.
			return
		}
		r.recordFailure(ctx, entry, err)
		return
	}
	r.recordPage(ctx, entry, resp)
}

// fetch runs the static fetcher under the retry policy and then offers
// the result to the headless promotion path.
func (r *crawlRun) fetch(ctx context.Context, entry crawl.FrontierEntry) (crawl.FetchResponse, error) {
	req := crawl.FetchRequest{
		CrawlID:   r.crawl.ID,
		URL:       entry.URL,
		Depth:     entry.Depth,
		UserAgent: r.crawl.Spec.UserAgent,
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, err := r.w.deps.Static.Fetch(ctx, req)
		if err == nil {
			return r.maybePromote(ctx, req, resp), nil
		}
		lastErr = err
		if !r.w.deps.Retry.ShouldRetry(err, attempt) {
			return crawl.FetchResponse{}, lastErr
		}
		backoff := r.w.deps.Retry.Backoff(attempt)
		r.logger.Debug("retrying fetch",
			zap.String("url", entry.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return crawl.FetchResponse{}, lastErr
		case <-time.After(backoff):
		}
	}
}

// maybePromote re-fetches through the headless browser when the crawl
// allows rendering, the detector flags the static body as a JS shell, and
// the crawl's render budget has room. Promotion failures keep the static
// result.
func (r *crawlRun) maybePromote(ctx context.Context, req crawl.FetchRequest, resp crawl.FetchResponse) crawl.FetchResponse {
	if !r.crawl.Spec.JSRender || r.w.deps.Headless == nil || r.w.deps.Detector == nil {
		return resp
	}
	if !r.w.deps.Detector.ShouldPromote(resp) {
		return resp
	}
	if r.w.deps.Budget != nil && !r.w.deps.Budget.Allow(r.crawl.ID) {
		r.logger.Debug("headless budget exhausted", zap.String("url", req.URL))
		return resp
	}
	req.UseHeadless = true
	rendered, err := r.w.deps.Headless.Fetch(ctx, req)
	if err != nil {
		if !errors.Is(err, crawl.ErrHeadlessDisabled) {
			r.logger.Warn("headless promotion failed", zap.String("url", req.URL), zap.Error(err))
		}
		return resp
	}
	r.logger.Info("promoted to headless render", zap.String("url", req.URL))
	return rendered
}

// recordFailure persists an error page and its critical issue for a URL
// that could not be fetched at all.
func (r *crawlRun) recordFailure(ctx context.Context, entry crawl.FrontierEntry, err error) {
	fe := crawl.ClassifyFetchError(entry.URL, err)
	crawl.MarkFetchError(fe.Kind)
	r.lastFailure = fe.Error()
	r.counters.PagesFailed++

	pageID, idErr := r.w.deps.IDs.NewID()
	if idErr != nil {
		r.logger.Error("id generation failed", zap.Error(idErr))
		return
	}
	page := crawl.Page{
		ID:         pageID,
		CrawlID:    r.crawl.ID,
		URL:        entry.URL,
		Depth:      entry.Depth,
		IsPrimary:  entry.Depth == 0,
		RenderMode: crawl.RenderStatic,
		Error:      fe.Error(),
		FetchedAt:  r.w.deps.Clock.Now(),
	}
	if err := r.w.deps.Store.CreatePage(ctx, page); err != nil {
		r.logger.Error("error page write failed", zap.String("url", entry.URL), zap.Error(err))
		return
	}
	issues := r.stampIssues(r.w.classifier.Classify(page, nil))
	r.persistIssues(ctx, issues)
	r.mirrorPage(ctx, page, nil, nil, issues)

	r.emit(progress.Event{
		Stage: progress.StagePageFail,
		Site:  crawl.Host(entry.URL),
		URL:   entry.URL,
		Note:  string(fe.Kind),
	})
	r.logger.Warn("page fetch failed", zap.String("url", entry.URL), zap.Error(fe))
}

// recordPage persists a fetched page, its extracted facts, and the issues
// the per-page rules raise, then feeds discovery back into the frontier
// and the verifier.
func (r *crawlRun) recordPage(ctx context.Context, entry crawl.FrontierEntry, resp crawl.FetchResponse) {
	pageID, err := r.w.deps.IDs.NewID()
	if err != nil {
		r.logger.Error("id generation failed", zap.Error(err))
		return
	}

	contentType := resp.Headers.Get("Content-Type")
	page := crawl.Page{
		ID:          pageID,
		CrawlID:     r.crawl.ID,
		URL:         entry.URL,
		FinalURL:    resp.FinalURL,
		StatusCode:  resp.StatusCode,
		Depth:       entry.Depth,
		IsPrimary:   entry.Depth == 0,
		RenderMode:  resp.RenderMode,
		LoadTimeMs:  resp.Duration.Milliseconds(),
		ContentType: contentType,
		SizeBytes:   len(resp.Body),
		FetchedAt:   r.w.deps.Clock.Now(),
	}

	isHTML := crawl.IsHTMLContent(contentType)
	var facts crawl.PageFacts
	if page.Succeeded() && isHTML {
		facts = r.extract(resp)
		page.Title = facts.Title
		page.MetaDescription = facts.MetaDescription
		page.CanonicalURL = facts.CanonicalURL
		page.H1 = facts.H1
		page.H2 = facts.H2
		page.H3 = facts.H3
		page.WordCount = facts.WordCount
		page.TextExcerpt = facts.TextExcerpt
		page.HasViewport = facts.HasViewport
		page.HasLang = facts.HasLang
		page.IsIndexable = facts.IsIndexable
	}
	if isHTML && len(resp.Body) > 0 {
		r.snapshot(ctx, &page, resp.Body)
	}

	if err := r.w.deps.Store.CreatePage(ctx, page); err != nil {
		r.logger.Error("page write failed", zap.String("url", entry.URL), zap.Error(err))
		return
	}
	if page.Succeeded() {
		r.counters.PagesCrawled++
	} else {
		r.counters.PagesFailed++
	}

	links, images := r.buildAssets(page, facts)
	if len(links) > 0 {
		if err := r.w.deps.Store.CreateLinks(ctx, links); err != nil {
			r.logger.Error("link write failed", zap.Error(err))
		} else {
			r.counters.LinksFound += len(links)
		}
	}
	if len(images) > 0 {
		if err := r.w.deps.Store.CreateImages(ctx, images); err != nil {
			r.logger.Error("image write failed", zap.Error(err))
		} else {
			r.counters.ImagesFound += len(images)
		}
	}

	issues := r.stampIssues(r.w.classifier.Classify(page, images))
	r.persistIssues(ctx, issues)

	r.verifier.Submit(ctx, links, images)
	for _, link := range links {
		r.frontier.Enqueue(link.TargetURL, entry.Depth+1)
	}
	r.mirrorPage(ctx, page, links, images, issues)

	crawl.MarkPageFetched(page.RenderMode)
	r.emit(progress.Event{
		Stage:       progress.StagePageFetch,
		Site:        crawl.Host(entry.URL),
		URL:         entry.URL,
		Bytes:       int64(page.SizeBytes),
		Visits:      1,
		StatusClass: progress.ClassifyStatus(page.StatusCode),
		Dur:         resp.Duration,
	})
	r.publishEvent(ctx, "crawl.page", map[string]any{
		"page_url":    entry.URL,
		"status_code": page.StatusCode,
		"depth":       entry.Depth,
		"render_mode": string(page.RenderMode),
	})
	r.logger.Debug("page recorded",
		zap.String("url", entry.URL),
		zap.Int("status", page.StatusCode),
		zap.Int("links", len(links)),
		zap.Int("images", len(images)),
		zap.Int("issues", len(issues)))
}

// extract parses facts out of the response body, resolving relative URLs
// against the final URL when redirects moved the page.
func (r *crawlRun) extract(resp crawl.FetchResponse) crawl.PageFacts {
	base := resp.FinalURL
	if base == "" {
		base = resp.URL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		r.logger.Warn("unparseable base URL, skipping extraction", zap.String("url", base))
		return crawl.PageFacts{}
	}
	return r.w.extractor.Extract(resp.Body, baseURL, r.seedHost)
}

// snapshot hashes the body and stores it under the content hash so
// repeated fetches of identical content share one object.
func (r *crawlRun) snapshot(ctx context.Context, page *crawl.Page, body []byte) {
	hash, err := r.w.deps.Hasher.Hash(body)
	if err != nil {
		r.logger.Error("content hash failed", zap.Error(err))
		return
	}
	page.ContentHash = hash
	uri, err := r.w.deps.Blobs.PutObject(ctx, r.blobPath(hash), r.w.cfg.ContentType, body)
	if err != nil {
		r.logger.Error("snapshot write failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	page.BlobURI = uri
}

func (r *crawlRun) blobPath(hash string) string {
	prefix := strings.Trim(r.w.cfg.BlobPrefix, "/")
	if prefix != "" {
		return fmt.Sprintf("%s/%s/%s.html", prefix, r.crawl.ID, hash)
	}
	return fmt.Sprintf("%s/%s.html", r.crawl.ID, hash)
}

// buildAssets converts extracted facts into stored link and image rows.
func (r *crawlRun) buildAssets(page crawl.Page, facts crawl.PageFacts) ([]crawl.Link, []crawl.Image) {
	var links []crawl.Link
	for _, lf := range facts.Links {
		id, err := r.w.deps.IDs.NewID()
		if err != nil {
			continue
		}
		links = append(links, crawl.Link{
			ID:         id,
			CrawlID:    r.crawl.ID,
			PageID:     page.ID,
			SourceURL:  page.URL,
			TargetURL:  lf.TargetURL,
			AnchorText: lf.AnchorText,
			IsInternal: lf.IsInternal,
			IsNofollow: lf.IsNofollow,
		})
	}
	var images []crawl.Image
	for _, imf := range facts.Images {
		id, err := r.w.deps.IDs.NewID()
		if err != nil {
			continue
		}
		images = append(images, crawl.Image{
			ID:      id,
			CrawlID: r.crawl.ID,
			PageID:  page.ID,
			Src:     imf.Src,
			Alt:     imf.Alt,
			HasAlt:  imf.HasAlt,
			Width:   imf.Width,
			Height:  imf.Height,
		})
	}
	return links, images
}

// stampIssues fills the fields the rule engines leave to the caller.
func (r *crawlRun) stampIssues(issues []crawl.Issue) []crawl.Issue {
	now := r.w.deps.Clock.Now()
	for i := range issues {
		if id, err := r.w.deps.IDs.NewID(); err == nil {
			issues[i].ID = id
		}
		issues[i].CrawlID = r.crawl.ID
		issues[i].Created = now
	}
	return issues
}

func (r *crawlRun) persistIssues(ctx context.Context, issues []crawl.Issue) {
	if len(issues) == 0 {
		return
	}
	if err := r.w.deps.Store.CreateIssues(ctx, issues); err != nil {
		r.logger.Error("issue write failed", zap.Error(err))
		return
	}
	r.counters.IssuesFound += len(issues)
	crawl.CountIssues(issues)
}

// mirrorPage copies one page's records into the analytics mirror. Mirror
// failures never fail the crawl.
func (r *crawlRun) mirrorPage(ctx context.Context, page crawl.Page, links []crawl.Link, images []crawl.Image, issues []crawl.Issue) {
	m := r.w.deps.Mirror
	if m == nil {
		return
	}
	if err := m.MirrorPage(ctx, page); err != nil {
		r.logger.Warn("page mirror failed", zap.Error(err))
	}
	if len(links) > 0 {
		if err := m.MirrorLinks(ctx, links); err != nil {
			r.logger.Warn("link mirror failed", zap.Error(err))
		}
	}
	if len(images) > 0 {
		if err := m.MirrorImages(ctx, images); err != nil {
			r.logger.Warn("image mirror failed", zap.Error(err))
		}
	}
	if len(issues) > 0 {
		if err := m.MirrorIssues(ctx, issues); err != nil {
			r.logger.Warn("issue mirror failed", zap.Error(err))
		}
	}
}

// drainVerifier waits for outstanding verifications. Stopped or
// over-budget crawls get a bounded grace period instead of an open-ended
// wait.
func (r *crawlRun) drainVerifier(ctx context.Context, rushed bool) {
	drainCtx := ctx
	if rushed || ctx.Err() != nil {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(context.Background(), r.w.cfg.DrainGrace)
		defer cancel()
	}
	if err := r.verifier.Drain(drainCtx); err != nil {
		r.logger.Warn("verification drain cut short", zap.Error(err))
	}
}

// audit runs the crawl-wide rules over everything stored for the crawl.
func (r *crawlRun) audit(ctx context.Context) {
	pages, err := r.w.deps.Store.ListPages(ctx, r.crawl.ID, crawl.PageFilter{})
	if err != nil {
		r.logger.Error("audit page listing failed", zap.Error(err))
		return
	}
	links, err := r.w.deps.Store.ListLinks(ctx, r.crawl.ID, crawl.LinkFilter{})
	if err != nil {
		r.logger.Error("audit link listing failed", zap.Error(err))
		return
	}
	images, err := r.w.deps.Store.ListImages(ctx, r.crawl.ID, crawl.ImageFilter{})
	if err != nil {
		r.logger.Error("audit image listing failed", zap.Error(err))
		return
	}
	issues := r.stampIssues(r.w.auditor.Audit(pages, links, images))
	if len(issues) == 0 {
		return
	}
	r.persistIssues(ctx, issues)
	if r.w.deps.Mirror != nil {
		if err := r.w.deps.Mirror.MirrorIssues(ctx, issues); err != nil {
			r.logger.Warn("issue mirror failed", zap.Error(err))
		}
	}
	r.logger.Info("audit complete", zap.Int("issues", len(issues)))
}

// finalStatus maps how traversal ended onto the crawl's terminal status.
// A stop always wins; otherwise a crawl with zero successful pages failed
// and anything else completed, including partial crawls cut off by the
// wall-clock budget.
func (r *crawlRun) finalStatus(stopped, budgetHit bool) (crawl.Status, string) {
	if stopped {
		return crawl.StatusStopped, ""
	}
	if r.counters.PagesCrawled == 0 {
		errText := r.lastFailure
		if errText == "" {
			errText = "no pages were fetched"
		}
		return crawl.StatusFailed, errText
	}
	if budgetHit {
		r.logger.Info("runtime budget exhausted, completing with partial results")
	}
	return crawl.StatusCompleted, ""
}

// finish writes the terminal status and emits the matching lifecycle
// signals. When the crawl was finished externally the status row is
// already terminal and only the local bookkeeping runs.
func (r *crawlRun) finish(ctx context.Context, status crawl.Status, errText string) {
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), r.w.cfg.ShutdownGrace)
		defer cancel()
	}
	if !r.externallyStopped {
		if err := r.w.deps.Store.UpdateCrawlStatus(writeCtx, r.crawl.ID, status, errText, r.counters); err != nil {
			r.logger.Error("final status write failed", zap.String("status", string(status)), zap.Error(err))
		}
	}
	if r.marked {
		crawl.MarkCrawlFinished(status)
	}
	if r.w.deps.Budget != nil {
		r.w.deps.Budget.Forget(r.crawl.ID)
	}
	if status == crawl.StatusFailed {
		r.emit(progress.Event{Stage: progress.StageCrawlError, Site: r.seedHost, Note: errText})
	} else {
		r.emit(progress.Event{
			Stage:  progress.StageCrawlDone,
			Site:   r.seedHost,
			Visits: int64(r.counters.PagesCrawled),
		})
	}
	r.publishEvent(writeCtx, "crawl.finished", map[string]any{
		"status":        string(status),
		"pages_crawled": r.counters.PagesCrawled,
		"pages_failed":  r.counters.PagesFailed,
		"links_broken":  r.counters.LinksBroken,
		"images_broken": r.counters.ImagesBroken,
		"issues_found":  r.counters.IssuesFound,
	})
}

// emit sends a progress event when a hub is wired and the crawl ID parsed
// as a UUID.
func (r *crawlRun) emit(evt progress.Event) {
	if r.w.deps.Hub == nil || !r.hasEvent {
		return
	}
	evt.CrawlID = r.eventID
	evt.TS = r.w.deps.Clock.Now()
	r.w.deps.Hub.Emit(evt)
}

// publishEvent pushes a lifecycle event onto the configured topic.
func (r *crawlRun) publishEvent(ctx context.Context, event string, extra map[string]any) {
	if r.w.deps.Publisher == nil || r.w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"event":     event,
		"crawl_id":  r.crawl.ID,
		"url":       r.crawl.Spec.URL,
		"timestamp": r.w.deps.Clock.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := r.w.deps.Publisher.Publish(ctx, r.w.cfg.Topic, payload); err != nil {
		r.logger.Warn("lifecycle publish failed", zap.String("event", event), zap.Error(err))
	}
}
