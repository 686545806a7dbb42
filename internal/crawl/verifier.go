package crawl

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// verifyRef remembers which records share one target URL, so every target is
// probed at most once per crawl.
type verifyRef struct {
	linkIDs  []string
	imageIDs []string
	done     bool
	result   VerificationResult
}

// VerifierConfig wires one crawl's verifier.
type VerifierConfig struct {
	CrawlID     string
	UserAgent   string
	Timeout     time.Duration
	RedirectCap int
	Store       CrawlStore
	Limiter     HostLimiter
	Client      *http.Client
	Logger      *zap.Logger
}

// Verifier probes discovered links and images with lightweight requests on
// its own pacing, independent of the page-fetching frontier. HEAD is tried
// first, falling back to a ranged GET where HEAD is unsupported. Redirects
// are followed up to the cap, then the target counts as broken.
type Verifier struct {
	crawlID   string
	userAgent string
	timeout   time.Duration
	store     CrawlStore
	limiter   HostLimiter
	client    *http.Client
	logger    *zap.Logger

	mu      sync.Mutex
	pending []string
	refs    map[string]*verifyRef
	closed  bool
	stats   VerifyStats

	notify   chan struct{}
	finished chan struct{}
}

// NewVerifier builds a verifier for one crawl.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RedirectCap <= 0 {
		cfg.RedirectCap = DefaultRedirectCap
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= cfg.RedirectCap {
					return ErrTooManyRedirects
				}
				return nil
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		crawlID:   cfg.CrawlID,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		store:     cfg.Store,
		limiter:   cfg.Limiter,
		client:    client,
		logger:    logger,
		refs:      make(map[string]*verifyRef),
		notify:    make(chan struct{}, 1),
		finished:  make(chan struct{}),
	}
}

// Submit registers records for verification. Targets already probed have the
// cached verdict applied immediately; new targets join the backlog.
func (v *Verifier) Submit(ctx context.Context, links []Link, images []Image) {
	type lateApply struct {
		linkID  string
		imageID string
		result  VerificationResult
	}
	var lates []lateApply

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	for _, link := range links {
		ref := v.ref(link.TargetURL)
		if ref.done {
			v.countLocked(true, false, ref.result.Broken)
			lates = append(lates, lateApply{linkID: link.ID, result: ref.result})
			continue
		}
		ref.linkIDs = append(ref.linkIDs, link.ID)
	}
	for _, img := range images {
		ref := v.ref(img.Src)
		if ref.done {
			v.countLocked(false, true, ref.result.Broken)
			lates = append(lates, lateApply{imageID: img.ID, result: ref.result})
			continue
		}
		ref.imageIDs = append(ref.imageIDs, img.ID)
	}
	v.mu.Unlock()

	for _, late := range lates {
		v.apply(ctx, late.linkID, late.imageID, late.result)
	}
	v.wake()
}

// ref returns the tracking entry for a target, creating it (and queueing the
// target) on first sight. Callers hold the lock.
func (v *Verifier) ref(target string) *verifyRef {
	ref := v.refs[target]
	if ref == nil {
		ref = &verifyRef{}
		v.refs[target] = ref
		v.pending = append(v.pending, target)
	}
	return ref
}

// Run processes the backlog until Drain has been called and the backlog is
// empty, or ctx ends. Results from probes cut short by cancellation are
// discarded rather than recorded as broken.
func (v *Verifier) Run(ctx context.Context) {
	defer close(v.finished)
	for {
		target, ok := v.next()
		if !ok {
			v.mu.Lock()
			finished := v.closed && len(v.pending) == 0
			v.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-v.notify:
			}
			continue
		}
		result := v.probe(ctx, target)
		if ctx.Err() != nil {
			return
		}
		v.complete(ctx, target, result)
	}
}

func (v *Verifier) next() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.pending) == 0 {
		return "", false
	}
	target := v.pending[0]
	v.pending = v.pending[1:]
	return target, true
}

func (v *Verifier) probe(ctx context.Context, target string) VerificationResult {
	if v.limiter != nil {
		if _, err := v.limiter.Wait(ctx, Host(target)); err != nil {
			return VerificationResult{Broken: true, Error: err.Error()}
		}
	}
	start := time.Now()
	result := v.request(ctx, http.MethodHead, target)
	if result.StatusCode == http.StatusMethodNotAllowed || result.StatusCode == http.StatusNotImplemented {
		result = v.request(ctx, http.MethodGet, target)
	}
	result.Latency = time.Since(start)
	result.Broken = result.Error != "" || result.StatusCode >= 400
	MarkVerification(result.Broken)
	return result
}

func (v *Verifier) request(ctx context.Context, method, target string) VerificationResult {
	reqCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, target, nil)
	if err != nil {
		return VerificationResult{Error: err.Error()}
	}
	req.Header.Set("User-Agent", v.userAgent)
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return VerificationResult{Error: err.Error()}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			v.logger.Debug("Failed to close verification body", zap.Error(cerr))
		}
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return VerificationResult{StatusCode: resp.StatusCode}
}

func (v *Verifier) complete(ctx context.Context, target string, result VerificationResult) {
	v.mu.Lock()
	ref := v.refs[target]
	if ref == nil {
		v.mu.Unlock()
		return
	}
	ref.done = true
	ref.result = result
	linkIDs := ref.linkIDs
	imageIDs := ref.imageIDs
	ref.linkIDs = nil
	ref.imageIDs = nil
	for range linkIDs {
		v.countLocked(true, false, result.Broken)
	}
	for range imageIDs {
		v.countLocked(false, true, result.Broken)
	}
	v.mu.Unlock()

	for _, id := range linkIDs {
		v.apply(ctx, id, "", result)
	}
	for _, id := range imageIDs {
		v.apply(ctx, "", id, result)
	}
}

func (v *Verifier) apply(ctx context.Context, linkID, imageID string, result VerificationResult) {
	var err error
	switch {
	case linkID != "":
		err = v.store.UpdateLinkVerification(ctx, v.crawlID, linkID, result)
	case imageID != "":
		err = v.store.UpdateImageVerification(ctx, v.crawlID, imageID, result)
	}
	if err != nil {
		v.logger.Warn("Failed to record verification verdict",
			zap.String("crawl_id", v.crawlID),
			zap.Error(err),
		)
	}
}

func (v *Verifier) countLocked(isLink, isImage, broken bool) {
	if isLink {
		v.stats.LinksChecked++
		if broken {
			v.stats.LinksBroken++
		}
	}
	if isImage {
		v.stats.ImagesChecked++
		if broken {
			v.stats.ImagesBroken++
		}
	}
}

// Drain closes the intake and waits for the backlog to empty.
func (v *Verifier) Drain(ctx context.Context) error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.wake()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-v.finished:
		return nil
	}
}

// Stats returns a snapshot of verification counters.
func (v *Verifier) Stats() VerifyStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

func (v *Verifier) wake() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}
