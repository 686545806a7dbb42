// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagelens/crawler/internal/config"
	"github.com/pagelens/crawler/internal/crawl"
	"github.com/pagelens/crawler/internal/dispatcher"
	"github.com/pagelens/crawler/internal/metrics"
	"github.com/pagelens/crawler/internal/worker"
)

// Server wires HTTP handlers to the dispatcher and the crawl store.
type Server struct {
	router     chi.Router
	store      crawl.CrawlStore
	mirror     crawl.FactMirror
	dispatcher *dispatcher.Dispatcher
	stops      *worker.StopRegistry
	idGen      crawl.IDGenerator
	clock      crawl.Clock
	progress   *ProgressHandler
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. mirror and
// progress may be nil when the Postgres layers are not configured.
func NewServer(
	store crawl.CrawlStore,
	mirror crawl.FactMirror,
	dispatcher *dispatcher.Dispatcher,
	stops *worker.StopRegistry,
	idGen crawl.IDGenerator,
	clock crawl.Clock,
	progress *ProgressHandler,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		mirror:     mirror,
		dispatcher: dispatcher,
		stops:      stops,
		idGen:      idGen,
		clock:      clock,
		progress:   progress,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.HTTP.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.HTTP.APIKey))
		}
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.createCrawl)
			r.Get("/", s.listCrawls)
			r.Route("/{crawl_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Post("/stop", s.stopCrawl)
				r.Delete("/", s.deleteCrawl)
				r.Get("/pages", s.listPages)
				r.Get("/links", s.listLinks)
				r.Get("/images", s.listImages)
				r.Get("/issues", s.listIssues)
				r.Get("/report", s.getReport)
				r.Get("/progress", s.getProgress)
			})
		})
		if s.progress != nil {
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.progress.ListRuns)
				r.Get("/{crawl_id}", s.progress.GetRun)
				r.Get("/{crawl_id}/sites", s.progress.ListRunSites)
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// In-memory dependencies are always ready; in future check downstreams.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) createCrawl(w http.ResponseWriter, r *http.Request) {
	var req createCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	spec := s.toSpec(req)
	if err := spec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.enqueueCrawl(r.Context(), spec)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"crawl": c})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := crawl.CrawlFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, perr := crawl.ParseStatus(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		f.Status = status
	}
	crawls, err := s.store.ListCrawls(r.Context(), f)
	if err != nil {
		s.logger.Error("list crawls failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list crawls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawls": crawls})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	c, ok := s.crawlByID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl": c})
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	c, ok := s.crawlByID(w, r)
	if !ok {
		return
	}
	if c.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("crawl already %s", c.Status))
		return
	}
	if s.stops != nil && s.stops.Stop(c.ID) {
		// A worker owns the crawl and will persist the stopped status once
		// traversal unwinds.
		writeJSON(w, http.StatusAccepted, map[string]string{"id": c.ID, "status": "stopping"})
		return
	}
	// Not picked up by a worker yet; transition the row directly so the
	// dequeue path skips it.
	if err := s.store.UpdateCrawlStatus(r.Context(), c.ID, crawl.StatusStopped, "", c.Counters); err != nil {
		if errors.Is(err, crawl.ErrTerminalStatus) {
			writeError(w, http.StatusConflict, "crawl already finished")
			return
		}
		s.logger.Error("stop crawl failed", zap.String("crawl_id", c.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to stop crawl")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": c.ID, "status": string(crawl.StatusStopped)})
}

func (s *Server) deleteCrawl(w http.ResponseWriter, r *http.Request) {
	c, ok := s.crawlByID(w, r)
	if !ok {
		return
	}
	if !c.Status.Terminal() && s.stops != nil {
		// Halt the worker before removing rows it is still writing.
		s.stops.Stop(c.ID)
	}
	if err := s.store.DeleteCrawl(r.Context(), c.ID); err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		s.logger.Error("delete crawl failed", zap.String("crawl_id", c.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete crawl")
		return
	}
	if s.mirror != nil {
		if err := s.mirror.DeleteCrawl(r.Context(), c.ID); err != nil {
			s.logger.Warn("mirror delete failed", zap.String("crawl_id", c.ID), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	c, ok := s.crawlByID(w, r)
	if !ok {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := crawl.PageFilter{Limit: limit, Offset: offset}
	if raw := r.URL.Query().Get("status_code"); raw != "" {
		code, perr := strconv.Atoi(raw)
		if perr != nil || code < 0 {
			writeError(w, http.StatusBadRequest, "invalid status_code")
			return
		}
		f.StatusCode = code
	}
	pages, err := s.store.ListPages(r.Context(), c.ID, f)
	if err != nil {
		s.logger.Error("list pages failed", zap.String("crawl_id", c.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	c, ok := s.crawlByID(w, r)
	if !ok {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	broken, err := parseOptionalBool(q, "broken")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	internal, err := parseOptionalBool(q, "internal")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := crawl.LinkFilter{
		BrokenOnly: broken != nil && *broken,
		Internal:   internal,
		Limit:      limit,
		Offset:     offset,
	}
	links, err := s.store.ListLinks(r.Context(), c.ID, f)
	if err != nil {
		s.logger.Error("list links failed", zap.String("crawl_id", c.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list links")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	c, ok := s.crawlByID(w, r)
	if !ok {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	broken, err := parseOptionalBool(q, "broken")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	missingAlt, err := parseOptionalBool(q, "missing_alt")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := crawl.ImageFilter{
		BrokenOnly:     broken != nil && *broken,
		MissingAltOnly: missingAlt != nil && *missingAlt,
		Limit:          limit,
		Offset:         offset,
	}
	images, err := s.store.ListImages(r.Context(), c.ID, f)
	if err != nil {
		s.logger.Error("list images failed", zap.String("crawl_id", c.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list images")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	c, ok := s.crawlByID(w, r)
	if !ok {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := crawl.IssueFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("severity")); raw != "" {
		sev, perr := crawl.ParseSeverity(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		f.Severity = sev
	}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		typ, perr := crawl.ParseIssueType(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		f.Type = typ
	}
	issues, err := s.store.ListIssues(r.Context(), c.ID, f)
	if err != nil {
		s.logger.Error("list issues failed", zap.String("crawl_id", c.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list issues")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	c, ok := s.crawlByID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	pages, err := s.store.ListPages(ctx, c.ID, crawl.PageFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load pages")
		return
	}
	links, err := s.store.ListLinks(ctx, c.ID, crawl.LinkFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load links")
		return
	}
	images, err := s.store.ListImages(ctx, c.ID, crawl.ImageFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load images")
		return
	}
	issues, err := s.store.ListIssues(ctx, c.ID, crawl.IssueFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load issues")
		return
	}
	writeJSON(w, http.StatusOK, crawl.BuildReport(&c, pages, links, images, issues))
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.crawlByID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, crawl.ProgressFor(&c, s.clock.Now()))
}

// crawlByID loads the crawl addressed by the route, writing the error
// response itself when the lookup fails.
func (s *Server) crawlByID(w http.ResponseWriter, r *http.Request) (crawl.Crawl, bool) {
	id := chi.URLParam(r, "crawl_id")
	c, err := s.store.GetCrawl(r.Context(), id)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
		} else {
			s.logger.Error("get crawl failed", zap.String("crawl_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load crawl")
		}
		return crawl.Crawl{}, false
	}
	return c, true
}

func (s *Server) enqueueCrawl(ctx context.Context, spec crawl.Spec) (crawl.Crawl, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return crawl.Crawl{}, fmt.Errorf("generate crawl id: %w", err)
	}
	now := s.clock.Now()
	c := crawl.Crawl{
		ID:      id,
		Spec:    spec,
		Status:  crawl.StatusQueued,
		Created: now,
	}
	if err := s.store.CreateCrawl(ctx, c); err != nil {
		return crawl.Crawl{}, fmt.Errorf("create crawl: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := crawl.QueueItem{CrawlID: id, Submitted: now.Unix()}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		// The row must not sit queued forever when no worker will see it.
		if uerr := s.store.UpdateCrawlStatus(ctx, id, crawl.StatusFailed, "failed to enqueue: "+err.Error(), crawl.Counters{}); uerr != nil {
			s.logger.Warn("failed to mark unenqueued crawl", zap.String("crawl_id", id), zap.Error(uerr))
		}
		return crawl.Crawl{}, fmt.Errorf("enqueue crawl: %w", err)
	}
	return c, nil
}

// createCrawlRequest uses pointers so omitted fields fall back to the
// service defaults rather than Go zero values.
type createCrawlRequest struct {
	URL            string   `json:"url"`
	Name           *string  `json:"name"`
	MaxDepth       *int     `json:"max_depth"`
	MaxPages       *int     `json:"max_pages"`
	RateLimit      *float64 `json:"rate_limit"`
	RespectRobots  *bool    `json:"respect_robots_txt"`
	FollowExternal *bool    `json:"follow_external_links"`
	JSRender       *bool    `json:"js_rendering"`
	UserAgent      *string  `json:"user_agent"`
	MaxRuntimeSec  *int     `json:"max_runtime_seconds"`
}

func (s *Server) toSpec(req createCrawlRequest) crawl.Spec {
	name := strings.TrimSpace(valueOrDefault(req.Name, ""))
	if name == "" {
		if host := crawl.Host(req.URL); host != "" {
			name = host
		} else {
			name = "Untitled Crawl"
		}
	}
	return crawl.Spec{
		URL:            req.URL,
		Name:           name,
		MaxDepth:       valueOrDefault(req.MaxDepth, s.cfg.Crawler.MaxDepthDefault),
		MaxPages:       valueOrDefault(req.MaxPages, s.cfg.Crawler.MaxPagesDefault),
		RateLimit:      valueOrDefault(req.RateLimit, s.cfg.Crawler.RateLimitDefault),
		RespectRobots:  valueOrDefault(req.RespectRobots, true),
		FollowExternal: valueOrDefault(req.FollowExternal, false),
		JSRender:       valueOrDefault(req.JSRender, false),
		UserAgent:      valueOrDefault(req.UserAgent, s.cfg.Crawler.DefaultUserAgent),
		MaxRuntimeSec:  valueOrDefault(req.MaxRuntimeSec, s.cfg.Crawler.MaxRuntimeDefault),
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func parseOptionalBool(q url.Values, key string) (*bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", key)
	}
	return &val, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
