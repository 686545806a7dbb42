package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pagelens/crawler/internal/crawl"
)

// MonitorConfig tunes the stale-crawl sweep.
type MonitorConfig struct {
	// SweepInterval is the pause between sweeps.
	SweepInterval time.Duration
	// RunningDeadline is the grace allowed beyond a crawl's own runtime
	// budget before a running crawl is declared abandoned.
	RunningDeadline time.Duration
	// QueuedDeadline is how long a crawl may sit queued before it is
	// declared lost.
	QueuedDeadline time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.RunningDeadline <= 0 {
		c.RunningDeadline = 30 * time.Minute
	}
	if c.QueuedDeadline <= 0 {
		c.QueuedDeadline = time.Hour
	}
	return c
}

// Monitor reaps crawls abandoned by a crashed or partitioned worker. A
// crawl that stays running past its runtime budget plus grace, or queued
// past the queued deadline, is failed so it stops looking alive to API
// clients.
type Monitor struct {
	store  crawl.CrawlStore
	clock  crawl.Clock
	cfg    MonitorConfig
	logger *zap.Logger
}

// NewMonitor builds a monitor over the given store.
func NewMonitor(store crawl.CrawlStore, clock crawl.Clock, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:  store,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run sweeps on the configured interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns how many crawls were reaped.
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.clock.Now()
	reaped := m.reapRunning(ctx, now)
	reaped += m.reapQueued(ctx, now)
	if reaped > 0 {
		m.logger.Info("stale crawls reaped", zap.Int("count", reaped))
	}
	return reaped
}

func (m *Monitor) reapRunning(ctx context.Context, now time.Time) int {
	crawls, err := m.store.ListCrawls(ctx, crawl.CrawlFilter{Status: crawl.StatusRunning})
	if err != nil {
		m.logger.Error("running crawl listing failed", zap.Error(err))
		return 0
	}
	var reaped int
	for _, c := range crawls {
		started := c.Created
		if c.Started != nil {
			started = *c.Started
		}
		cutoff := started.Add(c.Spec.Runtime() + m.cfg.RunningDeadline)
		if now.Before(cutoff) {
			continue
		}
		if m.fail(ctx, c, "Crawl timed out: exceeded maximum runtime") {
			reaped++
		}
	}
	return reaped
}

func (m *Monitor) reapQueued(ctx context.Context, now time.Time) int {
	crawls, err := m.store.ListCrawls(ctx, crawl.CrawlFilter{Status: crawl.StatusQueued})
	if err != nil {
		m.logger.Error("queued crawl listing failed", zap.Error(err))
		return 0
	}
	var reaped int
	for _, c := range crawls {
		if now.Before(c.Created.Add(m.cfg.QueuedDeadline)) {
			continue
		}
		if m.fail(ctx, c, "Crawl timed out: never picked up by a worker") {
			reaped++
		}
	}
	return reaped
}

func (m *Monitor) fail(ctx context.Context, c crawl.Crawl, reason string) bool {
	err := m.store.UpdateCrawlStatus(ctx, c.ID, crawl.StatusFailed, reason, c.Counters)
	if err != nil {
		// A concurrent finish is fine; the crawl is no longer stale.
		m.logger.Warn("stale crawl update failed",
			zap.String("crawl_id", c.ID), zap.Error(err))
		return false
	}
	m.logger.Warn("stale crawl failed",
		zap.String("crawl_id", c.ID),
		zap.String("reason", reason))
	return true
}
