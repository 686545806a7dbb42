package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the crawl_runs status column. It is telemetry-level
// state, coarser than the crawl lifecycle the API exposes.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// CrawlRun models the crawl_runs table for dashboard queries.
type CrawlRun struct {
	// ID is the primary key of crawl_runs (matches CrawlID for single runs).
	ID uuid.UUID
	// CrawlID is the crawl identifier shared with workers.
	CrawlID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	// Status is running/success/error.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// SiteStats captures per-host aggregation for a crawl.
type SiteStats struct {
	// CrawlID is the owning crawl.
	CrawlID uuid.UUID
	// Site is the normalized host label (e.g., example.com).
	Site string
	// LastUpdate captures the timestamp of the most recent aggregate.
	LastUpdate time.Time
	// Visits counts fetched pages for the host.
	Visits int64
	// BytesTotal accumulates response bytes.
	BytesTotal int64
	// Fetch2xx-5xx hold per-status counts for diagnostics.
	Fetch2xx int64
	Fetch3xx int64
	Fetch4xx int64
	Fetch5xx int64
}

// ProgressRepository persists incremental crawl progress.
type ProgressRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, crawlID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, crawlID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertSiteStats applies visit/byte deltas per (crawl, site, statusClass).
	UpsertSiteStats(
		ctx context.Context,
		crawlID uuid.UUID,
		site string,
		deltaVisits int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error

	// GetRun loads a single crawl run or returns ErrNotFound.
	GetRun(ctx context.Context, crawlID uuid.UUID) (CrawlRun, error)
	// ListRuns returns crawl runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]CrawlRun, error)
	// ListRunSites returns aggregated site stats for one crawl.
	ListRunSites(ctx context.Context, crawlID uuid.UUID, limit, offset int) ([]SiteStats, error)
}
