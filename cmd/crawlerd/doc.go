// Package main hosts the crawler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and crawl management endpoints. Requests are
//     validated, normalized into a crawl.Spec with service defaults filled in, and persisted via the CrawlStore
//     before being enqueued for work.
//   - Dispatcher & queue: crawls flow through the configured queue backend (bounded in-memory channel or Pub/Sub
//     subscription) and are fanned out to a fixed worker pool sized by crawler.workers. Context cancellation stops
//     workers cleanly on shutdown; stop requests reach running workers through a shared stop registry.
//   - Fetch pipeline: each worker maintains a depth-ordered frontier seeded from the start URL and the site's
//     sitemap, consults robots.txt per the crawl spec, fetches via the Colly-based static fetcher, and promotes
//     thin documents to a headless Chromedp render when the JS-shell detector fires and the per-crawl headless
//     budget allows. Extraction produces page facts, links, images, and audit issues.
//   - Verification: discovered links and images are probed asynchronously under a per-host rate limit, and broken
//     targets feed back into the issue classifier before the crawl finalizes.
//   - Persistence & fanout: page snapshots are written to the configured BlobStore (memory/local/GCS). Facts are
//     mirrored to Postgres when a DSN is configured, and a compact Pub/Sub notification is published on lifecycle
//     transitions when a topic is configured. Progress events are batched by the hub and delivered to Prometheus,
//     Postgres, and log sinks for monitoring.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler. The monitor goroutine sweeps for
//     crawls stuck in queued or running and fails them past their deadlines.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; headless fetches have their own semaphore inside the
//     Chromedp fetcher plus a per-crawl render budget. Shutdown is coordinated via context cancellation propagated
//     from main through the dispatcher to workers, with a drain deadline on the dispatcher.
//   - Rate limiting: per-crawl politeness delay comes from the crawl spec; verification probes share a per-host
//     token bucket so audits do not hammer third-party hosts.
//   - Observability: zap logs carry crawl IDs and URLs at key transitions; Prometheus counters/histograms track
//     API and crawl activity; the progress hub batches lifecycle events for downstream sinks.
//
// Quick checklist:
//   - Configure env vars with the PAGELENS_ prefix: PAGELENS_HTTP_ADDR, PAGELENS_CRAWLER_WORKERS,
//     PAGELENS_HEADLESS_ENABLED, storage (PAGELENS_STORAGE_*), queue and publisher project/topic IDs, and
//     PAGELENS_DATABASE_DSN when persistence beyond memory is required.
//   - Run locally: go run ./cmd/crawlerd -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGTERM for graceful drain and shutdown of workers, with in-flight crawls bounded by
//     their max_runtime_seconds budget.
package main
