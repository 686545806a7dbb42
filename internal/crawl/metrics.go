package crawl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	crawlsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_crawls_started_total",
		Help: "The total number of crawls moved to running.",
	})
	crawlsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_crawls_finished_total",
		Help: "The total number of crawls reaching a terminal status.",
	}, []string{"status"})
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_pages_fetched_total",
		Help: "The total number of pages fetched, by render mode.",
	}, []string{"mode"})
	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_fetch_errors_total",
		Help: "The total number of page fetches that failed, by kind.",
	}, []string{"kind"})
	frontierDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_frontier_drops_total",
		Help: "The total number of URLs rejected at frontier admission.",
	}, []string{"reason"})
	robotsDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_robots_denied_total",
		Help: "The total number of URLs skipped because robots.txt disallowed them.",
	})
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_verifications_total",
		Help: "The total number of link and image probes, by outcome.",
	}, []string{"outcome"})
	issuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_issues_total",
		Help: "The total number of issues recorded, by severity.",
	}, []string{"severity"})
	activeCrawls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawler_active_crawls",
		Help: "The number of crawls currently running.",
	})
)

// CountIssues feeds the issue counter, used by whichever component persists.
func CountIssues(issues []Issue) {
	for _, issue := range issues {
		issuesTotal.WithLabelValues(string(issue.Severity)).Inc()
	}
}

// MarkCrawlStarted and MarkCrawlFinished keep the lifecycle metrics coherent
// with the store's status transitions.
func MarkCrawlStarted() {
	crawlsStartedTotal.Inc()
	activeCrawls.Inc()
}

// MarkCrawlFinished records a terminal transition.
func MarkCrawlFinished(status Status) {
	crawlsFinishedTotal.WithLabelValues(string(status)).Inc()
	activeCrawls.Dec()
}

// MarkPageFetched records a completed fetch.
func MarkPageFetched(mode RenderMode) {
	pagesFetchedTotal.WithLabelValues(string(mode)).Inc()
}

// MarkFetchError records a failed fetch by kind.
func MarkFetchError(kind FetchErrorKind) {
	fetchErrorsTotal.WithLabelValues(string(kind)).Inc()
}

// MarkRobotsDenied records a robots.txt rejection.
func MarkRobotsDenied() {
	robotsDeniedTotal.Inc()
}

// MarkVerification records one probe outcome.
func MarkVerification(broken bool) {
	outcome := "ok"
	if broken {
		outcome = "broken"
	}
	verificationsTotal.WithLabelValues(outcome).Inc()
}
