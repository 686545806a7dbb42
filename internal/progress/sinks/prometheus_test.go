package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/crawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	crawlID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlStart},
		{
			CrawlID:     crawlID,
			TS:          time.Now().Add(10 * time.Second),
			Stage:       progress.StagePageFetch,
			Site:        "example.com",
			Bytes:       1024,
			Visits:      1,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{
			CrawlID: crawlID,
			TS:      time.Now().Add(12 * time.Second),
			Stage:   progress.StagePageFail,
			Site:    "example.com",
		},
		{CrawlID: crawlID, TS: time.Now().Add(15 * time.Second), Stage: progress.StageCrawlDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.pageFetches.WithLabelValues("example.com", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.pageBytes.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.pageFailures.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDuration, "crawler_page_duration_seconds"))
}

// TestPrometheusSinkRunningGauge verifies duplicate starts do not double count.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	crawlID := progress.UUIDToBytes(uuid.New())
	start := progress.Event{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlStart}

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsRunning))

	done := progress.Event{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlError, Note: "boom"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{done}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("error")))
}

// TestPrometheusSinkVerifyCounter checks verification events accumulate probe counts.
func TestPrometheusSinkVerifyCounter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	crawlID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageVerify, Visits: 7},
		{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageVerify},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 8.0, testutil.ToFloat64(sink.verifyProbes))
}
