package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/crawler/internal/crawl"
)

func TestMirrorPageInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mirror, err := NewFactMirrorWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	page := crawl.Page{
		ID:          "page-1",
		CrawlID:     "crawl-1",
		URL:         "https://example.com/about",
		FinalURL:    "https://example.com/about",
		StatusCode:  200,
		Depth:       1,
		RenderMode:  crawl.RenderStatic,
		LoadTimeMs:  120,
		ContentType: "text/html",
		SizeBytes:   2048,
		ContentHash: "abc123",
		BlobURI:     "gs://bucket/crawl-1/page-1.html",
		Title:       "About us",
		H1:          []string{"About"},
		WordCount:   310,
		HasViewport: true,
		HasLang:     true,
		IsIndexable: true,
		FetchedAt:   now,
	}

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(
			page.ID,
			page.CrawlID,
			page.URL,
			page.FinalURL,
			page.StatusCode,
			page.Error,
			page.Depth,
			page.IsPrimary,
			"static",
			page.LoadTimeMs,
			page.ContentType,
			page.SizeBytes,
			page.ContentHash,
			page.BlobURI,
			page.Title,
			page.MetaDescription,
			page.CanonicalURL,
			[]byte(`{"h1":["About"],"h2":[],"h3":[]}`),
			page.WordCount,
			page.TextExcerpt,
			page.HasViewport,
			page.HasLang,
			page.IsIndexable,
			page.FetchedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, mirror.MirrorPage(context.Background(), page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorPageRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mirror, err := NewFactMirrorWithPool(mock, "")
	require.NoError(t, err)
	require.Error(t, mirror.MirrorPage(context.Background(), crawl.Page{}))
}

func TestMirrorLinksUpsertsEachRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mirror, err := NewFactMirrorWithPool(mock, "audit_")
	require.NoError(t, err)

	status := 404
	links := []crawl.Link{
		{ID: "l1", CrawlID: "crawl-1", PageID: "page-1", SourceURL: "https://example.com", TargetURL: "https://example.com/a", IsInternal: true},
		{ID: "l2", CrawlID: "crawl-1", PageID: "page-1", SourceURL: "https://example.com", TargetURL: "https://other.io", IsBroken: true, StatusCode: &status, LatencyMs: 87},
	}
	for _, l := range links {
		mock.ExpectExec("INSERT INTO audit_links").
			WithArgs(
				l.ID, l.CrawlID, l.PageID, l.SourceURL, l.TargetURL, l.AnchorText,
				l.IsInternal, l.IsNofollow, l.IsBroken, l.StatusCode, l.Error, l.LatencyMs,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, mirror.MirrorLinks(context.Background(), links))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorImagesAndIssues(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mirror, err := NewFactMirrorWithPool(mock, "")
	require.NoError(t, err)

	img := crawl.Image{ID: "i1", CrawlID: "crawl-1", PageID: "page-1", Src: "https://example.com/logo.png", HasAlt: true, Alt: "logo"}
	mock.ExpectExec("INSERT INTO images").
		WithArgs(
			img.ID, img.CrawlID, img.PageID, img.Src, img.Alt, img.HasAlt,
			img.Width, img.Height, img.IsBroken, img.StatusCode,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, mirror.MirrorImages(context.Background(), []crawl.Image{img}))

	created := time.Unix(1700000000, 0).UTC()
	issue := crawl.Issue{
		ID:       "s1",
		CrawlID:  "crawl-1",
		PageID:   "page-1",
		Type:     crawl.IssueSEO,
		Severity: crawl.SeverityHigh,
		Message:  "Missing title tag",
		Created:  created,
	}
	mock.ExpectExec("INSERT INTO issues").
		WithArgs(
			issue.ID, issue.CrawlID, issue.PageID, "SEO", "high",
			issue.Message, issue.Details, issue.Context, issue.Created,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, mirror.MirrorIssues(context.Background(), []crawl.Issue{issue}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCrawlSweepsAllTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mirror, err := NewFactMirrorWithPool(mock, "")
	require.NoError(t, err)

	for _, table := range []string{"issues", "images", "links", "pages"} {
		mock.ExpectExec("DELETE FROM " + table).
			WithArgs("crawl-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 3))
	}

	require.NoError(t, mirror.DeleteCrawl(context.Background(), "crawl-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewFactMirrorWithPoolValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewFactMirrorWithPool(nil, "")
	require.Error(t, err)

	_, err = NewFactMirrorWithPool(mock, "bad-prefix;drop")
	require.Error(t, err)
}
