package crawl

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html lang="en">
<head>
	<title>  Widgets &amp; Gadgets  </title>
	<meta name="description" content="All the widgets you could want.">
	<meta name="viewport" content="width=device-width, initial-scale=1">
	<link rel="canonical" href="/widgets">
	<script>var tracking = "should not count";</script>
	<style>body { color: red; }</style>
</head>
<body>
	<h1>Widgets</h1>
	<h2>Popular</h2>
	<h2>New arrivals</h2>
	<h3>Blue widget</h3>
	<p>Our widgets are the finest widgets available anywhere.</p>
	<a href="/pricing">Pricing</a>
	<a href="https://partner.org/deal" rel="sponsored nofollow">Partner deal</a>
	<a href="#top">Back to top</a>
	<a href="mailto:sales@example.com">Email us</a>
	<a href="javascript:void(0)">Noop</a>
	<img src="/img/widget.png" alt="A blue widget" width="640" height="480">
	<img src="/img/banner.jpg" alt="">
	<img src="data:image/gif;base64,R0lGOD">
</body>
</html>`

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestExtractorFullDocument(t *testing.T) {
	t.Parallel()

	base := mustParse(t, "https://example.com/catalog")
	facts := NewExtractor().Extract([]byte(samplePage), base, "example.com")

	require.Equal(t, "Widgets & Gadgets", facts.Title)
	require.Equal(t, "All the widgets you could want.", facts.MetaDescription)
	require.Equal(t, "https://example.com/widgets", facts.CanonicalURL)
	require.True(t, facts.HasViewport)
	require.True(t, facts.HasLang)
	require.True(t, facts.IsIndexable)

	require.Equal(t, []string{"Widgets"}, facts.H1)
	require.Equal(t, []string{"Popular", "New arrivals"}, facts.H2)
	require.Equal(t, []string{"Blue widget"}, facts.H3)

	require.Len(t, facts.Links, 2, "fragment, mailto and javascript hrefs are skipped")
	require.Equal(t, "https://example.com/pricing", facts.Links[0].TargetURL)
	require.Equal(t, "Pricing", facts.Links[0].AnchorText)
	require.True(t, facts.Links[0].IsInternal)
	require.False(t, facts.Links[0].IsNofollow)
	require.Equal(t, "https://partner.org/deal", facts.Links[1].TargetURL)
	require.False(t, facts.Links[1].IsInternal)
	require.True(t, facts.Links[1].IsNofollow)

	require.Len(t, facts.Images, 2, "data URIs are skipped")
	require.Equal(t, "https://example.com/img/widget.png", facts.Images[0].Src)
	require.True(t, facts.Images[0].HasAlt)
	require.Equal(t, 640, facts.Images[0].Width)
	require.Equal(t, 480, facts.Images[0].Height)
	require.False(t, facts.Images[1].HasAlt, "empty alt counts as missing")

	require.Positive(t, facts.WordCount)
	require.NotContains(t, facts.TextExcerpt, "tracking", "script text is not visible text")
	require.NotContains(t, facts.TextExcerpt, "color: red")
}

func TestExtractorNoindex(t *testing.T) {
	t.Parallel()

	page := `<html><head><meta name="robots" content="NOINDEX, nofollow"></head><body></body></html>`
	facts := NewExtractor().Extract([]byte(page), mustParse(t, "https://example.com/"), "example.com")
	require.False(t, facts.IsIndexable)
}

func TestExtractorHeadingOrderPreserved(t *testing.T) {
	t.Parallel()

	page := `<html><body><h1>First</h1><p>x</p><h1>Second</h1><h1>First</h1></body></html>`
	facts := NewExtractor().Extract([]byte(page), mustParse(t, "https://example.com/"), "example.com")
	require.Equal(t, []string{"First", "Second", "First"}, facts.H1, "document order, no deduplication")
}

func TestExtractorMalformedDocument(t *testing.T) {
	t.Parallel()

	page := `<html><body><h1>Still here</h1><a href="/next">next`
	facts := NewExtractor().Extract([]byte(page), mustParse(t, "https://example.com/"), "example.com")
	require.Equal(t, []string{"Still here"}, facts.H1)
	require.Len(t, facts.Links, 1)
	require.Equal(t, "https://example.com/next", facts.Links[0].TargetURL)
}

func TestExtractorEmptyBody(t *testing.T) {
	t.Parallel()

	facts := NewExtractor().Extract(nil, mustParse(t, "https://example.com/"), "example.com")
	require.True(t, facts.IsIndexable)
	require.Zero(t, facts.WordCount)
	require.Empty(t, facts.Links)
	require.Empty(t, facts.Images)
}

func TestExtractorAnchorTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 600)
	page := `<html><body><a href="/x">` + long + `</a></body></html>`
	facts := NewExtractor().Extract([]byte(page), mustParse(t, "https://example.com/"), "example.com")
	require.Len(t, facts.Links, 1)
	require.Len(t, facts.Links[0].AnchorText, 500)
}
