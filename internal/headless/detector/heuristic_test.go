package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagelens/crawler/internal/crawl"
)

// richStaticPage builds a document large and structured enough to pass every
// rule.
func richStaticPage() []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 10; i++ {
		b.WriteString("<div><p>")
		b.WriteString(strings.Repeat("server rendered content ", 10))
		b.WriteString("</p></div>")
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func TestHeuristicStaticPageNotPromoted(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	resp := crawl.FetchResponse{StatusCode: 200, Body: richStaticPage()}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristicEmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := crawl.FetchResponse{StatusCode: 200, Body: []byte("")}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristicSPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	for _, marker := range []string{
		`<div id="__next"></div>`,
		`<div id="root"></div>`,
		`<div id="app"></div>`,
		`<div data-reactroot></div>`,
		`<script>window.__NUXT__={}</script>`,
		`<app-root ng-version="17.0.0"></app-root>`,
	} {
		body := append(richStaticPage(), []byte(marker)...)
		resp := crawl.FetchResponse{StatusCode: 200, Body: body}
		require.True(t, h.ShouldPromote(resp), marker)
	}
}

func TestHeuristicTinyDocument(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	resp := crawl.FetchResponse{
		StatusCode: 200,
		Body:       []byte("<html><body><div><p>almost nothing here</p></div></body></html>"),
	}
	require.True(t, h.ShouldPromote(resp), "sub-1KB documents look like shells")
}

func TestHeuristicScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(4096)
	filler := strings.Repeat("<div><p>text</p></div>", 60)
	script := "<script>" + strings.Repeat("var x=1;", 100) + "</script>"
	resp := crawl.FetchResponse{
		StatusCode: 200,
		Body:       []byte("<html>" + script + filler + "</html>"),
	}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristicSparseStructure(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	body := "<html><body><span>" + strings.Repeat("inline text only ", 100) + "</span></body></html>"
	resp := crawl.FetchResponse{StatusCode: 200, Body: []byte(body)}
	require.True(t, h.ShouldPromote(resp), "no structural elements in a full-size body")
}

func TestHeuristicNon200NotPromoted(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := crawl.FetchResponse{StatusCode: 404, Body: []byte("not found")}
	require.False(t, h.ShouldPromote(resp))
}
