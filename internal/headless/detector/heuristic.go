// Package detector decides when to promote page fetches to the headless
// renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/pagelens/crawler/internal/crawl"
)

const (
	defaultBodyLengthThreshold = 2048
	minDocumentLength          = 1000
	minStructuralElements      = 5
)

// Heuristic implements a handful of rule-based promotions: known SPA shell
// markers, suspiciously small documents, script-dominated documents, and
// documents with almost no structural markup.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("__NUXT__"),
	[]byte("ng-version"),
}

// ShouldPromote decides whether the static response looks like a JavaScript
// shell that needs a headless fetch to produce real content.
func (h *Heuristic) ShouldPromote(resp crawl.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	if len(body) < minDocumentLength {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	return structuralElements(body) < minStructuralElements
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}

// Tags counted as structural content. "<p" alone would also match <path>,
// <picture> and <pre>, so the paragraph forms are listed explicitly.
var structuralTags = []string{
	"<div", "<p>", "<p ", "<h1", "<h2", "<h3", "<section", "<article",
}

func structuralElements(body []byte) int {
	lower := strings.ToLower(string(body))
	count := 0
	for _, tag := range structuralTags {
		count += strings.Count(lower, tag)
	}
	return count
}
