package crawl

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Default rule thresholds, overridable through service configuration.
const (
	DefaultThinContentWords = 300
	DefaultLargePageBytes   = 3 << 20
	DefaultRedirectCap      = 3
)

// Classifier applies the per-page rule table to extracted facts. Rules are
// pure functions of the stored facts, so classification is deterministic and
// re-runnable offline. Rules that depend on verifier results run later, in
// the Auditor, because pages are classified before verification drains.
type Classifier struct {
	thinContentWords int
}

// NewClassifier builds a classifier; a non-positive threshold falls back to
// the default.
func NewClassifier(thinContentWords int) *Classifier {
	if thinContentWords <= 0 {
		thinContentWords = DefaultThinContentWords
	}
	return &Classifier{thinContentWords: thinContentWords}
}

// Classify returns the issues detected on one page. A page that failed to
// load yields a single critical crawl error and nothing else: its content
// facts are meaningless. IDs and timestamps are left for the caller.
func (c *Classifier) Classify(page Page, images []Image) []Issue {
	if !page.Succeeded() {
		msg := fmt.Sprintf("Page returned HTTP %d", page.StatusCode)
		if page.StatusCode == 0 {
			msg = "Page could not be fetched"
		}
		return []Issue{pageIssue(page, IssueCrawlError, SeverityCritical, msg, page.Error)}
	}
	if !IsHTMLContent(page.ContentType) {
		return nil
	}

	var issues []Issue
	switch titleLen := utf8.RuneCountInString(page.Title); {
	case page.Title == "":
		issues = append(issues, pageIssue(page, IssueTechnical, SeverityHigh, "Missing title tag", ""))
	case titleLen < 30 || titleLen > 60:
		issues = append(issues, pageIssue(page, IssueSEO, SeverityMedium,
			fmt.Sprintf("Title length %d characters (recommended: 30-60)", titleLen), page.Title))
	}
	switch descLen := utf8.RuneCountInString(page.MetaDescription); {
	case page.MetaDescription == "":
		issues = append(issues, pageIssue(page, IssueSEO, SeverityMedium, "Missing meta description", ""))
	case descLen < 50 || descLen > 160:
		issues = append(issues, pageIssue(page, IssueSEO, SeverityLow,
			fmt.Sprintf("Meta description length %d characters (recommended: 50-160)", descLen), ""))
	}
	switch n := len(page.H1); {
	case n == 0:
		issues = append(issues, pageIssue(page, IssueSEO, SeverityHigh, "Missing H1 heading", ""))
	case n > 1:
		issues = append(issues, pageIssue(page, IssueSEO, SeverityMedium,
			fmt.Sprintf("Multiple H1 headings (%d found)", n), ""))
	}
	if page.WordCount < c.thinContentWords {
		issues = append(issues, pageIssue(page, IssueContentQuality, SeverityMedium,
			fmt.Sprintf("Thin content: %d words (recommended: %d+)", page.WordCount, c.thinContentWords), ""))
	}
	if !page.HasViewport {
		issues = append(issues, pageIssue(page, IssueTechnical, SeverityMedium, "Missing viewport meta tag", ""))
	}
	if !page.HasLang {
		issues = append(issues, pageIssue(page, IssueAccessibility, SeverityLow, "Missing lang attribute on <html>", ""))
	}
	if n, srcs := missingAlt(images); n > 0 {
		issues = append(issues, pageIssue(page, IssueAccessibility, SeverityHigh,
			fmt.Sprintf("%d images missing alt text", n), strings.Join(srcs, ", ")))
	}
	return issues
}

// IsHTMLContent reports whether a Content-Type header names a document the
// extractor and content rules understand. An absent header is assumed HTML.
func IsHTMLContent(contentType string) bool {
	if contentType == "" {
		return true
	}
	lower := strings.ToLower(contentType)
	return strings.Contains(lower, "text/html") || strings.Contains(lower, "application/xhtml")
}

// missingAlt counts images whose alt text is absent or empty and samples up
// to three offending sources.
func missingAlt(images []Image) (int, []string) {
	var count int
	var srcs []string
	for _, img := range images {
		if img.HasAlt {
			continue
		}
		count++
		if len(srcs) < 3 {
			srcs = append(srcs, img.Src)
		}
	}
	if count > 3 {
		srcs = append(srcs, "...")
	}
	return count, srcs
}

func pageIssue(page Page, typ IssueType, sev Severity, msg, details string) Issue {
	return Issue{
		CrawlID:  page.CrawlID,
		PageID:   page.ID,
		Type:     typ,
		Severity: sev,
		Message:  msg,
		Details:  details,
		Context:  page.URL,
	}
}
