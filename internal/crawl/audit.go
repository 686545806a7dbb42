package crawl

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Auditor applies the crawl-wide rules once traversal ends and verification
// has drained: rules that need verifier verdicts (broken links and images)
// plus rules that need the whole page set (duplicates, orphans, oversized
// pages). Like the Classifier it is a pure function of stored facts.
type Auditor struct {
	largePageBytes int
}

// NewAuditor builds an auditor; a non-positive threshold falls back to the
// default.
func NewAuditor(largePageBytes int) *Auditor {
	if largePageBytes <= 0 {
		largePageBytes = DefaultLargePageBytes
	}
	return &Auditor{largePageBytes: largePageBytes}
}

// Audit returns the crawl-level issues for a finished traversal. IDs and
// timestamps are left for the caller.
func (a *Auditor) Audit(pages []Page, links []Link, images []Image) []Issue {
	var issues []Issue
	issues = append(issues, a.brokenLinkIssues(pages, links)...)
	issues = append(issues, a.brokenImageIssues(pages, images)...)
	issues = append(issues, a.largePageIssues(pages)...)
	issues = append(issues, a.duplicateTitleIssues(pages)...)
	issues = append(issues, a.duplicateDescriptionIssues(pages)...)
	issues = append(issues, a.orphanPageIssues(pages, links)...)
	return issues
}

// brokenLinkIssues emits one issue per page with broken outbound links, not
// one per link, to keep the issue table proportionate.
func (a *Auditor) brokenLinkIssues(pages []Page, links []Link) []Issue {
	type summary struct {
		count   int
		targets []string
	}
	byPage := make(map[string]*summary)
	for _, link := range links {
		if !link.IsBroken {
			continue
		}
		s := byPage[link.PageID]
		if s == nil {
			s = &summary{}
			byPage[link.PageID] = s
		}
		s.count++
		if len(s.targets) < 3 {
			s.targets = append(s.targets, link.TargetURL)
		}
	}
	var issues []Issue
	for _, page := range pages {
		s, ok := byPage[page.ID]
		if !ok {
			continue
		}
		details := strings.Join(s.targets, ", ")
		if s.count > 3 {
			details += ", ..."
		}
		issues = append(issues, pageIssue(page, IssueTechnical, SeverityHigh,
			fmt.Sprintf("%d broken links on page", s.count), details))
	}
	return issues
}

func (a *Auditor) brokenImageIssues(pages []Page, images []Image) []Issue {
	type summary struct {
		count int
		srcs  []string
	}
	byPage := make(map[string]*summary)
	for _, img := range images {
		if !img.IsBroken {
			continue
		}
		s := byPage[img.PageID]
		if s == nil {
			s = &summary{}
			byPage[img.PageID] = s
		}
		s.count++
		if len(s.srcs) < 3 {
			s.srcs = append(s.srcs, img.Src)
		}
	}
	var issues []Issue
	for _, page := range pages {
		s, ok := byPage[page.ID]
		if !ok {
			continue
		}
		details := strings.Join(s.srcs, ", ")
		if s.count > 3 {
			details += ", ..."
		}
		issues = append(issues, pageIssue(page, IssuePerformance, SeverityHigh,
			fmt.Sprintf("%d broken images on page", s.count), details))
	}
	return issues
}

func (a *Auditor) largePageIssues(pages []Page) []Issue {
	var issues []Issue
	thresholdMB := float64(a.largePageBytes) / (1 << 20)
	for _, page := range pages {
		if page.SizeBytes <= a.largePageBytes {
			continue
		}
		sizeMB := float64(page.SizeBytes) / (1 << 20)
		issues = append(issues, pageIssue(page, IssuePerformance, SeverityHigh,
			fmt.Sprintf("Page size is %.2fMB (recommended: < %.0fMB)", sizeMB, thresholdMB), ""))
	}
	return issues
}

func (a *Auditor) duplicateTitleIssues(pages []Page) []Issue {
	return a.duplicateValueIssues(pages,
		func(p Page) string { return p.Title },
		func(value string, n int) (IssueType, Severity, string) {
			return IssueSEO, SeverityHigh, fmt.Sprintf("Duplicate title tag shared by %d pages: %q", n, value)
		})
}

func (a *Auditor) duplicateDescriptionIssues(pages []Page) []Issue {
	return a.duplicateValueIssues(pages,
		func(p Page) string { return p.MetaDescription },
		func(value string, n int) (IssueType, Severity, string) {
			display := value
			if utf8.RuneCountInString(display) > 50 {
				display = truncateRunes(display, 50) + "..."
			}
			return IssueSEO, SeverityMedium, fmt.Sprintf("Duplicate meta description shared by %d pages: %q", n, display)
		})
}

// duplicateValueIssues groups successfully fetched pages by a fact value and
// emits one crawl-wide issue per value seen more than once. Values iterate
// in sorted order so re-runs produce identical issue lists.
func (a *Auditor) duplicateValueIssues(pages []Page, value func(Page) string, describe func(string, int) (IssueType, Severity, string)) []Issue {
	byValue := make(map[string][]Page)
	for _, page := range pages {
		if !page.Succeeded() {
			continue
		}
		v := value(page)
		if v == "" {
			continue
		}
		byValue[v] = append(byValue[v], page)
	}
	values := make([]string, 0, len(byValue))
	for v, group := range byValue {
		if len(group) > 1 {
			values = append(values, v)
		}
	}
	sort.Strings(values)

	var issues []Issue
	for _, v := range values {
		group := byValue[v]
		typ, sev, msg := describe(v, len(group))
		urls := make([]string, 0, 3)
		for _, page := range group {
			if len(urls) == 3 {
				break
			}
			urls = append(urls, page.URL)
		}
		issues = append(issues, Issue{
			CrawlID:  group[0].CrawlID,
			Type:     typ,
			Severity: sev,
			Message:  msg,
			Context:  strings.Join(urls, ", "),
		})
	}
	return issues
}

// orphanPageIssues flags successfully fetched pages that no crawled page
// links to. The seed is excluded: nothing is expected to link to it.
func (a *Auditor) orphanPageIssues(pages []Page, links []Link) []Issue {
	inbound := make(map[string]struct{})
	for _, link := range links {
		if !link.IsInternal {
			continue
		}
		if norm, err := NormalizeURL(link.TargetURL); err == nil {
			inbound[norm] = struct{}{}
		}
	}
	var issues []Issue
	for _, page := range pages {
		if page.IsPrimary || !page.Succeeded() {
			continue
		}
		if _, linked := inbound[page.URL]; linked {
			continue
		}
		issues = append(issues, pageIssue(page, IssueContentQuality, SeverityMedium,
			"Orphan page: not linked from any crawled page", ""))
	}
	return issues
}
