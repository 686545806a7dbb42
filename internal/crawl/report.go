package crawl

import "time"

// Report is an aggregate summary of a finished (or in-flight) crawl,
// computed on demand from stored facts rather than persisted.
type Report struct {
	CrawlID    string     `json:"crawl_id"`
	Name       string     `json:"name"`
	SeedURL    string     `json:"url"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"completed_at,omitempty"`

	PagesCrawled int            `json:"pages_crawled"`
	PagesFailed  int            `json:"pages_failed"`
	StatusCodes  map[string]int `json:"status_codes"`
	RenderModes  map[string]int `json:"render_modes"`

	AvgLoadTimeMs float64 `json:"avg_load_time_ms"`
	AvgWordCount  float64 `json:"avg_word_count"`
	TotalBytes    int64   `json:"total_bytes"`

	LinksFound   int `json:"links_found"`
	LinksBroken  int `json:"links_broken"`
	ImagesFound  int `json:"images_found"`
	ImagesBroken int `json:"images_broken"`

	IssuesFound      int            `json:"issues_found"`
	IssuesBySeverity map[string]int `json:"issues_by_severity"`
	IssuesByType     map[string]int `json:"issues_by_type"`
}

// BuildReport computes the summary for a crawl from its stored rows.
func BuildReport(c *Crawl, pages []Page, links []Link, images []Image, issues []Issue) Report {
	r := Report{
		CrawlID:          c.ID,
		Name:             c.Spec.Name,
		SeedURL:          c.Spec.URL,
		Status:           c.Status,
		CreatedAt:        c.Created,
		StartedAt:        c.Started,
		FinishedAt:       c.Finished,
		StatusCodes:      make(map[string]int),
		RenderModes:      make(map[string]int),
		IssuesBySeverity: make(map[string]int),
		IssuesByType:     make(map[string]int),
	}

	var loadTotal, wordTotal int64
	var htmlPages int
	for _, p := range pages {
		if p.Succeeded() {
			r.PagesCrawled++
		} else {
			r.PagesFailed++
		}
		r.StatusCodes[statusBucket(p.StatusCode)]++
		if p.RenderMode != "" {
			r.RenderModes[string(p.RenderMode)]++
		}
		r.TotalBytes += int64(p.SizeBytes)
		loadTotal += p.LoadTimeMs
		if p.Succeeded() && IsHTMLContent(p.ContentType) {
			wordTotal += int64(p.WordCount)
			htmlPages++
		}
	}
	if len(pages) > 0 {
		r.AvgLoadTimeMs = float64(loadTotal) / float64(len(pages))
	}
	if htmlPages > 0 {
		r.AvgWordCount = float64(wordTotal) / float64(htmlPages)
	}

	r.LinksFound = len(links)
	for _, l := range links {
		if l.IsBroken {
			r.LinksBroken++
		}
	}
	r.ImagesFound = len(images)
	for _, img := range images {
		if img.IsBroken {
			r.ImagesBroken++
		}
	}

	r.IssuesFound = len(issues)
	for _, is := range issues {
		r.IssuesBySeverity[string(is.Severity)]++
		r.IssuesByType[string(is.Type)]++
	}
	return r
}

// ProgressFor derives the live progress view from a crawl row. Terminal
// crawls always report 100 percent regardless of how far traversal got.
func ProgressFor(c *Crawl, now time.Time) Progress {
	p := Progress{
		CrawlID:      c.ID,
		Status:       c.Status,
		PagesCrawled: c.Counters.PagesCrawled,
		TotalPages:   c.Spec.MaxPages,
		CurrentURL:   c.CurrentURL,
	}
	if p.TotalPages > 0 {
		p.Percent = float64(p.PagesCrawled) / float64(p.TotalPages) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	if c.Status.Terminal() {
		p.Percent = 100
	}

	start := c.Created
	if c.Started != nil {
		start = *c.Started
	}
	end := now
	if c.Finished != nil {
		end = *c.Finished
	}
	if end.After(start) {
		p.ElapsedSeconds = end.Sub(start).Seconds()
	}

	if c.Status == StatusRunning && p.PagesCrawled > 0 && p.TotalPages > p.PagesCrawled {
		remaining := p.ElapsedSeconds / float64(p.PagesCrawled) * float64(p.TotalPages-p.PagesCrawled)
		p.RemainingSeconds = &remaining
	}
	return p
}

// statusBucket maps an HTTP status into the coarse class used by the report,
// keeping unfetched pages visible as their own bucket.
func statusBucket(code int) string {
	switch {
	case code == 0:
		return "unreachable"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
