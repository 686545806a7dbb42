package crawl

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status represents the lifecycle state of a crawl.
type Status string

// Crawl status values persisted in the crawl store. Transitions are
// monotonic: queued -> running -> one of the terminal states.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// ParseStatus normalizes a client-supplied status string. Legacy dashboard
// aliases are accepted on input and mapped to canonical values.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending":
		return StatusQueued, nil
	case "running", "in_progress":
		return StatusRunning, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "stopped":
		return StatusStopped, nil
	}
	return "", fmt.Errorf("unknown crawl status %q", raw)
}

// ParseSeverity normalizes a client-supplied severity string.
func ParseSeverity(raw string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return SeverityCritical, nil
	case "high":
		return SeverityHigh, nil
	case "medium":
		return SeverityMedium, nil
	case "low":
		return SeverityLow, nil
	}
	return "", fmt.Errorf("unknown severity %q", raw)
}

// ParseIssueType normalizes a client-supplied issue type. Spaces may be
// written as underscores in query strings.
func ParseIssueType(raw string) (IssueType, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", " ") {
	case "seo":
		return IssueSEO, nil
	case "accessibility":
		return IssueAccessibility, nil
	case "performance":
		return IssuePerformance, nil
	case "content quality":
		return IssueContentQuality, nil
	case "technical":
		return IssueTechnical, nil
	case "crawl error":
		return IssueCrawlError, nil
	}
	return "", fmt.Errorf("unknown issue type %q", raw)
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ValidTransition reports whether a crawl may move from one status to
// another. Same-status updates are allowed for non-terminal states so
// counters can be refreshed mid-run; terminal states never change.
func ValidTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Spec captures the per-crawl configuration requested by the client.
type Spec struct {
	URL            string  `json:"url"`
	Name           string  `json:"name"`
	MaxDepth       int     `json:"max_depth"`
	MaxPages       int     `json:"max_pages"`
	RateLimit      float64 `json:"rate_limit"`
	RespectRobots  bool    `json:"respect_robots_txt"`
	FollowExternal bool    `json:"follow_external_links"`
	JSRender       bool    `json:"js_rendering"`
	UserAgent      string  `json:"user_agent"`
	MaxRuntimeSec  int     `json:"max_runtime_seconds"`
}

// Validate checks the spec against the documented bounds.
func (s Spec) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be absolute http or https, got %q", s.URL)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if s.MaxDepth < 1 || s.MaxDepth > 10 {
		return fmt.Errorf("max_depth %d outside [1,10]", s.MaxDepth)
	}
	if s.MaxPages < 1 || s.MaxPages > 1000 {
		return fmt.Errorf("max_pages %d outside [1,1000]", s.MaxPages)
	}
	if s.RateLimit < 0.1 || s.RateLimit > 10 {
		return fmt.Errorf("rate_limit %.2f outside [0.1,10]", s.RateLimit)
	}
	if s.UserAgent == "" {
		return fmt.Errorf("user_agent must not be empty")
	}
	if s.MaxRuntimeSec < 0 {
		return fmt.Errorf("max_runtime_seconds must not be negative")
	}
	return nil
}

// Runtime returns the wall-clock budget for the crawl, zero meaning none.
func (s Spec) Runtime() time.Duration {
	return time.Duration(s.MaxRuntimeSec) * time.Second
}

// Crawl represents one execution of the traversal engine against a start URL.
type Crawl struct {
	ID         string     `json:"id"`
	Spec       Spec       `json:"spec"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CurrentURL string     `json:"current_url,omitempty"`
	Created    time.Time  `json:"created_at"`
	Started    *time.Time `json:"started_at,omitempty"`
	Finished   *time.Time `json:"completed_at,omitempty"`
	Counters   Counters   `json:"counters"`
}

// Counters tracks progress stats per crawl.
type Counters struct {
	PagesCrawled int `json:"pages_crawled"`
	PagesFailed  int `json:"pages_failed"`
	LinksFound   int `json:"links_found"`
	LinksBroken  int `json:"links_broken"`
	ImagesFound  int `json:"images_found"`
	ImagesBroken int `json:"images_broken"`
	IssuesFound  int `json:"issues_found"`
}

// RenderMode records which fetch path produced a page.
type RenderMode string

const (
	RenderStatic   RenderMode = "static"
	RenderHeadless RenderMode = "headless"
)

// Page is the stored outcome of one fetched URL within a crawl. Pages are
// written once and never mutated; a re-run creates a new Crawl.
type Page struct {
	ID              string     `json:"id"`
	CrawlID         string     `json:"crawl_id"`
	URL             string     `json:"url"`
	FinalURL        string     `json:"final_url,omitempty"`
	StatusCode      int        `json:"status_code"`
	Error           string     `json:"error,omitempty"`
	Depth           int        `json:"crawl_depth"`
	IsPrimary       bool       `json:"is_primary"`
	RenderMode      RenderMode `json:"render_mode"`
	LoadTimeMs      int64      `json:"load_time_ms"`
	ContentType     string     `json:"content_type,omitempty"`
	SizeBytes       int        `json:"size_bytes"`
	ContentHash     string     `json:"content_hash,omitempty"`
	BlobURI         string     `json:"blob_uri,omitempty"`
	Title           string     `json:"title,omitempty"`
	MetaDescription string     `json:"meta_description,omitempty"`
	CanonicalURL    string     `json:"canonical_url,omitempty"`
	H1              []string   `json:"h1,omitempty"`
	H2              []string   `json:"h2,omitempty"`
	H3              []string   `json:"h3,omitempty"`
	WordCount       int        `json:"word_count"`
	TextExcerpt     string     `json:"text_excerpt,omitempty"`
	HasViewport     bool       `json:"has_viewport"`
	HasLang         bool       `json:"has_lang"`
	IsIndexable     bool       `json:"is_indexable"`
	FetchedAt       time.Time  `json:"created_at"`
}

// Succeeded reports whether the page loaded with a 2xx status.
func (p Page) Succeeded() bool {
	return p.StatusCode >= 200 && p.StatusCode < 300
}

// Link is one outbound anchor discovered on a page. StatusCode stays nil
// until the verifier has probed the target.
type Link struct {
	ID         string `json:"id"`
	CrawlID    string `json:"crawl_id"`
	PageID     string `json:"page_id"`
	SourceURL  string `json:"source_url"`
	TargetURL  string `json:"target_url"`
	AnchorText string `json:"anchor_text,omitempty"`
	IsInternal bool   `json:"is_internal"`
	IsNofollow bool   `json:"is_nofollow"`
	IsBroken   bool   `json:"is_broken"`
	StatusCode *int   `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
}

// Image is one <img> discovered on a page. HasAlt follows the strict
// accessibility reading: an empty alt attribute counts as missing.
type Image struct {
	ID         string `json:"id"`
	CrawlID    string `json:"crawl_id"`
	PageID     string `json:"page_id"`
	Src        string `json:"src"`
	Alt        string `json:"alt,omitempty"`
	HasAlt     bool   `json:"has_alt"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	IsBroken   bool   `json:"is_broken"`
	StatusCode *int   `json:"status_code,omitempty"`
}

// IssueType buckets issues for dashboard grouping.
type IssueType string

const (
	IssueSEO            IssueType = "SEO"
	IssueAccessibility  IssueType = "Accessibility"
	IssuePerformance    IssueType = "Performance"
	IssueContentQuality IssueType = "Content Quality"
	IssueTechnical      IssueType = "Technical"
	IssueCrawlError     IssueType = "Crawl Error"
)

// Severity ranks an issue. Aggregation order is fixed:
// critical > high > medium > low.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank maps a severity onto a sortable weight, highest first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Issue is one classified deviation from best practice. PageID is empty for
// crawl-wide issues such as duplicate titles.
type Issue struct {
	ID       string    `json:"id"`
	CrawlID  string    `json:"crawl_id"`
	PageID   string    `json:"page_id,omitempty"`
	Type     IssueType `json:"type"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Details  string    `json:"details,omitempty"`
	Context  string    `json:"context,omitempty"`
	Created  time.Time `json:"created_at"`
}

// PageFacts is the extractor's output for one document.
type PageFacts struct {
	Title           string
	MetaDescription string
	CanonicalURL    string
	H1              []string
	H2              []string
	H3              []string
	WordCount       int
	TextExcerpt     string
	HasViewport     bool
	HasLang         bool
	IsIndexable     bool
	Links           []LinkFact
	Images          []ImageFact
}

// LinkFact is one discovered anchor before persistence.
type LinkFact struct {
	TargetURL  string
	AnchorText string
	IsInternal bool
	IsNofollow bool
}

// ImageFact is one discovered image before persistence.
type ImageFact struct {
	Src    string
	Alt    string
	HasAlt bool
	Width  int
	Height int
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	CrawlID     string
	URL         string
	Depth       int
	UserAgent   string
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	RenderMode RenderMode
}

// VerificationResult is the verifier's verdict for one target URL.
type VerificationResult struct {
	StatusCode int
	Broken     bool
	Error      string
	Latency    time.Duration
}

// Progress is the live view of a crawl returned by the progress endpoint.
type Progress struct {
	CrawlID          string   `json:"crawl_id"`
	Status           Status   `json:"status"`
	PagesCrawled     int      `json:"pages_crawled"`
	TotalPages       int      `json:"total_pages"`
	CurrentURL       string   `json:"current_url,omitempty"`
	Percent          float64  `json:"progress_percentage"`
	ElapsedSeconds   float64  `json:"elapsed_seconds"`
	RemainingSeconds *float64 `json:"estimated_remaining_seconds,omitempty"`
}
