package crawl

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	anchorTextLimit = 500
	excerptLimit    = 500
)

// Extractor parses fetched HTML into page facts. Parsing is tolerant:
// malformed documents degrade to partial facts and extraction never errors.
type Extractor struct{}

// NewExtractor builds the shared extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract parses body, resolving relative references against baseURL.
// seedHost decides the internal/external classification of links.
func (e *Extractor) Extract(body []byte, baseURL *url.URL, seedHost string) PageFacts {
	facts := PageFacts{IsIndexable: true}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return facts
	}

	facts.Title = strings.TrimSpace(doc.Find("title").First().Text())
	facts.MetaDescription = strings.TrimSpace(doc.Find(`meta[name="description"]`).First().AttrOr("content", ""))
	facts.HasViewport = doc.Find(`meta[name="viewport"]`).Length() > 0
	facts.HasLang = strings.TrimSpace(doc.Find("html").First().AttrOr("lang", "")) != ""
	if content, ok := doc.Find(`meta[name="robots"]`).First().Attr("content"); ok {
		facts.IsIndexable = !strings.Contains(strings.ToLower(content), "noindex")
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if abs, perr := baseURL.Parse(strings.TrimSpace(href)); perr == nil {
			facts.CanonicalURL = abs.String()
		}
	}

	facts.H1 = headingTexts(doc, "h1")
	facts.H2 = headingTexts(doc, "h2")
	facts.H3 = headingTexts(doc, "h3")

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if skippableHref(href) {
			return
		}
		abs, perr := baseURL.Parse(href)
		if perr != nil || (abs.Scheme != "http" && abs.Scheme != "https") {
			return
		}
		abs.Fragment = ""
		facts.Links = append(facts.Links, LinkFact{
			TargetURL:  abs.String(),
			AnchorText: truncateRunes(collapseSpace(sel.Text()), anchorTextLimit),
			IsInternal: SameSite(abs.Host, seedHost),
			IsNofollow: relContains(sel.AttrOr("rel", ""), "nofollow"),
		})
	})

	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src := strings.TrimSpace(sel.AttrOr("src", ""))
		if src == "" || strings.HasPrefix(strings.ToLower(src), "data:") {
			return
		}
		abs, perr := baseURL.Parse(src)
		if perr != nil || (abs.Scheme != "http" && abs.Scheme != "https") {
			return
		}
		alt := strings.TrimSpace(sel.AttrOr("alt", ""))
		facts.Images = append(facts.Images, ImageFact{
			Src:    abs.String(),
			Alt:    alt,
			HasAlt: alt != "",
			Width:  intAttr(sel, "width"),
			Height: intAttr(sel, "height"),
		})
	})

	text := visibleText(doc)
	facts.WordCount = len(strings.Fields(text))
	facts.TextExcerpt = truncateRunes(text, excerptLimit)
	return facts
}

func headingTexts(doc *goquery.Document, tag string) []string {
	var out []string
	doc.Find(tag).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, collapseSpace(sel.Text()))
	})
	return out
}

// visibleText approximates rendered text: scripts, styles, and templates do
// not count toward word counts.
func visibleText(doc *goquery.Document) string {
	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	clone := sel.Clone()
	clone.Find("script, style, noscript, template").Remove()
	return collapseSpace(clone.Text())
}

func skippableHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"mailto:", "tel:", "javascript:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func relContains(rel, token string) bool {
	for _, field := range strings.Fields(strings.ToLower(rel)) {
		if field == token {
			return true
		}
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func intAttr(sel *goquery.Selection, name string) int {
	raw := strings.TrimSpace(sel.AttrOr(name, ""))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(raw, "px"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
