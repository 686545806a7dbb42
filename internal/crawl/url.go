package crawl

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Query parameters stripped during normalization: pure tracking noise that
// would otherwise split one logical page into many frontier entries.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"msclkid": true,
}

// Extensions that never yield crawlable HTML. Checked at enqueue so asset
// URLs do not burn page budget.
var skipExtensions = map[string]bool{
	".7z": true, ".avi": true, ".bin": true, ".bmp": true, ".css": true,
	".dmg": true, ".doc": true, ".docx": true, ".eot": true, ".exe": true,
	".gif": true, ".gz": true, ".ico": true, ".iso": true, ".jpeg": true,
	".jpg": true, ".js": true, ".mov": true, ".mp3": true, ".mp4": true,
	".ogg": true, ".otf": true, ".pdf": true, ".png": true, ".ppt": true,
	".pptx": true, ".rar": true, ".svg": true, ".tar": true, ".ttf": true,
	".wav": true, ".webm": true, ".webp": true, ".wmv": true, ".woff": true,
	".woff2": true, ".xls": true, ".xlsx": true, ".zip": true,
}

// NormalizeURL standardizes a URL so the frontier can deduplicate it. It
// lowercases the scheme and host, strips default ports, the fragment, known
// tracking parameters, and the trailing slash (except for the root path),
// and sorts the remaining query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("unsupported url %q", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// SameSite reports whether two hosts belong to the same site. Comparison is
// case-insensitive, ignores ports, and treats a leading www. as equivalent.
func SameSite(a, b string) bool {
	return canonicalHost(a) == canonicalHost(b)
}

func canonicalHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www.")
}

// SkippableAsset reports whether the URL path points at a binary or styling
// asset rather than a crawlable document.
func SkippableAsset(u *url.URL) bool {
	return skipExtensions[strings.ToLower(path.Ext(u.Path))]
}

// Host extracts the lowercased host (without port) of a raw URL, or "" when
// it cannot be parsed.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
