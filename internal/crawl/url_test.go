package crawl

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bare host gains root path", in: "https://example.com", want: "https://example.com/"},
		{name: "fragment stripped", in: "https://example.com/page#section", want: "https://example.com/page"},
		{name: "trailing slash collapsed", in: "https://example.com/about/", want: "https://example.com/about"},
		{name: "root slash kept", in: "https://example.com/", want: "https://example.com/"},
		{name: "scheme and host lowercased", in: "HTTPS://Example.COM/Path", want: "https://example.com/Path"},
		{name: "default https port dropped", in: "https://example.com:443/x", want: "https://example.com/x"},
		{name: "default http port dropped", in: "http://example.com:80/x", want: "http://example.com/x"},
		{name: "explicit port kept", in: "https://example.com:8443/x", want: "https://example.com:8443/x"},
		{name: "query sorted", in: "https://example.com/p?b=2&a=1", want: "https://example.com/p?a=1&b=2"},
		{name: "utm params stripped", in: "https://example.com/p?utm_source=x&utm_medium=y&q=1", want: "https://example.com/p?q=1"},
		{name: "click ids stripped", in: "https://example.com/p?fbclid=abc&gclid=def", want: "https://example.com/p"},
		{name: "whitespace trimmed", in: "  https://example.com/p  ", want: "https://example.com/p"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLRejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"not a url",
		"ftp://example.com/file",
		"mailto:someone@example.com",
		"javascript:void(0)",
		"//missing-scheme.example.com/x",
	} {
		_, err := NormalizeURL(in)
		require.Error(t, err, "expected rejection for %q", in)
	}
}

func TestSameSite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{"example.com", "example.com", true},
		{"www.example.com", "example.com", true},
		{"EXAMPLE.com", "example.com:443", true},
		{"[::1]:8080", "[::1]", true},
		{"blog.example.com", "example.com", false},
		{"example.com", "example.org", false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, SameSite(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestSkippableAsset(t *testing.T) {
	t.Parallel()

	skip := []string{
		"https://example.com/logo.png",
		"https://example.com/style.CSS",
		"https://example.com/bundle.js",
		"https://example.com/report.pdf",
		"https://example.com/archive.zip",
	}
	keep := []string{
		"https://example.com/",
		"https://example.com/pricing",
		"https://example.com/post.html",
		"https://example.com/downloads", // no extension
	}

	for _, raw := range skip {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		require.True(t, SkippableAsset(u), raw)
	}
	for _, raw := range keep {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		require.False(t, SkippableAsset(u), raw)
	}
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Host("https://Example.COM:8080/path"))
	require.Equal(t, "", Host("::not-a-url"))
}
