package crawl

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Sentinel errors shared across subsystems.
var (
	// ErrNotFound is returned by stores when a crawl or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminalStatus is returned when a status transition would leave a
	// terminal state.
	ErrTerminalStatus = errors.New("crawl is in a terminal state")
	// ErrHeadlessDisabled is returned by the noop headless fetcher so callers
	// can degrade to the static result without recording an issue.
	ErrHeadlessDisabled = errors.New("headless fetching disabled")
	// ErrTooManyRedirects is returned when a redirect chain exceeds the cap.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// FetchErrorKind buckets fetch failures for metrics and issue messages.
type FetchErrorKind string

const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchConnection FetchErrorKind = "connection"
	FetchTLS        FetchErrorKind = "tls"
	FetchRedirect   FetchErrorKind = "redirect"
	FetchCanceled   FetchErrorKind = "canceled"
)

// FetchError is the typed failure surfaced by Fetcher implementations.
type FetchError struct {
	Kind FetchErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClassifyFetchError wraps err into a FetchError with a best-effort kind.
func ClassifyFetchError(rawURL string, err error) *FetchError {
	fe := &FetchError{Kind: FetchConnection, URL: rawURL, Err: err}
	var existing *FetchError
	if errors.As(err, &existing) {
		return existing
	}
	switch {
	case errors.Is(err, context.Canceled):
		fe.Kind = FetchCanceled
	case errors.Is(err, context.DeadlineExceeded):
		fe.Kind = FetchTimeout
	case errors.Is(err, ErrTooManyRedirects):
		fe.Kind = FetchRedirect
	default:
		var netErr net.Error
		var tlsErr *tls.CertificateVerificationError
		var recErr tls.RecordHeaderError
		var urlErr *url.Error
		switch {
		case errors.As(err, &tlsErr), errors.As(err, &recErr):
			fe.Kind = FetchTLS
		case errors.As(err, &netErr) && netErr.Timeout():
			fe.Kind = FetchTimeout
		case errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "x509"):
			fe.Kind = FetchTLS
		}
	}
	return fe
}
