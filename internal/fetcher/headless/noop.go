package headless

import (
	"context"

	"github.com/pagelens/crawler/internal/crawl"
)

// Noop implements crawl.Fetcher for deployments without a browser binary.
// Callers treat crawl.ErrHeadlessDisabled as a signal to keep the static
// result rather than fail the page.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always reports that headless browsing is unavailable.
func (Noop) Fetch(_ context.Context, _ crawl.FetchRequest) (crawl.FetchResponse, error) {
	return crawl.FetchResponse{}, crawl.ErrHeadlessDisabled
}
