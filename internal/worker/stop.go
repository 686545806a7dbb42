package worker

import (
	"context"
	"sync"
)

type stopEntry struct {
	cancel    context.CancelFunc
	requested bool
}

// StopRegistry connects the API's stop requests to the worker running the
// crawl. A worker registers its traversal cancel func while the crawl is in
// flight; Stop cancels it and records that the stop was user-requested so
// the final status lands on stopped rather than failed.
type StopRegistry struct {
	mu      sync.Mutex
	entries map[string]*stopEntry
}

// NewStopRegistry creates an empty registry.
func NewStopRegistry() *StopRegistry {
	return &StopRegistry{entries: make(map[string]*stopEntry)}
}

// Register tracks a running crawl's cancel func. Workers register before
// they flip the crawl to running, so a stop request never finds a running
// crawl unregistered on its own instance.
func (r *StopRegistry) Register(crawlID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[crawlID] = &stopEntry{cancel: cancel}
}

// Stop requests cancellation of a crawl. It reports whether a worker had the
// crawl registered.
func (r *StopRegistry) Stop(crawlID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[crawlID]
	if entry == nil {
		return false
	}
	entry.requested = true
	if entry.cancel != nil {
		entry.cancel()
	}
	return true
}

// Requested reports whether a user asked the crawl to stop.
func (r *StopRegistry) Requested(crawlID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[crawlID]
	return entry != nil && entry.requested
}

// Forget drops the crawl's entry once it reaches a terminal status.
func (r *StopRegistry) Forget(crawlID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, crawlID)
}
