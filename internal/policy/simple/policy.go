// Package simple contains small self-contained crawl policies.
package simple

import "sync"

// HeadlessBudget caps how many pages of one crawl may be re-fetched through
// the headless renderer. A site whose every page trips the JS-shell detector
// would otherwise monopolize the browser pool.
type HeadlessBudget struct {
	mu   sync.Mutex
	max  int
	used map[string]int
}

// NewHeadlessBudget creates a budget of max renders per crawl. A
// non-positive max disables the cap.
func NewHeadlessBudget(max int) *HeadlessBudget {
	return &HeadlessBudget{
		max:  max,
		used: make(map[string]int),
	}
}

// Allow consumes one render slot for the crawl and reports whether the
// render may proceed.
func (b *HeadlessBudget) Allow(crawlID string) bool {
	if b.max <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used[crawlID] >= b.max {
		return false
	}
	b.used[crawlID]++
	return true
}

// Used reports how many render slots the crawl has consumed.
func (b *HeadlessBudget) Used(crawlID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[crawlID]
}

// Forget releases the crawl's accounting once it reaches a terminal status.
func (b *HeadlessBudget) Forget(crawlID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.used, crawlID)
}
