// Package dispatcher manages worker fan-out over the crawl queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pagelens/crawler/internal/crawl"
	"github.com/pagelens/crawler/internal/metrics"
	"github.com/pagelens/crawler/internal/worker"
)

// depthReporter is implemented by queues that can report their backlog.
type depthReporter interface {
	Depth() int
}

// Dispatcher fans out queued crawls to a pool of workers.
type Dispatcher struct {
	queue   crawl.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue crawl.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if reporter, ok := d.queue.(depthReporter); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.reportDepth(ctx, reporter)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawl.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	if reporter, ok := d.queue.(depthReporter); ok {
		metrics.SetQueueDepth(reporter.Depth())
	}
	return nil
}

func (d *Dispatcher) reportDepth(ctx context.Context, reporter depthReporter) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetQueueDepth(reporter.Depth())
		}
	}
}
