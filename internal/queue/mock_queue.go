package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/pagelens/crawler/internal/crawl"
)

// MockQueue is a mock implementation of the crawl.Queue interface for testing.
type MockQueue struct {
	mock.Mock
}

// Enqueue is the mock implementation of the Enqueue method.
func (m *MockQueue) Enqueue(ctx context.Context, item crawl.QueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// Dequeue is the mock implementation of the Dequeue method.
func (m *MockQueue) Dequeue(ctx context.Context) (crawl.QueueItem, error) {
	args := m.Called(ctx)
	item, _ := args.Get(0).(crawl.QueueItem)
	return item, args.Error(1)
}
