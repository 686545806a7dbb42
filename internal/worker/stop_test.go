package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStopRegistry_StopCancelsRegisteredCrawl(t *testing.T) {
	t.Parallel()

	reg := NewStopRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	reg.Register("crawl-1", cancel)

	require.False(t, reg.Requested("crawl-1"))
	require.True(t, reg.Stop("crawl-1"))
	require.True(t, reg.Requested("crawl-1"))
	require.Error(t, ctx.Err(), "stop should cancel the traversal context")

	// Stopping again is a no-op but still reports the crawl as known.
	require.True(t, reg.Stop("crawl-1"))
}

func TestStopRegistry_StopUnknownCrawl(t *testing.T) {
	t.Parallel()

	reg := NewStopRegistry()
	require.False(t, reg.Stop("ghost"))
	require.False(t, reg.Requested("ghost"))
}

func TestStopRegistry_ForgetDropsEntry(t *testing.T) {
	t.Parallel()

	reg := NewStopRegistry()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Register("crawl-2", cancel)
	reg.Forget("crawl-2")

	require.False(t, reg.Stop("crawl-2"))
	require.False(t, reg.Requested("crawl-2"))
}
