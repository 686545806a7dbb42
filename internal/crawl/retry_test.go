package crawl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()

	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3), "attempts beyond max are not retried")
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 0))

	require.True(t, p.ShouldRetry(timeoutError{}, 0))
	require.True(t, p.ShouldRetry(&FetchError{Kind: FetchTimeout, URL: "https://example.com", Err: timeoutError{}}, 1))
	require.False(t, p.ShouldRetry(&FetchError{Kind: FetchConnection, URL: "https://example.com", Err: errors.New("refused")}, 0))
	require.False(t, p.ShouldRetry(&FetchError{Kind: FetchTLS, URL: "https://example.com", Err: errors.New("bad cert")}, 0))

	require.True(t, p.ShouldRetry(errors.New("transient"), 0))
	require.True(t, p.ShouldRetry(errors.New("transient"), 2))
}

func TestExponentialRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()

	for attempt := 0; attempt < 6; attempt++ {
		delay := p.Backoff(attempt)
		require.Positive(t, delay, "attempt %d", attempt)
		require.LessOrEqual(t, delay, 5*time.Second, "attempt %d", attempt)
	}

	// Half of the capped delay is deterministic; the rest is jitter.
	require.GreaterOrEqual(t, p.Backoff(0), 125*time.Millisecond)
	require.GreaterOrEqual(t, p.Backoff(5), 2500*time.Millisecond)
}
