package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/metrics"
)

// IsRetryable classifies provider failures. Rate limiting (429), server
// errors (5xx including Anthropic's 529 overloaded), and recognisable
// overload messages retry; everything else fails immediately.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode == 429 || pe.StatusCode >= 500 {
			return true
		}
		msg := strings.ToLower(pe.Message)
		if strings.Contains(msg, "overloaded") || strings.Contains(msg, "rate limit") {
			return true
		}
		return false
	}
	return false
}

// RetryAfterHint extracts the server-requested delay, zero when absent.
func RetryAfterHint(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// OpenStream opens a provider stream with the retry policy applied to the
// opening call only. Chunk errors surfacing mid-stream are not retried; the
// turn they belong to fails instead.
func OpenStream(ctx context.Context, provider Provider, req *ProviderRequest, policy backoff.Policy) (<-chan *StreamChunk, error) {
	attempt := 0
	return backoff.Retry(ctx, policy, func(ctx context.Context) (<-chan *StreamChunk, error) {
		attempt++
		if attempt > 1 {
			metrics.ProviderRetries.WithLabelValues(provider.Name()).Inc()
		}
		return provider.Stream(ctx, req)
	}, IsRetryable, RetryAfterHint)
}
