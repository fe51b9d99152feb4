package llm

import (
	"context"
	"errors"
	"time"

	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/logging"
)

// transientDelay is the wait before re-attempting after a transport-level
// failure. It is deliberately short and independent of the rate-limit
// backoff.
const transientDelay = 5 * time.Second

// retryPolicy re-issues a request after recoverable failures. It allows one
// initial attempt plus exactly retries re-attempts, waits the configured
// backoff after a rate limit and a short fixed delay after a transport
// fault, and treats every other error as fatal.
type retryPolicy struct {
	retries        int
	backoff        time.Duration
	transientDelay time.Duration

	// sleep is swapped out in tests to observe waits without paying them.
	sleep func(ctx context.Context, d time.Duration) error
}

func newRetryPolicy(cfg config.LLMConfig) retryPolicy {
	return retryPolicy{
		retries:        cfg.Retries,
		backoff:        cfg.Backoff,
		transientDelay: transientDelay,
		sleep:          sleepContext,
	}
}

// do runs attempt until it succeeds, fails fatally, or the retry budget runs
// out. The budget is checked before each wait, so an exhausted policy
// returns RetriesExhaustedError immediately instead of sleeping one last
// time. Each re-attempt re-issues the identical request; no state carries
// over between attempts.
func (p retryPolicy) do(ctx context.Context, attempt func() error) error {
	for try := 0; ; try++ {
		err := attempt()
		if err == nil {
			return nil
		}

		var delay time.Duration
		var reason string
		var rateLimit *rateLimitError
		var transient *transientError
		switch {
		case errors.As(err, &rateLimit):
			delay = p.backoff
			reason = "rate limited"
		case errors.As(err, &transient):
			delay = p.transientDelay
			reason = "transport failure"
		default:
			return err
		}

		if try == p.retries {
			return &RetriesExhaustedError{Attempts: try + 1, Last: err}
		}

		logging.Logger().Warn("re-attempting request",
			"reason", reason,
			"wait", delay,
			"attempt", try+1,
			"budget", p.retries+1,
		)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
