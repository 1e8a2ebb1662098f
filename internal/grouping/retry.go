package grouping

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/lotas/bubblegroups/internal/host"
)

// RetryPolicy retries host mutations that fail because a tab is being
// dragged. Other errors are returned immediately.
type RetryPolicy struct {
	Attempts  int           // extra attempts after the first
	Base      time.Duration // first backoff, doubled each attempt
	MaxJitter time.Duration
	Sleep     func(ctx context.Context, d time.Duration) error
	OnRetry   func(attempt int, err error)
}

// DefaultRetryPolicy is 3 retries at 100ms, 200ms, 400ms plus up to 50ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 100 * time.Millisecond, MaxJitter: 50 * time.Millisecond}
}

// Do runs op until it succeeds, fails with a non-retryable error or the
// attempts are used up. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := p.Base
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil || !errors.Is(err, host.ErrTabBusy) || attempt >= p.Attempts {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
		wait := delay
		if p.MaxJitter > 0 {
			wait += rand.N(p.MaxJitter + 1)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
		delay *= 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
