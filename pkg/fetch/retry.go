package fetch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// Retrier runs an operation up to MaxAttempts times, waiting per Backoff in between.
// Only transient failures (see utils.IsTransient) are retried.
type Retrier struct {
	MaxAttempts int
	Backoff     Backoff
}

// NewRetrier creates a Retrier; maxAttempts below 1 is treated as 1
func NewRetrier(maxAttempts int, backoff Backoff) *Retrier {
	if backoff == nil {
		backoff = NoBackoff{}
	}
	return &Retrier{MaxAttempts: max(maxAttempts, 1), Backoff: backoff}
}

// Do calls op until it succeeds, fails permanently, the context ends, or MaxAttempts
// calls have been made. Exhaustion returns utils.ErrRetryFailed wrapping the last error.
// Context errors are returned as-is and never retried.
func (r *Retrier) Do(ctx context.Context, log *logrus.Entry, op func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !utils.IsTransient(lastErr) {
			return lastErr
		}

		attemptLog := log.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": r.MaxAttempts})
		attemptLog.Warnf("Attempt failed: %v", lastErr)

		if attempt < r.MaxAttempts {
			if err := r.Backoff.Wait(ctx, attemptLog, attempt, lastErr); err != nil {
				return err
			}
		}
	}

	log.Errorf("All %d attempts failed. Last error: %v", r.MaxAttempts, lastErr)
	return fmt.Errorf("%w after %d attempts: %w", utils.ErrRetryFailed, r.MaxAttempts, lastErr)
}
