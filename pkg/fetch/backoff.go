package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/vx-mirror/pkg/config"
)

// Backoff decides how long to wait between attempts.
// Wait is called after failed attempt number attempt (1-based) and before the next one.
// It returns ctx.Err() if the context ends while waiting.
type Backoff interface {
	Wait(ctx context.Context, log *logrus.Entry, attempt int, lastErr error) error
}

const maxExponentialDelay = 30 * time.Second

// NewBackoff builds the strategy named by cfg.Backoff. in and out are the operator's
// terminal; they are only used by the interactive strategies.
func NewBackoff(cfg *config.AppConfig, in io.Reader, out io.Writer) (Backoff, error) {
	switch cfg.Backoff {
	case config.BackoffNone:
		return NoBackoff{}, nil
	case config.BackoffFixed:
		return FixedBackoff{Delay: cfg.RetryDelay}, nil
	case config.BackoffLinear:
		return LinearBackoff{Step: cfg.RetryDelay}, nil
	case config.BackoffExponential:
		return ExponentialBackoff{Initial: cfg.RetryDelay, Max: maxExponentialDelay}, nil
	case config.BackoffInteractive:
		return NewInteractiveBackoff(in, out, cfg.InteractiveCountdown), nil
	case config.BackoffChain:
		return ChainBackoff{
			First: NewInteractiveBackoff(in, out, cfg.InteractiveCountdown),
			Then:  FixedBackoff{Delay: cfg.InteractiveCountdown},
		}, nil
	}
	return nil, fmt.Errorf("unknown backoff %q", cfg.Backoff)
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoBackoff retries immediately. Tests inject it to keep retries instant.
type NoBackoff struct{}

func (NoBackoff) Wait(ctx context.Context, _ *logrus.Entry, _ int, _ error) error {
	return ctx.Err()
}

// FixedBackoff waits the same delay between every attempt
type FixedBackoff struct {
	Delay time.Duration
}

func (b FixedBackoff) Wait(ctx context.Context, log *logrus.Entry, attempt int, _ error) error {
	log.WithFields(logrus.Fields{"attempt": attempt, "delay": b.Delay}).Warn("Retrying after fixed delay...")
	return sleepCtx(ctx, b.Delay)
}

// LinearBackoff waits Step*attempt
type LinearBackoff struct {
	Step time.Duration
}

func (b LinearBackoff) Wait(ctx context.Context, log *logrus.Entry, attempt int, _ error) error {
	delay := b.Step * time.Duration(attempt)
	log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Warn("Retrying after linear delay...")
	return sleepCtx(ctx, delay)
}

// ExponentialBackoff waits Initial*2^(attempt-1), capped at Max, with +/-10% jitter
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay computes the un-jittered delay after the given attempt
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (b.Max > 0 && delay > b.Max) {
		delay = b.Max
	}
	return delay
}

func (b ExponentialBackoff) Wait(ctx context.Context, log *logrus.Entry, attempt int, _ error) error {
	delay := b.Delay(attempt)

	// +/- 10% range is delay/5 wide centered at 0
	var jitter time.Duration
	if delay/5 > 0 {
		jitter = time.Duration(rand.Int63n(int64(delay)/5)) - (delay / 10)
	}
	finalDelay := max(delay+jitter, 0)

	log.WithFields(logrus.Fields{"attempt": attempt, "delay": finalDelay}).Warn("Retrying request...")
	return sleepCtx(ctx, finalDelay)
}

// InteractiveBackoff pauses until the operator presses Enter, then counts down before
// retrying. It exists for origin-side rate limiting that only clears once the operator
// changes network egress. Only one prompt is active at a time across all tasks.
type InteractiveBackoff struct {
	in        io.Reader
	out       io.Writer
	countdown time.Duration

	turn      chan struct{} // capacity 1; holding the token means owning the terminal
	startOnce sync.Once
	lines     chan struct{} // one value per line read; closed at EOF
}

// NewInteractiveBackoff creates an interactive strategy reading Enter presses from in
func NewInteractiveBackoff(in io.Reader, out io.Writer, countdown time.Duration) *InteractiveBackoff {
	b := &InteractiveBackoff{
		in:        in,
		out:       out,
		countdown: countdown,
		turn:      make(chan struct{}, 1),
		lines:     make(chan struct{}),
	}
	return b
}

// readLines forwards each input line to b.lines. It runs for the life of the input.
func (b *InteractiveBackoff) readLines() {
	defer close(b.lines)
	scanner := bufio.NewScanner(b.in)
	for scanner.Scan() {
		b.lines <- struct{}{}
	}
}

func (b *InteractiveBackoff) Wait(ctx context.Context, log *logrus.Entry, attempt int, lastErr error) error {
	select {
	case b.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.turn }()

	b.startOnce.Do(func() { go b.readLines() })

	log.WithFields(logrus.Fields{"attempt": attempt, "error": lastErr}).Warn("Request failed; waiting for operator")
	fmt.Fprintf(b.out, "\nRequest failed (attempt %d): %v\nChange your network egress (e.g. rotate the proxy), then press Enter to continue...\n", attempt, lastErr)

	select {
	case _, ok := <-b.lines:
		if !ok {
			log.Debug("Operator input closed; continuing without confirmation")
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return b.countDown(ctx)
}

// countDown prints the remaining seconds once per second
func (b *InteractiveBackoff) countDown(ctx context.Context) error {
	remaining := b.countdown
	for remaining > 0 {
		fmt.Fprintf(b.out, "\rResuming in %2d seconds...", int(math.Ceil(remaining.Seconds())))
		step := min(time.Second, remaining)
		if err := sleepCtx(ctx, step); err != nil {
			fmt.Fprintln(b.out)
			return err
		}
		remaining -= step
	}
	fmt.Fprintln(b.out, "\rResuming now.              ")
	return nil
}

// ChainBackoff uses First after the first failed attempt and Then after every later one
type ChainBackoff struct {
	First Backoff
	Then  Backoff
}

func (b ChainBackoff) Wait(ctx context.Context, log *logrus.Entry, attempt int, lastErr error) error {
	if attempt <= 1 {
		return b.First.Wait(ctx, log, attempt, lastErr)
	}
	return b.Then.Wait(ctx, log, attempt, lastErr)
}
