package imagegate

import (
	"context"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 5 * time.Second

	// MaxBackoffDelay caps a single backoff sleep.
	MaxBackoffDelay = 5 * time.Minute
)

// RetryOptions configures WithRetry. Zero values select the defaults.
type RetryOptions struct {
	// MaxRetries is the number of retries after the first call. Zero selects
	// the default of 3; negative disables retries.
	MaxRetries int
	BaseDelay  time.Duration

	// ShouldRetry classifies an error. Defaults to IsRetryable.
	ShouldRetry func(err error) bool

	// OnRetry is called before each sleep. attempt is 1-based.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = IsRetryable
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

// BackoffDelay returns the exponential delay before the given 1-based retry,
// capped at MaxBackoffDelay.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	d := min(base, MaxBackoffDelay)
	for i := 1; i < attempt; i++ {
		if d >= MaxBackoffDelay/2 {
			return MaxBackoffDelay
		}
		d *= 2
	}
	return d
}

// WithRetry calls fn, retrying classified transient failures with exponential
// backoff and no jitter. Non-retryable errors, and retryable errors once
// retries are exhausted, are returned unmodified. Attempts reports the number
// of calls made.
func WithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts RetryOptions) (result T, attempts int, err error) {
	o := opts.withDefaults()

	for {
		attempts++
		result, err = fn(ctx)
		if err == nil {
			return result, attempts, nil
		}

		retry := attempts - 1
		if retry >= o.MaxRetries || !o.ShouldRetry(err) {
			return result, attempts, err
		}

		delay := BackoffDelay(o.BaseDelay, retry+1)
		if o.OnRetry != nil {
			o.OnRetry(retry+1, delay, err)
		}
		if serr := o.Sleep(ctx, delay); serr != nil {
			// The caller is gone. Surface the last upstream error, not the cancellation.
			return result, attempts, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
