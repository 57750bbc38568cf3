package txn

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/trybe-app/trybesync/pkg/constants"
)

// Retryer decides whether and when a failed call is attempted again.
type Retryer interface {
	// NextDelay returns the delay before retry number attempt (0-based) and
	// whether to retry at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// ExponentialBackoffRetryer implements exponential backoff with jitter
type ExponentialBackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int
	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64
}

func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   3,
		JitterFactor: 0.2,
	}
}

func (r *ExponentialBackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	if r.JitterFactor > 0 {
		//nolint:gosec // jitter only
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

// FixedDelayRetryer waits Delay between attempts.
type FixedDelayRetryer struct {
	Delay time.Duration
	// MaxRetries is the maximum number of retry attempts (0 for infinite)
	MaxRetries int
}

func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

// IsNetwork is the default retry predicate.
func IsNetwork(err error) bool {
	return errors.Is(err, constants.ErrNetworkFailure)
}

// Retry calls fn, retrying while retryable(err) holds and r allows it.
// A nil Retryer means a single call.
func Retry(ctx context.Context, r Retryer, retryable func(error) bool, fn func(context.Context) error) error {
	if retryable == nil {
		retryable = IsNetwork
	}
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || r == nil || !retryable(err) {
			return err
		}
		delay, ok := r.NextDelay(attempt, err)
		if !ok {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
