package transport

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/odi-tracker/odi/internal/core"
)

// RetryPolicy bounds how a transport retries transient failures.
// Only Timeout and Unavailable are retried; everything else (conflicts,
// integrity failures, auth) reflects a state the caller must handle.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	// Values below 2 disable retrying.
	Attempts int

	// BaseDelay is the wait before the second attempt; each further
	// attempt doubles it. Zero means 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the wait. Zero means 5s.
	MaxDelay time.Duration
}

// DefaultRetry is the policy Dial applies when the caller asks for
// retries without tuning them.
var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 5 * time.Second
	}
	d := base << attempt
	if d > max {
		d = max
	}
	// Full jitter keeps raced pushers from re-colliding in lockstep.
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func retriable(err error) bool {
	return errors.Is(err, core.ErrTimeout) || errors.Is(err, core.ErrUnavailable)
}

// retryTransport decorates another transport with the retry policy.
type retryTransport struct {
	next   Transport
	policy RetryPolicy
	logger *log.Logger
}

// WithRetry wraps t so each verb retries Timeout/Unavailable failures
// per the policy. Other failures pass through untouched; object puts
// are safe to repeat because objects are idempotent by hash.
func WithRetry(t Transport, policy RetryPolicy, logger *log.Logger) Transport {
	if policy.Attempts < 2 {
		return t
	}
	return &retryTransport{next: t, policy: policy, logger: logger}
}

func (r *retryTransport) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.policy.Attempts; attempt++ {
		if attempt > 0 {
			wait := r.policy.delay(attempt - 1)
			if r.logger != nil {
				r.logger.Printf("%s failed (%v), retrying in %v (attempt %d/%d)",
					op, err, wait.Round(time.Millisecond), attempt+1, r.policy.Attempts)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil || !retriable(err) {
			return err
		}
	}
	return err
}

func (r *retryTransport) ListRefs(ctx context.Context, prefix string) (map[string]core.Hash, error) {
	var out map[string]core.Hash
	err := r.do(ctx, "list_refs", func() error {
		var err error
		out, err = r.next.ListRefs(ctx, prefix)
		return err
	})
	return out, err
}

func (r *retryTransport) HasObjects(ctx context.Context, hashes []core.Hash) ([]bool, error) {
	var out []bool
	err := r.do(ctx, "has_objects", func() error {
		var err error
		out, err = r.next.HasObjects(ctx, hashes)
		return err
	})
	return out, err
}

func (r *retryTransport) GetObject(ctx context.Context, hash core.Hash) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "get_object "+hash.Short(), func() error {
		var err error
		out, err = r.next.GetObject(ctx, hash)
		return err
	})
	return out, err
}

func (r *retryTransport) PutObject(ctx context.Context, hash core.Hash, data []byte) error {
	return r.do(ctx, "put_object "+hash.Short(), func() error {
		return r.next.PutObject(ctx, hash, data)
	})
}

func (r *retryTransport) UpdateRef(ctx context.Context, name string, expected *core.Hash, newHash core.Hash) error {
	return r.do(ctx, "update_ref "+name, func() error {
		return r.next.UpdateRef(ctx, name, expected, newHash)
	})
}

func (r *retryTransport) Close() error { return r.next.Close() }
