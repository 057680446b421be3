// Package retry implements the Retry Controller (spec section 4.6): a
// bounded, jittered retry loop around a single batch-commit attempt,
// classifying backend outcomes through one shared table instead of
// scattering retry logic through the op handlers (spec design note
// "Retry classification table").
//
// Backoff jitter is provided by github.com/cenkalti/backoff/v4 (a
// teacher-adjacent dependency — AKJUS-bsc-erigon/go.mod), wired with a
// custom BackOff implementation since the spec calls for a uniform
// random 50-300ms sleep rather than that library's default exponential
// curve.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/stalwartlabs/storewrite/internal/engineerr"
	"github.com/stalwartlabs/storewrite/internal/metrics"
)

// Controller bounds commit retries by attempt count AND wall-clock
// budget (spec section 4.6 / 6: MAX_COMMIT_ATTEMPTS, MAX_COMMIT_TIME).
type Controller struct {
	MaxAttempts int
	MaxTime     time.Duration
	Log         *zap.Logger
}

// Attempt is the signature of a single batch-commit try: open a fresh
// backend transaction, run the interpreter, commit.
type Attempt[T any] func(ctx context.Context) (T, error)

// Run executes attempt, retrying on engineerr.KindRecoverable and
// engineerr.KindAllocatorRetry per the table in spec section 4.6, and
// surfacing every other outcome immediately.
func Run[T any](ctx context.Context, c Controller, attempt Attempt[T]) (T, error) {
	var zero T
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}

	bo := &uniformJitterBackOff{
		maxAttempts: c.MaxAttempts,
		maxElapsed:  c.MaxTime,
		start:       time.Now(),
	}

	attempts := 0
	for {
		metrics.WriteAttempts.Inc()
		result, err := attempt(ctx)
		if err == nil {
			return result, nil
		}

		kind := Classify(err)
		switch kind {
		case engineerr.KindRecoverable, engineerr.KindAllocatorRetry:
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				if kind == engineerr.KindAllocatorRetry {
					log.Warn("retry budget exhausted on allocator contention, surfacing as assert-value failure",
						zap.Int("attempts", attempts))
					return zero, engineerr.AssertValueFailed
				}
				log.Warn("retry budget exhausted", zap.Int("attempts", attempts), zap.Error(err))
				return zero, err
			}
			metrics.RetryCount.Inc()
			attempts++
			log.Debug("retrying batch after recoverable conflict",
				zap.Int("attempt", attempts), zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(wait):
			}
		default:
			// KindAssertValueFailed, KindInternal, KindFatal: surface
			// immediately, never retried (spec section 7 propagation
			// policy).
			return zero, err
		}
	}
}

// Classify maps a backend error to its retry-relevant Kind, unwrapping
// through the batch interpreter's "batch op %d: %w" wrapping. An error
// with no *engineerr.Error anywhere in its chain is treated as KindFatal.
func Classify(err error) engineerr.Kind {
	if e, ok := engineerr.As(err); ok {
		return e.Kind
	}
	return engineerr.KindFatal
}

// uniformJitterBackOff implements backoff.BackOff with a uniform random
// 50-300ms sleep (spec: "Backoff must be randomized to avoid
// synchronized retry storms"), bounded by both an attempt count and a
// wall-clock budget.
type uniformJitterBackOff struct {
	attempts    int
	maxAttempts int
	start       time.Time
	maxElapsed  time.Duration
}

func (b *uniformJitterBackOff) NextBackOff() time.Duration {
	if b.attempts >= b.maxAttempts || time.Since(b.start) >= b.maxElapsed {
		return backoff.Stop
	}
	b.attempts++
	return randDuration(50*time.Millisecond, 300*time.Millisecond)
}

func (b *uniformJitterBackOff) Reset() {
	b.attempts = 0
	b.start = time.Now()
}

var _ backoff.BackOff = (*uniformJitterBackOff)(nil)

func randDuration(lo, hi time.Duration) time.Duration {
	span := int64(hi - lo)
	if span <= 0 {
		return lo
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return lo
	}
	n := int64(binary.BigEndian.Uint64(buf[:])) % span
	if n < 0 {
		n = -n
	}
	return lo + time.Duration(n)
}
