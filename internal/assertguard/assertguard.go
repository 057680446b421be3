// Package assertguard implements the Assert-Value Guard (spec section
// 4.4): evaluating an AssertPredicate against a key's current stored
// value before the rest of a batch is allowed to proceed.
//
// It wires github.com/bits-and-blooms/bloom/v3 as a negative-existence
// fast path ahead of the real per-backend read, grounded directly on
// the probabilistic existence check in the teacher's
// services/mddbd/bloom.go (a bloom.BloomFilter consulted before every
// disk read to skip known-absent keys). Here the same filter backs
// ExpectAbsent assertions: a miss proves the key was never written and
// lets the guard skip the backend read entirely; a hit still requires
// the real read, since bloom filters admit false positives.
package assertguard

import (
	"bytes"
	"context"
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/stalwartlabs/storewrite/internal/batch"
	"github.com/stalwartlabs/storewrite/internal/engineerr"
	"github.com/stalwartlabs/storewrite/internal/metrics"
)

// Reader reads the current raw stored bytes at key, returning
// (nil, false, nil) if the key is absent.
type Reader func(ctx context.Context, key []byte) (value []byte, present bool, err error)

// Filter is a concurrency-safe negative-existence filter over observed
// keys, sized for an expected key-count and false-positive rate.
type Filter struct {
	mu sync.RWMutex
	bf *bloom.BloomFilter
}

// NewFilter builds a Filter sized for expectedKeys entries at false
// positive rate fp (the teacher's bloom.go defaults to 0.01 for its hot
// read path; reused here).
func NewFilter(expectedKeys uint, fp float64) *Filter {
	return &Filter{bf: bloom.NewWithEstimates(expectedKeys, fp)}
}

// Observe records that key has been written at least once. Call this
// after every successful SetValue/AtomicAdd/AddAndGet/SetBitmap so the
// filter never produces a false negative for a key the guard will later
// be asked about.
func (f *Filter) Observe(key []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bf.Add(key)
}

// MightExist reports whether key may have been written. False means
// key is definitely absent.
func (f *Filter) MightExist(key []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test(key)
}

// Check evaluates pred against the current value at key, reading
// through read only when the bloom filter can't settle the question on
// its own. Returns engineerr.AssertValueFailed on mismatch.
func Check(ctx context.Context, f *Filter, read Reader, key []byte, pred batch.AssertPredicate) error {
	if pred.IsNone() {
		if f != nil && !f.MightExist(key) {
			return nil
		}
		_, present, err := read(ctx, key)
		if err != nil {
			return err
		}
		if present {
			metrics.AssertValueFailures.Inc()
			return engineerr.AssertValueFailed
		}
		return nil
	}

	if f != nil && !f.MightExist(key) {
		metrics.AssertValueFailures.Inc()
		return engineerr.AssertValueFailed
	}

	value, present, err := read(ctx, key)
	if err != nil {
		return err
	}
	if !present || !bytes.Equal(value, pred.Expect) {
		metrics.AssertValueFailures.Inc()
		return engineerr.AssertValueFailed
	}
	return nil
}
