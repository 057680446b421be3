// Package metrics holds the engine's Prometheus collectors (spec
// "Ambient Stack": observability surface), grounded on the
// client_golang usage in etalazz-vsa/go.mod. Collectors are registered
// against the default registry at package init, matching that pack's
// convention of package-level promauto vars rather than a threaded
// registry object.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WriteAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storewrite",
		Name:      "write_attempts_total",
		Help:      "Total number of batch-commit attempts, including retries.",
	})

	RetryCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storewrite",
		Name:      "write_retries_total",
		Help:      "Total number of batch-commit retries due to recoverable conflicts or allocator contention.",
	})

	AssertValueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storewrite",
		Name:      "assert_value_failures_total",
		Help:      "Total number of batches that failed an AssertValue precondition.",
	})

	AllocatorRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storewrite",
		Name:      "allocator_retries_total",
		Help:      "Total number of document-id allocation collisions that forced a retry.",
	})

	ChunkedValueBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storewrite",
		Name:      "chunked_value_bytes",
		Help:      "Size distribution of values passed through the chunker.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
	})

	PurgeDeletedKeys = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storewrite",
		Name:      "purge_deleted_keys_total",
		Help:      "Total number of zero-valued counter/quota keys removed by PurgeStore.",
	})
)
