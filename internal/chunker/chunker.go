// Package chunker implements the value-chunking protocol (spec section
// 4.2): values wider than a backend's max-value-size are split across
// adjacent keys distinguished by a trailing chunk-index byte, and
// reassembled on read via an ascending range scan.
//
// Grounded on the chunk-index arithmetic in
// original_source/crates/store/src/backend/foundationdb/write.rs (the
// Ordering::Less/Equal/Greater match on chunk position) — this package
// is the Go-native extraction of that arithmetic into something both
// the KV backend's writer and reader can share, since the teacher's own
// chunking analog (services/mddbd/compression.go's size-tiered
// compression) addressed a different concern and has no chunk-index
// scheme to reuse directly.
package chunker

import "github.com/stalwartlabs/storewrite/internal/engineerr"

// MaxChunks is the hard upper bound on chunk count: chunk positions
// 0..=255 (chunk 0 at the bare key, chunks 1..=255 suffixed 0x00..0xFE),
// so a value requiring a 257th chunk is rejected.
const MaxChunks = 256

// Chunk is one piece of a chunked value: Key is the base key with the
// chunk-index suffix already applied (empty suffix for chunk 0).
type Chunk struct {
	Key   []byte
	Value []byte
}

// Split divides value into chunks of at most maxSize bytes, keyed off
// base. Chunk 0 is stored at the bare base key; chunk i>0 is stored at
// base ∥ byte(i-1). Returns engineerr.InternalValueTooLarge if more than
// MaxChunks chunks would be required.
func Split(base []byte, value []byte, maxSize int) ([]Chunk, error) {
	if maxSize <= 0 {
		return nil, engineerr.New(engineerr.KindInternal, "chunker: maxSize must be positive")
	}
	if len(value) == 0 {
		return []Chunk{{Key: base, Value: value}}, nil
	}

	n := (len(value) + maxSize - 1) / maxSize
	if n > MaxChunks {
		return nil, engineerr.InternalValueTooLarge
	}

	chunks := make([]Chunk, 0, n)
	for i := 0; i*maxSize < len(value); i++ {
		start := i * maxSize
		end := start + maxSize
		if end > len(value) {
			end = len(value)
		}
		key := base
		if i > 0 {
			key = append(append([]byte(nil), base...), byte(i-1))
		}
		chunks = append(chunks, Chunk{Key: key, Value: value[start:end]})
	}
	return chunks, nil
}

// RangeEnd returns the exclusive upper bound for a scan that reassembles
// or clears every chunk of the value stored under base: [base, RangeEnd(base)).
func RangeEnd(base []byte) []byte {
	end := append(append([]byte(nil), base...), 0xFF)
	return end
}

// Reassemble concatenates chunks already sorted in ascending key order
// (the order a forward range scan [base, RangeEnd(base)) produces).
func Reassemble(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
