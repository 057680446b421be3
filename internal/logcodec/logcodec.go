// Package logcodec compresses Log-operation payloads before they reach
// a backend (spec section 4.5: "Log ... payload is written as an
// opaque byte blob"). Every commit's changelog entry is exactly the
// kind of append-only payload the teacher's compressDoc/decompressDoc
// pair (services/mddbd/compression.go) sized tiers for; this package
// keeps that flag-prefixed protocol but drops the zstd tier along with
// the rest of the teacher's klauspost/compress dependency — snappy
// alone already gives the changelog's short-lived, CPU-cheap
// compression a home, and a second codec tier would only pay for
// itself on payloads far larger than a single batch commit produces.
package logcodec

import (
	"github.com/golang/snappy"

	"github.com/stalwartlabs/storewrite/internal/engineerr"
)

const (
	flagUncompressed byte = 0
	flagSnappy       byte = 1

	// compressionThreshold is the payload size below which compression
	// isn't worth the CPU (mirrors compressDoc's small-document tier).
	compressionThreshold = 256
)

// Encode prepends a one-byte tier flag and snappy-compresses payload
// when it is large enough and compression actually shrinks it.
func Encode(payload []byte) []byte {
	if len(payload) < compressionThreshold {
		return append([]byte{flagUncompressed}, payload...)
	}
	compressed := snappy.Encode(nil, payload)
	if len(compressed) >= len(payload) {
		return append([]byte{flagUncompressed}, payload...)
	}
	return append([]byte{flagSnappy}, compressed...)
}

// Decode reverses Encode.
func Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, engineerr.New(engineerr.KindInternal, "logcodec: empty stored payload")
	}
	flag, body := stored[0], stored[1:]
	switch flag {
	case flagUncompressed:
		return body, nil
	case flagSnappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.KindInternal, "logcodec: corrupt snappy frame", err)
		}
		return out, nil
	default:
		return nil, engineerr.New(engineerr.KindInternal, "logcodec: unknown compression tier flag")
	}
}
