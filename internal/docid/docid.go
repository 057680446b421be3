// Package docid implements the document-id allocator's id-selection
// logic (spec section 4.3): given the set of document ids already
// observed in a [begin, end) bitmap-key range scan, build a dense
// roaring bitmap of taken ids and pick a pseudo-random available one.
//
// This is a direct Go port of the original's
// `roaring::RoaringBitmap` + `RandomAvailableId` trait
// (original_source/crates/store/src/backend/{foundationdb,postgres}/write.rs),
// and RoaringBitmap/roaring/v2 is already a teacher-adjacent dependency
// (AKJUS-bsc-erigon/go.mod). The scan itself (a bbolt cursor walk or a
// SQL SELECT) is backend-specific and lives in internal/kvbackend and
// internal/sqlbackend; this package only owns the id-selection math so
// both backends exercise identical semantics.
package docid

import (
	"crypto/rand"
	"encoding/binary"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/stalwartlabs/storewrite/internal/keycodec"
)

// MaxID is the exclusive upper bound of the allocatable id space: ids
// are drawn from [0, MaxID), leaving math.MaxUint32 free as the
// "unset document id" sentinel (spec invariant 1).
const MaxID uint32 = math.MaxUint32

// maxProbeAttempts bounds the random-probe loop before falling back to
// a deterministic linear scan for the lowest free id.
const maxProbeAttempts = 64

// BuildTaken decodes every scanned key of exactly keyLen bytes as a
// trailing big-endian u32 document id (spec section 4.3 step 3) and
// returns the dense bitmap of ids currently in use. Keys longer than
// keyLen belong to a different sub-schema sharing the same prefix and
// are ignored, matching the original's `key.len() == key_len` guard.
func BuildTaken(keys [][]byte, keyLen int) *roaring.Bitmap {
	taken := roaring.New()
	for _, key := range keys {
		if len(key) != keyLen {
			continue
		}
		taken.Add(keycodec.DeserializeBigEndianU32(key, keyLen-keycodec.U32Len))
	}
	return taken
}

// RandomAvailable picks a pseudo-random id not present in taken,
// roughly uniform over the available ids (spec: "exact distribution
// unspecified"). Falls back to the lowest free id if random probing
// fails to find a gap within maxProbeAttempts tries — this only
// triggers when the id space is overwhelmingly full.
func RandomAvailable(taken *roaring.Bitmap) uint32 {
	for i := 0; i < maxProbeAttempts; i++ {
		candidate := randomUint32() % MaxID
		if !taken.Contains(candidate) {
			return candidate
		}
	}
	return lowestFree(taken)
}

func lowestFree(taken *roaring.Bitmap) uint32 {
	for id := uint32(0); id < MaxID; id++ {
		if !taken.Contains(id) {
			return id
		}
	}
	// The entire [0, MaxID) space is taken — not reachable in any
	// realistic deployment, but return the sentinel-adjacent boundary
	// rather than panicking.
	return MaxID - 1
}

func randomUint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failures are only possible if the platform's
		// entropy source is unavailable; degrade to a fixed seed
		// rather than failing allocation outright.
		return 0
	}
	return binary.BigEndian.Uint32(buf[:])
}
