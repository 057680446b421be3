package docid

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyFor(id uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[4:], id)
	return buf
}

func TestBuildTaken_IgnoresWrongLengthKeys(t *testing.T) {
	keys := [][]byte{
		keyFor(1),
		keyFor(2),
		append(keyFor(3), 0xFF), // different sub-schema sharing the prefix
	}
	taken := BuildTaken(keys, 8)
	assert.True(t, taken.Contains(1))
	assert.True(t, taken.Contains(2))
	assert.False(t, taken.Contains(3))
	assert.Equal(t, uint64(2), taken.GetCardinality())
}

func TestRandomAvailable_NeverReturnsTaken(t *testing.T) {
	taken := roaring.New()
	for i := uint32(0); i < 1000; i++ {
		taken.Add(i)
	}
	for i := 0; i < 200; i++ {
		id := RandomAvailable(taken)
		require.False(t, taken.Contains(id), "allocator returned an id already marked taken: %d", id)
	}
}

func TestRandomAvailable_ConcurrentAllocationsAreUnique(t *testing.T) {
	var mu sync.Mutex
	taken := roaring.New()
	seen := make(map[uint32]bool)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			id := RandomAvailable(taken)
			taken.Add(id)
			mu.Unlock()

			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate document id allocated: %d", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestLowestFree(t *testing.T) {
	taken := roaring.New()
	taken.Add(0)
	taken.Add(1)
	taken.Add(2)
	assert.Equal(t, uint32(3), lowestFree(taken))
}
