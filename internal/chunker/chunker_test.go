package chunker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_SizeTiers(t *testing.T) {
	base := []byte("k")

	t.Run("empty value", func(t *testing.T) {
		chunks, err := Split(base, nil, 4)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, base, chunks[0].Key)
		assert.Empty(t, chunks[0].Value)
	})

	t.Run("value under max size", func(t *testing.T) {
		chunks, err := Split(base, []byte("ab"), 4)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, base, chunks[0].Key)
		assert.Equal(t, []byte("ab"), chunks[0].Value)
	})

	t.Run("value exactly max size", func(t *testing.T) {
		chunks, err := Split(base, []byte("abcd"), 4)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
	})

	t.Run("value spanning several chunks", func(t *testing.T) {
		chunks, err := Split(base, []byte("abcdefghij"), 4)
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		assert.Equal(t, base, chunks[0].Key)
		assert.Equal(t, append(append([]byte(nil), base...), 0x00), chunks[1].Key)
		assert.Equal(t, append(append([]byte(nil), base...), 0x01), chunks[2].Key)
		assert.Equal(t, []byte("abcd"), chunks[0].Value)
		assert.Equal(t, []byte("efgh"), chunks[1].Value)
		assert.Equal(t, []byte("ij"), chunks[2].Value)
	})

	t.Run("value requiring exactly MaxChunks chunks succeeds", func(t *testing.T) {
		chunks, err := Split(base, make([]byte, MaxChunks), 1)
		require.NoError(t, err)
		assert.Len(t, chunks, MaxChunks)
	})

	t.Run("value requiring one chunk more than MaxChunks is rejected", func(t *testing.T) {
		_, err := Split(base, make([]byte, MaxChunks+1), 1)
		require.Error(t, err)
	})

	t.Run("value overflowing MaxChunks", func(t *testing.T) {
		_, err := Split(base, make([]byte, MaxChunks+2), 1)
		require.Error(t, err)
	})

	t.Run("non-positive maxSize rejected", func(t *testing.T) {
		_, err := Split(base, []byte("a"), 0)
		require.Error(t, err)
	})
}

func TestReassemble_RoundTrip(t *testing.T) {
	base := []byte("key")
	value := bytes.Repeat([]byte{0xAB}, 37)
	chunks, err := Split(base, value, 8)
	require.NoError(t, err)

	var parts [][]byte
	for _, c := range chunks {
		parts = append(parts, c.Value)
	}
	assert.Equal(t, value, Reassemble(parts))
}

func TestRangeEnd(t *testing.T) {
	base := []byte{0x01, 0x02}
	end := RangeEnd(base)
	assert.Equal(t, []byte{0x01, 0x02, 0xFF}, end)
	assert.Equal(t, []byte{0x01, 0x02}, base, "RangeEnd must not mutate its input")
}
