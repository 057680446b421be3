package kvbackend

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stalwartlabs/storewrite/internal/batch"
	"github.com/stalwartlabs/storewrite/internal/config"
	"github.com/stalwartlabs/storewrite/internal/engineerr"
	"github.com/stalwartlabs/storewrite/internal/keycodec"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStoreAt(t, filepath.Join(t.TempDir(), "test.db"))
}

func openTestStoreAt(t *testing.T, path string) *Store {
	t.Helper()
	cfg := config.DefaultKV()
	cfg.MaxValueSize = 4 // small ceiling so tests exercise chunking cheaply
	s, err := Open(path, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// A reopened store must rebuild its assert-value filter from the keys
// already on disk — an empty filter would let a stale
// AssertValue{ExpectAbsent: true} against a pre-existing key wrongly
// succeed.
func TestOpen_RebuildsFilterFromExistingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	class := keycodec.DefaultValueClass{Tag: 7}

	first := openTestStoreAt(t, path)
	_, err := first.Write(context.Background(), &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 1},
		batch.ValueOperation{Class: class, Op: batch.SetOp{Value: batch.Bytes([]byte("v1"))}},
	}})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path, config.DefaultKV(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	_, err = second.Write(context.Background(), &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 1},
		batch.AssertValueOperation{Class: class, Assert: batch.AssertPredicate{ExpectAbsent: true}},
	}})
	require.Error(t, err, "assert-value guard must not report a pre-existing key as absent after reopen")
	assert.True(t, engineerr.Is(err, engineerr.KindAssertValueFailed))

	_, err = second.Write(context.Background(), &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 1},
		batch.AssertValueOperation{Class: class, Assert: batch.AssertPredicate{Expect: []byte("v1")}},
	}})
	require.NoError(t, err)
}

// 1. chunked set + clear
func TestWrite_ChunkedSetThenClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	class := keycodec.DefaultValueClass{Tag: 1}
	value := bytes.Repeat([]byte{0x42}, 11) // spans 3 chunks at MaxValueSize=4

	_, err := s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 5},
		batch.ValueOperation{Class: class, Op: batch.SetOp{Value: batch.Bytes(value)}},
		batch.AssertValueOperation{Class: class, Assert: batch.AssertPredicate{Expect: value}},
	}})
	require.NoError(t, err)

	_, err = s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 5},
		batch.ValueOperation{Class: class, Op: batch.ClearOp{}},
		batch.AssertValueOperation{Class: class, Assert: batch.AssertPredicate{ExpectAbsent: true}},
	}})
	require.NoError(t, err)
}

// 2. counter add-and-get
func TestWrite_CounterAddAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	class := keycodec.DefaultValueClass{Tag: 2, Counter: true}

	ids, err := s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.ValueOperation{Class: class, Op: batch.AddAndGetOp{By: 3}},
		batch.ValueOperation{Class: class, Op: batch.AddAndGetOp{By: 4}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, ids.CounterValues())
}

// 3. document-id allocation
func TestWrite_DocumentIDAllocation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var allocated []uint32
	for i := 0; i < 5; i++ {
		ids, err := s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
			batch.AccountIDOp{AccountID: 1},
			batch.CollectionOp{Collection: 2},
			batch.BitmapOperation{Class: keycodec.DocumentIds, Set: true},
		}})
		require.NoError(t, err)
		require.Len(t, ids.DocumentIDs(), 1)
		allocated = append(allocated, ids.DocumentIDs()[0])
	}

	seen := map[uint32]bool{}
	for _, id := range allocated {
		assert.False(t, seen[id], "document id allocated twice: %d", id)
		seen[id] = true
	}
}

// 4. assert-value precondition lost
func TestWrite_AssertValueFailureAbortsBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	class := keycodec.DefaultValueClass{Tag: 3}

	_, err := s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 9},
		batch.ValueOperation{Class: class, Op: batch.SetOp{Value: batch.Bytes([]byte("v1"))}},
	}})
	require.NoError(t, err)

	_, err = s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 9},
		batch.AssertValueOperation{Class: class, Assert: batch.AssertPredicate{Expect: []byte("stale")}},
		batch.ValueOperation{Class: class, Op: batch.SetOp{Value: batch.Bytes([]byte("v2"))}},
	}})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.KindAssertValueFailed))

	// the failed batch must not have landed its Set
	_, err = s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 9},
		batch.AssertValueOperation{Class: class, Assert: batch.AssertPredicate{Expect: []byte("v1")}},
	}})
	require.NoError(t, err)
}

// 5. purge deletes only zeros
func TestPurgeStore_DeletesOnlyZeroCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	zero := keycodec.DefaultValueClass{Tag: 4, Counter: true}
	nonzero := keycodec.DefaultValueClass{Tag: 5, Counter: true}

	_, err := s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.ValueOperation{Class: zero, Op: batch.AtomicAddOp{By: 5}},
		batch.ValueOperation{Class: zero, Op: batch.AtomicAddOp{By: -5}},
		batch.ValueOperation{Class: nonzero, Op: batch.AtomicAddOp{By: 3}},
	}})
	require.NoError(t, err)

	require.NoError(t, s.PurgeStore(ctx))

	_, err = s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.AssertValueOperation{Class: zero, Assert: batch.AssertPredicate{ExpectAbsent: true}},
		batch.AssertValueOperation{Class: nonzero, Assert: batch.AssertPredicate{Expect: encodeLE64(3)}},
	}})
	require.NoError(t, err)
}

// 6. delete range
func TestDeleteRange_RemovesKeysInBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	class := keycodec.DefaultValueClass{Tag: 6}

	for _, doc := range []uint32{1, 2, 3} {
		_, err := s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
			batch.AccountIDOp{AccountID: 1},
			batch.CollectionOp{Collection: 2},
			batch.DocumentIDOp{DocumentID: doc},
			batch.ValueOperation{Class: class, Op: batch.SetOp{Value: batch.Bytes([]byte("x"))}},
		}})
		require.NoError(t, err)
	}

	from := class.Serialize(1, 2, 1, keycodec.WithoutSubspace, nil)
	to := class.Serialize(1, 2, 3, keycodec.WithoutSubspace, nil)
	require.NoError(t, s.DeleteRange(ctx, class.Subspace(2), from, to))

	_, err := s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 1},
		batch.AssertValueOperation{Class: class, Assert: batch.AssertPredicate{ExpectAbsent: true}},
	}})
	require.NoError(t, err)

	_, err = s.Write(ctx, &batch.Batch{Ops: []batch.Operation{
		batch.AccountIDOp{AccountID: 1},
		batch.CollectionOp{Collection: 2},
		batch.DocumentIDOp{DocumentID: 3},
		batch.AssertValueOperation{Class: class, Assert: batch.AssertPredicate{Expect: []byte("x")}},
	}})
	require.NoError(t, err)
}
