package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stalwartlabs/storewrite/internal/keycodec"
)

// fakePrimitives is an in-memory batch.Primitives used to exercise the
// interpreter's op-walk and context state machine without a real
// backend.
type fakePrimitives struct {
	values  map[string][]byte
	bitmaps map[string]bool
	nextID  uint32
}

func newFakePrimitives() *fakePrimitives {
	return &fakePrimitives{values: map[string][]byte{}, bitmaps: map[string]bool{}}
}

func (f *fakePrimitives) SetValue(_ context.Context, _ byte, key, value []byte, _ bool) error {
	f.values[string(key)] = append([]byte(nil), value...)
	return nil
}

func (f *fakePrimitives) AtomicAdd(_ context.Context, _ byte, key []byte, by int64) error {
	f.values[string(key)] = encodeLE64(decodeLE64(f.values[string(key)]) + by)
	return nil
}

func (f *fakePrimitives) AddAndGet(_ context.Context, _ byte, key []byte, by int64) (int64, error) {
	n := decodeLE64(f.values[string(key)]) + by
	f.values[string(key)] = encodeLE64(n)
	return n, nil
}

func (f *fakePrimitives) ClearValue(_ context.Context, _ byte, key []byte, _ bool) error {
	delete(f.values, string(key))
	return nil
}

func (f *fakePrimitives) SetIndex(_ context.Context, key []byte) error {
	f.values[string(key)] = []byte{}
	return nil
}

func (f *fakePrimitives) ClearIndex(_ context.Context, key []byte) error {
	delete(f.values, string(key))
	return nil
}

func (f *fakePrimitives) AllocateDocumentID(_ context.Context, _ uint32, _ uint8) (uint32, error) {
	id := f.nextID
	f.nextID++
	return id, nil
}

func (f *fakePrimitives) AddDocumentIDConflictRange(context.Context, keycodec.BitmapClass, uint32, uint8, uint32) error {
	return nil
}

func (f *fakePrimitives) SetBitmap(_ context.Context, _ byte, key []byte, _ bool) error {
	f.bitmaps[string(key)] = true
	return nil
}

func (f *fakePrimitives) ClearBitmap(_ context.Context, _ byte, key []byte) error {
	delete(f.bitmaps, string(key))
	return nil
}

func (f *fakePrimitives) SetLog(_ context.Context, key, payload []byte) error {
	f.values[string(key)] = append([]byte(nil), payload...)
	return nil
}

func (f *fakePrimitives) AssertValue(_ context.Context, _ byte, key []byte, pred AssertPredicate) error {
	v, ok := f.values[string(key)]
	if pred.IsNone() {
		if ok {
			return AssertValueFailedForTest
		}
		return nil
	}
	if !ok || string(v) != string(pred.Expect) {
		return AssertValueFailedForTest
	}
	return nil
}

// AssertValueFailedForTest stands in for engineerr.AssertValueFailed
// without importing engineerr here, avoiding an import cycle risk in
// this package's own tests.
var AssertValueFailedForTest = errUnresolvedRef("assert-value", -1)

var _ Primitives = (*fakePrimitives)(nil)

func decodeLE64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var u uint64
	for i := 7; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}

func valueClass(tag byte) keycodec.ValueClass { return keycodec.DefaultValueClass{Tag: tag} }
func counterClass(tag byte) keycodec.ValueClass {
	return keycodec.DefaultValueClass{Tag: tag, Counter: true}
}

func TestRun_SetAndAssertValue(t *testing.T) {
	prim := newFakePrimitives()
	b := &Batch{Ops: []Operation{
		AccountIDOp{AccountID: 1},
		CollectionOp{Collection: 2},
		DocumentIDOp{DocumentID: 5},
		ValueOperation{Class: valueClass(9), Op: SetOp{Value: Bytes([]byte("hello"))}},
		AssertValueOperation{Class: valueClass(9), Assert: AssertPredicate{Expect: []byte("hello")}},
	}}

	ids, err := Run(context.Background(), prim, keycodec.WithSubspace, b)
	require.NoError(t, err)
	assert.Empty(t, ids.DocumentIDs())
}

func TestRun_AssertValueFailureAbortsBatch(t *testing.T) {
	prim := newFakePrimitives()
	b := &Batch{Ops: []Operation{
		AccountIDOp{AccountID: 1},
		CollectionOp{Collection: 2},
		DocumentIDOp{DocumentID: 5},
		AssertValueOperation{Class: valueClass(9), Assert: AssertPredicate{Expect: []byte("missing")}},
		ValueOperation{Class: valueClass(9), Op: SetOp{Value: Bytes([]byte("should not land"))}},
	}}

	_, err := Run(context.Background(), prim, keycodec.WithSubspace, b)
	require.Error(t, err)
	assert.Empty(t, prim.values)
}

func TestRun_DocumentIDAllocationAndForwardReference(t *testing.T) {
	prim := newFakePrimitives()
	b := &Batch{Ops: []Operation{
		AccountIDOp{AccountID: 1},
		CollectionOp{Collection: 2},
		BitmapOperation{Class: keycodec.DocumentIds, Set: true},
		ValueOperation{
			Class: valueClass(3),
			Op:    SetOp{Value: Value{DocumentIDRefPart{Pos: 0}}},
		},
	}}

	ids, err := Run(context.Background(), prim, keycodec.WithSubspace, b)
	require.NoError(t, err)
	require.Len(t, ids.DocumentIDs(), 1)
	assert.Equal(t, uint32(0), ids.DocumentIDs()[0])
}

func TestRun_AddAndGetPushesCounterID(t *testing.T) {
	prim := newFakePrimitives()
	b := &Batch{Ops: []Operation{
		AccountIDOp{AccountID: 1},
		CollectionOp{Collection: 2},
		ValueOperation{Class: counterClass(4), Op: AddAndGetOp{By: 5}},
		ValueOperation{Class: counterClass(4), Op: AddAndGetOp{By: 5}},
	}}

	ids, err := Run(context.Background(), prim, keycodec.WithSubspace, b)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 10}, ids.CounterValues())
}
