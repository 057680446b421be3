// Package batch defines the write engine's backend-agnostic data model
// (spec section 3) and the shared interpreter that walks a Batch's
// operations against a backend's Primitives (spec section 4.1).
package batch

import (
	"bytes"
	"math"

	"github.com/stalwartlabs/storewrite/internal/keycodec"
)

// Sentinels for the implicit context slots (spec invariant 1).
const (
	AccountIDNone  uint32 = math.MaxUint32
	CollectionNone uint8  = math.MaxUint8
	DocumentIDNone uint32 = math.MaxUint32
)

// AssignedIds is the per-batch accumulator of freshly allocated
// document ids and counter results (spec section 3). A fresh AssignedIds
// is created per retry attempt — ids are re-derived against current
// state, never carried over (spec invariant: "on retry a fresh
// AssignedIds is created").
type AssignedIds struct {
	documentIDs []uint32
	counterIDs  []int64
}

// PushDocumentID records a freshly allocated document id.
func (a *AssignedIds) PushDocumentID(id uint32) { a.documentIDs = append(a.documentIDs, id) }

// PushCounterID records an AddAndGet result.
func (a *AssignedIds) PushCounterID(v int64) { a.counterIDs = append(a.counterIDs, v) }

// DocumentIDAt implements keycodec.AssignedIdsView.
func (a *AssignedIds) DocumentIDAt(pos int) (uint32, bool) {
	if pos < 0 || pos >= len(a.documentIDs) {
		return 0, false
	}
	return a.documentIDs[pos], true
}

// CounterValueAt implements keycodec.AssignedIdsView.
func (a *AssignedIds) CounterValueAt(pos int) (int64, bool) {
	if pos < 0 || pos >= len(a.counterIDs) {
		return 0, false
	}
	return a.counterIDs[pos], true
}

// DocumentIDs returns the ordered list of ids allocated in this batch.
func (a *AssignedIds) DocumentIDs() []uint32 { return append([]uint32(nil), a.documentIDs...) }

// CounterValues returns the ordered list of AddAndGet results.
func (a *AssignedIds) CounterValues() []int64 { return append([]int64(nil), a.counterIDs...) }

var _ keycodec.AssignedIdsView = (*AssignedIds)(nil)

// ValuePart is one piece of a Set/Log payload: either a literal byte
// run or a forward reference into this batch's AssignedIds (spec design
// note "Forward references in values").
type ValuePart interface {
	resolve(ids keycodec.AssignedIdsView) ([]byte, error)
}

// RawPart is a literal byte run.
type RawPart []byte

func (p RawPart) resolve(keycodec.AssignedIdsView) ([]byte, error) { return []byte(p), nil }

// DocumentIDRefPart resolves to the big-endian 4-byte encoding of the
// document id allocated at position Pos earlier in the same batch.
type DocumentIDRefPart struct{ Pos int }

func (p DocumentIDRefPart) resolve(ids keycodec.AssignedIdsView) ([]byte, error) {
	id, ok := ids.DocumentIDAt(p.Pos)
	if !ok {
		return nil, errUnresolvedRef("document id", p.Pos)
	}
	s := keycodec.NewSerializer(4)
	s.WriteU32BE(id)
	return s.Bytes(), nil
}

// CounterRefPart resolves to the little-endian 8-byte encoding of the
// counter value produced at position Pos earlier in the same batch.
type CounterRefPart struct{ Pos int }

func (p CounterRefPart) resolve(ids keycodec.AssignedIdsView) ([]byte, error) {
	v, ok := ids.CounterValueAt(p.Pos)
	if !ok {
		return nil, errUnresolvedRef("counter value", p.Pos)
	}
	return encodeLE64(v), nil
}

// Value is a Set/Log payload: a sequence of ValueParts resolved and
// concatenated before being written (spec: "the engine must call [the
// resolver] on every Set payload and every Log payload before
// writing").
type Value []ValuePart

// Bytes wraps a literal byte slice with no forward references.
func Bytes(b []byte) Value { return Value{RawPart(b)} }

// Resolve concatenates every part's resolved bytes.
func (v Value) Resolve(ids keycodec.AssignedIdsView) ([]byte, error) {
	if len(v) == 1 {
		if raw, ok := v[0].(RawPart); ok {
			return []byte(raw), nil
		}
	}
	var buf bytes.Buffer
	for _, part := range v {
		b, err := part.resolve(ids)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// AssertPredicate is the optimistic-concurrency predicate for
// AssertValue (spec section 4.4).
type AssertPredicate struct {
	// Expect is the expected stored bytes when ExpectAbsent is false.
	Expect []byte
	// ExpectAbsent asserts the key currently has no value.
	ExpectAbsent bool
}

// Matches reports whether stored bytes b satisfy the predicate,
// assuming a value is present.
func (p AssertPredicate) Matches(b []byte) bool {
	return !p.ExpectAbsent && bytes.Equal(b, p.Expect)
}

// IsNone reports whether the predicate expects absence.
func (p AssertPredicate) IsNone() bool { return p.ExpectAbsent }

// ValueOp is the Set/AtomicAdd/AddAndGet/Clear variant of a Value op
// (spec section 3).
type ValueOp interface{ isValueOp() }

type SetOp struct{ Value Value }
type AtomicAddOp struct{ By int64 }
type AddAndGetOp struct{ By int64 }
type ClearOp struct{}

func (SetOp) isValueOp()       {}
func (AtomicAddOp) isValueOp() {}
func (AddAndGetOp) isValueOp() {}
func (ClearOp) isValueOp()     {}

// Operation is the tagged-variant operation sequence element (spec
// section 3).
type Operation interface{ isOperation() }

type AccountIDOp struct{ AccountID uint32 }
type CollectionOp struct{ Collection uint8 }
type DocumentIDOp struct{ DocumentID uint32 }

type ValueOperation struct {
	Class keycodec.ValueClass
	Op    ValueOp
}

type IndexOperation struct {
	Field uint8
	Key   []byte
	Set   bool
}

type BitmapOperation struct {
	Class keycodec.BitmapClass
	Set   bool
}

type LogOperation struct{ Payload Value }

type AssertValueOperation struct {
	Class  keycodec.ValueClass
	Assert AssertPredicate
}

func (AccountIDOp) isOperation()          {}
func (CollectionOp) isOperation()         {}
func (DocumentIDOp) isOperation()         {}
func (ValueOperation) isOperation()       {}
func (IndexOperation) isOperation()       {}
func (BitmapOperation) isOperation()      {}
func (LogOperation) isOperation()         {}
func (AssertValueOperation) isOperation() {}

// Batch is an ordered sequence of operations committed atomically,
// stamped with a change_id for Log entries (spec section 3).
type Batch struct {
	ChangeID uint64
	Ops      []Operation
}

func encodeLE64(v int64) []byte {
	u := uint64(v)
	return []byte{
		byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24),
		byte(u >> 32), byte(u >> 40), byte(u >> 48), byte(u >> 56),
	}
}

func errUnresolvedRef(kind string, pos int) error {
	return &unresolvedRefError{kind: kind, pos: pos}
}

type unresolvedRefError struct {
	kind string
	pos  int
}

func (e *unresolvedRefError) Error() string {
	return "batch: unresolved forward reference to " + e.kind + " placeholder"
}
