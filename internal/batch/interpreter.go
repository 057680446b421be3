package batch

import (
	"context"
	"fmt"

	"github.com/stalwartlabs/storewrite/internal/keycodec"
)

// Primitives is the set of backend-native operations the Interpreter
// dispatches to (spec section 2: "Batch Interpreter ... dispatches each
// op to backend primitives"). A KV-backed store and a SQL-backed store
// each implement Primitives once; the op-walk and context state machine
// below is shared between them, replacing the teacher's duplicated
// per-request transaction loops (services/mddbd/batch.go,
// batchupdate.go, batchdelete.go each re-walked their own document list)
// with a single generic walk over abstract ops.
type Primitives interface {
	// subspace is the class's logical namespace (spec section 3:
	// SUBSPACE_COUNTER/SUBSPACE_QUOTA/SUBSPACE_*). The KV backend
	// already finds it prefixed onto key; the SQL backend has no such
	// prefix (its keys never carry WITH_SUBSPACE) and needs subspace to
	// pick the target table.
	SetValue(ctx context.Context, subspace byte, key, value []byte, doChunk bool) error
	AtomicAdd(ctx context.Context, subspace byte, key []byte, by int64) error
	AddAndGet(ctx context.Context, subspace byte, key []byte, by int64) (int64, error)
	ClearValue(ctx context.Context, subspace byte, key []byte, doChunk bool) error

	SetIndex(ctx context.Context, key []byte) error
	ClearIndex(ctx context.Context, key []byte) error

	// AllocateDocumentID scans the DocumentIds bitmap range for
	// (accountID, collection) and returns a pseudo-random available id
	// (spec section 4.3, steps 1-4). It does not write the bitmap
	// membership key itself; the interpreter does that via SetBitmap
	// immediately after, mirroring both reference backends.
	AllocateDocumentID(ctx context.Context, accountID uint32, collection uint8) (uint32, error)
	// AddDocumentIDConflictRange declares the narrow read-conflict
	// range over the chosen id (spec section 4.3 step 6). A no-op on
	// backends with no concept of conflict ranges (SQL).
	AddDocumentIDConflictRange(ctx context.Context, class keycodec.BitmapClass, accountID uint32, collection uint8, documentID uint32) error
	// SetBitmap sets a membership key. isAllocation is true only for
	// the key written immediately after a fresh document-id allocation
	// — the SQL backend uses it to choose a bare INSERT (so a
	// collision raises a UNIQUE VIOLATION it can reclassify as
	// AllocatorRetry) instead of INSERT ... ON CONFLICT DO NOTHING.
	SetBitmap(ctx context.Context, subspace byte, key []byte, isAllocation bool) error
	ClearBitmap(ctx context.Context, subspace byte, key []byte) error

	SetLog(ctx context.Context, key, payload []byte) error

	// AssertValue reads the current value at key and evaluates pred
	// against it, returning engineerr.AssertValueFailed on mismatch.
	AssertValue(ctx context.Context, subspace byte, key []byte, pred AssertPredicate) error
}

// execContext holds the implicit (account, collection, document) triple
// (spec section 4.1), local to a single interpretation attempt.
type execContext struct {
	accountID  uint32
	collection uint8
	documentID uint32
}

// Run applies every operation in b.Ops in order against prim, returning
// the resulting AssignedIds on success. Any per-op failure aborts
// immediately and propagates to the caller (normally the retry
// controller) — spec section 4.1 "Error semantics".
func Run(ctx context.Context, prim Primitives, withSubspace bool, b *Batch) (*AssignedIds, error) {
	ec := execContext{accountID: AccountIDNone, collection: CollectionNone, documentID: DocumentIDNone}
	ids := &AssignedIds{}

	for i, op := range b.Ops {
		if err := runOp(ctx, prim, withSubspace, &ec, ids, b.ChangeID, op); err != nil {
			return nil, fmt.Errorf("batch op %d: %w", i, err)
		}
	}
	return ids, nil
}

func runOp(ctx context.Context, prim Primitives, withSubspace bool, ec *execContext, ids *AssignedIds, changeID uint64, op Operation) error {
	switch o := op.(type) {
	case AccountIDOp:
		ec.accountID = o.AccountID
		return nil
	case CollectionOp:
		ec.collection = o.Collection
		return nil
	case DocumentIDOp:
		ec.documentID = o.DocumentID
		return nil
	case ValueOperation:
		return runValueOp(ctx, prim, withSubspace, ec, ids, o)
	case IndexOperation:
		key := keycodec.IndexKey(ec.accountID, ec.collection, ec.documentID, o.Field, o.Key, withSubspace)
		if o.Set {
			return prim.SetIndex(ctx, key)
		}
		return prim.ClearIndex(ctx, key)
	case BitmapOperation:
		return runBitmapOp(ctx, prim, withSubspace, ec, ids, o)
	case LogOperation:
		payload, err := o.Payload.Resolve(ids)
		if err != nil {
			return err
		}
		key := keycodec.LogKey(ec.accountID, ec.collection, changeID, withSubspace)
		return prim.SetLog(ctx, key, payload)
	case AssertValueOperation:
		key := o.Class.Serialize(ec.accountID, ec.collection, ec.documentID, withSubspace, ids)
		return prim.AssertValue(ctx, o.Class.Subspace(ec.collection), key, o.Assert)
	default:
		return fmt.Errorf("batch: unknown operation type %T", op)
	}
}

func runValueOp(ctx context.Context, prim Primitives, withSubspace bool, ec *execContext, ids *AssignedIds, o ValueOperation) error {
	key := o.Class.Serialize(ec.accountID, ec.collection, ec.documentID, withSubspace, ids)
	subspace := o.Class.Subspace(ec.collection)
	doChunk := !o.Class.IsCounter(ec.collection)

	switch v := o.Op.(type) {
	case SetOp:
		value, err := v.Value.Resolve(ids)
		if err != nil {
			return err
		}
		return prim.SetValue(ctx, subspace, key, value, doChunk)
	case AtomicAddOp:
		return prim.AtomicAdd(ctx, subspace, key, v.By)
	case AddAndGetOp:
		result, err := prim.AddAndGet(ctx, subspace, key, v.By)
		if err != nil {
			return err
		}
		ids.PushCounterID(result)
		return nil
	case ClearOp:
		return prim.ClearValue(ctx, subspace, key, doChunk)
	default:
		return fmt.Errorf("batch: unknown value op type %T", o.Op)
	}
}

func runBitmapOp(ctx context.Context, prim Primitives, withSubspace bool, ec *execContext, ids *AssignedIds, o BitmapOperation) error {
	assignID := o.Set && isDocumentIdsClass(o.Class) && ec.documentID == DocumentIDNone

	if assignID {
		id, err := prim.AllocateDocumentID(ctx, ec.accountID, ec.collection)
		if err != nil {
			return err
		}
		ec.documentID = id
		ids.PushDocumentID(id)
	}

	key := o.Class.Serialize(ec.accountID, ec.collection, ec.documentID, withSubspace, ids)
	subspace := o.Class.Subspace()
	if !o.Set {
		return prim.ClearBitmap(ctx, subspace, key)
	}

	if assignID {
		if err := prim.AddDocumentIDConflictRange(ctx, o.Class, ec.accountID, ec.collection, ec.documentID); err != nil {
			return err
		}
	}
	return prim.SetBitmap(ctx, subspace, key, assignID)
}

// documentIDsMarker lets a custom BitmapClass implementation (from an
// upstream Key Codec richer than keycodec.DefaultBitmapClass) identify
// itself as the document-id allocation target without this package
// needing to know its concrete type.
type documentIDsMarker interface{ IsDocumentIds() bool }

func isDocumentIdsClass(c keycodec.BitmapClass) bool {
	if m, ok := c.(documentIDsMarker); ok {
		return m.IsDocumentIds()
	}
	d, ok := c.(keycodec.DefaultBitmapClass)
	return ok && d.Tag == keycodec.TagDocumentIds
}
