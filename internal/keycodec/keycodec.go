// Package keycodec is the write engine's view of the external Key Codec
// capability (spec section "From the Key Codec"). The real codec lives
// upstream of this module and is treated as opaque; this package ships
// a concrete default implementation so the engine is runnable and
// testable standalone, generalized from the teacher's fixed
// "doc|coll|id" style key helpers (services/mddbd/keybuilder.go,
// services/mddbd/main.go's kDoc/kByKey/kRevPrefix/kMetaKeyPrefix) to the
// spec's (account, collection, document, class) tuple.
package keycodec

import "encoding/binary"

// Subspace bytes — single-byte logical namespaces (spec section 3/6).
const (
	SubspaceCounter byte = 'c'
	SubspaceQuota   byte = 'q'
	SubspaceIndex   byte = 'i'
	SubspaceBitmap  byte = 'b'
	SubspaceLog     byte = 'l'
	// SubspaceValue is the default subspace for non-counter, non-quota
	// value classes. Concrete deployments typically allocate one
	// subspace byte per value class; a single shared subspace plus a
	// class tag byte is sufficient for this engine's own tests.
	SubspaceValue byte = 'v'
)

// U32Len is the length in bytes of a serialized document id.
const U32Len = 4

// WithSubspace / WithoutSubspace select whether Serialize prefixes the
// single subspace byte — the KV backend always wants it (bbolt has one
// flat keyspace), the SQL backend never does (the subspace maps to a
// table name instead).
const (
	WithSubspace    = true
	WithoutSubspace = false
)

// AssignedIdsView is the read-only capability over a batch's
// AssignedIds, consumed both by key serialization and by Set/Log
// payload placeholder resolution. internal/batch.AssignedIds implements
// this.
type AssignedIdsView interface {
	DocumentIDAt(pos int) (uint32, bool)
	CounterValueAt(pos int) (int64, bool)
}

// Serializer is a small growable byte writer, generalized from the
// teacher's fixed-array KeyBuilder (services/mddbd/keybuilder.go) to an
// append-based one since key shapes here vary by class rather than
// being a handful of fixed layouts.
type Serializer struct {
	buf []byte
}

func NewSerializer(sizeHint int) *Serializer {
	return &Serializer{buf: make([]byte, 0, sizeHint)}
}

func (s *Serializer) WriteByte(b byte) *Serializer {
	s.buf = append(s.buf, b)
	return s
}

func (s *Serializer) WriteU32BE(v uint32) *Serializer {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	s.buf = append(s.buf, tmp[:]...)
	return s
}

func (s *Serializer) WriteU64BE(v uint64) *Serializer {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	s.buf = append(s.buf, tmp[:]...)
	return s
}

func (s *Serializer) WriteBytes(b []byte) *Serializer {
	s.buf = append(s.buf, b...)
	return s
}

func (s *Serializer) Bytes() []byte { return s.buf }

// DeserializeBigEndianU32 reads a big-endian u32 at offset off, mirroring
// the original's DeserializeBigEndian trait used by the allocator to
// decode the trailing 4 bytes of a DocumentIds bitmap key.
func DeserializeBigEndianU32(b []byte, off int) uint32 {
	return binary.BigEndian.Uint32(b[off : off+4])
}

// ValueClass is the per-domain-tag capability for value keys: Set,
// AtomicAdd, AddAndGet, Clear, AssertValue all key off of it.
type ValueClass interface {
	// Serialize produces the key bytes for (account, collection,
	// document, class) in the current batch context.
	Serialize(accountID uint32, collection uint8, documentID uint32, withSubspace bool, ids AssignedIdsView) []byte
	// Subspace returns the single-byte logical table/namespace for this
	// class given the current collection (counters/quotas are
	// collection-independent in practice but the signature allows a
	// class to vary by collection).
	Subspace(collection uint8) byte
	// IsCounter reports whether chunking must be bypassed for this
	// class in this collection (spec invariant 4).
	IsCounter(collection uint8) bool
}

// BitmapClass is the per-domain-tag capability for bitmap keys.
type BitmapClass interface {
	Serialize(accountID uint32, collection uint8, documentID uint32, withSubspace bool, ids AssignedIdsView) []byte
	Subspace() byte
}

// DefaultValueClass is a generic ValueClass keyed by a single tag byte,
// sufficient for tests and for callers with no richer schema layer.
type DefaultValueClass struct {
	Tag       byte
	Counter   bool
	CounterFn func(collection uint8) bool
}

func (c DefaultValueClass) Serialize(accountID uint32, collection uint8, documentID uint32, withSubspace bool, _ AssignedIdsView) []byte {
	s := NewSerializer(16)
	if withSubspace {
		s.WriteByte(c.Subspace(collection))
	}
	s.WriteU32BE(accountID).WriteByte(collection).WriteU32BE(documentID).WriteByte(c.Tag)
	return s.Bytes()
}

func (c DefaultValueClass) Subspace(collection uint8) byte {
	if c.CounterFn != nil && c.CounterFn(collection) || (c.CounterFn == nil && c.Counter) {
		return SubspaceCounter
	}
	return SubspaceValue
}

func (c DefaultValueClass) IsCounter(collection uint8) bool {
	if c.CounterFn != nil {
		return c.CounterFn(collection)
	}
	return c.Counter
}

// QuotaValueClass is a DefaultValueClass variant that lives in
// SUBSPACE_QUOTA instead of SUBSPACE_COUNTER/SUBSPACE_VALUE.
type QuotaValueClass struct {
	Tag byte
}

func (c QuotaValueClass) Serialize(accountID uint32, collection uint8, documentID uint32, withSubspace bool, _ AssignedIdsView) []byte {
	s := NewSerializer(16)
	if withSubspace {
		s.WriteByte(SubspaceQuota)
	}
	s.WriteU32BE(accountID).WriteByte(collection).WriteU32BE(documentID).WriteByte(c.Tag)
	return s.Bytes()
}

func (c QuotaValueClass) Subspace(uint8) byte { return SubspaceQuota }
func (c QuotaValueClass) IsCounter(uint8) bool { return true }

// DefaultBitmapClass is a generic BitmapClass keyed by a tag byte. The
// DocumentIds class (document-id allocation target) is the zero value
// of this type with Tag == TagDocumentIds.
type DefaultBitmapClass struct {
	Tag byte
}

// TagDocumentIds is the well-known bitmap class tag that triggers
// document-id allocation (spec section 4.3).
const TagDocumentIds byte = 0

func (c DefaultBitmapClass) Serialize(accountID uint32, collection uint8, documentID uint32, withSubspace bool, _ AssignedIdsView) []byte {
	s := NewSerializer(16)
	if withSubspace {
		s.WriteByte(SubspaceBitmap)
	}
	s.WriteU32BE(accountID).WriteByte(collection).WriteByte(c.Tag).WriteU32BE(documentID)
	return s.Bytes()
}

func (c DefaultBitmapClass) Subspace() byte { return SubspaceBitmap }

// DocumentIds is the BitmapClass the allocator scans.
var DocumentIds = DefaultBitmapClass{Tag: TagDocumentIds}

// IndexKey serializes an Index op's key (spec: Index{field, key, set}).
func IndexKey(accountID uint32, collection uint8, documentID uint32, field uint8, key []byte, withSubspace bool) []byte {
	s := NewSerializer(16 + len(key))
	if withSubspace {
		s.WriteByte(SubspaceIndex)
	}
	s.WriteU32BE(accountID).WriteByte(collection).WriteU32BE(documentID).WriteByte(field).WriteBytes(key)
	return s.Bytes()
}

// LogKey serializes a Log op's key: (account, collection, change_id).
func LogKey(accountID uint32, collection uint8, changeID uint64, withSubspace bool) []byte {
	s := NewSerializer(16)
	if withSubspace {
		s.WriteByte(SubspaceLog)
	}
	s.WriteU32BE(accountID).WriteByte(collection).WriteU64BE(changeID)
	return s.Bytes()
}

// BitmapRangeBounds returns the [begin, end) scan range over the
// DocumentIds bitmap keys for (account, collection), used by the
// allocator (spec section 4.3 step 1).
func BitmapRangeBounds(accountID uint32, collection uint8, withSubspace bool) (begin, end []byte) {
	begin = DocumentIds.Serialize(accountID, collection, 0, withSubspace, nil)
	end = DocumentIds.Serialize(accountID, collection, 0xFFFFFFFF, withSubspace, nil)
	return
}
