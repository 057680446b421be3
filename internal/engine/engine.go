// Package engine is the write engine's single caller-visible surface
// (spec section 6): Write, PurgeStore, DeleteRange over whichever
// Backend was wired in, with no mention of bbolt or Postgres beyond
// the constructor call site.
package engine

import (
	"context"

	"github.com/stalwartlabs/storewrite/internal/batch"
)

// Backend is satisfied by internal/kvbackend.Store and
// internal/sqlbackend.Store. Each owns its own Retry Controller
// (internal/retry) internally, since the retry classification needed
// differs enough between an embedded single-writer store and a truly
// concurrent SQL server that folding it into this thin wrapper would
// just move the same backend-specific branching up a layer.
type Backend interface {
	Write(ctx context.Context, b *batch.Batch) (*batch.AssignedIds, error)
	PurgeStore(ctx context.Context) error
	DeleteRange(ctx context.Context, subspace byte, from, to []byte) error
}

// Engine is the write engine: the batch/chunk/allocator/assert-guard
// semantics shared by every backend, fronted by whichever Backend the
// caller wired in.
type Engine struct {
	backend Backend
}

// New wraps backend as an Engine.
func New(backend Backend) *Engine {
	return &Engine{backend: backend}
}

// Write compiles and commits b (spec section 4.1).
func (e *Engine) Write(ctx context.Context, b *batch.Batch) (*batch.AssignedIds, error) {
	return e.backend.Write(ctx, b)
}

// PurgeStore deletes every zero-valued counter/quota entry (spec
// section 4.8).
func (e *Engine) PurgeStore(ctx context.Context) error {
	return e.backend.PurgeStore(ctx)
}

// DeleteRange deletes every key in [from, to) within subspace (spec
// section 4.9).
func (e *Engine) DeleteRange(ctx context.Context, subspace byte, from, to []byte) error {
	return e.backend.DeleteRange(ctx, subspace, from, to)
}

var _ Backend = (*Engine)(nil)
