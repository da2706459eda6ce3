package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/authpipe/authpipe/pkg/logger"
)

// UndoFunc reverts a side effect performed by a step.
type UndoFunc func(ctx context.Context) error

type undoEntry struct {
	name string
	fn   UndoFunc
}

// Rollbacks is the per-run registry of undo callbacks. It is safe for use by
// concurrent Fork branches.
type Rollbacks struct {
	mu      sync.Mutex
	entries []undoEntry
}

func NewRollbacks() *Rollbacks {
	return &Rollbacks{}
}

// Register adds fn to the registry. Callbacks run in reverse registration order.
func (r *Rollbacks) Register(name string, fn UndoFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, undoEntry{name: name, fn: fn})
}

func (r *Rollbacks) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Unwind runs every registered callback newest first and empties the
// registry. Failures are logged and joined, never retried.
func (r *Rollbacks) Unwind(ctx context.Context, l logger.Logger) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if err := entry.fn(ctx); err != nil {
			l.WarnWithContext(ctx, "rollback failed", zap.String("rollback", entry.name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Rollbacks) transferTo(parent *Rollbacks) {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	parent.mu.Lock()
	defer parent.mu.Unlock()
	parent.entries = append(parent.entries, entries...)
}

// RegisterRollback adds fn to the registry carried by pc. It reports false
// when pc was not produced by a Pipeline run.
func RegisterRollback(pc Context, name string, fn UndoFunc) bool {
	r, ok := Value[*Rollbacks](pc, SlotRollback)
	if !ok {
		return false
	}
	r.Register(name, fn)
	return true
}
