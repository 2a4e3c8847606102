package database

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"
)

type txKey struct{}

type commitHooksKey struct{}

// WithTx makes tx the ambient transaction for repositories called with ctx.
func WithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the ambient transaction, if any.
func TxFromContext(ctx context.Context) (*sqlx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx, ok && tx != nil
}

// CommitHooks collects callbacks that must only run once the owning
// transaction has committed.
type CommitHooks struct {
	mu        sync.Mutex
	fns       []func()
	committed bool
	discarded bool
}

// NewCommitHooks returns an empty hook list.
func NewCommitHooks() *CommitHooks {
	return &CommitHooks{}
}

// Add registers fn. It runs immediately when the transaction has already
// committed and is dropped when it was rolled back.
func (h *CommitHooks) Add(fn func()) {
	h.mu.Lock()
	switch {
	case h.discarded:
		h.mu.Unlock()
		return
	case h.committed:
		h.mu.Unlock()
		fn()
		return
	}
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// Committed runs the registered callbacks in order.
func (h *CommitHooks) Committed() {
	h.mu.Lock()
	if h.committed || h.discarded {
		h.mu.Unlock()
		return
	}
	h.committed = true
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Discard drops the registered callbacks.
func (h *CommitHooks) Discard() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.committed {
		return
	}
	h.discarded = true
	h.fns = nil
}

// WithCommitHooks attaches hooks to ctx alongside its ambient transaction.
func WithCommitHooks(ctx context.Context, hooks *CommitHooks) context.Context {
	return context.WithValue(ctx, commitHooksKey{}, hooks)
}

// AfterCommit defers fn until the ambient transaction commits. It reports
// false, leaving fn unscheduled, when ctx carries no transaction with hooks.
func AfterCommit(ctx context.Context, fn func()) bool {
	if _, ok := TxFromContext(ctx); !ok {
		return false
	}
	hooks, ok := ctx.Value(commitHooksKey{}).(*CommitHooks)
	if !ok || hooks == nil {
		return false
	}
	hooks.Add(fn)
	return true
}
