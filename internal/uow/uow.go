// Package uow runs entity writes, audit stamping and history persistence in one transaction.
package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/appframe/internal/auditing"
	"github.com/noah-isme/appframe/internal/buffer"
	"github.com/noah-isme/appframe/internal/history"
	"github.com/noah-isme/appframe/pkg/database"
)

// ErrCompleted is returned when a finished unit of work is used again.
var ErrCompleted = errors.New("unit of work already completed")

// WriteFunc is a pending statement executed during flush.
type WriteFunc func(ctx context.Context, tx *sqlx.Tx) error

// Manager starts units of work.
type Manager struct {
	db      *sqlx.DB
	tracker *history.Tracker
	auditor *auditing.EntityAuditor
	logger  *zap.Logger
}

// NewManager constructs a manager. A nil tracker disables history.
func NewManager(db *sqlx.DB, tracker *history.Tracker, auditor *auditing.EntityAuditor, logger *zap.Logger) *Manager {
	if tracker == nil {
		tracker = history.NewTracker(nil, history.NullStore{})
	}
	if auditor == nil {
		auditor = auditing.NewEntityAuditor(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{db: db, tracker: tracker, auditor: auditor, logger: logger}
}

// UnitOfWork buffers writes and history entries until Complete.
type UnitOfWork struct {
	tx        *sqlx.Tx
	tracker   *history.Tracker
	auditor   *auditing.EntityAuditor
	logger    *zap.Logger
	overrides *auditing.Overrides
	entries   *buffer.Buffer[history.EntityEntry]
	writes    *buffer.Buffer[WriteFunc]
	hooks     *database.CommitHooks
	done      bool
}

// Begin opens a transaction. The returned context carries the transaction
// and the unit's override stack.
func (m *Manager) Begin(ctx context.Context) (*UnitOfWork, context.Context, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, ctx, fmt.Errorf("begin unit of work: %w", err)
	}
	u := &UnitOfWork{
		tx:        tx,
		tracker:   m.tracker,
		auditor:   m.auditor,
		logger:    m.logger,
		overrides: auditing.NewOverrides(),
		entries:   buffer.New[history.EntityEntry](),
		writes:    buffer.New[WriteFunc](),
		hooks:     database.NewCommitHooks(),
	}
	return u, u.bind(ctx), nil
}

// Run executes fn inside a unit of work, completing it on success and rolling
// it back on error or panic.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, u *UnitOfWork) error) (err error) {
	u, uctx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			u.Rollback()
			panic(r)
		}
		if err != nil {
			u.Rollback()
		}
	}()

	if err = fn(uctx, u); err != nil {
		return err
	}
	return u.Complete(uctx)
}

func (u *UnitOfWork) bind(ctx context.Context) context.Context {
	ctx = database.WithCommitHooks(database.WithTx(ctx, u.tx), u.hooks)
	return auditing.ContextWithOverrides(ctx, u.overrides)
}

// AfterCommit registers fn to run once the unit commits. It never runs on rollback.
func (u *UnitOfWork) AfterCommit(fn func()) {
	u.hooks.Add(fn)
}

// Tx exposes the underlying transaction.
func (u *UnitOfWork) Tx() *sqlx.Tx {
	return u.tx
}

// DisableAuditing pushes a disabling override scoped to this unit.
func (u *UnitOfWork) DisableAuditing(field auditing.Field) func() {
	return u.overrides.Push(field, false)
}

// EnableAuditing pushes an enabling override scoped to this unit.
func (u *UnitOfWork) EnableAuditing(field auditing.Field) func() {
	return u.overrides.Push(field, true)
}

// Insert stamps creation audit fields, tracks entity and queues write.
func (u *UnitOfWork) Insert(ctx context.Context, entity any, write WriteFunc) {
	u.auditor.Created(u.bind(ctx), entity)
	u.entries.Add(history.Created(entity))
	u.writes.Add(write)
}

// Update stamps modification audit fields and tracks the difference from snapshot.
func (u *UnitOfWork) Update(ctx context.Context, snapshot, entity any, write WriteFunc) {
	u.auditor.Modified(u.bind(ctx), entity)
	u.entries.Add(history.Updated(snapshot, entity))
	u.writes.Add(write)
}

// Delete stamps deletion audit fields, tracks entity and queues write.
func (u *UnitOfWork) Delete(ctx context.Context, entity any, write WriteFunc) {
	u.auditor.Deleted(u.bind(ctx), entity)
	u.entries.Add(history.Deleted(entity))
	u.writes.Add(write)
}

// Track adds entries produced outside the struct helpers, such as row entries.
func (u *UnitOfWork) Track(entries ...history.EntityEntry) {
	u.entries.Add(entries...)
}

// Complete flushes queued writes, saves the change set in the same
// transaction and commits.
func (u *UnitOfWork) Complete(ctx context.Context) error {
	if u.done {
		return ErrCompleted
	}
	ctx = u.bind(ctx)

	writes := u.writes.Drain()
	flush := func(ctx context.Context) error {
		for _, w := range writes {
			if w == nil {
				continue
			}
			if err := w(ctx, u.tx); err != nil {
				return err
			}
		}
		return nil
	}

	if err := u.tracker.SaveChanges(ctx, u.entries.Drain(), flush); err != nil {
		u.Rollback()
		return err
	}
	u.done = true
	if err := u.tx.Commit(); err != nil {
		u.hooks.Discard()
		return fmt.Errorf("commit unit of work: %w", err)
	}
	u.hooks.Committed()
	return nil
}

// Rollback aborts the unit. It is a no-op once completed.
func (u *UnitOfWork) Rollback() {
	if u.done {
		return
	}
	u.done = true
	u.entries.Reset()
	u.writes.Reset()
	u.hooks.Discard()
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		u.logger.Warn("rollback unit of work", zap.Error(err))
	}
}
