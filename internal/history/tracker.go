package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/internal/session"
)

// Recorder observes saved change sets.
type Recorder interface {
	ChangeSetSaved(cs *models.EntityChangeSet, elapsed time.Duration)
	ChangeSetFailed(err error)
}

type nopRecorder struct{}

func (nopRecorder) ChangeSetSaved(*models.EntityChangeSet, time.Duration) {}
func (nopRecorder) ChangeSetFailed(error)                                 {}

// Tracker runs build, flush, id completion and save for one unit of work.
type Tracker struct {
	builder  *ChangeSetBuilder
	store    Store
	sessions session.Provider
	recorder Recorder
	logger   *zap.Logger
}

// TrackerOption customises the tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the tracker logger.
func WithTrackerLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) TrackerOption {
	return func(t *Tracker) {
		if r != nil {
			t.recorder = r
		}
	}
}

// WithSessionProvider overrides where the acting identity is read from.
func WithSessionProvider(p session.Provider) TrackerOption {
	return func(t *Tracker) {
		if p != nil {
			t.sessions = p
		}
	}
}

// NewTracker wires a builder to a store. A nil store behaves as NullStore and
// a nil builder records nothing.
func NewTracker(builder *ChangeSetBuilder, store Store, opts ...TrackerOption) *Tracker {
	if store == nil {
		store = NullStore{}
	}
	if builder == nil {
		builder = NewChangeSetBuilder(NewPolicyResolver(NewConfiguration(WithEnabled(false)), nil))
	}
	t := &Tracker{
		builder:  builder,
		store:    store,
		sessions: session.ContextProvider,
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FlushFunc writes the pending entity changes. Generated keys are read after it returns.
type FlushFunc func(ctx context.Context) error

func (t *Tracker) prepare(ctx context.Context, entries []EntityEntry, flush FlushFunc) (*models.EntityChangeSet, error) {
	pending := t.builder.Build(ctx, entries, t.sessions.Identity(ctx))
	if flush != nil {
		if err := flush(ctx); err != nil {
			return nil, err
		}
	}
	if pending == nil {
		return nil, nil
	}
	return pending.Complete(), nil
}

// SaveChanges flushes entries and saves their change set, if any.
func (t *Tracker) SaveChanges(ctx context.Context, entries []EntityEntry, flush FlushFunc) error {
	cs, err := t.prepare(ctx, entries, flush)
	if err != nil || cs == nil {
		return err
	}
	start := time.Now()
	if err := t.store.Save(ctx, cs); err != nil {
		t.fail(cs, err)
		return err
	}
	t.recorder.ChangeSetSaved(cs, time.Since(start))
	return nil
}

// SaveChangesAsync is SaveChanges with the store write delivered on the returned channel.
func (t *Tracker) SaveChangesAsync(ctx context.Context, entries []EntityEntry, flush FlushFunc) <-chan error {
	out := make(chan error, 1)
	cs, err := t.prepare(ctx, entries, flush)
	if err != nil || cs == nil {
		out <- err
		close(out)
		return out
	}

	start := time.Now()
	result := t.store.SaveAsync(ctx, cs)
	go func() {
		defer close(out)
		err := <-result
		if err != nil {
			t.fail(cs, err)
		} else {
			t.recorder.ChangeSetSaved(cs, time.Since(start))
		}
		out <- err
	}()
	return out
}

func (t *Tracker) fail(cs *models.EntityChangeSet, err error) {
	t.recorder.ChangeSetFailed(err)
	t.logger.Error("save entity change set failed",
		zap.String("change_set_id", cs.ID),
		zap.Int("entity_changes", len(cs.EntityChanges)),
		zap.Error(err),
	)
}
