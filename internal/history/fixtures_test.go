package history

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/appframe/internal/auditing"
	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/internal/session"
)

type Blog struct {
	Audited
	ID    int64
	Name  string
	Url   string
	Posts []Post `history:"owned"`
}

type Post struct {
	ID     string
	BlogID int64 `history:"audited"`
	Title  string
	Body   string `history:"-"`
}

type Advertisement struct {
	ID     int64
	Banner string
}

type Comment struct {
	Audited
	ID       int64
	TenantID *int64
	Text     string
	Payload  any
}

func (c *Comment) OwnerTenantID() *int64 { return c.TenantID }

type panicky struct{ N int }

func (panicky) MarshalJSON() ([]byte, error) { panic("broken marshaller") }

type recordingStore struct {
	mu    sync.Mutex
	saved []*models.EntityChangeSet
	err   error
}

func (s *recordingStore) Save(_ context.Context, cs *models.EntityChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, cs)
	return nil
}

func (s *recordingStore) SaveAsync(ctx context.Context, cs *models.EntityChangeSet) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- s.Save(ctx, cs)
		close(ch)
	}()
	return ch
}

func (s *recordingStore) calls() []*models.EntityChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.EntityChangeSet(nil), s.saved...)
}

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	cfg      *Configuration
	registry *Registry
	store    *recordingStore
	tracker  *Tracker
}

func newHarness() *harness {
	cfg := NewConfiguration()
	registry := NewRegistry()
	for _, v := range []any{Blog{}, Advertisement{}, Comment{}} {
		if _, err := registry.RegisterStruct(v); err != nil {
			panic(err)
		}
	}
	resolver := NewPolicyResolver(cfg, registry)
	builder := NewChangeSetBuilder(resolver, WithBuilderClock(func() time.Time { return fixedNow }))
	store := &recordingStore{}
	return &harness{
		cfg:      cfg,
		registry: registry,
		store:    store,
		tracker:  NewTracker(builder, store),
	}
}

func userContext() context.Context {
	ctx := session.WithIdentity(context.Background(), session.Identity{
		TenantID: session.Int64(1),
		UserID:   session.Int64(2),
	})
	return auditing.WithOverrides(ctx)
}

func noFlush(context.Context) error { return nil }
