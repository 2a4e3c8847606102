package uow

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/appframe/internal/auditing"
	"github.com/noah-isme/appframe/internal/history"
	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/internal/repository"
	"github.com/noah-isme/appframe/internal/service"
	"github.com/noah-isme/appframe/internal/session"
)

type blog struct {
	history.Audited
	ID        int64
	Name      string
	CreatorID *int64
	CreatedAt time.Time
}

func (b *blog) CreatorUserID() *int64 { return b.CreatorID }
func (b *blog) SetCreationAudit(at time.Time, userID *int64) {
	b.CreatedAt = at
	b.CreatorID = userID
}

func newManager(t *testing.T) (*Manager, sqlmock.Sqlmock, func()) {
	return newManagerWithStore(t, nil)
}

func newManagerWithStore(t *testing.T, wrap func(history.Store) history.Store) (*Manager, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	registry := history.NewRegistry()
	_, err = registry.RegisterStruct(blog{})
	require.NoError(t, err)
	resolver := history.NewPolicyResolver(history.NewConfiguration(), registry)
	var store history.Store = repository.NewEntityHistoryRepository(sqlxDB)
	if wrap != nil {
		store = wrap(store)
	}
	tracker := history.NewTracker(history.NewChangeSetBuilder(resolver), store)

	return NewManager(sqlxDB, tracker, nil, nil), mock, func() { db.Close() }
}

func insertBlog(b *blog) WriteFunc {
	return func(ctx context.Context, tx *sqlx.Tx) error {
		return tx.QueryRowxContext(ctx, `INSERT INTO blogs (name) VALUES (?) RETURNING id`, b.Name).Scan(&b.ID)
	}
}

func userCtx() context.Context {
	return session.WithIdentity(context.Background(), session.Identity{
		TenantID: session.Int64(1),
		UserID:   session.Int64(2),
	})
}

func TestRunCommitsEntityAndHistoryTogether(t *testing.T) {
	manager, mock, cleanup := newManager(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO blogs")).
		WithArgs("test-blog").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_change_sets")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_changes")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), history.TypeName(blog{}), "11", "CREATED", sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_property_changes")).
		WillReturnResult(sqlmock.NewResult(3, 3))
	mock.ExpectCommit()

	b := &blog{Name: "test-blog"}
	err := manager.Run(userCtx(), func(ctx context.Context, u *UnitOfWork) error {
		u.Insert(ctx, b, insertBlog(b))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), b.ID)
	require.NotNil(t, b.CreatorID)
	assert.Equal(t, int64(2), *b.CreatorID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRollsBackWhenWriteFails(t *testing.T) {
	manager, mock, cleanup := newManager(t)
	defer cleanup()

	writeErr := errors.New("duplicate key")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO blogs")).WillReturnError(writeErr)
	mock.ExpectRollback()

	b := &blog{Name: "dup"}
	err := manager.Run(userCtx(), func(ctx context.Context, u *UnitOfWork) error {
		u.Insert(ctx, b, insertBlog(b))
		return nil
	})
	require.ErrorIs(t, err, writeErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRollsBackWhenCallbackFails(t *testing.T) {
	manager, mock, cleanup := newManager(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := manager.Run(userCtx(), func(ctx context.Context, u *UnitOfWork) error {
		u.Insert(ctx, &blog{Name: "never"}, nil)
		return errors.New("validation failed")
	})
	require.EqualError(t, err, "validation failed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDisabledHistoryTrackingSkipsHistoryRows(t *testing.T) {
	manager, mock, cleanup := newManager(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO blogs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	b := &blog{Name: "quiet"}
	u, ctx, err := manager.Begin(userCtx())
	require.NoError(t, err)
	release := u.DisableAuditing(auditing.FieldHistoryTracking)
	u.Insert(ctx, b, insertBlog(b))
	require.NoError(t, u.Complete(ctx))
	release()

	require.ErrorIs(t, u.Complete(ctx), ErrCompleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

type patternLog struct {
	mu       sync.Mutex
	patterns []string
}

func (p *patternLog) Get(context.Context, string, interface{}) error { return errors.New("miss") }

func (p *patternLog) Set(context.Context, string, interface{}, time.Duration) error { return nil }

func (p *patternLog) DeleteByPattern(_ context.Context, pattern string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns = append(p.patterns, pattern)
	return nil
}

func (p *patternLog) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.patterns...)
}

type capturingStore struct {
	history.Store
	saved []*models.EntityChangeSet
}

func (c *capturingStore) Save(ctx context.Context, cs *models.EntityChangeSet) error {
	if err := c.Store.Save(ctx, cs); err != nil {
		return err
	}
	c.saved = append(c.saved, cs)
	return nil
}

func invalidatingManager(t *testing.T, log *patternLog) (*Manager, sqlmock.Sqlmock, func()) {
	cache := service.NewCacheService(log, nil, time.Minute, nil)
	return newManagerWithStore(t, func(next history.Store) history.Store {
		return service.NewInvalidatingStore(next, cache)
	})
}

func expectBlogInsertWithHistory(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO blogs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_change_sets")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_changes")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_property_changes")).WillReturnResult(sqlmock.NewResult(3, 3))
}

func TestHistoryCacheInvalidatedOnlyAfterCommit(t *testing.T) {
	log := &patternLog{}
	manager, mock, cleanup := invalidatingManager(t, log)
	defer cleanup()

	expectBlogInsertWithHistory(mock)
	mock.ExpectCommit()

	b := &blog{Name: "cached"}
	u, ctx, err := manager.Begin(userCtx())
	require.NoError(t, err)
	var atCommit []string
	u.AfterCommit(func() { atCommit = log.snapshot() })
	u.Insert(ctx, b, insertBlog(b))
	require.NoError(t, u.Complete(ctx))

	assert.Empty(t, atCommit)
	assert.Equal(t, []string{"entity_history::*", "entity_history:" + history.TypeName(blog{}) + ":*"}, log.snapshot())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryCacheKeptWhenCommitFails(t *testing.T) {
	log := &patternLog{}
	manager, mock, cleanup := invalidatingManager(t, log)
	defer cleanup()

	expectBlogInsertWithHistory(mock)
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	b := &blog{Name: "lost"}
	err := manager.Run(userCtx(), func(ctx context.Context, u *UnitOfWork) error {
		u.Insert(ctx, b, insertBlog(b))
		return nil
	})
	require.Error(t, err)
	assert.Empty(t, log.snapshot())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRecordsOriginalValues(t *testing.T) {
	capture := &capturingStore{}
	manager, mock, cleanup := newManagerWithStore(t, func(next history.Store) history.Store {
		capture.Store = next
		return capture
	})
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM blogs")).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_change_sets")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_changes")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_property_changes")).WillReturnResult(sqlmock.NewResult(4, 4))
	mock.ExpectCommit()

	b := &blog{ID: 5, Name: "retired"}
	err := manager.Run(userCtx(), func(ctx context.Context, u *UnitOfWork) error {
		u.Delete(ctx, b, func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM blogs WHERE id = ?`, b.ID)
			return err
		})
		return nil
	})
	require.NoError(t, err)

	require.Len(t, capture.saved, 1)
	require.Len(t, capture.saved[0].EntityChanges, 1)
	change := capture.saved[0].EntityChanges[0]
	assert.Equal(t, models.EntityChangeTypeDeleted, change.ChangeType)
	require.NotNil(t, change.EntityID)
	assert.Equal(t, "5", *change.EntityID)

	values := map[string]*string{}
	for _, pc := range change.PropertyChanges {
		assert.Nil(t, pc.NewValue, pc.PropertyName)
		assert.Nil(t, pc.NewValueHash, pc.PropertyName)
		values[pc.PropertyName] = pc.OriginalValue
	}
	require.NotNil(t, values["ID"])
	assert.Equal(t, "5", *values["ID"])
	require.NotNil(t, values["Name"])
	assert.Equal(t, `"retired"`, *values["Name"])
	require.NoError(t, mock.ExpectationsWereMet())
}
