package auditing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/appframe/internal/session"
)

type message struct {
	tenantID   *int64
	creatorID  *int64
	createdAt  time.Time
	modifierID *int64
	modifiedAt *time.Time
	deleterID  *int64
	deletedAt  *time.Time
}

func (m *message) OwnerTenantID() *int64 { return m.tenantID }
func (m *message) CreatorUserID() *int64 { return m.creatorID }
func (m *message) SetCreationAudit(at time.Time, userID *int64) {
	m.createdAt = at
	m.creatorID = userID
}
func (m *message) SetModificationAudit(at time.Time, userID *int64) {
	m.modifiedAt = &at
	m.modifierID = userID
}
func (m *message) SetDeletionAudit(at time.Time, userID *int64) {
	m.deletedAt = &at
	m.deleterID = userID
}

func tenantSession(tenantID, userID int64) context.Context {
	ctx := session.WithIdentity(context.Background(), session.Identity{
		TenantID: session.Int64(tenantID),
		UserID:   session.Int64(userID),
	})
	return WithOverrides(ctx)
}

func TestOverridesInnermostWins(t *testing.T) {
	ctx := WithOverrides(context.Background())
	assert.True(t, IsEnabled(ctx, FieldHistoryTracking))

	releaseOuter := Disable(ctx, FieldHistoryTracking)
	assert.False(t, IsEnabled(ctx, FieldHistoryTracking))

	releaseInner := Enable(ctx, FieldHistoryTracking)
	assert.True(t, IsEnabled(ctx, FieldHistoryTracking))
	assert.True(t, IsEnabled(ctx, FieldCreationUserID))

	releaseInner()
	assert.False(t, IsEnabled(ctx, FieldHistoryTracking))
	releaseOuter()
	assert.True(t, IsEnabled(ctx, FieldHistoryTracking))
	assert.Equal(t, 0, OverridesFrom(ctx).Len())
}

func TestReleaseIsIdempotentAndRemovesOnlyItsEntry(t *testing.T) {
	ctx := WithOverrides(context.Background())
	first := Disable(ctx, FieldDeleterUserID)
	second := Enable(ctx, FieldDeleterUserID)

	first()
	first()
	enabled, ok := Lookup(ctx, FieldDeleterUserID)
	require.True(t, ok)
	assert.True(t, enabled)

	second()
	_, ok = Lookup(ctx, FieldDeleterUserID)
	assert.False(t, ok)
}

func TestPushWithoutStackIsNoop(t *testing.T) {
	ctx := context.Background()
	release := Disable(ctx, FieldHistoryTracking)
	assert.True(t, IsEnabled(ctx, FieldHistoryTracking))
	release()
}

func TestWithOverridesKeepsExistingStack(t *testing.T) {
	ctx := WithOverrides(context.Background())
	stack := OverridesFrom(ctx)
	assert.Same(t, stack, OverridesFrom(WithOverrides(ctx)))
}

func TestAuditorWritesAuditProperties(t *testing.T) {
	ctx := tenantSession(1, 2)
	auditor := NewEntityAuditor(nil)
	msg := &message{tenantID: session.Int64(1)}

	auditor.Created(ctx, msg)
	require.NotNil(t, msg.creatorID)
	assert.Equal(t, int64(2), *msg.creatorID)
	assert.WithinDuration(t, time.Now(), msg.createdAt, 10*time.Second)

	auditor.Modified(ctx, msg)
	require.NotNil(t, msg.modifierID)
	assert.Equal(t, int64(2), *msg.modifierID)
	require.NotNil(t, msg.modifiedAt)

	auditor.Deleted(ctx, msg)
	require.NotNil(t, msg.deleterID)
	assert.Equal(t, int64(2), *msg.deleterID)
	require.NotNil(t, msg.deletedAt)
}

func TestAuditorClearsModifierWhenTenantUserModifiesHostEntity(t *testing.T) {
	auditor := NewEntityAuditor(nil)
	company := &message{}

	hostCtx := WithOverrides(session.WithIdentity(context.Background(), session.Identity{UserID: session.Int64(42)}))
	auditor.Modified(hostCtx, company)
	require.NotNil(t, company.modifierID)
	assert.Equal(t, int64(42), *company.modifierID)

	auditor.Modified(tenantSession(1, 43), company)
	assert.Nil(t, company.modifierID)
}

func TestAuditorHonoursFieldOverrides(t *testing.T) {
	cases := []struct {
		name  string
		field Field
		apply func(a *EntityAuditor, ctx context.Context, m *message)
		get   func(m *message) *int64
	}{
		{"creator", FieldCreationUserID, func(a *EntityAuditor, ctx context.Context, m *message) { a.Created(ctx, m) }, func(m *message) *int64 { return m.creatorID }},
		{"modifier", FieldLastModifierUserID, func(a *EntityAuditor, ctx context.Context, m *message) { a.Modified(ctx, m) }, func(m *message) *int64 { return m.modifierID }},
		{"deleter", FieldDeleterUserID, func(a *EntityAuditor, ctx context.Context, m *message) { a.Deleted(ctx, m) }, func(m *message) *int64 { return m.deleterID }},
	}
	auditor := NewEntityAuditor(nil)

	for _, tc := range cases {
		t.Run(tc.name+" disabled", func(t *testing.T) {
			ctx := tenantSession(1, 2)
			release := Disable(ctx, tc.field)
			defer release()

			msg := &message{tenantID: session.Int64(1)}
			tc.apply(auditor, ctx, msg)
			assert.Nil(t, tc.get(msg))
		})
		t.Run(tc.name+" re-enabled", func(t *testing.T) {
			ctx := tenantSession(1, 2)
			releaseOuter := Disable(ctx, tc.field)
			defer releaseOuter()
			releaseInner := Enable(ctx, tc.field)
			defer releaseInner()

			msg := &message{tenantID: session.Int64(1)}
			tc.apply(auditor, ctx, msg)
			assert.NotNil(t, tc.get(msg))
		})
	}
}
