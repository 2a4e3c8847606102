package auditing

import (
	"context"
	"time"

	"github.com/noah-isme/appframe/internal/session"
)

// CreationAudited entities record who created them and when.
type CreationAudited interface {
	CreatorUserID() *int64
	SetCreationAudit(at time.Time, userID *int64)
}

// ModificationAudited entities record their last modifier.
type ModificationAudited interface {
	SetModificationAudit(at time.Time, userID *int64)
}

// DeletionAudited entities record who deleted them.
type DeletionAudited interface {
	SetDeletionAudit(at time.Time, userID *int64)
}

// MayHaveTenant entities belong to a tenant, or to the host when the id is nil.
type MayHaveTenant interface {
	OwnerTenantID() *int64
}

// EntityAuditor stamps creation, modification and deletion audit fields.
type EntityAuditor struct {
	sessions session.Provider
	now      func() time.Time
}

// AuditorOption customises the auditor.
type AuditorOption func(*EntityAuditor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) AuditorOption {
	return func(a *EntityAuditor) {
		a.now = now
	}
}

// NewEntityAuditor builds an auditor reading identities from sessions.
func NewEntityAuditor(sessions session.Provider, opts ...AuditorOption) *EntityAuditor {
	if sessions == nil {
		sessions = session.ContextProvider
	}
	a := &EntityAuditor{sessions: sessions, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Created stamps creation audit fields. An existing creator is left untouched.
func (a *EntityAuditor) Created(ctx context.Context, entity any) {
	audited, ok := entity.(CreationAudited)
	if !ok {
		return
	}
	var userID *int64
	if audited.CreatorUserID() == nil && IsEnabled(ctx, FieldCreationUserID) {
		userID = a.actingUser(ctx, entity)
	} else {
		userID = audited.CreatorUserID()
	}
	audited.SetCreationAudit(a.now(), userID)
}

// Modified stamps modification audit fields.
func (a *EntityAuditor) Modified(ctx context.Context, entity any) {
	audited, ok := entity.(ModificationAudited)
	if !ok {
		return
	}
	var userID *int64
	if IsEnabled(ctx, FieldLastModifierUserID) {
		userID = a.actingUser(ctx, entity)
	}
	audited.SetModificationAudit(a.now(), userID)
}

// Deleted stamps deletion audit fields.
func (a *EntityAuditor) Deleted(ctx context.Context, entity any) {
	audited, ok := entity.(DeletionAudited)
	if !ok {
		return
	}
	var userID *int64
	if IsEnabled(ctx, FieldDeleterUserID) {
		userID = a.actingUser(ctx, entity)
	}
	audited.SetDeletionAudit(a.now(), userID)
}

// actingUser returns the session user unless it belongs to a different side
// (host vs tenant, or another tenant) than the entity.
func (a *EntityAuditor) actingUser(ctx context.Context, entity any) *int64 {
	id := a.sessions.Identity(ctx)
	if id.UserID == nil {
		return nil
	}
	if owned, ok := entity.(MayHaveTenant); ok && !sameTenant(owned.OwnerTenantID(), id.TenantID) {
		return nil
	}
	userID := *id.UserID
	return &userID
}

func sameTenant(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
