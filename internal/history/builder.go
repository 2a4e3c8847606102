package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/appframe/internal/auditing"
	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/internal/session"
)

// ChangeSetBuilder turns the pending entries of one unit of work into a change set.
type ChangeSetBuilder struct {
	resolver   *PolicyResolver
	normalizer *Normalizer
	logger     *zap.Logger
	now        func() time.Time
}

// BuilderOption customises the builder.
type BuilderOption func(*ChangeSetBuilder)

// WithBuilderLogger sets the logger used for skipped entries and fields.
func WithBuilderLogger(logger *zap.Logger) BuilderOption {
	return func(b *ChangeSetBuilder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBuilderClock overrides the change set clock.
func WithBuilderClock(now func() time.Time) BuilderOption {
	return func(b *ChangeSetBuilder) {
		b.now = now
	}
}

// NewChangeSetBuilder constructs a builder.
func NewChangeSetBuilder(resolver *PolicyResolver, opts ...BuilderOption) *ChangeSetBuilder {
	b := &ChangeSetBuilder{
		resolver:   resolver,
		normalizer: NewNormalizer(),
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PendingChangeSet is a built change set whose entity ids may still be
// assigned by the pending flush.
type PendingChangeSet struct {
	changeSet *models.EntityChangeSet
	entries   []EntityEntry
}

// ChangeSet returns the change set as built so far.
func (p *PendingChangeSet) ChangeSet() *models.EntityChangeSet {
	return p.changeSet
}

// Complete fills entity ids that became available after the flush and
// returns the final change set.
func (p *PendingChangeSet) Complete() *models.EntityChangeSet {
	for i := range p.changeSet.EntityChanges {
		change := &p.changeSet.EntityChanges[i]
		if change.EntityID != nil {
			continue
		}
		if id, ok := p.entries[i].EntityID(); ok {
			change.EntityID = formatEntityID(id)
		}
	}
	return p.changeSet
}

// Build classifies entries and returns nil when nothing qualifies.
func (b *ChangeSetBuilder) Build(ctx context.Context, entries []EntityEntry, identity session.Identity) *PendingChangeSet {
	cfg := b.resolver.Configuration()
	if !cfg.Enabled() || len(entries) == 0 {
		return nil
	}
	if identity.Anonymous() && !cfg.EnabledForAnonymousUsers() {
		return nil
	}

	now := b.now()
	cs := &models.EntityChangeSet{
		ID:                   uuid.NewString(),
		CreationTime:         now,
		TenantID:             identity.TenantID,
		UserID:               identity.UserID,
		ImpersonatorTenantID: identity.ImpersonatorTenantID,
		ImpersonatorUserID:   identity.ImpersonatorUserID,
		Reason:               reasonFrom(ctx),
	}
	pending := &PendingChangeSet{changeSet: cs}

	for _, entry := range entries {
		change, ok := b.buildEntityChange(ctx, entry, cs, identity)
		if !ok {
			continue
		}
		cs.EntityChanges = append(cs.EntityChanges, change)
		pending.entries = append(pending.entries, entry)
	}

	if len(cs.EntityChanges) == 0 {
		return nil
	}
	return pending
}

func (b *ChangeSetBuilder) buildEntityChange(ctx context.Context, entry EntityEntry, cs *models.EntityChangeSet, identity session.Identity) (models.EntityChange, bool) {
	typeName, ok := entry.EntityType()
	if !ok {
		b.logger.Debug("skip unresolvable entity entry", zap.String("entry", fmt.Sprintf("%T", entry)))
		return models.EntityChange{}, false
	}
	changeType := entry.ChangeType()
	if !changeType.Valid() {
		b.logger.Debug("skip entity entry with unknown change type", zap.String("entity_type", typeName))
		return models.EntityChange{}, false
	}
	if !b.resolver.ShouldTrackEntity(ctx, typeName) {
		return models.EntityChange{}, false
	}

	change := models.EntityChange{
		ID:                 uuid.NewString(),
		EntityChangeSetID:  cs.ID,
		EntityTypeFullName: typeName,
		ChangeType:         changeType,
		ChangeTime:         changeTime(entry, cs.CreationTime),
		TenantID:           tenantOf(entry, identity),
	}
	if id, ok := entry.EntityID(); ok {
		change.EntityID = formatEntityID(id)
	}

	for _, prop := range entry.Properties() {
		if !prop.Modified || !b.resolver.ShouldTrackProperty(ctx, typeName, prop.Name) {
			continue
		}
		pc, ok := b.buildPropertyChange(typeName, changeType, prop)
		if !ok {
			continue
		}
		pc.ID = uuid.NewString()
		pc.EntityChangeID = change.ID
		pc.TenantID = change.TenantID
		change.PropertyChanges = append(change.PropertyChanges, pc)
	}

	if changeType == models.EntityChangeTypeUpdated && len(change.PropertyChanges) == 0 {
		return models.EntityChange{}, false
	}
	return change, true
}

// buildPropertyChange normalizes both sides. Any failure, panics included,
// drops the property instead of the change set.
func (b *ChangeSetBuilder) buildPropertyChange(typeName string, changeType models.EntityChangeType, prop PropertyValue) (pc models.EntityPropertyChange, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("property normalization panicked",
				zap.String("entity_type", typeName),
				zap.String("property", prop.Name),
				zap.Any("panic", r),
			)
			pc, ok = models.EntityPropertyChange{}, false
		}
	}()

	var original, current NormalizedValue
	var err error
	if changeType != models.EntityChangeTypeCreated {
		if original, err = b.normalizer.Normalize(prop.Original); err != nil {
			b.warnNormalize(typeName, prop.Name, err)
			return models.EntityPropertyChange{}, false
		}
	}
	if changeType != models.EntityChangeTypeDeleted {
		if current, err = b.normalizer.Normalize(prop.Current); err != nil {
			b.warnNormalize(typeName, prop.Name, err)
			return models.EntityPropertyChange{}, false
		}
	}

	switch changeType {
	case models.EntityChangeTypeCreated:
		if current.Text == nil {
			return models.EntityPropertyChange{}, false
		}
	case models.EntityChangeTypeDeleted:
		if original.Text == nil {
			return models.EntityPropertyChange{}, false
		}
	default:
		if !original.Differs(current) {
			return models.EntityPropertyChange{}, false
		}
	}

	return models.EntityPropertyChange{
		PropertyName:         prop.Name,
		PropertyTypeFullName: prop.TypeName,
		OriginalValue:        original.Text,
		NewValue:             current.Text,
		OriginalValueHash:    original.Hash,
		NewValueHash:         current.Hash,
	}, true
}

func (b *ChangeSetBuilder) warnNormalize(typeName, property string, err error) {
	b.logger.Warn("property normalization failed",
		zap.String("entity_type", typeName),
		zap.String("property", property),
		zap.Error(err),
	)
}

func changeTime(entry EntityEntry, fallback time.Time) time.Time {
	if timer, ok := entry.(ChangeTimer); ok {
		if t, ok := timer.ChangeTime(); ok {
			return t
		}
	}
	if u, ok := entry.(Unwrapper); ok {
		if timer, ok := u.Entity().(ChangeTimer); ok {
			if t, ok := timer.ChangeTime(); ok {
				return t
			}
		}
	}
	return fallback
}

func tenantOf(entry EntityEntry, identity session.Identity) *int64 {
	if owned, ok := entry.(auditing.MayHaveTenant); ok {
		return owned.OwnerTenantID()
	}
	if u, ok := entry.(Unwrapper); ok {
		if owned, ok := u.Entity().(auditing.MayHaveTenant); ok {
			return owned.OwnerTenantID()
		}
	}
	return identity.TenantID
}

func formatEntityID(id any) *string {
	var s string
	switch v := id.(type) {
	case string:
		s = v
	case fmt.Stringer:
		s = v.String()
	case []byte:
		s = string(v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		s = fmt.Sprint(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprint(v)
		} else {
			s = string(raw)
		}
	}
	return &s
}
