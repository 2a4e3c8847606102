package history

import (
	"context"

	"github.com/noah-isme/appframe/internal/auditing"
)

// PolicyResolver decides whether an entity type or property is tracked.
type PolicyResolver struct {
	cfg      *Configuration
	registry *Registry
}

// NewPolicyResolver combines configuration and declared markers.
func NewPolicyResolver(cfg *Configuration, registry *Registry) *PolicyResolver {
	if cfg == nil {
		cfg = NewConfiguration()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &PolicyResolver{cfg: cfg, registry: registry}
}

// Configuration returns the configuration the resolver reads.
func (p *PolicyResolver) Configuration() *Configuration {
	return p.cfg
}

// ShouldTrackEntity reports whether changes to typeName are recorded at all.
// Unknown types without a selector are not tracked.
func (p *PolicyResolver) ShouldTrackEntity(ctx context.Context, typeName string) bool {
	info, full, ok := p.evaluate(ctx, typeName)
	if !ok {
		return false
	}
	return full || info.hasAuditedProperty()
}

// ShouldTrackProperty reports whether a property of typeName is recorded.
func (p *PolicyResolver) ShouldTrackProperty(ctx context.Context, typeName, property string) bool {
	info, full, ok := p.evaluate(ctx, typeName)
	if !ok {
		return false
	}
	switch info.marker(property) {
	case PropertyDisabled:
		return false
	case PropertyAudited:
		return true
	default:
		return full
	}
}

// evaluate returns the declared info, whether the whole type is tracked, and
// false when global, ignore or scoped switches rule tracking out.
func (p *PolicyResolver) evaluate(ctx context.Context, typeName string) (TypeInfo, bool, bool) {
	if typeName == "" || !p.cfg.Enabled() || p.cfg.IsIgnored(typeName) {
		return TypeInfo{}, false, false
	}
	if !auditing.IsEnabled(ctx, auditing.FieldHistoryTracking) {
		return TypeInfo{}, false, false
	}

	info, _ := p.registry.Lookup(typeName)
	if info.Audited {
		return info, true, true
	}

	direct, roots := p.cfg.selection()
	if _, ok := direct[typeName]; ok {
		return info, true, true
	}
	if len(roots) > 0 {
		if _, ok := p.registry.owned(roots)[typeName]; ok {
			return info, true, true
		}
	}
	return info, false, true
}
