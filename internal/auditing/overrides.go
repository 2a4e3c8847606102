// Package auditing holds the audit field kinds, the scoped enable/disable
// override stack and the auditor that stamps actor ids on entities.
package auditing

import (
	"context"
	"sync"
)

// Field enumerates the audit concerns that can be toggled per scope.
type Field string

const (
	FieldCreationUserID     Field = "CreationUserId"
	FieldLastModifierUserID Field = "LastModifierUserId"
	FieldDeleterUserID      Field = "DeleterUserId"
	FieldHistoryTracking    Field = "HistoryTracking"
)

type override struct {
	token   uint64
	field   Field
	enabled bool
}

// Overrides is a stack of field-level enable/disable decisions owned by one
// logical operation. The innermost active entry for a field wins.
type Overrides struct {
	mu      sync.Mutex
	entries []override
	next    uint64
}

// NewOverrides returns an empty stack.
func NewOverrides() *Overrides {
	return &Overrides{}
}

// Push adds an override and returns its release function. Release removes
// exactly this entry and is safe to call more than once.
func (o *Overrides) Push(field Field, enabled bool) func() {
	o.mu.Lock()
	o.next++
	token := o.next
	o.entries = append(o.entries, override{token: token, field: field, enabled: enabled})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(token) })
	}
}

func (o *Overrides) remove(token uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.entries) - 1; i >= 0; i-- {
		if o.entries[i].token == token {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return
		}
	}
}

// Lookup returns the innermost override for field, if any.
func (o *Overrides) Lookup(field Field) (enabled bool, ok bool) {
	if o == nil {
		return false, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.entries) - 1; i >= 0; i-- {
		if o.entries[i].field == field {
			return o.entries[i].enabled, true
		}
	}
	return false, false
}

// Len reports the number of active overrides.
func (o *Overrides) Len() int {
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

type overridesKey struct{}

// WithOverrides attaches a fresh override stack to ctx unless one is already present.
func WithOverrides(ctx context.Context) context.Context {
	if OverridesFrom(ctx) != nil {
		return ctx
	}
	return ContextWithOverrides(ctx, NewOverrides())
}

// ContextWithOverrides attaches the given stack to ctx.
func ContextWithOverrides(ctx context.Context, o *Overrides) context.Context {
	return context.WithValue(ctx, overridesKey{}, o)
}

// OverridesFrom returns the stack attached to ctx, or nil.
func OverridesFrom(ctx context.Context) *Overrides {
	if o, ok := ctx.Value(overridesKey{}).(*Overrides); ok {
		return o
	}
	return nil
}

// Push adds an override to the stack attached to ctx. Without an attached
// stack the call has no effect and the returned release is a no-op.
func Push(ctx context.Context, field Field, enabled bool) func() {
	o := OverridesFrom(ctx)
	if o == nil {
		return func() {}
	}
	return o.Push(field, enabled)
}

// Disable pushes a disabling override for field.
func Disable(ctx context.Context, field Field) func() {
	return Push(ctx, field, false)
}

// Enable pushes an enabling override for field.
func Enable(ctx context.Context, field Field) func() {
	return Push(ctx, field, true)
}

// Lookup returns the innermost override for field in ctx.
func Lookup(ctx context.Context, field Field) (enabled bool, ok bool) {
	return OverridesFrom(ctx).Lookup(field)
}

// IsEnabled reports whether field is enabled in ctx. Fields without an override are enabled.
func IsEnabled(ctx context.Context, field Field) bool {
	if enabled, ok := Lookup(ctx, field); ok {
		return enabled
	}
	return true
}
