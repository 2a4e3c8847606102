package history

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Audited marks a struct type as fully tracked when embedded.
type Audited struct{}

var auditedType = reflect.TypeOf(Audited{})

// PropertyMarker is the declared tracking stance of one property.
type PropertyMarker int

const (
	// PropertyInherit follows the entity-level decision.
	PropertyInherit PropertyMarker = iota
	// PropertyAudited tracks the property even on otherwise untracked types.
	PropertyAudited
	// PropertyDisabled never tracks the property.
	PropertyDisabled
)

// TypeInfo is the statically declared capability of one entity type.
type TypeInfo struct {
	Name       string
	Audited    bool
	Properties map[string]PropertyMarker
	Owned      []string
}

func (t TypeInfo) marker(property string) PropertyMarker {
	if t.Properties == nil {
		return PropertyInherit
	}
	return t.Properties[property]
}

func (t TypeInfo) hasAuditedProperty() bool {
	for _, m := range t.Properties {
		if m == PropertyAudited {
			return true
		}
	}
	return false
}

// Registry maps entity type names to their declared markers. It is filled at
// startup and read by the policy resolver.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]TypeInfo)}
}

// Register stores info, replacing any previous entry of the same name.
func (r *Registry) Register(info TypeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	props := make(map[string]PropertyMarker, len(info.Properties))
	for k, v := range info.Properties {
		props[k] = v
	}
	info.Properties = props
	info.Owned = append([]string(nil), info.Owned...)
	r.types[info.Name] = info
}

// Lookup returns the info registered for name.
func (r *Registry) Lookup(name string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[name]
	return info, ok
}

// owned returns the names of types transitively owned by roots, excluding the roots.
func (r *Registry) owned(roots []string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, child := range r.types[name].Owned {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			queue = append(queue, child)
		}
	}
	return seen
}

// RegisterStruct derives a TypeInfo from struct markers and registers it
// together with every owned type. Recognised markers:
//
//	history.Audited embedded      the type is fully tracked
//	`history:"audited"`           the property is tracked even if the type is not
//	`history:"-"`                 the property is never tracked
//	`history:"owned"`             the field holds owned entities
func (r *Registry) RegisterStruct(v any) (string, error) {
	t := indirectType(reflect.TypeOf(v))
	if t == nil || t.Kind() != reflect.Struct {
		return "", fmt.Errorf("register %T: not a struct", v)
	}
	return r.registerType(t, make(map[reflect.Type]bool)), nil
}

func (r *Registry) registerType(t reflect.Type, visiting map[reflect.Type]bool) string {
	name := typeNameOf(t)
	if visiting[t] {
		return name
	}
	visiting[t] = true

	info := TypeInfo{Name: name, Properties: make(map[string]PropertyMarker)}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type == auditedType {
			info.Audited = true
			continue
		}
		if !f.IsExported() {
			continue
		}
		switch tagOptions(f)["marker"] {
		case "audited":
			info.Properties[f.Name] = PropertyAudited
		case "-":
			info.Properties[f.Name] = PropertyDisabled
		case "owned":
			if elem := ownedElem(f.Type); elem != nil {
				info.Owned = append(info.Owned, r.registerType(elem, visiting))
			}
		}
	}
	r.Register(info)
	return name
}

// tagOptions parses `history:"marker,opt"`.
func tagOptions(f reflect.StructField) map[string]string {
	tag, ok := f.Tag.Lookup("history")
	if !ok {
		return nil
	}
	parts := strings.Split(tag, ",")
	out := map[string]string{"marker": strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		out[strings.TrimSpace(p)] = "true"
	}
	return out
}

func ownedElem(t reflect.Type) reflect.Type {
	t = indirectType(t)
	if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		t = indirectType(t.Elem())
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// TypeName returns the full name under which v's type is tracked.
func TypeName(v any) string {
	if n, ok := v.(interface{ HistoryTypeName() string }); ok {
		return n.HistoryTypeName()
	}
	t := indirectType(reflect.TypeOf(v))
	if t == nil {
		return ""
	}
	return typeNameOf(t)
}

func typeNameOf(t reflect.Type) string {
	if reflect.PointerTo(t).Implements(typeNamerType) {
		return reflect.New(t).Interface().(interface{ HistoryTypeName() string }).HistoryTypeName()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

var typeNamerType = reflect.TypeOf((*interface{ HistoryTypeName() string })(nil)).Elem()
