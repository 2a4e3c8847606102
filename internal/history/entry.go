package history

import (
	"reflect"
	"time"

	"github.com/noah-isme/appframe/internal/models"
)

// PropertyValue is one property of a pending change as reported by the
// persistence layer. Modified is only meaningful for updates.
type PropertyValue struct {
	Name     string
	TypeName string
	Original any
	Current  any
	Modified bool
}

// EntityEntry is a pending modification of one entity instance.
type EntityEntry interface {
	// EntityType returns the tracked type name, or false for instances that
	// cannot be mapped to a persisted type.
	EntityType() (string, bool)
	ChangeType() models.EntityChangeType
	// EntityID returns the primary key, or false while it is not yet assigned.
	EntityID() (any, bool)
	Properties() []PropertyValue
}

// ChangeTimer is implemented by entries or entities that carry their own change time.
type ChangeTimer interface {
	ChangeTime() (time.Time, bool)
}

// Unwrapper exposes the entity behind an entry.
type Unwrapper interface {
	Entity() any
}

// StructEntry adapts Go structs to EntityEntry. Exported fields are the
// properties; fields tagged `history:"owned"` are separate entities and skipped.
type StructEntry struct {
	change   models.EntityChangeType
	original reflect.Value
	current  reflect.Value
	entity   any
}

// Created returns an entry for a newly inserted entity. Pass a pointer so
// keys generated on flush are visible.
func Created(entity any) *StructEntry {
	return &StructEntry{change: models.EntityChangeTypeCreated, current: structValue(entity), entity: entity}
}

// Updated returns an entry comparing a snapshot taken before modification
// with the entity's current state.
func Updated(original, entity any) *StructEntry {
	return &StructEntry{
		change:   models.EntityChangeTypeUpdated,
		original: structValue(original),
		current:  structValue(entity),
		entity:   entity,
	}
}

// Deleted returns an entry for a removed entity.
func Deleted(entity any) *StructEntry {
	return &StructEntry{change: models.EntityChangeTypeDeleted, original: structValue(entity), entity: entity}
}

func structValue(v any) reflect.Value {
	if isNil(v) {
		return reflect.Value{}
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}
	}
	return rv
}

// Entity implements Unwrapper.
func (e *StructEntry) Entity() any { return e.entity }

// ChangeType implements EntityEntry.
func (e *StructEntry) ChangeType() models.EntityChangeType { return e.change }

func (e *StructEntry) shape() reflect.Value {
	if e.current.IsValid() {
		return e.current
	}
	return e.original
}

// EntityType implements EntityEntry.
func (e *StructEntry) EntityType() (string, bool) {
	v := e.shape()
	if !v.IsValid() {
		return "", false
	}
	if e.original.IsValid() && e.current.IsValid() && e.original.Type() != e.current.Type() {
		return "", false
	}
	return typeNameOf(v.Type()), true
}

// EntityID implements EntityEntry. The key is the field tagged `history:",id"`
// or else the field named ID; a zero key counts as not yet assigned.
func (e *StructEntry) EntityID() (any, bool) {
	v := e.shape()
	if !v.IsValid() {
		return nil, false
	}
	t := v.Type()
	idx := -1
	for i := 0; i < t.NumField(); i++ {
		if _, ok := tagOptions(t.Field(i))["id"]; ok {
			idx = i
			break
		}
		if idx < 0 && t.Field(i).Name == "ID" {
			idx = i
		}
	}
	if idx < 0 {
		return nil, false
	}
	field := v.Field(idx)
	if field.IsZero() {
		return nil, false
	}
	return field.Interface(), true
}

// Properties implements EntityEntry.
func (e *StructEntry) Properties() []PropertyValue {
	v := e.shape()
	if !v.IsValid() {
		return nil
	}
	t := v.Type()
	props := make([]PropertyValue, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || (f.Anonymous && f.Type == auditedType) || tagOptions(f)["marker"] == "owned" {
			continue
		}
		p := PropertyValue{Name: f.Name, TypeName: f.Type.String()}
		if e.original.IsValid() {
			p.Original = e.original.Field(i).Interface()
		}
		if e.current.IsValid() {
			p.Current = e.current.Field(i).Interface()
		}
		switch e.change {
		case models.EntityChangeTypeUpdated:
			p.Modified = !reflect.DeepEqual(p.Original, p.Current)
		case models.EntityChangeTypeCreated:
			p.Modified = !isDefault(p.Current)
		case models.EntityChangeTypeDeleted:
			p.Modified = true
		}
		props = append(props, p)
	}
	return props
}
