package history

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/noah-isme/appframe/internal/models"
)

// RowEntry adapts column maps, such as rows read back with RETURNING, to
// EntityEntry. The table name is the tracked type name.
type RowEntry struct {
	Table  string
	Change models.EntityChangeType
	Before map[string]any
	After  map[string]any
}

// EntityType implements EntityEntry.
func (r *RowEntry) EntityType() (string, bool) {
	if strings.TrimSpace(r.Table) == "" {
		return "", false
	}
	if r.Before == nil && r.After == nil {
		return "", false
	}
	return r.Table, true
}

// ChangeType implements EntityEntry.
func (r *RowEntry) ChangeType() models.EntityChangeType { return r.Change }

// EntityID implements EntityEntry using "id", then "<singular table>_id".
func (r *RowEntry) EntityID() (any, bool) {
	if v := pickID(r.Table, r.Before, r.After); !isNil(v) {
		return v, true
	}
	return nil, false
}

// Properties implements EntityEntry. Columns are reported in name order.
func (r *RowEntry) Properties() []PropertyValue {
	names := make(map[string]struct{}, len(r.Before)+len(r.After))
	for k := range r.Before {
		names[k] = struct{}{}
	}
	for k := range r.After {
		names[k] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	props := make([]PropertyValue, 0, len(sorted))
	for _, name := range sorted {
		p := PropertyValue{Name: name, Original: columnValue(r.Before[name]), Current: columnValue(r.After[name])}
		switch r.Change {
		case models.EntityChangeTypeCreated:
			p.Original = nil
			p.Modified = !isNil(p.Current)
		case models.EntityChangeTypeDeleted:
			p.Current = nil
			p.Modified = true
		default:
			p.Modified = !reflect.DeepEqual(p.Original, p.Current)
		}
		if sample := p.Current; !isNil(sample) {
			p.TypeName = fmt.Sprintf("%T", sample)
		} else if !isNil(p.Original) {
			p.TypeName = fmt.Sprintf("%T", p.Original)
		}
		props = append(props, p)
	}
	return props
}

// columnValue reads driver byte slices, such as lib/pq numerics, as text.
func columnValue(v any) any {
	if b, ok := v.([]byte); ok && b != nil {
		return string(b)
	}
	return v
}

func pickID(table string, before, after map[string]any) any {
	if v, ok := before["id"]; ok {
		return v
	}
	if v, ok := after["id"]; ok {
		return v
	}
	base := table
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[i+1:]
	}
	singularID := inflection.Singular(strings.Trim(base, `"`)) + "_id"
	if v, ok := before[singularID]; ok {
		return v
	}
	if v, ok := after[singularID]; ok {
		return v
	}
	return nil
}
