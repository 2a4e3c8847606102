package models

import "time"

// EntityChangeType classifies an entity mutation.
type EntityChangeType string

const (
	EntityChangeTypeCreated EntityChangeType = "CREATED"
	EntityChangeTypeUpdated EntityChangeType = "UPDATED"
	EntityChangeTypeDeleted EntityChangeType = "DELETED"
)

// Valid reports whether the change type is one of the known kinds.
func (t EntityChangeType) Valid() bool {
	switch t {
	case EntityChangeTypeCreated, EntityChangeTypeUpdated, EntityChangeTypeDeleted:
		return true
	}
	return false
}

// EntityChangeSet groups every entity change produced by one unit of work.
type EntityChangeSet struct {
	ID                   string         `db:"id" json:"id"`
	CreationTime         time.Time      `db:"creation_time" json:"creationTime"`
	TenantID             *int64         `db:"tenant_id" json:"tenantId,omitempty"`
	UserID               *int64         `db:"user_id" json:"userId,omitempty"`
	ImpersonatorTenantID *int64         `db:"impersonator_tenant_id" json:"impersonatorTenantId,omitempty"`
	ImpersonatorUserID   *int64         `db:"impersonator_user_id" json:"impersonatorUserId,omitempty"`
	Reason               *string        `db:"reason" json:"reason,omitempty"`
	EntityChanges        []EntityChange `db:"-" json:"entityChanges"`
}

// PropertyChangeCount totals the property changes of every entity change.
func (cs *EntityChangeSet) PropertyChangeCount() int {
	total := 0
	for i := range cs.EntityChanges {
		total += len(cs.EntityChanges[i].PropertyChanges)
	}
	return total
}

// EntityChange records one entity's create, update or delete within a change set.
type EntityChange struct {
	ID                 string                 `db:"id" json:"id"`
	EntityChangeSetID  string                 `db:"entity_change_set_id" json:"entityChangeSetId"`
	EntityTypeFullName string                 `db:"entity_type_full_name" json:"entityTypeFullName"`
	EntityID           *string                `db:"entity_id" json:"entityId,omitempty"`
	ChangeType         EntityChangeType       `db:"change_type" json:"changeType"`
	ChangeTime         time.Time              `db:"change_time" json:"changeTime"`
	TenantID           *int64                 `db:"tenant_id" json:"tenantId,omitempty"`
	PropertyChanges    []EntityPropertyChange `db:"-" json:"propertyChanges"`
}

// EntityPropertyChange holds the normalized before/after values of one property.
type EntityPropertyChange struct {
	ID                   string  `db:"id" json:"id"`
	EntityChangeID       string  `db:"entity_change_id" json:"entityChangeId"`
	PropertyName         string  `db:"property_name" json:"propertyName"`
	PropertyTypeFullName string  `db:"property_type_full_name" json:"propertyTypeFullName"`
	OriginalValue        *string `db:"original_value" json:"originalValue,omitempty"`
	NewValue             *string `db:"new_value" json:"newValue,omitempty"`
	OriginalValueHash    *string `db:"original_value_hash" json:"originalValueHash,omitempty"`
	NewValueHash         *string `db:"new_value_hash" json:"newValueHash,omitempty"`
	TenantID             *int64  `db:"tenant_id" json:"tenantId,omitempty"`
}

// EntityHistoryFilter constrains history reads.
type EntityHistoryFilter struct {
	EntityTypeFullName string
	EntityID           string
	ChangeType         EntityChangeType
	From               *time.Time
	To                 *time.Time
	Limit              int
	Offset             int
}

// EntityHistoryRow is a flattened property change joined with its entity change and change set.
type EntityHistoryRow struct {
	ChangeSetID          string           `db:"change_set_id" json:"changeSetId"`
	UserID               *int64           `db:"user_id" json:"userId,omitempty"`
	Reason               *string          `db:"reason" json:"reason,omitempty"`
	EntityChangeID       string           `db:"entity_change_id" json:"entityChangeId"`
	EntityTypeFullName   string           `db:"entity_type_full_name" json:"entityTypeFullName"`
	EntityID             *string          `db:"entity_id" json:"entityId,omitempty"`
	ChangeType           EntityChangeType `db:"change_type" json:"changeType"`
	ChangeTime           time.Time        `db:"change_time" json:"changeTime"`
	PropertyName         *string          `db:"property_name" json:"propertyName,omitempty"`
	PropertyTypeFullName *string          `db:"property_type_full_name" json:"propertyTypeFullName,omitempty"`
	OriginalValue        *string          `db:"original_value" json:"originalValue,omitempty"`
	NewValue             *string          `db:"new_value" json:"newValue,omitempty"`
	OriginalValueHash    *string          `db:"original_value_hash" json:"originalValueHash,omitempty"`
	NewValueHash         *string          `db:"new_value_hash" json:"newValueHash,omitempty"`
}
