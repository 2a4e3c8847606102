package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// NotificationSeverity grades a notification.
type NotificationSeverity string

const (
	NotificationSeverityInfo    NotificationSeverity = "INFO"
	NotificationSeveritySuccess NotificationSeverity = "SUCCESS"
	NotificationSeverityWarn    NotificationSeverity = "WARN"
	NotificationSeverityError   NotificationSeverity = "ERROR"
	NotificationSeverityFatal   NotificationSeverity = "FATAL"
)

// HostTenantToken represents the host side (nil tenant) in persisted tenant lists.
const HostTenantToken = "null"

// UserIdentifier addresses a user within a tenant. A nil TenantID denotes a host user.
type UserIdentifier struct {
	TenantID *int64 `json:"tenantId,omitempty"`
	UserID   int64  `json:"userId"`
}

// String renders the identifier as "userId@tenantId", or "userId" for host users.
func (u UserIdentifier) String() string {
	if u.TenantID == nil {
		return strconv.FormatInt(u.UserID, 10)
	}
	return fmt.Sprintf("%d@%d", u.UserID, *u.TenantID)
}

// ParseUserIdentifier parses the String form.
func ParseUserIdentifier(raw string) (UserIdentifier, error) {
	userPart, tenantPart, hasTenant := strings.Cut(strings.TrimSpace(raw), "@")
	userID, err := strconv.ParseInt(userPart, 10, 64)
	if err != nil {
		return UserIdentifier{}, fmt.Errorf("parse user identifier %q: %w", raw, err)
	}
	id := UserIdentifier{UserID: userID}
	if hasTenant {
		tenantID, err := strconv.ParseInt(tenantPart, 10, 64)
		if err != nil {
			return UserIdentifier{}, fmt.Errorf("parse user identifier %q: %w", raw, err)
		}
		id.TenantID = &tenantID
	}
	return id, nil
}

// UserIdentifierStrings converts identifiers into their persisted form.
func UserIdentifierStrings(ids []UserIdentifier) pq.StringArray {
	if len(ids) == 0 {
		return nil
	}
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// JoinTenantIDs renders tenant ids as a comma separated list, writing the host as "null".
func JoinTenantIDs(ids []*int64) *string {
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		if id == nil {
			parts[i] = HostTenantToken
			continue
		}
		parts[i] = strconv.FormatInt(*id, 10)
	}
	joined := strings.Join(parts, ",")
	return &joined
}

// SplitTenantIDs is the inverse of JoinTenantIDs.
func SplitTenantIDs(joined *string) ([]*int64, error) {
	if joined == nil || strings.TrimSpace(*joined) == "" {
		return nil, nil
	}
	parts := strings.Split(*joined, ",")
	out := make([]*int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == HostTenantToken {
			out = append(out, nil)
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse tenant id %q: %w", part, err)
		}
		out = append(out, &id)
	}
	return out, nil
}

// NotificationInfo is the persisted record of a published notification.
type NotificationInfo struct {
	ID               string               `db:"id" json:"id"`
	NotificationName string               `db:"notification_name" json:"notificationName"`
	Data             json.RawMessage      `db:"data" json:"data,omitempty"`
	EntityTypeName   *string              `db:"entity_type_name" json:"entityTypeName,omitempty"`
	EntityID         *string              `db:"entity_id" json:"entityId,omitempty"`
	Severity         NotificationSeverity `db:"severity" json:"severity"`
	UserIDs          pq.StringArray       `db:"user_ids" json:"userIds,omitempty"`
	ExcludedUserIDs  pq.StringArray       `db:"excluded_user_ids" json:"excludedUserIds,omitempty"`
	TenantIDs        *string              `db:"tenant_ids" json:"tenantIds,omitempty"`
	CreatedAt        time.Time            `db:"created_at" json:"createdAt"`
}

// UserNotification is one recipient's copy of a distributed notification.
type UserNotification struct {
	ID             string    `db:"id" json:"id"`
	TenantID       *int64    `db:"tenant_id" json:"tenantId,omitempty"`
	UserID         int64     `db:"user_id" json:"userId"`
	NotificationID string    `db:"notification_id" json:"notificationId"`
	State          string    `db:"state" json:"state"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

const (
	UserNotificationStateUnread = "UNREAD"
	UserNotificationStateRead   = "READ"
)
