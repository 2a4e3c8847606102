package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/appframe/internal/models"
)

// NotificationRepository persists published notifications and their per-user copies.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository constructs the repository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Insert stores a notification record.
func (r *NotificationRepository) Insert(ctx context.Context, info *models.NotificationInfo) error {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO notifications
	(id, notification_name, data, entity_type_name, entity_id, severity, user_ids, excluded_user_ids, tenant_ids, created_at)
	VALUES (:id, :notification_name, :data, :entity_type_name, :entity_id, :severity, :user_ids, :excluded_user_ids, :tenant_ids, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, info); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// GetByID fetches a notification by identifier.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*models.NotificationInfo, error) {
	query := r.db.Rebind(`SELECT id, notification_name, data, entity_type_name, entity_id, severity, user_ids,
       excluded_user_ids, tenant_ids, created_at
	FROM notifications WHERE id = ?`)
	var info models.NotificationInfo
	if err := r.db.GetContext(ctx, &info, query, id); err != nil {
		return nil, err
	}
	return &info, nil
}

// Delete removes a distributed notification record.
func (r *NotificationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM notifications WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}

// InsertUserNotifications stores one row per recipient.
func (r *NotificationRepository) InsertUserNotifications(ctx context.Context, items []models.UserNotification) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		if items[i].State == "" {
			items[i].State = models.UserNotificationStateUnread
		}
		if items[i].CreatedAt.IsZero() {
			items[i].CreatedAt = now
		}
	}
	const query = `INSERT INTO user_notifications (id, tenant_id, user_id, notification_id, state, created_at)
	VALUES (:id, :tenant_id, :user_id, :notification_id, :state, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, items); err != nil {
		return fmt.Errorf("create user notifications: %w", err)
	}
	return nil
}

// ListSubscribers returns users subscribed to a notification name within the
// given tenants. A nil tenant in the list selects host users.
func (r *NotificationRepository) ListSubscribers(ctx context.Context, name string, tenantIDs []*int64) ([]models.UserIdentifier, error) {
	type subscriber struct {
		TenantID *int64 `db:"tenant_id"`
		UserID   int64  `db:"user_id"`
	}

	query := `SELECT tenant_id, user_id FROM notification_subscriptions WHERE notification_name = ?`
	args := []interface{}{name}
	if len(tenantIDs) > 0 {
		var ids []int64
		includeHost := false
		for _, id := range tenantIDs {
			if id == nil {
				includeHost = true
				continue
			}
			ids = append(ids, *id)
		}
		switch {
		case len(ids) > 0 && includeHost:
			query += ` AND (tenant_id IN (?) OR tenant_id IS NULL)`
			args = append(args, ids)
		case len(ids) > 0:
			query += ` AND tenant_id IN (?)`
			args = append(args, ids)
		default:
			query += ` AND tenant_id IS NULL`
		}
	}
	query += ` ORDER BY tenant_id, user_id`

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("build subscriber query: %w", err)
	}
	var rows []subscriber
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(expanded), expandedArgs...); err != nil {
		return nil, fmt.Errorf("list notification subscribers: %w", err)
	}
	out := make([]models.UserIdentifier, len(rows))
	for i, row := range rows {
		out[i] = models.UserIdentifier{TenantID: row.TenantID, UserID: row.UserID}
	}
	return out, nil
}
