package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/pkg/jobs"
)

type notificationDistributionStore interface {
	GetByID(ctx context.Context, id string) (*models.NotificationInfo, error)
	Delete(ctx context.Context, id string) error
	InsertUserNotifications(ctx context.Context, items []models.UserNotification) error
	ListSubscribers(ctx context.Context, name string, tenantIDs []*int64) ([]models.UserIdentifier, error)
}

// NotificationDistributor fans a stored notification out to per-user copies
// and removes the original record.
type NotificationDistributor struct {
	store  notificationDistributionStore
	logger *zap.Logger
}

// NewNotificationDistributor constructs the distributor.
func NewNotificationDistributor(store notificationDistributionStore, logger *zap.Logger) *NotificationDistributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationDistributor{store: store, logger: logger}
}

// Distribute delivers the notification. A notification that no longer exists
// has already been distributed and is ignored.
func (d *NotificationDistributor) Distribute(ctx context.Context, notificationID string) error {
	info, err := d.store.GetByID(ctx, notificationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			d.logger.Warn("notification not found for distribution", zap.String("notification_id", notificationID))
			return nil
		}
		return fmt.Errorf("load notification %s: %w", notificationID, err)
	}

	users, err := d.recipients(ctx, info)
	if err != nil {
		return err
	}

	items := make([]models.UserNotification, 0, len(users))
	for _, u := range users {
		items = append(items, models.UserNotification{
			TenantID:       u.TenantID,
			UserID:         u.UserID,
			NotificationID: info.ID,
		})
	}
	if err := d.store.InsertUserNotifications(ctx, items); err != nil {
		return err
	}
	if err := d.store.Delete(ctx, info.ID); err != nil {
		return err
	}

	d.logger.Info("notification distributed",
		zap.String("notification_id", info.ID),
		zap.String("name", info.NotificationName),
		zap.Int("recipients", len(items)),
	)
	return nil
}

// Handle runs a distribution job whose payload is the notification id.
func (d *NotificationDistributor) Handle(ctx context.Context, job jobs.Job) error {
	id, ok := job.Payload.(string)
	if !ok || id == "" {
		return fmt.Errorf("job %s: invalid notification payload %v", job.ID, job.Payload)
	}
	return d.Distribute(ctx, id)
}

func (d *NotificationDistributor) recipients(ctx context.Context, info *models.NotificationInfo) ([]models.UserIdentifier, error) {
	var users []models.UserIdentifier
	if len(info.UserIDs) > 0 {
		for _, raw := range info.UserIDs {
			u, err := models.ParseUserIdentifier(raw)
			if err != nil {
				return nil, err
			}
			users = append(users, u)
		}
	} else {
		tenants, err := models.SplitTenantIDs(info.TenantIDs)
		if err != nil {
			return nil, err
		}
		users, err = d.store.ListSubscribers(ctx, info.NotificationName, tenants)
		if err != nil {
			return nil, err
		}
	}

	if len(info.ExcludedUserIDs) == 0 {
		return dedupeUsers(users), nil
	}
	excluded := make(map[string]struct{}, len(info.ExcludedUserIDs))
	for _, raw := range info.ExcludedUserIDs {
		u, err := models.ParseUserIdentifier(raw)
		if err != nil {
			return nil, err
		}
		excluded[u.String()] = struct{}{}
	}
	kept := users[:0]
	for _, u := range users {
		if _, skip := excluded[u.String()]; !skip {
			kept = append(kept, u)
		}
	}
	return dedupeUsers(kept), nil
}

func dedupeUsers(users []models.UserIdentifier) []models.UserIdentifier {
	seen := make(map[string]struct{}, len(users))
	out := make([]models.UserIdentifier, 0, len(users))
	for _, u := range users {
		key := u.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}
	return out
}
