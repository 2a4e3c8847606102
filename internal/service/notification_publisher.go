package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/internal/session"
	appErrors "github.com/noah-isme/appframe/pkg/errors"
	"github.com/noah-isme/appframe/pkg/jobs"
)

// MaxDirectDistributionUsers is the largest explicit recipient list that is
// distributed in-process instead of through a background job.
const MaxDirectDistributionUsers = 5

// NotificationDistributionJob is the job type handled by NotificationDistributor.
const NotificationDistributionJob = "notification.distribute"

type notificationStore interface {
	Insert(ctx context.Context, info *models.NotificationInfo) error
}

type notificationDistributer interface {
	Distribute(ctx context.Context, notificationID string) error
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job) (string, error)
}

// EntityIdentifier references the entity a notification is about.
type EntityIdentifier struct {
	TypeName string      `json:"typeName" validate:"required"`
	ID       interface{} `json:"id" validate:"required"`
}

// PublishNotificationRequest describes a notification to publish. UserIDs and
// TenantIDs are mutually exclusive; when both are empty the caller's tenant is used.
type PublishNotificationRequest struct {
	NotificationName string                  `json:"notificationName" validate:"required"`
	Data             interface{}             `json:"data,omitempty"`
	Entity           *EntityIdentifier       `json:"entity,omitempty"`
	Severity         string                  `json:"severity" validate:"omitempty,severity"`
	UserIDs          []models.UserIdentifier `json:"userIds,omitempty"`
	ExcludedUserIDs  []models.UserIdentifier `json:"excludedUserIds,omitempty"`
	TenantIDs        []*int64                `json:"tenantIds,omitempty"`
}

// NotificationPublisher persists notifications and routes them to distribution.
type NotificationPublisher struct {
	store       notificationStore
	distributer notificationDistributer
	queue       jobEnqueuer
	sessions    session.Provider
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewNotificationPublisher constructs the publisher.
func NewNotificationPublisher(store notificationStore, distributer notificationDistributer, queue jobEnqueuer, sessions session.Provider, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *NotificationPublisher {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sessions == nil {
		sessions = session.ContextProvider
	}
	p := &NotificationPublisher{
		store:       store,
		distributer: distributer,
		queue:       queue,
		sessions:    sessions,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
	}
	p.validator.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		switch models.NotificationSeverity(strings.ToUpper(fl.Field().String())) {
		case models.NotificationSeverityInfo, models.NotificationSeveritySuccess, models.NotificationSeverityWarn,
			models.NotificationSeverityError, models.NotificationSeverityFatal:
			return true
		default:
			return false
		}
	})
	return p
}

// Publish stores the notification and distributes it directly when it has a
// handful of explicit recipients, otherwise enqueues a distribution job.
func (p *NotificationPublisher) Publish(ctx context.Context, req PublishNotificationRequest) (*models.NotificationInfo, error) {
	req.NotificationName = strings.TrimSpace(req.NotificationName)
	if err := p.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	if len(req.UserIDs) > 0 && len(req.TenantIDs) > 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidArgument, "tenant ids can be set only if user ids are not set")
	}

	info, err := p.buildInfo(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := p.store.Insert(ctx, info); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store notification")
	}

	if len(req.UserIDs) > 0 && len(req.UserIDs) <= MaxDirectDistributionUsers {
		if err := p.distributer.Distribute(ctx, info.ID); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to distribute notification")
		}
		p.metrics.NotificationPublished(DistributionModeDirect)
		return info, nil
	}

	if _, err := p.queue.Enqueue(ctx, jobs.Job{Type: NotificationDistributionJob, Payload: info.ID}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to enqueue notification distribution")
	}
	p.metrics.NotificationPublished(DistributionModeJob)
	p.logger.Debug("notification distribution enqueued", zap.String("notification_id", info.ID), zap.String("name", info.NotificationName))
	return info, nil
}

func (p *NotificationPublisher) buildInfo(ctx context.Context, req PublishNotificationRequest) (*models.NotificationInfo, error) {
	tenantIDs := req.TenantIDs
	if len(req.UserIDs) == 0 && len(tenantIDs) == 0 {
		tenantIDs = []*int64{p.sessions.Identity(ctx).TenantID}
	}

	severity := models.NotificationSeverity(strings.ToUpper(req.Severity))
	if severity == "" {
		severity = models.NotificationSeverityInfo
	}

	info := &models.NotificationInfo{
		NotificationName: req.NotificationName,
		Severity:         severity,
		UserIDs:          models.UserIdentifierStrings(req.UserIDs),
		ExcludedUserIDs:  models.UserIdentifierStrings(req.ExcludedUserIDs),
		TenantIDs:        models.JoinTenantIDs(tenantIDs),
	}
	if req.Data != nil {
		raw, err := json.Marshal(req.Data)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "notification data is not serializable")
		}
		info.Data = raw
	}
	if req.Entity != nil {
		raw, err := json.Marshal(req.Entity.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "entity id is not serializable")
		}
		typeName := req.Entity.TypeName
		entityID := string(raw)
		info.EntityTypeName = &typeName
		info.EntityID = &entityID
	}
	return info, nil
}
