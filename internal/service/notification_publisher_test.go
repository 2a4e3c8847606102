package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/internal/session"
	appErrors "github.com/noah-isme/appframe/pkg/errors"
	"github.com/noah-isme/appframe/pkg/jobs"
)

type mockNotificationStore struct {
	items       map[string]*models.NotificationInfo
	subscribers []models.UserIdentifier
	delivered   []models.UserNotification
	deleted     []string
	insertErr   error
}

func (m *mockNotificationStore) Insert(ctx context.Context, info *models.NotificationInfo) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	if m.items == nil {
		m.items = make(map[string]*models.NotificationInfo)
	}
	if info.ID == "" {
		info.ID = "generated"
	}
	cp := *info
	m.items[info.ID] = &cp
	return nil
}

func (m *mockNotificationStore) GetByID(ctx context.Context, id string) (*models.NotificationInfo, error) {
	if info, ok := m.items[id]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockNotificationStore) Delete(ctx context.Context, id string) error {
	delete(m.items, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockNotificationStore) InsertUserNotifications(ctx context.Context, items []models.UserNotification) error {
	m.delivered = append(m.delivered, items...)
	return nil
}

func (m *mockNotificationStore) ListSubscribers(ctx context.Context, name string, tenantIDs []*int64) ([]models.UserIdentifier, error) {
	return m.subscribers, nil
}

type mockEnqueuer struct {
	jobs []jobs.Job
	err  error
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, job jobs.Job) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.jobs = append(m.jobs, job)
	return "job-1", nil
}

func newPublisherHarness() (*NotificationPublisher, *mockNotificationStore, *mockEnqueuer, *MetricsService) {
	store := &mockNotificationStore{}
	queue := &mockEnqueuer{}
	metrics := NewMetricsService()
	distributor := NewNotificationDistributor(store, zap.NewNop())
	publisher := NewNotificationPublisher(store, distributor, queue, nil, metrics, nil, zap.NewNop())
	return publisher, store, queue, metrics
}

func users(n int) []models.UserIdentifier {
	out := make([]models.UserIdentifier, n)
	for i := range out {
		out[i] = models.UserIdentifier{TenantID: session.Int64(1), UserID: int64(i + 1)}
	}
	return out
}

func TestNotificationPublisherRejectsUsersWithTenants(t *testing.T) {
	publisher, store, queue, _ := newPublisherHarness()

	_, err := publisher.Publish(context.Background(), PublishNotificationRequest{
		NotificationName: "order.shipped",
		UserIDs:          users(1),
		TenantIDs:        []*int64{session.Int64(1)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidArgument))
	assert.Empty(t, store.items)
	assert.Empty(t, queue.jobs)
}

func TestNotificationPublisherRequiresName(t *testing.T) {
	publisher, _, _, _ := newPublisherHarness()

	_, err := publisher.Publish(context.Background(), PublishNotificationRequest{NotificationName: "  "})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestNotificationPublisherRejectsUnknownSeverity(t *testing.T) {
	publisher, _, _, _ := newPublisherHarness()

	_, err := publisher.Publish(context.Background(), PublishNotificationRequest{NotificationName: "n", Severity: "LOUD"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
}

func TestNotificationPublisherDistributesSmallAudienceDirectly(t *testing.T) {
	publisher, store, queue, metrics := newPublisherHarness()

	info, err := publisher.Publish(context.Background(), PublishNotificationRequest{
		NotificationName: "order.shipped",
		Data:             map[string]string{"order": "42"},
		Entity:           &EntityIdentifier{TypeName: "Order", ID: 42},
		Severity:         "warn",
		UserIDs:          users(MaxDirectDistributionUsers),
		ExcludedUserIDs:  []models.UserIdentifier{{TenantID: session.Int64(1), UserID: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSeverityWarn, info.Severity)
	assert.JSONEq(t, `{"order":"42"}`, string(info.Data))
	require.NotNil(t, info.EntityID)
	assert.Equal(t, "42", *info.EntityID)
	assert.Nil(t, info.TenantIDs)

	assert.Empty(t, queue.jobs)
	assert.Len(t, store.delivered, MaxDirectDistributionUsers-1)
	assert.Equal(t, []string{info.ID}, store.deleted)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.notifications.WithLabelValues(DistributionModeDirect)))
}

func TestNotificationPublisherEnqueuesLargeAudience(t *testing.T) {
	publisher, store, queue, metrics := newPublisherHarness()

	info, err := publisher.Publish(context.Background(), PublishNotificationRequest{
		NotificationName: "order.shipped",
		UserIDs:          users(MaxDirectDistributionUsers + 1),
	})
	require.NoError(t, err)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, NotificationDistributionJob, queue.jobs[0].Type)
	assert.Equal(t, info.ID, queue.jobs[0].Payload)
	assert.Empty(t, store.delivered)
	assert.Len(t, info.UserIDs, MaxDirectDistributionUsers+1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.notifications.WithLabelValues(DistributionModeJob)))
}

func TestNotificationPublisherDefaultsToSessionTenant(t *testing.T) {
	publisher, _, queue, _ := newPublisherHarness()

	ctx := session.WithIdentity(context.Background(), session.Identity{TenantID: session.Int64(7), UserID: session.Int64(3)})
	info, err := publisher.Publish(ctx, PublishNotificationRequest{NotificationName: "invoice.due"})
	require.NoError(t, err)
	require.NotNil(t, info.TenantIDs)
	assert.Equal(t, "7", *info.TenantIDs)
	assert.Equal(t, models.NotificationSeverityInfo, info.Severity)
	assert.Len(t, queue.jobs, 1)
}

func TestNotificationPublisherWritesHostTenantAsNull(t *testing.T) {
	publisher, _, _, _ := newPublisherHarness()

	info, err := publisher.Publish(context.Background(), PublishNotificationRequest{
		NotificationName: "maintenance",
		TenantIDs:        []*int64{nil, session.Int64(3)},
	})
	require.NoError(t, err)
	require.NotNil(t, info.TenantIDs)
	assert.Equal(t, "null,3", *info.TenantIDs)
}

func TestNotificationPublisherSurfacesQueueFailure(t *testing.T) {
	publisher, _, queue, _ := newPublisherHarness()
	queue.err = jobs.ErrNotStarted

	_, err := publisher.Publish(context.Background(), PublishNotificationRequest{NotificationName: "n"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrUnavailable))
}

func TestNotificationDistributorUsesSubscribers(t *testing.T) {
	store := &mockNotificationStore{
		items: map[string]*models.NotificationInfo{
			"n1": {ID: "n1", NotificationName: "invoice.due", TenantIDs: strPtr("1"), ExcludedUserIDs: []string{"2@1"}},
		},
		subscribers: []models.UserIdentifier{
			{TenantID: session.Int64(1), UserID: 1},
			{TenantID: session.Int64(1), UserID: 2},
			{TenantID: session.Int64(1), UserID: 1},
		},
	}
	distributor := NewNotificationDistributor(store, nil)

	require.NoError(t, distributor.Handle(context.Background(), jobs.Job{ID: "j", Payload: "n1"}))
	require.Len(t, store.delivered, 1)
	assert.Equal(t, int64(1), store.delivered[0].UserID)
	assert.Equal(t, "n1", store.delivered[0].NotificationID)
	assert.Equal(t, []string{"n1"}, store.deleted)
}

func TestNotificationDistributorIgnoresMissingNotification(t *testing.T) {
	store := &mockNotificationStore{}
	distributor := NewNotificationDistributor(store, nil)

	require.NoError(t, distributor.Distribute(context.Background(), "gone"))
	assert.Empty(t, store.delivered)
}

func TestNotificationDistributorRejectsBadPayload(t *testing.T) {
	distributor := NewNotificationDistributor(&mockNotificationStore{}, nil)
	require.Error(t, distributor.Handle(context.Background(), jobs.Job{ID: "j", Payload: 12}))
}

func strPtr(s string) *string {
	return &s
}
