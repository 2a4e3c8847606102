package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/internal/service"
	appErrors "github.com/noah-isme/appframe/pkg/errors"
	"github.com/noah-isme/appframe/pkg/export"
)

type stubHistoryService struct {
	lastFilter models.EntityHistoryFilter
	lastFormat export.Format
	rows       []models.EntityHistoryRow
}

func (s *stubHistoryService) List(ctx context.Context, filter models.EntityHistoryFilter) ([]models.EntityHistoryRow, error) {
	s.lastFilter = filter
	return s.rows, nil
}

func (s *stubHistoryService) GetChangeSet(ctx context.Context, id string) (*models.EntityChangeSet, error) {
	if id != "cs-1" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "change set not found")
	}
	return &models.EntityChangeSet{ID: id}, nil
}

func (s *stubHistoryService) Export(ctx context.Context, filter models.EntityHistoryFilter, format export.Format) (*service.HistoryExport, error) {
	s.lastFilter = filter
	s.lastFormat = format
	return &service.HistoryExport{Filename: "history.csv", ContentType: "text/csv", Data: []byte("a,b\n")}, nil
}

type stubPublisher struct {
	req service.PublishNotificationRequest
	err error
}

func (s *stubPublisher) Publish(ctx context.Context, req service.PublishNotificationRequest) (*models.NotificationInfo, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	return &models.NotificationInfo{ID: "n1", NotificationName: req.NotificationName}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestHistoryHandlerListParsesFilter(t *testing.T) {
	svc := &stubHistoryService{rows: []models.EntityHistoryRow{{ChangeSetID: "cs-1"}}}
	r := newTestRouter()
	r.GET("/history", NewHistoryHandler(svc).List)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?entity_type=Blog&entity_id=1&change_type=updated&from=2024-03-01T00:00:00Z&limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Blog", svc.lastFilter.EntityTypeFullName)
	assert.Equal(t, "1", svc.lastFilter.EntityID)
	assert.Equal(t, models.EntityChangeTypeUpdated, svc.lastFilter.ChangeType)
	require.NotNil(t, svc.lastFilter.From)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), svc.lastFilter.From.UTC())
	assert.Equal(t, 10, svc.lastFilter.Limit)

	var body struct {
		Data []models.EntityHistoryRow `json:"data"`
		Meta map[string]interface{}    `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 1)
	assert.Equal(t, float64(1), body.Meta["count"])
}

func TestHistoryHandlerRejectsBadParams(t *testing.T) {
	r := newTestRouter()
	r.GET("/history", NewHistoryHandler(&stubHistoryService{}).List)

	for _, query := range []string{"from=yesterday", "limit=ten"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?"+query, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestHistoryHandlerChangeSet(t *testing.T) {
	r := newTestRouter()
	r.GET("/history/change-sets/:id", NewHistoryHandler(&stubHistoryService{}).ChangeSet)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history/change-sets/cs-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history/change-sets/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryHandlerExportWritesAttachment(t *testing.T) {
	svc := &stubHistoryService{}
	r := newTestRouter()
	r.GET("/history/export", NewHistoryHandler(svc).Export)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history/export?format=CSV&entity_type=Blog", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, export.FormatCSV, svc.lastFormat)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "history.csv")
	assert.Equal(t, "a,b\n", rec.Body.String())
}

func TestNotificationHandlerPublish(t *testing.T) {
	pub := &stubPublisher{}
	r := newTestRouter()
	r.POST("/notifications", NewNotificationHandler(pub).Publish)

	payload := `{"notificationName":"order.shipped","userIds":[{"tenantId":1,"userId":2}],"severity":"WARN"}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(payload)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "order.shipped", pub.req.NotificationName)
	require.Len(t, pub.req.UserIDs, 1)
	assert.Equal(t, "2@1", pub.req.UserIDs[0].String())
}

func TestNotificationHandlerMapsErrors(t *testing.T) {
	pub := &stubPublisher{err: appErrors.Clone(appErrors.ErrInvalidArgument, "tenant ids can be set only if user ids are not set")}
	r := newTestRouter()
	r.POST("/notifications", NewNotificationHandler(pub).Publish)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(`{"notificationName":"n"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsHandlerReady(t *testing.T) {
	r := newTestRouter()
	healthy := NewMetricsHandler(service.NewMetricsService(), stubPinger{})
	broken := NewMetricsHandler(nil, stubPinger{err: errors.New("down")})
	r.GET("/ready", healthy.Ready)
	r.GET("/ready-broken", broken.Ready)
	r.GET("/metrics", broken.Prometheus)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready-broken", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
