package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/internal/service"
	appErrors "github.com/noah-isme/appframe/pkg/errors"
	"github.com/noah-isme/appframe/pkg/export"
	"github.com/noah-isme/appframe/pkg/response"
)

type entityHistoryService interface {
	List(ctx context.Context, filter models.EntityHistoryFilter) ([]models.EntityHistoryRow, error)
	GetChangeSet(ctx context.Context, id string) (*models.EntityChangeSet, error)
	Export(ctx context.Context, filter models.EntityHistoryFilter, format export.Format) (*service.HistoryExport, error)
}

// HistoryHandler exposes read access to recorded entity history.
type HistoryHandler struct {
	service entityHistoryService
}

// NewHistoryHandler builds a new handler.
func NewHistoryHandler(service entityHistoryService) *HistoryHandler {
	return &HistoryHandler{service: service}
}

// List returns history rows matching the query filter.
func (h *HistoryHandler) List(c *gin.Context) {
	filter, err := ParseHistoryFilter(c.Query)
	if err != nil {
		response.Error(c, err)
		return
	}
	rows, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rows, map[string]interface{}{"count": len(rows)})
}

// ChangeSet returns one change set with its entity and property changes.
func (h *HistoryHandler) ChangeSet(c *gin.Context) {
	cs, err := h.service.GetChangeSet(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, cs)
}

// Export streams the filtered history as a CSV or PDF attachment.
func (h *HistoryHandler) Export(c *gin.Context) {
	filter, err := ParseHistoryFilter(c.Query)
	if err != nil {
		response.Error(c, err)
		return
	}
	out, err := h.service.Export(c.Request.Context(), filter, export.Format(strings.ToLower(c.DefaultQuery("format", "csv"))))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=\""+out.Filename+"\"")
	c.Data(http.StatusOK, out.ContentType, out.Data)
}

// ParseHistoryFilter reads a history filter through a key lookup such as
// gin's Query or a flag accessor.
func ParseHistoryFilter(get func(string) string) (models.EntityHistoryFilter, error) {
	filter := models.EntityHistoryFilter{
		EntityTypeFullName: strings.TrimSpace(get("entity_type")),
		EntityID:           strings.TrimSpace(get("entity_id")),
		ChangeType:         models.EntityChangeType(strings.ToUpper(strings.TrimSpace(get("change_type")))),
	}

	var err error
	if filter.From, err = parseTimeParam(get, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseTimeParam(get, "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = parseIntParam(get, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseIntParam(get, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTimeParam(get func(string) string, key string) (*time.Time, error) {
	raw := strings.TrimSpace(get(key))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, key+" must be an RFC3339 timestamp")
	}
	return &t, nil
}

func parseIntParam(get func(string) string, key string) (int, error) {
	raw := strings.TrimSpace(get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, appErrors.Clone(appErrors.ErrValidation, key+" must be an integer")
	}
	return v, nil
}
