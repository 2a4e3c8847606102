package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/appframe/internal/models"
	"github.com/noah-isme/appframe/internal/service"
	appErrors "github.com/noah-isme/appframe/pkg/errors"
	"github.com/noah-isme/appframe/pkg/response"
)

type notificationPublisher interface {
	Publish(ctx context.Context, req service.PublishNotificationRequest) (*models.NotificationInfo, error)
}

// NotificationHandler accepts notifications for publishing.
type NotificationHandler struct {
	publisher notificationPublisher
}

// NewNotificationHandler builds a new handler.
func NewNotificationHandler(publisher notificationPublisher) *NotificationHandler {
	return &NotificationHandler{publisher: publisher}
}

// Publish stores a notification and schedules its distribution.
func (h *NotificationHandler) Publish(c *gin.Context) {
	var req service.PublishNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid notification payload"))
		return
	}
	info, err := h.publisher.Publish(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, info, nil)
}
