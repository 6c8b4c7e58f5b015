package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/services"
)

type HealthHandler struct {
	db     *gorm.DB
	events services.EventService
}

func NewHealthHandler(db *gorm.DB, events services.EventService) *HealthHandler {
	return &HealthHandler{db: db, events: events}
}

// GET /healthcheck
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	dbOK := false
	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			dbOK = sqlDB.PingContext(c.Request.Context()) == nil
		}
	}
	busOK := h.events != nil && h.events.BusWorking(c.Request.Context())

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"database":  dbOK,
		"event_bus": busOK,
	})
}
