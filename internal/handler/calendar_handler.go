package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/internal/service"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
	"github.com/noah-isme/tutoring-core-api/pkg/response"
)

// CalendarHandler exposes calendar projection endpoints.
type CalendarHandler struct {
	calendar *service.CalendarService
}

// NewCalendarHandler constructs CalendarHandler.
func NewCalendarHandler(calendar *service.CalendarService) *CalendarHandler {
	return &CalendarHandler{calendar: calendar}
}

// Entries godoc
// @Summary Active sessions involving an owner within a time range
// @Tags Calendar
// @Produce json
// @Param ownerId path string true "Owner ID"
// @Param from query string true "Range start (RFC3339)"
// @Param to query string true "Range end (RFC3339)"
// @Success 200 {object} response.Envelope
// @Router /calendar/{ownerId}/entries [get]
func (h *CalendarHandler) Entries(c *gin.Context) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "from must be a valid RFC3339 timestamp"))
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "to must be a valid RFC3339 timestamp"))
		return
	}

	sessions, err := h.calendar.EntriesForOwner(c.Request.Context(), c.Param("ownerId"), from, to)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sessions, nil)
}

// Sync godoc
// @Summary Mirror upcoming sessions into the owner's materialized calendar
// @Tags Calendar
// @Produce json
// @Param ownerId path string true "Owner ID"
// @Success 200 {object} response.Envelope
// @Router /calendar/{ownerId}/sync [post]
func (h *CalendarHandler) Sync(c *gin.Context) {
	created, err := h.calendar.SyncFromSessions(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"created": created, "created_count": len(created)}, nil)
}

// List godoc
// @Summary List materialized calendar entries for an owner
// @Tags Calendar
// @Produce json
// @Param ownerId path string true "Owner ID"
// @Param from query string false "Range start (RFC3339)"
// @Param to query string false "Range end (RFC3339)"
// @Success 200 {object} response.Envelope
// @Router /calendar/{ownerId} [get]
func (h *CalendarHandler) List(c *gin.Context) {
	filter := models.CalendarFilter{OwnerID: c.Param("ownerId")}
	if raw := c.Query("from"); raw != "" {
		if from, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.From = &from
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.To = &to
		}
	}

	entries, err := h.calendar.ListForOwner(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}
