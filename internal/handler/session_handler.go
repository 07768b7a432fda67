package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tutoring-core-api/internal/models"
	"github.com/noah-isme/tutoring-core-api/internal/service"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
	"github.com/noah-isme/tutoring-core-api/pkg/response"
)

// SessionHandler exposes session scheduling endpoints.
type SessionHandler struct {
	sessions *service.SessionService
}

// NewSessionHandler constructs SessionHandler.
func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// List godoc
// @Summary List sessions
// @Tags Sessions
// @Produce json
// @Param instructorId query string false "Filter by instructor"
// @Param studentId query string false "Filter by participant"
// @Param courseId query string false "Filter by course"
// @Param state query string false "Filter by state"
// @Param from query string false "Range start (RFC3339)"
// @Param to query string false "Range end (RFC3339)"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /sessions [get]
func (h *SessionHandler) List(c *gin.Context) {
	var filter models.SessionFilter
	filter.InstructorID = c.Query("instructorId")
	filter.StudentID = c.Query("studentId")
	filter.CourseID = c.Query("courseId")
	filter.State = models.SessionState(strings.ToUpper(c.Query("state")))
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
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	sessions, pagination, err := h.sessions.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sessions, pagination)
}

// Get godoc
// @Summary Get session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Create godoc
// @Summary Book a session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body service.CreateSessionRequest true "Session payload"
// @Success 201 {object} response.Envelope
// @Router /sessions [post]
func (h *SessionHandler) Create(c *gin.Context) {
	var req service.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	session, err := h.sessions.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, session)
}

// Reschedule godoc
// @Summary Reschedule or edit a session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.RescheduleSessionRequest true "Patch payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id} [patch]
func (h *SessionHandler) Reschedule(c *gin.Context) {
	var req service.RescheduleSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	session, err := h.sessions.Reschedule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Start godoc
// @Summary Start a session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/start [post]
func (h *SessionHandler) Start(c *gin.Context) {
	session, err := h.sessions.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Cancel godoc
// @Summary Cancel a session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.CancelSessionRequest true "Cancellation payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/cancel [post]
func (h *SessionHandler) Cancel(c *gin.Context) {
	var req service.CancelSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	session, err := h.sessions.Cancel(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Complete godoc
// @Summary Complete a session and propagate progress
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/complete [post]
func (h *SessionHandler) Complete(c *gin.Context) {
	session, err := h.sessions.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}
