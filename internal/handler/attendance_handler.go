package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/tutoring-core-api/internal/service"
	appErrors "github.com/noah-isme/tutoring-core-api/pkg/errors"
	"github.com/noah-isme/tutoring-core-api/pkg/response"
)

// AttendanceHandler exposes attendance recording and stats endpoints.
type AttendanceHandler struct {
	attendance *service.AttendanceService
}

// NewAttendanceHandler constructs AttendanceHandler.
func NewAttendanceHandler(attendance *service.AttendanceService) *AttendanceHandler {
	return &AttendanceHandler{attendance: attendance}
}

// Record godoc
// @Summary Record attendance for a student in a session
// @Tags Attendance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.RecordAttendanceRequest true "Attendance payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/attendance [post]
func (h *AttendanceHandler) Record(c *gin.Context) {
	var req service.RecordAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	record, err := h.attendance.Record(c.Request.Context(), c.Param("id"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// RecordBulk godoc
// @Summary Record attendance for several students atomically
// @Tags Attendance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.BulkAttendanceRequest true "Bulk attendance payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/attendance/bulk [post]
func (h *AttendanceHandler) RecordBulk(c *gin.Context) {
	var req service.BulkAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	records, err := h.attendance.RecordBulk(c.Request.Context(), c.Param("id"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, nil)
}

// RecordSelf godoc
// @Summary Record the caller's own attendance
// @Tags Attendance
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.SelfAttendanceRequest true "Self attendance payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/attendance/self [post]
func (h *AttendanceHandler) RecordSelf(c *gin.Context) {
	var req service.SelfAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	record, err := h.attendance.RecordSelf(c.Request.Context(), c.Param("id"), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// ListBySession godoc
// @Summary List attendance records for a session
// @Tags Attendance
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/attendance [get]
func (h *AttendanceHandler) ListBySession(c *gin.Context) {
	records, err := h.attendance.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, nil)
}

// Stats godoc
// @Summary Attendance statistics for a student
// @Tags Attendance
// @Produce json
// @Param studentId path string true "Student ID"
// @Param courseId query string false "Scope stats to a course"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/attendance-stats [get]
func (h *AttendanceHandler) Stats(c *gin.Context) {
	stats, err := h.attendance.Stats(c.Request.Context(), c.Param("studentId"), c.Query("courseId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}
