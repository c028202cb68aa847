package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openlearn/lms-api/internal/models"
	"github.com/openlearn/lms-api/internal/service"
	appErrors "github.com/openlearn/lms-api/pkg/errors"
	"github.com/openlearn/lms-api/pkg/response"
)

// EnrollmentHandler wires HTTP endpoints to the enrollment engine.
type EnrollmentHandler struct {
	service *service.EnrollmentService
	metrics *service.MetricsService
}

// NewEnrollmentHandler creates a new handler. metrics may be nil.
func NewEnrollmentHandler(svc *service.EnrollmentService, metrics *service.MetricsService) *EnrollmentHandler {
	return &EnrollmentHandler{service: svc, metrics: metrics}
}

// Enroll godoc
// @Summary Enroll in a course
// @Description Enroll the authenticated student, enforcing capacity and prerequisites
// @Tags Enrollments
// @Produce json
// @Param id path string true "Course ID"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id}/enroll [post]
func (h *EnrollmentHandler) Enroll(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	enrollment, err := h.service.Enroll(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		h.metrics.ObserveEnrollment(enrollOutcome(err))
		response.Error(c, err)
		return
	}

	h.metrics.ObserveEnrollment("enrolled")
	response.Created(c, enrollment)
}

// Drop godoc
// @Summary Drop a course
// @Description Drop the authenticated student's active enrollment
// @Tags Enrollments
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /courses/{id}/enroll [delete]
func (h *EnrollmentHandler) Drop(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	enrollment, err := h.service.Drop(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// CheckEligibility godoc
// @Summary Check enrollment eligibility
// @Description Dry-run enrollment returning every blocking reason
// @Tags Enrollments
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id}/eligibility [get]
func (h *EnrollmentHandler) CheckEligibility(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	result, err := h.service.CheckEligibility(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ListMine godoc
// @Summary List own enrollments
// @Description List the authenticated student's enrollments
// @Tags Enrollments
// @Produce json
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) ListMine(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.EnrollmentFilter{
		Status:    models.EnrollmentStatus(c.Query("status")),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	enrollments, pagination, err := h.service.ListForStudent(c.Request.Context(), claims.UserID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// CourseRoster godoc
// @Summary List course enrollments
// @Description List a course roster for its instructor or an admin
// @Tags Enrollments
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses/{id}/enrollments [get]
func (h *EnrollmentHandler) CourseRoster(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	roster, err := h.service.GetCourseEnrollments(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roster, nil)
}

// UpdateProgress godoc
// @Summary Update enrollment progress
// @Description Set completion percentage; 100 completes the enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body service.UpdateProgressRequest true "Progress payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /enrollments/{id}/progress [patch]
func (h *EnrollmentHandler) UpdateProgress(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.UpdateProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid progress payload"))
		return
	}

	enrollment, err := h.service.UpdateProgress(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// Statistics godoc
// @Summary Student enrollment statistics
// @Description Aggregate the authenticated student's enrollments by status
// @Tags Enrollments
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /enrollments/statistics [get]
func (h *EnrollmentHandler) Statistics(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	stats, err := h.service.GetStudentStatistics(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// enrollOutcome maps an enrollment failure onto a metrics label.
func enrollOutcome(err error) string {
	appErr := appErrors.FromError(err)
	if appErr == nil {
		return "error"
	}
	switch appErr.Message {
	case "already enrolled in this course":
		return "already_enrolled"
	case "course already completed":
		return "already_completed"
	case "course is full":
		return "course_full"
	default:
		if appErr.Code == appErrors.ErrDomain.Code {
			return "prerequisites_unmet"
		}
		return "error"
	}
}
