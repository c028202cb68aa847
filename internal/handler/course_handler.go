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

// CourseHandler wires HTTP endpoints to the course service.
type CourseHandler struct {
	service *service.CourseService
}

// NewCourseHandler creates a new handler.
func NewCourseHandler(svc *service.CourseService) *CourseHandler {
	return &CourseHandler{service: svc}
}

// Create godoc
// @Summary Create course
// @Description Create a course owned by the authenticated instructor
// @Tags Courses
// @Accept json
// @Produce json
// @Param payload body service.CreateCourseRequest true "Course payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /courses [post]
func (h *CourseHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.CreateCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid course payload"))
		return
	}

	course, err := h.service.Create(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, course)
}

// Get godoc
// @Summary Get course
// @Description Return a course with instructor and headcount info
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id} [get]
func (h *CourseHandler) Get(c *gin.Context) {
	course, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, course, nil)
}

// List godoc
// @Summary List courses
// @Description List the catalog with filters and pagination
// @Tags Courses
// @Produce json
// @Param search query string false "Title search"
// @Param instructor_id query string false "Filter by instructor"
// @Param mine query bool false "Only courses taught by the caller (requires a token)"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /courses [get]
func (h *CourseHandler) List(c *gin.Context) {
	filter := models.CourseFilter{
		Search:       c.Query("search"),
		InstructorID: c.Query("instructor_id"),
		SortBy:       c.Query("sort_by"),
		SortOrder:    c.Query("sort_order"),
	}
	if c.Query("mine") == "true" {
		claims := claimsFromContext(c)
		if claims == nil {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "mine filter requires authentication"))
			return
		}
		filter.InstructorID = claims.UserID
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	courses, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, courses, pagination)
}

// Update godoc
// @Summary Update course
// @Description Partially update a course
// @Tags Courses
// @Accept json
// @Produce json
// @Param id path string true "Course ID"
// @Param payload body service.UpdateCourseRequest true "Course patch"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses/{id} [patch]
func (h *CourseHandler) Update(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.UpdateCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid course payload"))
		return
	}

	course, err := h.service.Update(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, course, nil)
}

// Delete godoc
// @Summary Delete course
// @Description Delete a course without active enrollments
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Success 204 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses/{id} [delete]
func (h *CourseHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.Delete(c.Request.Context(), claims.UserID, claims.Role, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// AddPrerequisite godoc
// @Summary Add prerequisite
// @Description Link a prerequisite course, rejecting cycles
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Param prereqId path string true "Prerequisite course ID"
// @Success 204 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id}/prerequisites/{prereqId} [put]
func (h *CourseHandler) AddPrerequisite(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.AddPrerequisite(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"), c.Param("prereqId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// RemovePrerequisite godoc
// @Summary Remove prerequisite
// @Description Unlink a prerequisite course
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Param prereqId path string true "Prerequisite course ID"
// @Success 204 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses/{id}/prerequisites/{prereqId} [delete]
func (h *CourseHandler) RemovePrerequisite(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.RemovePrerequisite(c.Request.Context(), claims.UserID, claims.Role, c.Param("id"), c.Param("prereqId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ListPrerequisites godoc
// @Summary List prerequisites
// @Description List the direct prerequisites of a course
// @Tags Courses
// @Produce json
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id}/prerequisites [get]
func (h *CourseHandler) ListPrerequisites(c *gin.Context) {
	prereqs, err := h.service.ListPrerequisites(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, prereqs, nil)
}
