package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/lms-api/internal/middleware"
	"github.com/openlearn/lms-api/internal/models"
	"github.com/openlearn/lms-api/internal/repository"
	"github.com/openlearn/lms-api/internal/service"
	"github.com/openlearn/lms-api/pkg/response"
)

type stubEnrollmentRepo struct {
	enrollErr  error
	enrollment *models.Enrollment
}

func (s *stubEnrollmentRepo) Enroll(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	if s.enrollErr != nil {
		return nil, s.enrollErr
	}
	return &models.Enrollment{
		ID:         "enr-1",
		StudentID:  studentID,
		CourseID:   courseID,
		Status:     models.EnrollmentStatusActive,
		EnrolledAt: time.Now().UTC(),
	}, nil
}

func (s *stubEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if s.enrollment != nil {
		return s.enrollment, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubEnrollmentRepo) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	if s.enrollment != nil {
		return s.enrollment, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	return nil, 0, nil
}

func (s *stubEnrollmentRepo) ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	return nil, nil
}

func (s *stubEnrollmentRepo) CountActive(ctx context.Context, courseID string) (int, error) {
	return 0, nil
}

func (s *stubEnrollmentRepo) MissingPrerequisites(ctx context.Context, studentID, courseID string) ([]models.Course, error) {
	return nil, nil
}

func (s *stubEnrollmentRepo) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error {
	return nil
}

func (s *stubEnrollmentRepo) UpdateProgress(ctx context.Context, id string, pct float64, status models.EnrollmentStatus, completedAt *time.Time) error {
	return nil
}

func (s *stubEnrollmentRepo) Statistics(ctx context.Context, studentID string) (*models.StudentStatistics, error) {
	return &models.StudentStatistics{StudentID: studentID}, nil
}

type stubCourseReader struct{}

func (s *stubCourseReader) FindByID(ctx context.Context, id string) (*models.Course, error) {
	return &models.Course{ID: id, Capacity: 10}, nil
}

func (s *stubCourseReader) FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error) {
	return &models.CourseDetail{Course: models.Course{ID: id, Capacity: 10}}, nil
}

func enrollmentRouter(repo *stubEnrollmentRepo, metrics *service.MetricsService) *gin.Engine {
	gin.SetMode(gin.TestMode)

	svc := service.NewEnrollmentService(repo, &stubCourseReader{}, nil, time.Minute, nil, nil)
	h := NewEnrollmentHandler(svc, metrics)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent})
	})
	r.POST("/courses/:id/enroll", h.Enroll)
	r.GET("/courses/:id/eligibility", h.CheckEligibility)
	r.PATCH("/enrollments/:id/progress", h.UpdateProgress)
	return r
}

func TestEnrollmentHandlerEnroll(t *testing.T) {
	r := enrollmentRouter(&stubEnrollmentRepo{}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/courses/course-1/enroll", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Nil(t, envelope.Error)
	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", data["status"])
}

func TestEnrollmentHandlerEnrollDomainFailure(t *testing.T) {
	r := enrollmentRouter(&stubEnrollmentRepo{enrollErr: repository.ErrCourseFull}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/courses/course-1/enroll", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "DOMAIN_RULE", envelope.Error.Code)
	assert.Equal(t, "course is full", envelope.Error.Message)
}

func TestEnrollmentHandlerEnrollCountsOutcomes(t *testing.T) {
	metrics := service.NewMetricsService()
	r := enrollmentRouter(&stubEnrollmentRepo{enrollErr: &repository.PrerequisiteError{
		Missing: []models.Course{{ID: "c0", Title: "Algorithms"}},
	}}, metrics)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/courses/course-1/enroll", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, scrape.Code)
	assert.Contains(t, scrape.Body.String(), `enrollment_attempts_total{outcome="prerequisites_unmet"} 1`)
}

func TestEnrollmentHandlerEligibility(t *testing.T) {
	r := enrollmentRouter(&stubEnrollmentRepo{}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/courses/course-1/eligibility", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["can_enroll"])
}

func TestEnrollmentHandlerUpdateProgressBadPayload(t *testing.T) {
	r := enrollmentRouter(&stubEnrollmentRepo{}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/enrollments/enr-1/progress", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "VALIDATION_ERROR", envelope.Error.Code)
}

func TestEnrollmentHandlerUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := service.NewEnrollmentService(&stubEnrollmentRepo{}, &stubCourseReader{}, nil, time.Minute, nil, nil)
	h := NewEnrollmentHandler(svc, nil)

	r := gin.New()
	r.POST("/courses/:id/enroll", h.Enroll)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/courses/course-1/enroll", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}
