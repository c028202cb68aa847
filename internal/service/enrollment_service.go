package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openlearn/lms-api/internal/models"
	"github.com/openlearn/lms-api/internal/repository"
	appErrors "github.com/openlearn/lms-api/pkg/errors"
)

type enrollmentRepository interface {
	Enroll(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error)
	CountActive(ctx context.Context, courseID string) (int, error)
	MissingPrerequisites(ctx context.Context, studentID, courseID string) ([]models.Course, error)
	UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error
	UpdateProgress(ctx context.Context, id string, pct float64, status models.EnrollmentStatus, completedAt *time.Time) error
	Statistics(ctx context.Context, studentID string) (*models.StudentStatistics, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error)
}

type statisticsCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// UpdateProgressRequest carries a progress mutation payload.
type UpdateProgressRequest struct {
	CompletionPercentage float64 `json:"completion_percentage" validate:"min=0,max=100"`
}

// EnrollmentService is the enrollment engine: it owns the lifecycle state
// machine and is the only component allowed to mutate enrollment rows.
type EnrollmentService struct {
	repo     enrollmentRepository
	courses  courseReader
	cache    statisticsCache
	cacheTTL time.Duration
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService. cache and metrics may be nil.
func NewEnrollmentService(repo enrollmentRepository, courses courseReader, cache statisticsCache, cacheTTL time.Duration, metrics *MetricsService, logger *zap.Logger) *EnrollmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &EnrollmentService{repo: repo, courses: courses, cache: cache, cacheTTL: cacheTTL, metrics: metrics, logger: logger}
}

// Enroll registers a student to a course. The entire check-then-insert
// sequence runs in one locked transaction inside the repository; this layer
// maps the transaction outcome onto the API error taxonomy. Enroll fails
// fast on the first violated rule, unlike CheckEligibility.
func (s *EnrollmentService) Enroll(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	if studentID == "" || courseID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student and course are required")
	}

	enrollment, err := s.repo.Enroll(ctx, studentID, courseID)
	if err != nil {
		var prereqErr *repository.PrerequisiteError
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		case errors.Is(err, repository.ErrAlreadyEnrolled):
			return nil, appErrors.Clone(appErrors.ErrDomain, "already enrolled in this course")
		case errors.Is(err, repository.ErrAlreadyCompleted):
			return nil, appErrors.Clone(appErrors.ErrDomain, "course already completed")
		case errors.Is(err, repository.ErrCourseFull):
			return nil, appErrors.Clone(appErrors.ErrDomain, "course is full")
		case errors.As(err, &prereqErr):
			return nil, appErrors.Clone(appErrors.ErrDomain, prereqErr.Error())
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enroll")
		}
	}

	s.invalidateStatistics(ctx, studentID)
	s.logger.Info("student enrolled",
		zap.String("student_id", studentID),
		zap.String("course_id", courseID),
		zap.String("enrollment_id", enrollment.ID))
	return enrollment, nil
}

// Drop transitions an active enrollment to DROPPED. Only the student's own
// active enrollment can be dropped; dropping frees a capacity seat.
func (s *EnrollmentService) Drop(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByStudentAndCourse(ctx, studentID, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrDomain, "not enrolled in this course")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil, appErrors.Clone(appErrors.ErrDomain, "can only drop active enrollments")
	}

	if err := s.repo.UpdateStatus(ctx, enrollment.ID, models.EnrollmentStatusDropped); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to drop enrollment")
	}
	enrollment.Status = models.EnrollmentStatusDropped

	s.invalidateStatistics(ctx, studentID)
	s.logger.Info("student dropped course",
		zap.String("student_id", studentID),
		zap.String("course_id", courseID))
	return enrollment, nil
}

// CheckEligibility is a non-mutating dry run of Enroll. It aggregates every
// applicable failure reason instead of stopping at the first one, so clients
// can present all blockers at once. It deliberately does not model the
// dropped-row reactivation shortcut the mutating path takes.
func (s *EnrollmentService) CheckEligibility(ctx context.Context, studentID, courseID string) (*models.EligibilityResult, error) {
	course, err := s.courses.FindDetailByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	result := &models.EligibilityResult{}

	existing, err := s.repo.FindByStudentAndCourse(ctx, studentID, courseID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if existing != nil {
		switch existing.Status {
		case models.EnrollmentStatusActive:
			result.Reasons = append(result.Reasons, "already enrolled in this course")
		case models.EnrollmentStatusCompleted:
			result.Reasons = append(result.Reasons, "course already completed")
		}
	}

	if course.IsFull() {
		result.Reasons = append(result.Reasons, "course is full")
	}

	missing, err := s.repo.MissingPrerequisites(ctx, studentID, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check prerequisites")
	}
	if len(missing) > 0 {
		result.MissingPrerequisites = missing
		result.Reasons = append(result.Reasons, (&repository.PrerequisiteError{Missing: missing}).Error())
	}

	result.CanEnroll = len(result.Reasons) == 0
	return result, nil
}

// UpdateProgress sets the completion percentage of an enrollment. Hitting 100
// flips the enrollment to COMPLETED and stamps completed_at; COMPLETED is
// terminal, so further progress updates are rejected. Students may only
// update their own enrollments; instructors only those of courses they own.
func (s *EnrollmentService) UpdateProgress(ctx context.Context, actorID string, role models.UserRole, enrollmentID string, req UpdateProgressRequest) (*models.Enrollment, error) {
	if req.CompletionPercentage < 0 || req.CompletionPercentage > 100 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "completion percentage must be between 0 and 100")
	}

	enrollment, err := s.repo.FindByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	switch role {
	case models.RoleStudent:
		if enrollment.StudentID != actorID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot update another student's progress")
		}
	case models.RoleInstructor:
		course, err := s.courses.FindByID(ctx, enrollment.CourseID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
		}
		if course.InstructorID != actorID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
		}
	}

	if enrollment.Status == models.EnrollmentStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrDomain, "enrollment already completed")
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil, appErrors.Clone(appErrors.ErrDomain, "can only update progress on active enrollments")
	}

	status := models.EnrollmentStatusActive
	var completedAt *time.Time
	if req.CompletionPercentage == 100 {
		status = models.EnrollmentStatusCompleted
		now := time.Now().UTC()
		completedAt = &now
	}

	if err := s.repo.UpdateProgress(ctx, enrollmentID, req.CompletionPercentage, status, completedAt); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update progress")
	}

	enrollment.CompletionPercentage = req.CompletionPercentage
	enrollment.Status = status
	enrollment.CompletedAt = completedAt

	s.invalidateStatistics(ctx, enrollment.StudentID)
	if status == models.EnrollmentStatusCompleted {
		s.logger.Info("enrollment completed",
			zap.String("enrollment_id", enrollmentID),
			zap.String("student_id", enrollment.StudentID))
	}
	return enrollment, nil
}

// ListForStudent returns a student's own enrollments.
func (s *EnrollmentService) ListForStudent(ctx context.Context, studentID string, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	filter.StudentID = studentID
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// GetCourseEnrollments returns the roster of a course. Instructors may only
// view rosters of courses they own.
func (s *EnrollmentService) GetCourseEnrollments(ctx context.Context, actorID string, role models.UserRole, courseID string) ([]models.EnrollmentDetail, error) {
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if role == models.RoleInstructor && course.InstructorID != actorID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
	}

	start := time.Now()
	roster, err := s.repo.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list course enrollments")
	}
	s.metrics.ObserveDBQuery("course_roster", time.Since(start))
	return roster, nil
}

// GetStudentStatistics aggregates counts by status and the mean completion
// percentage across all of a student's enrollments.
func (s *EnrollmentService) GetStudentStatistics(ctx context.Context, studentID string) (*models.StudentStatistics, error) {
	key := statisticsCacheKey(studentID)
	if s.cache != nil {
		var cached models.StudentStatistics
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			s.metrics.RecordCacheOperation(true)
			return &cached, nil
		}
		s.metrics.RecordCacheOperation(false)
	}

	start := time.Now()
	stats, err := s.repo.Statistics(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate statistics")
	}
	s.metrics.ObserveDBQuery("enrollment_statistics", time.Since(start))

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, stats, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache student statistics", zap.Error(err))
		}
	}
	return stats, nil
}

func (s *EnrollmentService) invalidateStatistics(ctx context.Context, studentID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, statisticsCacheKey(studentID)); err != nil {
		s.logger.Warn("failed to invalidate statistics cache", zap.Error(err))
	}
}

func statisticsCacheKey(studentID string) string {
	return fmt.Sprintf("stats:student:%s", studentID)
}
