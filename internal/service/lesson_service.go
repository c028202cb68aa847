package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/openlearn/lms-api/internal/models"
	appErrors "github.com/openlearn/lms-api/pkg/errors"
)

type lessonRepository interface {
	Create(ctx context.Context, lesson *models.Lesson) error
	FindByID(ctx context.Context, id string) (*models.Lesson, error)
	ListByCourse(ctx context.Context, courseID string) ([]models.Lesson, error)
	Update(ctx context.Context, id string, patch models.LessonPatch) error
	Delete(ctx context.Context, id string) error
}

type enrollmentReader interface {
	FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
}

// CreateLessonRequest carries the payload for creating a lesson. Position 0
// appends the lesson at the end of the course.
type CreateLessonRequest struct {
	Title    string `json:"title" validate:"required,min=1,max=200"`
	Content  string `json:"content"`
	Position int    `json:"position" validate:"min=0"`
}

// LessonService manages course content. Writes require course ownership;
// reads require enrollment or ownership.
type LessonService struct {
	repo        lessonRepository
	courses     courseReader
	enrollments enrollmentReader
	validator   *validator.Validate
	logger      *zap.Logger
}

func NewLessonService(repo lessonRepository, courses courseReader, enrollments enrollmentReader, v *validator.Validate, logger *zap.Logger) *LessonService {
	if v == nil {
		v = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LessonService{repo: repo, courses: courses, enrollments: enrollments, validator: v, logger: logger}
}

func (s *LessonService) Create(ctx context.Context, actorID string, role models.UserRole, courseID string, req CreateLessonRequest) (*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if err := s.authorizeWrite(ctx, actorID, role, courseID); err != nil {
		return nil, err
	}

	lesson := &models.Lesson{
		CourseID: courseID,
		Title:    req.Title,
		Content:  req.Content,
		Position: req.Position,
	}
	if err := s.repo.Create(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create lesson")
	}
	return lesson, nil
}

func (s *LessonService) Get(ctx context.Context, actorID string, role models.UserRole, lessonID string) (*models.Lesson, error) {
	lesson, err := s.repo.FindByID(ctx, lessonID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}
	if err := s.authorizeRead(ctx, actorID, role, lesson.CourseID); err != nil {
		return nil, err
	}
	return lesson, nil
}

func (s *LessonService) ListByCourse(ctx context.Context, actorID string, role models.UserRole, courseID string) ([]models.Lesson, error) {
	if err := s.authorizeRead(ctx, actorID, role, courseID); err != nil {
		return nil, err
	}
	lessons, err := s.repo.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list lessons")
	}
	return lessons, nil
}

func (s *LessonService) Update(ctx context.Context, actorID string, role models.UserRole, lessonID string, patch models.LessonPatch) (*models.Lesson, error) {
	if err := s.validator.Struct(patch); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	lesson, err := s.repo.FindByID(ctx, lessonID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}
	if err := s.authorizeWrite(ctx, actorID, role, lesson.CourseID); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, lessonID, patch); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update lesson")
	}

	if patch.Title != nil {
		lesson.Title = *patch.Title
	}
	if patch.Content != nil {
		lesson.Content = *patch.Content
	}
	if patch.Position != nil {
		lesson.Position = *patch.Position
	}
	return lesson, nil
}

func (s *LessonService) Delete(ctx context.Context, actorID string, role models.UserRole, lessonID string) error {
	lesson, err := s.repo.FindByID(ctx, lessonID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}
	if err := s.authorizeWrite(ctx, actorID, role, lesson.CourseID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, lessonID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete lesson")
	}
	return nil
}

func (s *LessonService) authorizeWrite(ctx context.Context, actorID string, role models.UserRole, courseID string) error {
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if role != models.RoleAdmin && course.InstructorID != actorID {
		return appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
	}
	return nil
}

// authorizeRead grants access to admins, the course instructor, and students
// with an active or completed enrollment. Dropped students lose access.
func (s *LessonService) authorizeRead(ctx context.Context, actorID string, role models.UserRole, courseID string) error {
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if role == models.RoleAdmin || course.InstructorID == actorID {
		return nil
	}

	enrollment, err := s.enrollments.FindByStudentAndCourse(ctx, actorID, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrForbidden, "not enrolled in this course")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status == models.EnrollmentStatusDropped {
		return appErrors.Clone(appErrors.ErrForbidden, "not enrolled in this course")
	}
	return nil
}
