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

type courseRepository interface {
	Create(ctx context.Context, course *models.Course) error
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error)
	List(ctx context.Context, filter models.CourseFilter) ([]models.CourseDetail, int, error)
	Update(ctx context.Context, id string, patch models.CoursePatch) error
	Delete(ctx context.Context, id string) error
	AddPrerequisite(ctx context.Context, courseID, prereqID string) error
	RemovePrerequisite(ctx context.Context, courseID, prereqID string) error
	ListPrerequisites(ctx context.Context, courseID string) ([]models.Course, error)
	IsReachable(ctx context.Context, startID, targetID string) (bool, error)
}

type activeCounter interface {
	CountActive(ctx context.Context, courseID string) (int, error)
}

// CreateCourseRequest carries the payload for creating a course.
type CreateCourseRequest struct {
	Title       string `json:"title" validate:"required,min=3,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Capacity    int    `json:"capacity" validate:"required,min=1"`
}

// UpdateCourseRequest carries a partial course update. Nil fields are left
// untouched.
type UpdateCourseRequest struct {
	Title       *string `json:"title" validate:"omitempty,min=3,max=200"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
	Capacity    *int    `json:"capacity" validate:"omitempty,min=1"`
}

// CourseService manages the course catalog and the prerequisite graph.
type CourseService struct {
	repo        courseRepository
	enrollments activeCounter
	validator   *validator.Validate
	logger      *zap.Logger
}

func NewCourseService(repo courseRepository, enrollments activeCounter, v *validator.Validate, logger *zap.Logger) *CourseService {
	if v == nil {
		v = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{repo: repo, enrollments: enrollments, validator: v, logger: logger}
}

func (s *CourseService) Create(ctx context.Context, instructorID string, req CreateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	course := &models.Course{
		Title:        req.Title,
		Description:  req.Description,
		Capacity:     req.Capacity,
		InstructorID: instructorID,
	}
	if err := s.repo.Create(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course")
	}

	s.logger.Info("course created", zap.String("course_id", course.ID), zap.String("instructor_id", instructorID))
	return course, nil
}

func (s *CourseService) Get(ctx context.Context, id string) (*models.CourseDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return detail, nil
}

func (s *CourseService) List(ctx context.Context, filter models.CourseFilter) ([]models.CourseDetail, *models.Pagination, error) {
	courses, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return courses, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Update applies a partial update. Capacity can never be lowered below the
// current active headcount, so seats already taken are never invalidated.
func (s *CourseService) Update(ctx context.Context, actorID string, role models.UserRole, id string, req UpdateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	course, err := s.authorize(ctx, actorID, role, id)
	if err != nil {
		return nil, err
	}

	if req.Capacity != nil {
		active, err := s.enrollments.CountActive(ctx, id)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count active enrollments")
		}
		if *req.Capacity < active {
			return nil, appErrors.Clone(appErrors.ErrDomain, "capacity cannot be lower than the active enrollment count")
		}
	}

	patch := models.CoursePatch{Title: req.Title, Description: req.Description, Capacity: req.Capacity}
	if err := s.repo.Update(ctx, id, patch); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course")
	}

	if req.Title != nil {
		course.Title = *req.Title
	}
	if req.Description != nil {
		course.Description = *req.Description
	}
	if req.Capacity != nil {
		course.Capacity = *req.Capacity
	}
	return course, nil
}

// Delete removes a course. Courses with active enrollments cannot be deleted.
func (s *CourseService) Delete(ctx context.Context, actorID string, role models.UserRole, id string) error {
	if _, err := s.authorize(ctx, actorID, role, id); err != nil {
		return err
	}

	active, err := s.enrollments.CountActive(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count active enrollments")
	}
	if active > 0 {
		return appErrors.Clone(appErrors.ErrDomain, "course has active enrollments")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete course")
	}
	s.logger.Info("course deleted", zap.String("course_id", id))
	return nil
}

// AddPrerequisite links prereqID as a prerequisite of courseID. The link is
// rejected when it would introduce a cycle anywhere in the prerequisite
// graph, which keeps the graph a DAG. Adding an existing link is a no-op.
func (s *CourseService) AddPrerequisite(ctx context.Context, actorID string, role models.UserRole, courseID, prereqID string) error {
	if courseID == prereqID {
		return appErrors.Clone(appErrors.ErrValidation, "a course cannot be its own prerequisite")
	}

	if _, err := s.authorize(ctx, actorID, role, courseID); err != nil {
		return err
	}
	if _, err := s.repo.FindByID(ctx, prereqID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "prerequisite course not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prerequisite course")
	}

	// A cycle appears exactly when courseID is already reachable through
	// the prerequisite chain of prereqID.
	reachable, err := s.repo.IsReachable(ctx, prereqID, courseID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check prerequisite graph")
	}
	if reachable {
		return appErrors.Clone(appErrors.ErrValidation, "prerequisite would create a circular dependency")
	}

	if err := s.repo.AddPrerequisite(ctx, courseID, prereqID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to add prerequisite")
	}
	s.logger.Info("prerequisite added", zap.String("course_id", courseID), zap.String("prerequisite_id", prereqID))
	return nil
}

// RemovePrerequisite unlinks a prerequisite. Removing a link that does not
// exist is a no-op.
func (s *CourseService) RemovePrerequisite(ctx context.Context, actorID string, role models.UserRole, courseID, prereqID string) error {
	if _, err := s.authorize(ctx, actorID, role, courseID); err != nil {
		return err
	}
	if err := s.repo.RemovePrerequisite(ctx, courseID, prereqID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove prerequisite")
	}
	return nil
}

func (s *CourseService) ListPrerequisites(ctx context.Context, courseID string) ([]models.Course, error) {
	if _, err := s.repo.FindByID(ctx, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	prereqs, err := s.repo.ListPrerequisites(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list prerequisites")
	}
	return prereqs, nil
}

// authorize loads the course and checks that the actor may manage it.
// Admins manage any course, instructors only their own.
func (s *CourseService) authorize(ctx context.Context, actorID string, role models.UserRole, courseID string) (*models.Course, error) {
	course, err := s.repo.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if role != models.RoleAdmin && course.InstructorID != actorID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
	}
	return course, nil
}
