package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/openlearn/lms-api/internal/models"
	appErrors "github.com/openlearn/lms-api/pkg/errors"
)

type assignmentRepository interface {
	Create(ctx context.Context, assignment *models.Assignment) error
	FindByID(ctx context.Context, id string) (*models.Assignment, error)
	ListByCourse(ctx context.Context, courseID string) ([]models.Assignment, error)
	Update(ctx context.Context, id string, patch models.AssignmentPatch) error
	Delete(ctx context.Context, id string) error
}

type submissionRepository interface {
	Upsert(ctx context.Context, submission *models.Submission) error
	FindByID(ctx context.Context, id string) (*models.Submission, error)
	FindByAssignmentAndStudent(ctx context.Context, assignmentID, studentID string) (*models.Submission, error)
	ListByAssignment(ctx context.Context, assignmentID string) ([]models.SubmissionDetail, error)
	Grade(ctx context.Context, id string, score float64, feedback, gradedBy string, gradedAt time.Time) error
}

// CreateAssignmentRequest carries the payload for creating an assignment.
type CreateAssignmentRequest struct {
	Title       string     `json:"title" validate:"required,min=1,max=200"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date"`
	MaxScore    float64    `json:"max_score" validate:"required,gt=0"`
}

// SubmitRequest carries a student's submission content.
type SubmitRequest struct {
	Content string `json:"content" validate:"required"`
}

// GradeRequest carries an instructor's grade for a submission.
type GradeRequest struct {
	Score    float64 `json:"score" validate:"min=0"`
	Feedback string  `json:"feedback"`
}

// AssignmentService manages assignments and their submissions.
type AssignmentService struct {
	assignments assignmentRepository
	submissions submissionRepository
	courses     courseReader
	enrollments enrollmentReader
	validator   *validator.Validate
	logger      *zap.Logger
}

func NewAssignmentService(assignments assignmentRepository, submissions submissionRepository, courses courseReader, enrollments enrollmentReader, v *validator.Validate, logger *zap.Logger) *AssignmentService {
	if v == nil {
		v = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssignmentService{
		assignments: assignments,
		submissions: submissions,
		courses:     courses,
		enrollments: enrollments,
		validator:   v,
		logger:      logger,
	}
}

func (s *AssignmentService) Create(ctx context.Context, actorID string, role models.UserRole, courseID string, req CreateAssignmentRequest) (*models.Assignment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if err := s.authorizeCourse(ctx, actorID, role, courseID); err != nil {
		return nil, err
	}

	assignment := &models.Assignment{
		CourseID:    courseID,
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		MaxScore:    req.MaxScore,
	}
	if err := s.assignments.Create(ctx, assignment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create assignment")
	}
	return assignment, nil
}

func (s *AssignmentService) ListByCourse(ctx context.Context, courseID string) ([]models.Assignment, error) {
	if _, err := s.courses.FindByID(ctx, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	assignments, err := s.assignments.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list assignments")
	}
	return assignments, nil
}

func (s *AssignmentService) Update(ctx context.Context, actorID string, role models.UserRole, assignmentID string, patch models.AssignmentPatch) (*models.Assignment, error) {
	if err := s.validator.Struct(patch); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	assignment, err := s.loadAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeCourse(ctx, actorID, role, assignment.CourseID); err != nil {
		return nil, err
	}

	if err := s.assignments.Update(ctx, assignmentID, patch); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update assignment")
	}

	if patch.Title != nil {
		assignment.Title = *patch.Title
	}
	if patch.Description != nil {
		assignment.Description = *patch.Description
	}
	if patch.DueDate != nil {
		assignment.DueDate = patch.DueDate
	}
	if patch.MaxScore != nil {
		assignment.MaxScore = *patch.MaxScore
	}
	return assignment, nil
}

func (s *AssignmentService) Delete(ctx context.Context, actorID string, role models.UserRole, assignmentID string) error {
	assignment, err := s.loadAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if err := s.authorizeCourse(ctx, actorID, role, assignment.CourseID); err != nil {
		return err
	}
	if err := s.assignments.Delete(ctx, assignmentID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete assignment")
	}
	return nil
}

// Submit records a student's answer. A resubmission before grading replaces
// the previous content; a graded submission is locked.
func (s *AssignmentService) Submit(ctx context.Context, studentID, assignmentID string, req SubmitRequest) (*models.Submission, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	assignment, err := s.loadAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	enrollment, err := s.enrollments.FindByStudentAndCourse(ctx, studentID, assignment.CourseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrDomain, "must be actively enrolled to submit")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil, appErrors.Clone(appErrors.ErrDomain, "must be actively enrolled to submit")
	}

	existing, err := s.submissions.FindByAssignmentAndStudent(ctx, assignmentID, studentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission")
	}
	if existing != nil && existing.GradedAt != nil {
		return nil, appErrors.Clone(appErrors.ErrDomain, "submission has already been graded")
	}

	submission := &models.Submission{
		AssignmentID: assignmentID,
		StudentID:    studentID,
		Content:      req.Content,
	}
	if err := s.submissions.Upsert(ctx, submission); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save submission")
	}

	s.logger.Info("submission saved",
		zap.String("assignment_id", assignmentID),
		zap.String("student_id", studentID))
	return submission, nil
}

// Grade scores a submission. The score must not exceed the assignment's
// maximum.
func (s *AssignmentService) Grade(ctx context.Context, actorID string, role models.UserRole, submissionID string, req GradeRequest) (*models.Submission, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	submission, err := s.submissions.FindByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "submission not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission")
	}

	assignment, err := s.loadAssignment(ctx, submission.AssignmentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeCourse(ctx, actorID, role, assignment.CourseID); err != nil {
		return nil, err
	}

	if req.Score > assignment.MaxScore {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("score exceeds maximum of %g", assignment.MaxScore))
	}

	now := time.Now().UTC()
	if err := s.submissions.Grade(ctx, submissionID, req.Score, req.Feedback, actorID, now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to grade submission")
	}

	submission.Score = &req.Score
	submission.Feedback = &req.Feedback
	submission.GradedAt = &now
	submission.GradedBy = &actorID
	return submission, nil
}

// ListSubmissions returns all submissions of an assignment for its
// instructor.
func (s *AssignmentService) ListSubmissions(ctx context.Context, actorID string, role models.UserRole, assignmentID string) ([]models.SubmissionDetail, error) {
	assignment, err := s.loadAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeCourse(ctx, actorID, role, assignment.CourseID); err != nil {
		return nil, err
	}

	submissions, err := s.submissions.ListByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list submissions")
	}
	return submissions, nil
}

// GetOwnSubmission returns the student's submission for an assignment.
func (s *AssignmentService) GetOwnSubmission(ctx context.Context, studentID, assignmentID string) (*models.Submission, error) {
	if _, err := s.loadAssignment(ctx, assignmentID); err != nil {
		return nil, err
	}
	submission, err := s.submissions.FindByAssignmentAndStudent(ctx, assignmentID, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "submission not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load submission")
	}
	return submission, nil
}

func (s *AssignmentService) loadAssignment(ctx context.Context, id string) (*models.Assignment, error) {
	assignment, err := s.assignments.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "assignment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignment")
	}
	return assignment, nil
}

func (s *AssignmentService) authorizeCourse(ctx context.Context, actorID string, role models.UserRole, courseID string) error {
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
