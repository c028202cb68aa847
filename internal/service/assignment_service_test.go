package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/lms-api/internal/models"
	appErrors "github.com/openlearn/lms-api/pkg/errors"
)

type mockAssignmentRepo struct {
	assignments map[string]models.Assignment
	created     []models.Assignment
	deleted     []string
}

func (m *mockAssignmentRepo) Create(ctx context.Context, assignment *models.Assignment) error {
	assignment.ID = "asg-new"
	m.created = append(m.created, *assignment)
	return nil
}

func (m *mockAssignmentRepo) FindByID(ctx context.Context, id string) (*models.Assignment, error) {
	if a, ok := m.assignments[id]; ok {
		return &a, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockAssignmentRepo) ListByCourse(ctx context.Context, courseID string) ([]models.Assignment, error) {
	return nil, nil
}

func (m *mockAssignmentRepo) Update(ctx context.Context, id string, patch models.AssignmentPatch) error {
	return nil
}

func (m *mockAssignmentRepo) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type mockSubmissionRepo struct {
	byID     map[string]models.Submission
	byPair   map[string]models.Submission
	upserted []models.Submission
	graded   []string
}

func (m *mockSubmissionRepo) Upsert(ctx context.Context, submission *models.Submission) error {
	submission.ID = "sub-new"
	m.upserted = append(m.upserted, *submission)
	return nil
}

func (m *mockSubmissionRepo) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	if s, ok := m.byID[id]; ok {
		return &s, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockSubmissionRepo) FindByAssignmentAndStudent(ctx context.Context, assignmentID, studentID string) (*models.Submission, error) {
	if s, ok := m.byPair[pairKey(assignmentID, studentID)]; ok {
		return &s, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockSubmissionRepo) ListByAssignment(ctx context.Context, assignmentID string) ([]models.SubmissionDetail, error) {
	return nil, nil
}

func (m *mockSubmissionRepo) Grade(ctx context.Context, id string, score float64, feedback, gradedBy string, gradedAt time.Time) error {
	m.graded = append(m.graded, id)
	return nil
}

func assignmentFixtures() (*mockAssignmentRepo, *mockCourseReader, *mockEnrollmentRepo) {
	assignments := &mockAssignmentRepo{assignments: map[string]models.Assignment{
		"asg-1": {ID: "asg-1", CourseID: "course-1", Title: "Homework 1", MaxScore: 100},
	}}
	courses := &mockCourseReader{courses: map[string]models.Course{
		"course-1": {ID: "course-1", InstructorID: "ins-1"},
	}}
	enrollments := &mockEnrollmentRepo{byPair: map[string]models.Enrollment{
		pairKey("stu-1", "course-1"): {ID: "enr-1", StudentID: "stu-1", CourseID: "course-1", Status: models.EnrollmentStatusActive},
		pairKey("stu-2", "course-1"): {ID: "enr-2", StudentID: "stu-2", CourseID: "course-1", Status: models.EnrollmentStatusDropped},
	}}
	return assignments, courses, enrollments
}

func TestAssignmentServiceSubmit(t *testing.T) {
	assignments, courses, enrollments := assignmentFixtures()
	submissions := &mockSubmissionRepo{}
	svc := NewAssignmentService(assignments, submissions, courses, enrollments, nil, nil)

	submission, err := svc.Submit(context.Background(), "stu-1", "asg-1", SubmitRequest{Content: "my answer"})
	require.NoError(t, err)
	assert.Equal(t, "sub-new", submission.ID)
	require.Len(t, submissions.upserted, 1)
	assert.Equal(t, "my answer", submissions.upserted[0].Content)
}

func TestAssignmentServiceSubmitRequiresActiveEnrollment(t *testing.T) {
	assignments, courses, enrollments := assignmentFixtures()
	svc := NewAssignmentService(assignments, &mockSubmissionRepo{}, courses, enrollments, nil, nil)

	// Dropped enrollment and no enrollment are both rejected.
	for _, studentID := range []string{"stu-2", "stu-3"} {
		_, err := svc.Submit(context.Background(), studentID, "asg-1", SubmitRequest{Content: "late answer"})
		appErr := appErrors.FromError(err)
		require.NotNil(t, appErr)
		assert.Equal(t, appErrors.ErrDomain.Code, appErr.Code)
		assert.Equal(t, "must be actively enrolled to submit", appErr.Message)
	}
}

func TestAssignmentServiceResubmitBeforeGrading(t *testing.T) {
	assignments, courses, enrollments := assignmentFixtures()
	submissions := &mockSubmissionRepo{byPair: map[string]models.Submission{
		pairKey("asg-1", "stu-1"): {ID: "sub-1", AssignmentID: "asg-1", StudentID: "stu-1", Content: "draft"},
	}}
	svc := NewAssignmentService(assignments, submissions, courses, enrollments, nil, nil)

	_, err := svc.Submit(context.Background(), "stu-1", "asg-1", SubmitRequest{Content: "final"})
	require.NoError(t, err)
	require.Len(t, submissions.upserted, 1)
	assert.Equal(t, "final", submissions.upserted[0].Content)
}

func TestAssignmentServiceSubmitLockedAfterGrading(t *testing.T) {
	assignments, courses, enrollments := assignmentFixtures()
	gradedAt := time.Now().UTC()
	submissions := &mockSubmissionRepo{byPair: map[string]models.Submission{
		pairKey("asg-1", "stu-1"): {ID: "sub-1", AssignmentID: "asg-1", StudentID: "stu-1", GradedAt: &gradedAt},
	}}
	svc := NewAssignmentService(assignments, submissions, courses, enrollments, nil, nil)

	_, err := svc.Submit(context.Background(), "stu-1", "asg-1", SubmitRequest{Content: "too late"})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, "submission has already been graded", appErr.Message)
	assert.Empty(t, submissions.upserted)
}

func TestAssignmentServiceGrade(t *testing.T) {
	assignments, courses, enrollments := assignmentFixtures()
	submissions := &mockSubmissionRepo{byID: map[string]models.Submission{
		"sub-1": {ID: "sub-1", AssignmentID: "asg-1", StudentID: "stu-1", Content: "answer"},
	}}
	svc := NewAssignmentService(assignments, submissions, courses, enrollments, nil, nil)

	graded, err := svc.Grade(context.Background(), "ins-1", models.RoleInstructor, "sub-1", GradeRequest{Score: 87.5, Feedback: "good"})
	require.NoError(t, err)
	require.NotNil(t, graded.Score)
	assert.InDelta(t, 87.5, *graded.Score, 0.001)
	require.NotNil(t, graded.GradedBy)
	assert.Equal(t, "ins-1", *graded.GradedBy)
	assert.Equal(t, []string{"sub-1"}, submissions.graded)
}

func TestAssignmentServiceGradeRejectsScoreAboveMax(t *testing.T) {
	assignments, courses, enrollments := assignmentFixtures()
	submissions := &mockSubmissionRepo{byID: map[string]models.Submission{
		"sub-1": {ID: "sub-1", AssignmentID: "asg-1", StudentID: "stu-1"},
	}}
	svc := NewAssignmentService(assignments, submissions, courses, enrollments, nil, nil)

	_, err := svc.Grade(context.Background(), "ins-1", models.RoleInstructor, "sub-1", GradeRequest{Score: 101})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, "score exceeds maximum of 100", appErr.Message)
	assert.Empty(t, submissions.graded)
}

func TestAssignmentServiceGradeRequiresCourseOwnership(t *testing.T) {
	assignments, courses, enrollments := assignmentFixtures()
	submissions := &mockSubmissionRepo{byID: map[string]models.Submission{
		"sub-1": {ID: "sub-1", AssignmentID: "asg-1", StudentID: "stu-1"},
	}}
	svc := NewAssignmentService(assignments, submissions, courses, enrollments, nil, nil)

	_, err := svc.Grade(context.Background(), "ins-2", models.RoleInstructor, "sub-1", GradeRequest{Score: 50})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestAssignmentServiceCreateRequiresOwnership(t *testing.T) {
	assignments, courses, enrollments := assignmentFixtures()
	svc := NewAssignmentService(assignments, &mockSubmissionRepo{}, courses, enrollments, nil, nil)

	_, err := svc.Create(context.Background(), "ins-2", models.RoleInstructor, "course-1", CreateAssignmentRequest{Title: "Quiz", MaxScore: 10})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	assignment, err := svc.Create(context.Background(), "admin-1", models.RoleAdmin, "course-1", CreateAssignmentRequest{Title: "Quiz", MaxScore: 10})
	require.NoError(t, err)
	assert.Equal(t, "asg-new", assignment.ID)
}
