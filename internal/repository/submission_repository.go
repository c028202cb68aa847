package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openlearn/lms-api/internal/models"
)

// SubmissionRepository handles persistence of assignment submissions.
type SubmissionRepository struct {
	db *sqlx.DB
}

// NewSubmissionRepository constructs the repository.
func NewSubmissionRepository(db *sqlx.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Upsert stores a submission. Resubmitting overwrites content and timestamp;
// graded submissions are protected by the service before this is called.
func (r *SubmissionRepository) Upsert(ctx context.Context, submission *models.Submission) error {
	if submission.ID == "" {
		submission.ID = uuid.NewString()
	}
	if submission.SubmittedAt.IsZero() {
		submission.SubmittedAt = time.Now().UTC()
	}
	const query = `INSERT INTO submissions (id, assignment_id, student_id, content, submitted_at, score, feedback, graded_at, graded_by)
        VALUES (:id, :assignment_id, :student_id, :content, :submitted_at, :score, :feedback, :graded_at, :graded_by)
        ON CONFLICT (assignment_id, student_id)
        DO UPDATE SET content = EXCLUDED.content, submitted_at = EXCLUDED.submitted_at`
	if _, err := r.db.NamedExecContext(ctx, query, submission); err != nil {
		return fmt.Errorf("upsert submission: %w", err)
	}
	return nil
}

// FindByID returns a submission by its ID.
func (r *SubmissionRepository) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	const query = `SELECT id, assignment_id, student_id, content, submitted_at, score, feedback, graded_at, graded_by
        FROM submissions WHERE id = $1`
	var submission models.Submission
	if err := r.db.GetContext(ctx, &submission, query, id); err != nil {
		return nil, err
	}
	return &submission, nil
}

// FindByAssignmentAndStudent returns the single submission for the pair.
func (r *SubmissionRepository) FindByAssignmentAndStudent(ctx context.Context, assignmentID, studentID string) (*models.Submission, error) {
	const query = `SELECT id, assignment_id, student_id, content, submitted_at, score, feedback, graded_at, graded_by
        FROM submissions WHERE assignment_id = $1 AND student_id = $2`
	var submission models.Submission
	if err := r.db.GetContext(ctx, &submission, query, assignmentID, studentID); err != nil {
		return nil, err
	}
	return &submission, nil
}

// ListByAssignment returns all submissions for an assignment with context.
func (r *SubmissionRepository) ListByAssignment(ctx context.Context, assignmentID string) ([]models.SubmissionDetail, error) {
	const query = `SELECT s.id, s.assignment_id, s.student_id, s.content, s.submitted_at, s.score, s.feedback, s.graded_at, s.graded_by,
        u.full_name AS student_name, a.title AS assignment_title
        FROM submissions s
        LEFT JOIN users u ON u.id = s.student_id
        LEFT JOIN assignments a ON a.id = s.assignment_id
        WHERE s.assignment_id = $1
        ORDER BY s.submitted_at ASC`
	var submissions []models.SubmissionDetail
	if err := r.db.SelectContext(ctx, &submissions, query, assignmentID); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return submissions, nil
}

// Grade records a score, feedback and grader on a submission.
func (r *SubmissionRepository) Grade(ctx context.Context, id string, score float64, feedback, gradedBy string, gradedAt time.Time) error {
	const query = `UPDATE submissions SET score = $2, feedback = $3, graded_by = $4, graded_at = $5 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, score, feedback, gradedBy, gradedAt); err != nil {
		return fmt.Errorf("grade submission: %w", err)
	}
	return nil
}
