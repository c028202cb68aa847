package models

import "time"

// Assignment is graded coursework attached to a course.
type Assignment struct {
	ID          string     `db:"id" json:"id"`
	CourseID    string     `db:"course_id" json:"course_id"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	DueDate     *time.Time `db:"due_date" json:"due_date,omitempty"`
	MaxScore    float64    `db:"max_score" json:"max_score"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// AssignmentPatch enumerates the mutable assignment fields.
type AssignmentPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	MaxScore    *float64   `json:"max_score,omitempty" validate:"omitempty,gt=0"`
}

// Submission is a student's answer to an assignment. At most one submission
// exists per (assignment, student); resubmitting before grading overwrites it.
type Submission struct {
	ID           string     `db:"id" json:"id"`
	AssignmentID string     `db:"assignment_id" json:"assignment_id"`
	StudentID    string     `db:"student_id" json:"student_id"`
	Content      string     `db:"content" json:"content"`
	SubmittedAt  time.Time  `db:"submitted_at" json:"submitted_at"`
	Score        *float64   `db:"score" json:"score,omitempty"`
	Feedback     *string    `db:"feedback" json:"feedback,omitempty"`
	GradedAt     *time.Time `db:"graded_at" json:"graded_at,omitempty"`
	GradedBy     *string    `db:"graded_by" json:"graded_by,omitempty"`
}

// SubmissionDetail enriches Submission with student context for rosters.
type SubmissionDetail struct {
	Submission
	StudentName     string `db:"student_name" json:"student_name"`
	AssignmentTitle string `db:"assignment_title" json:"assignment_title"`
}
