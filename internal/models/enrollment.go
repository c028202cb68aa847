package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses. COMPLETED is terminal: no transition leads
// out of it, and a completed course cannot be re-taken.
const (
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusDropped   EnrollmentStatus = "DROPPED"
)

// Enrollment captures a student's registration to a course. A single row owns
// the (student, course) pair for its whole lifetime: re-enrollment after a
// drop reuses the row instead of inserting a second one.
type Enrollment struct {
	ID                   string           `db:"id" json:"id"`
	StudentID            string           `db:"student_id" json:"student_id"`
	CourseID             string           `db:"course_id" json:"course_id"`
	Status               EnrollmentStatus `db:"status" json:"status"`
	EnrolledAt           time.Time        `db:"enrolled_at" json:"enrolled_at"`
	CompletionPercentage float64          `db:"completion_percentage" json:"completion_percentage"`
	CompletedAt          *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// EnrollmentDetail enriches Enrollment with student and course info.
type EnrollmentDetail struct {
	Enrollment
	StudentName string `db:"student_name" json:"student_name"`
	CourseTitle string `db:"course_title" json:"course_title"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	CourseID  string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// EligibilityResult is the advisory outcome of a dry-run enrollment check.
// Unlike enroll, which fails fast, it aggregates every applicable reason.
type EligibilityResult struct {
	CanEnroll            bool     `json:"can_enroll"`
	Reasons              []string `json:"reasons,omitempty"`
	MissingPrerequisites []Course `json:"missing_prerequisites,omitempty"`
}

// StudentStatistics aggregates a student's enrollments by status.
type StudentStatistics struct {
	StudentID         string  `db:"student_id" json:"student_id"`
	ActiveCount       int     `db:"active_count" json:"active_count"`
	CompletedCount    int     `db:"completed_count" json:"completed_count"`
	DroppedCount      int     `db:"dropped_count" json:"dropped_count"`
	AverageCompletion float64 `db:"average_completion" json:"average_completion"`
}
