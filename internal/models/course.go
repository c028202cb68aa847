package models

import "time"

// Course represents a catalog entry owned by an instructor. Capacity is the
// declared maximum of concurrently active enrollments, never below one.
type Course struct {
	ID           string    `db:"id" json:"id"`
	Title        string    `db:"title" json:"title"`
	Description  string    `db:"description" json:"description"`
	Capacity     int       `db:"capacity" json:"capacity"`
	InstructorID string    `db:"instructor_id" json:"instructor_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// CourseDetail enriches Course with derived catalog info.
type CourseDetail struct {
	Course
	InstructorName  string `db:"instructor_name" json:"instructor_name"`
	ActiveEnrolled  int    `db:"active_enrolled" json:"active_enrolled"`
	PrerequisiteIDs []string `json:"prerequisite_ids,omitempty"`
}

// IsFull reports whether the active headcount has reached capacity.
func (d *CourseDetail) IsFull() bool {
	return d.ActiveEnrolled >= d.Capacity
}

// CoursePatch enumerates the mutable course fields. Nil means "leave as is".
type CoursePatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Capacity    *int    `json:"capacity,omitempty" validate:"omitempty,min=1"`
}

// CourseFilter provides filters for listing the catalog.
type CourseFilter struct {
	InstructorID string
	Search       string
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}
