package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openlearn/lms-api/internal/models"
)

// Sentinel outcomes of the enrollment transaction. The service layer maps
// these onto the API error taxonomy.
var (
	ErrAlreadyEnrolled  = errors.New("student already enrolled")
	ErrAlreadyCompleted = errors.New("course already completed")
	ErrCourseFull       = errors.New("course is full")
)

// PrerequisiteError reports every unmet prerequisite, not just the first.
type PrerequisiteError struct {
	Missing []models.Course
}

func (e *PrerequisiteError) Error() string {
	titles := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		titles[i] = c.Title
	}
	return "prerequisites not met: " + strings.Join(titles, ", ")
}

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Enroll runs the whole enrollment sequence as one transaction. The course
// row is locked FOR UPDATE first, so concurrent enrollments against the same
// course serialize and the capacity count cannot be read stale: without the
// lock, two requests racing for one remaining seat would both observe room
// and both insert.
//
// Lifecycle handling for an existing (student, course) row:
//   - ACTIVE:    ErrAlreadyEnrolled
//   - COMPLETED: ErrAlreadyCompleted (terminal, cannot re-take)
//   - DROPPED:   the row is reactivated with a fresh enrollment date and the
//     capacity and prerequisite checks are skipped
//
// Any error rolls the transaction back; no partial state is observable.
func (r *EnrollmentRepository) Enroll(ctx context.Context, studentID, courseID string) (enrollment *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enrollment transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var course struct {
		ID       string `db:"id"`
		Title    string `db:"title"`
		Capacity int    `db:"capacity"`
	}
	const lockQuery = `SELECT id, title, capacity FROM courses WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &course, lockQuery, courseID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock course row: %w", err)
	}

	existing, err := findByStudentAndCourse(ctx, tx, studentID, courseID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check existing enrollment: %w", err)
	}
	if existing != nil {
		switch existing.Status {
		case models.EnrollmentStatusActive:
			err = ErrAlreadyEnrolled
			return nil, err
		case models.EnrollmentStatusCompleted:
			err = ErrAlreadyCompleted
			return nil, err
		case models.EnrollmentStatusDropped:
			now := time.Now().UTC()
			const reactivate = `UPDATE enrollments SET status = $2, enrolled_at = $3 WHERE id = $1`
			if _, err = tx.ExecContext(ctx, reactivate, existing.ID, models.EnrollmentStatusActive, now); err != nil {
				return nil, fmt.Errorf("reactivate enrollment: %w", err)
			}
			existing.Status = models.EnrollmentStatusActive
			existing.EnrolledAt = now
			if err = tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit enrollment: %w", err)
			}
			return existing, nil
		}
	}

	active, err := countActive(ctx, tx, courseID)
	if err != nil {
		return nil, err
	}
	if active >= course.Capacity {
		err = ErrCourseFull
		return nil, err
	}

	missing, err := missingPrerequisites(ctx, tx, studentID, courseID)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		err = &PrerequisiteError{Missing: missing}
		return nil, err
	}

	enrollment = &models.Enrollment{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		CourseID:   courseID,
		Status:     models.EnrollmentStatusActive,
		EnrolledAt: time.Now().UTC(),
	}
	const insert = `INSERT INTO enrollments (id, student_id, course_id, status, enrolled_at, completion_percentage, completed_at)
        VALUES (:id, :student_id, :course_id, :status, :enrolled_at, :completion_percentage, :completed_at)`
	if _, err = sqlx.NamedExecContext(ctx, tx, insert, enrollment); err != nil {
		return nil, fmt.Errorf("insert enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enrollment: %w", err)
	}
	return enrollment, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	const query = `SELECT id, student_id, course_id, status, enrolled_at, completion_percentage, completed_at FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindByStudentAndCourse returns the row owning the (student, course) pair.
func (r *EnrollmentRepository) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	return findByStudentAndCourse(ctx, r.db, studentID, courseID)
}

// CountActive returns the current active headcount for a course.
func (r *EnrollmentRepository) CountActive(ctx context.Context, courseID string) (int, error) {
	return countActive(ctx, r.db, courseID)
}

// MissingPrerequisites returns the direct prerequisites of the course the
// student has not completed, ordered by title.
func (r *EnrollmentRepository) MissingPrerequisites(ctx context.Context, studentID, courseID string) ([]models.Course, error) {
	return missingPrerequisites(ctx, r.db, studentID, courseID)
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN users s ON s.id = e.student_id
LEFT JOIN courses c ON c.id = e.course_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":  "e.enrolled_at",
		"student_name": "s.full_name",
		"course_title": "c.title",
		"completion":   "e.completion_percentage",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.course_id, e.status, e.enrolled_at, e.completion_percentage, e.completed_at,
        s.full_name AS student_name, c.title AS course_title
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// ListByCourse returns the enrollment roster for a course.
func (r *EnrollmentRepository) ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.course_id, e.status, e.enrolled_at, e.completion_percentage, e.completed_at,
        s.full_name AS student_name, c.title AS course_title
        FROM enrollments e
        LEFT JOIN users s ON s.id = e.student_id
        LEFT JOIN courses c ON c.id = e.course_id
        WHERE e.course_id = $1
        ORDER BY s.full_name ASC`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, courseID); err != nil {
		return nil, fmt.Errorf("list course enrollments: %w", err)
	}
	return enrollments, nil
}

// ListCompletedByStudent returns completed enrollments for transcript exports.
func (r *EnrollmentRepository) ListCompletedByStudent(ctx context.Context, studentID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.course_id, e.status, e.enrolled_at, e.completion_percentage, e.completed_at,
        s.full_name AS student_name, c.title AS course_title
        FROM enrollments e
        LEFT JOIN users s ON s.id = e.student_id
        LEFT JOIN courses c ON c.id = e.course_id
        WHERE e.student_id = $1 AND e.status = $2
        ORDER BY e.completed_at ASC`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, studentID, models.EnrollmentStatusCompleted); err != nil {
		return nil, fmt.Errorf("list completed enrollments: %w", err)
	}
	return enrollments, nil
}

// UpdateStatus updates the lifecycle status of an enrollment.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, status models.EnrollmentStatus) error {
	const query = `UPDATE enrollments SET status = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	return nil
}

// UpdateProgress sets the completion percentage; completedAt and the status
// flip to COMPLETED are provided by the service when the percentage hits 100.
func (r *EnrollmentRepository) UpdateProgress(ctx context.Context, id string, pct float64, status models.EnrollmentStatus, completedAt *time.Time) error {
	const query = `UPDATE enrollments SET completion_percentage = $2, status = $3, completed_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, pct, status, completedAt); err != nil {
		return fmt.Errorf("update enrollment progress: %w", err)
	}
	return nil
}

// Statistics aggregates a student's enrollments by status.
func (r *EnrollmentRepository) Statistics(ctx context.Context, studentID string) (*models.StudentStatistics, error) {
	const query = `SELECT
        COUNT(*) FILTER (WHERE status = 'ACTIVE') AS active_count,
        COUNT(*) FILTER (WHERE status = 'COMPLETED') AS completed_count,
        COUNT(*) FILTER (WHERE status = 'DROPPED') AS dropped_count,
        COALESCE(AVG(completion_percentage), 0) AS average_completion
        FROM enrollments WHERE student_id = $1`
	var stats models.StudentStatistics
	if err := r.db.GetContext(ctx, &stats, query, studentID); err != nil {
		return nil, fmt.Errorf("student statistics: %w", err)
	}
	stats.StudentID = studentID
	return &stats, nil
}

func findByStudentAndCourse(ctx context.Context, q sqlx.QueryerContext, studentID, courseID string) (*models.Enrollment, error) {
	const query = `SELECT id, student_id, course_id, status, enrolled_at, completion_percentage, completed_at
        FROM enrollments WHERE student_id = $1 AND course_id = $2`
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, q, &enrollment, query, studentID, courseID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

func countActive(ctx context.Context, q sqlx.QueryerContext, courseID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE course_id = $1 AND status = $2`
	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, courseID, models.EnrollmentStatusActive); err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return count, nil
}

func missingPrerequisites(ctx context.Context, q sqlx.QueryerContext, studentID, courseID string) ([]models.Course, error) {
	const query = `SELECT c.id, c.title, c.description, c.capacity, c.instructor_id, c.created_at, c.updated_at
        FROM course_prerequisites cp
        JOIN courses c ON c.id = cp.prerequisite_id
        WHERE cp.course_id = $1
        AND NOT EXISTS (
            SELECT 1 FROM enrollments e
            WHERE e.student_id = $2 AND e.course_id = cp.prerequisite_id AND e.status = $3
        )
        ORDER BY c.title ASC`
	var missing []models.Course
	if err := sqlx.SelectContext(ctx, q, &missing, query, courseID, studentID, models.EnrollmentStatusCompleted); err != nil {
		return nil, fmt.Errorf("check prerequisites: %w", err)
	}
	return missing, nil
}
