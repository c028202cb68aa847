package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openlearn/lms-api/internal/models"
)

// CourseRepository handles persistence of courses and the prerequisite graph.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// Create persists a new course record.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if course.CreatedAt.IsZero() {
		course.CreatedAt = now
	}
	course.UpdatedAt = now
	const query = `INSERT INTO courses (id, title, description, capacity, instructor_id, created_at, updated_at)
        VALUES (:id, :title, :description, :capacity, :instructor_id, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

// FindByID returns a course by its ID.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, title, description, capacity, instructor_id, created_at, updated_at FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// FindDetailByID returns a course with instructor name and active headcount.
func (r *CourseRepository) FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error) {
	const query = `SELECT c.id, c.title, c.description, c.capacity, c.instructor_id, c.created_at, c.updated_at,
        u.full_name AS instructor_name,
        (SELECT COUNT(*) FROM enrollments e WHERE e.course_id = c.id AND e.status = 'ACTIVE') AS active_enrolled
        FROM courses c
        LEFT JOIN users u ON u.id = c.instructor_id
        WHERE c.id = $1`
	var detail models.CourseDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns catalog entries filtered by the provided criteria.
func (r *CourseRepository) List(ctx context.Context, filter models.CourseFilter) ([]models.CourseDetail, int, error) {
	base := `FROM courses c LEFT JOIN users u ON u.id = c.instructor_id`
	var conditions []string
	var args []interface{}

	if filter.InstructorID != "" {
		conditions = append(conditions, fmt.Sprintf("c.instructor_id = $%d", len(args)+1))
		args = append(args, filter.InstructorID)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(c.title ILIKE $%d OR c.description ILIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"title":      "c.title",
		"created_at": "c.created_at",
		"capacity":   "c.capacity",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "c.created_at"
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

	query := fmt.Sprintf(`SELECT c.id, c.title, c.description, c.capacity, c.instructor_id, c.created_at, c.updated_at,
        u.full_name AS instructor_name,
        (SELECT COUNT(*) FROM enrollments e WHERE e.course_id = c.id AND e.status = 'ACTIVE') AS active_enrolled
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var courses []models.CourseDetail
	if err := r.db.SelectContext(ctx, &courses, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}
	return courses, total, nil
}

// Update applies the enumerated patch fields to a course row.
func (r *CourseRepository) Update(ctx context.Context, id string, patch models.CoursePatch) error {
	set := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)
	argPos := 1

	if patch.Title != nil {
		set = append(set, fmt.Sprintf("title = $%d", argPos))
		args = append(args, *patch.Title)
		argPos++
	}
	if patch.Description != nil {
		set = append(set, fmt.Sprintf("description = $%d", argPos))
		args = append(args, *patch.Description)
		argPos++
	}
	if patch.Capacity != nil {
		set = append(set, fmt.Sprintf("capacity = $%d", argPos))
		args = append(args, *patch.Capacity)
		argPos++
	}

	if len(set) == 0 {
		return nil
	}

	set = append(set, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now().UTC())
	argPos++

	query := fmt.Sprintf("UPDATE courses SET %s WHERE id = $%d", strings.Join(set, ", "), argPos)
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	return nil
}

// Delete removes a course row. Prerequisite edges and enrollments cascade.
func (r *CourseRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM courses WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	return nil
}

// AddPrerequisite inserts a prerequisite edge. Duplicate edges are a no-op.
func (r *CourseRepository) AddPrerequisite(ctx context.Context, courseID, prereqID string) error {
	const query = `INSERT INTO course_prerequisites (course_id, prerequisite_id, created_at)
        VALUES ($1, $2, $3) ON CONFLICT (course_id, prerequisite_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, courseID, prereqID, time.Now().UTC()); err != nil {
		return fmt.Errorf("add prerequisite: %w", err)
	}
	return nil
}

// RemovePrerequisite deletes a prerequisite edge. Missing edges are a no-op.
func (r *CourseRepository) RemovePrerequisite(ctx context.Context, courseID, prereqID string) error {
	const query = `DELETE FROM course_prerequisites WHERE course_id = $1 AND prerequisite_id = $2`
	if _, err := r.db.ExecContext(ctx, query, courseID, prereqID); err != nil {
		return fmt.Errorf("remove prerequisite: %w", err)
	}
	return nil
}

// ListPrerequisites returns the direct prerequisite courses of a course.
func (r *CourseRepository) ListPrerequisites(ctx context.Context, courseID string) ([]models.Course, error) {
	const query = `SELECT c.id, c.title, c.description, c.capacity, c.instructor_id, c.created_at, c.updated_at
        FROM course_prerequisites cp
        JOIN courses c ON c.id = cp.prerequisite_id
        WHERE cp.course_id = $1
        ORDER BY c.title ASC`
	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query, courseID); err != nil {
		return nil, fmt.Errorf("list prerequisites: %w", err)
	}
	return courses, nil
}

// IsReachable walks the prerequisite graph and reports whether target is
// reachable from start. The edge set is a DAG, so the walk terminates; the
// check runs before every edge insertion to keep it that way.
func (r *CourseRepository) IsReachable(ctx context.Context, startID, targetID string) (bool, error) {
	const query = `WITH RECURSIVE reachable AS (
            SELECT prerequisite_id FROM course_prerequisites WHERE course_id = $1
            UNION
            SELECT cp.prerequisite_id FROM course_prerequisites cp
            JOIN reachable r ON cp.course_id = r.prerequisite_id
        )
        SELECT 1 FROM reachable WHERE prerequisite_id = $2 LIMIT 1`
	var found int
	if err := r.db.GetContext(ctx, &found, query, startID, targetID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("walk prerequisite graph: %w", err)
	}
	return true, nil
}
