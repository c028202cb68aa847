package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/lms-api/internal/models"
)

func newEnrollmentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func enrollmentColumns() []string {
	return []string{"id", "student_id", "course_id", "status", "enrolled_at", "completion_percentage", "completed_at"}
}

func expectCourseLock(mock sqlmock.Sqlmock, courseID string, capacity int) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, capacity FROM courses WHERE id = $1 FOR UPDATE")).
		WithArgs(courseID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "capacity"}).AddRow(courseID, "Algorithms", capacity))
}

func expectNoExistingEnrollment(mock sqlmock.Sqlmock, studentID, courseID string) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE student_id = $1 AND course_id = $2")).
		WithArgs(studentID, courseID).
		WillReturnRows(sqlmock.NewRows(enrollmentColumns()))
}

func TestEnrollmentRepositoryEnrollSuccess(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectCourseLock(mock, "course-1", 30)
	expectNoExistingEnrollment(mock, "stu-1", "course-1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM enrollments WHERE course_id = $1 AND status = $2")).
		WithArgs("course-1", models.EnrollmentStatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("FROM course_prerequisites").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "description", "capacity", "instructor_id", "created_at", "updated_at"}))
	mock.ExpectExec("INSERT INTO enrollments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enrollment, err := repo.Enroll(context.Background(), "stu-1", "course-1")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.ID)
	require.Equal(t, "stu-1", enrollment.StudentID)
	require.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollCourseFull(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectCourseLock(mock, "course-1", 2)
	expectNoExistingEnrollment(mock, "stu-1", "course-1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM enrollments WHERE course_id = $1 AND status = $2")).
		WithArgs("course-1", models.EnrollmentStatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := repo.Enroll(context.Background(), "stu-1", "course-1")
	require.ErrorIs(t, err, ErrCourseFull)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollAlreadyEnrolled(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectCourseLock(mock, "course-1", 30)
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE student_id = $1 AND course_id = $2")).
		WithArgs("stu-1", "course-1").
		WillReturnRows(sqlmock.NewRows(enrollmentColumns()).
			AddRow("enr-1", "stu-1", "course-1", models.EnrollmentStatusActive, time.Now(), 40.0, nil))
	mock.ExpectRollback()

	_, err := repo.Enroll(context.Background(), "stu-1", "course-1")
	require.ErrorIs(t, err, ErrAlreadyEnrolled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollCompletedIsTerminal(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	completedAt := time.Now().UTC()
	mock.ExpectBegin()
	expectCourseLock(mock, "course-1", 30)
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE student_id = $1 AND course_id = $2")).
		WithArgs("stu-1", "course-1").
		WillReturnRows(sqlmock.NewRows(enrollmentColumns()).
			AddRow("enr-1", "stu-1", "course-1", models.EnrollmentStatusCompleted, time.Now(), 100.0, completedAt))
	mock.ExpectRollback()

	_, err := repo.Enroll(context.Background(), "stu-1", "course-1")
	require.ErrorIs(t, err, ErrAlreadyCompleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollReactivatesDroppedRow(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectCourseLock(mock, "course-1", 30)
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE student_id = $1 AND course_id = $2")).
		WithArgs("stu-1", "course-1").
		WillReturnRows(sqlmock.NewRows(enrollmentColumns()).
			AddRow("enr-1", "stu-1", "course-1", models.EnrollmentStatusDropped, time.Now().Add(-time.Hour), 25.0, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2, enrolled_at = $3 WHERE id = $1")).
		WithArgs("enr-1", models.EnrollmentStatusActive, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enrollment, err := repo.Enroll(context.Background(), "stu-1", "course-1")
	require.NoError(t, err)
	require.Equal(t, "enr-1", enrollment.ID)
	require.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollMissingPrerequisites(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	expectCourseLock(mock, "course-2", 30)
	expectNoExistingEnrollment(mock, "stu-1", "course-2")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM enrollments WHERE course_id = $1 AND status = $2")).
		WithArgs("course-2", models.EnrollmentStatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("FROM course_prerequisites").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "description", "capacity", "instructor_id", "created_at", "updated_at"}).
			AddRow("course-1", "Algorithms", "", 30, "ins-1", now, now))
	mock.ExpectRollback()

	_, err := repo.Enroll(context.Background(), "stu-1", "course-2")
	var prereqErr *PrerequisiteError
	require.ErrorAs(t, err, &prereqErr)
	require.Len(t, prereqErr.Missing, 1)
	require.Equal(t, "prerequisites not met: Algorithms", prereqErr.Error())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollCourseNotFound(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, capacity FROM courses WHERE id = $1 FOR UPDATE")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "capacity"}))
	mock.ExpectRollback()

	_, err := repo.Enroll(context.Background(), "stu-1", "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryStatistics(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery("FILTER").
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"active_count", "completed_count", "dropped_count", "average_completion"}).
			AddRow(2, 3, 1, 64.5))

	stats, err := repo.Statistics(context.Background(), "stu-1")
	require.NoError(t, err)
	require.Equal(t, "stu-1", stats.StudentID)
	require.Equal(t, 2, stats.ActiveCount)
	require.Equal(t, 3, stats.CompletedCount)
	require.Equal(t, 1, stats.DroppedCount)
	require.InDelta(t, 64.5, stats.AverageCompletion, 0.001)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryMissingPrerequisitesOrdered(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery("FROM course_prerequisites").
		WithArgs("course-3", "stu-1", models.EnrollmentStatusCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "description", "capacity", "instructor_id", "created_at", "updated_at"}).
			AddRow("course-1", "Algorithms", "", 30, "ins-1", now, now).
			AddRow("course-2", "Data Structures", "", 30, "ins-1", now, now))

	missing, err := repo.MissingPrerequisites(context.Background(), "stu-1", "course-3")
	require.NoError(t, err)
	require.Len(t, missing, 2)
	require.Equal(t, "Algorithms", missing[0].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}
