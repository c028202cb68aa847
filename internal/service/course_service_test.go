package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/lms-api/internal/models"
	appErrors "github.com/openlearn/lms-api/pkg/errors"
)

type mockCourseRepo struct {
	courses   map[string]models.Course
	details   map[string]models.CourseDetail
	prereqs   map[string][]models.Course
	reachable bool
	added     [][2]string
	removed   [][2]string
	patched   *models.CoursePatch
	deleted   []string
}

func (m *mockCourseRepo) Create(ctx context.Context, course *models.Course) error {
	course.ID = "course-new"
	return nil
}

func (m *mockCourseRepo) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if c, ok := m.courses[id]; ok {
		return &c, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCourseRepo) FindDetailByID(ctx context.Context, id string) (*models.CourseDetail, error) {
	if d, ok := m.details[id]; ok {
		return &d, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCourseRepo) List(ctx context.Context, filter models.CourseFilter) ([]models.CourseDetail, int, error) {
	return nil, 0, nil
}

func (m *mockCourseRepo) Update(ctx context.Context, id string, patch models.CoursePatch) error {
	m.patched = &patch
	return nil
}

func (m *mockCourseRepo) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockCourseRepo) AddPrerequisite(ctx context.Context, courseID, prereqID string) error {
	m.added = append(m.added, [2]string{courseID, prereqID})
	return nil
}

func (m *mockCourseRepo) RemovePrerequisite(ctx context.Context, courseID, prereqID string) error {
	m.removed = append(m.removed, [2]string{courseID, prereqID})
	return nil
}

func (m *mockCourseRepo) ListPrerequisites(ctx context.Context, courseID string) ([]models.Course, error) {
	return m.prereqs[courseID], nil
}

func (m *mockCourseRepo) IsReachable(ctx context.Context, startID, targetID string) (bool, error) {
	return m.reachable, nil
}

type mockActiveCounter struct {
	active map[string]int
}

func (m *mockActiveCounter) CountActive(ctx context.Context, courseID string) (int, error) {
	return m.active[courseID], nil
}

func ownedCourseRepo() *mockCourseRepo {
	return &mockCourseRepo{courses: map[string]models.Course{
		"course-1": {ID: "course-1", Title: "Algorithms", Capacity: 30, InstructorID: "ins-1"},
		"course-2": {ID: "course-2", Title: "Data Structures", Capacity: 30, InstructorID: "ins-1"},
	}}
}

func TestCourseServiceCreateValidatesPayload(t *testing.T) {
	svc := NewCourseService(&mockCourseRepo{}, &mockActiveCounter{}, nil, nil)

	cases := []CreateCourseRequest{
		{Title: "", Capacity: 10},
		{Title: "ok", Capacity: 10},
		{Title: "Algorithms", Capacity: 0},
	}
	for _, req := range cases {
		_, err := svc.Create(context.Background(), "ins-1", req)
		appErr := appErrors.FromError(err)
		require.NotNil(t, appErr)
		assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	}
}

func TestCourseServiceCreate(t *testing.T) {
	svc := NewCourseService(&mockCourseRepo{}, &mockActiveCounter{}, nil, nil)

	course, err := svc.Create(context.Background(), "ins-1", CreateCourseRequest{Title: "Algorithms", Capacity: 30})
	require.NoError(t, err)
	assert.Equal(t, "course-new", course.ID)
	assert.Equal(t, "ins-1", course.InstructorID)
}

func TestCourseServiceUpdateCapacityGuard(t *testing.T) {
	repo := ownedCourseRepo()
	counter := &mockActiveCounter{active: map[string]int{"course-1": 12}}
	svc := NewCourseService(repo, counter, nil, nil)

	low := 10
	_, err := svc.Update(context.Background(), "ins-1", models.RoleInstructor, "course-1", UpdateCourseRequest{Capacity: &low})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrDomain.Code, appErr.Code)
	assert.Equal(t, "capacity cannot be lower than the active enrollment count", appErr.Message)
	assert.Nil(t, repo.patched)

	exact := 12
	course, err := svc.Update(context.Background(), "ins-1", models.RoleInstructor, "course-1", UpdateCourseRequest{Capacity: &exact})
	require.NoError(t, err)
	assert.Equal(t, 12, course.Capacity)
}

func TestCourseServiceUpdateRequiresOwnership(t *testing.T) {
	svc := NewCourseService(ownedCourseRepo(), &mockActiveCounter{}, nil, nil)

	title := "Renamed"
	_, err := svc.Update(context.Background(), "ins-2", models.RoleInstructor, "course-1", UpdateCourseRequest{Title: &title})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	course, err := svc.Update(context.Background(), "admin-1", models.RoleAdmin, "course-1", UpdateCourseRequest{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", course.Title)
}

func TestCourseServiceDeleteBlockedByActiveEnrollments(t *testing.T) {
	repo := ownedCourseRepo()
	counter := &mockActiveCounter{active: map[string]int{"course-1": 3}}
	svc := NewCourseService(repo, counter, nil, nil)

	err := svc.Delete(context.Background(), "ins-1", models.RoleInstructor, "course-1")
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, "course has active enrollments", appErr.Message)
	assert.Empty(t, repo.deleted)

	err = svc.Delete(context.Background(), "ins-1", models.RoleInstructor, "course-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"course-2"}, repo.deleted)
}

func TestCourseServiceAddPrerequisiteRejectsSelfLoop(t *testing.T) {
	svc := NewCourseService(ownedCourseRepo(), &mockActiveCounter{}, nil, nil)

	err := svc.AddPrerequisite(context.Background(), "ins-1", models.RoleInstructor, "course-1", "course-1")
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, "a course cannot be its own prerequisite", appErr.Message)
}

func TestCourseServiceAddPrerequisiteRejectsCycle(t *testing.T) {
	repo := ownedCourseRepo()
	repo.reachable = true
	svc := NewCourseService(repo, &mockActiveCounter{}, nil, nil)

	err := svc.AddPrerequisite(context.Background(), "ins-1", models.RoleInstructor, "course-1", "course-2")
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, "prerequisite would create a circular dependency", appErr.Message)
	assert.Empty(t, repo.added)
}

func TestCourseServiceAddPrerequisite(t *testing.T) {
	repo := ownedCourseRepo()
	svc := NewCourseService(repo, &mockActiveCounter{}, nil, nil)

	err := svc.AddPrerequisite(context.Background(), "ins-1", models.RoleInstructor, "course-1", "course-2")
	require.NoError(t, err)
	require.Len(t, repo.added, 1)
	assert.Equal(t, [2]string{"course-1", "course-2"}, repo.added[0])
}

func TestCourseServiceAddPrerequisiteUnknownCourse(t *testing.T) {
	svc := NewCourseService(ownedCourseRepo(), &mockActiveCounter{}, nil, nil)

	err := svc.AddPrerequisite(context.Background(), "ins-1", models.RoleInstructor, "course-1", "course-missing")
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestCourseServiceRemovePrerequisiteIsIdempotent(t *testing.T) {
	repo := ownedCourseRepo()
	svc := NewCourseService(repo, &mockActiveCounter{}, nil, nil)

	require.NoError(t, svc.RemovePrerequisite(context.Background(), "ins-1", models.RoleInstructor, "course-1", "course-2"))
	require.NoError(t, svc.RemovePrerequisite(context.Background(), "ins-1", models.RoleInstructor, "course-1", "course-2"))
	assert.Len(t, repo.removed, 2)
}

func TestCourseServiceGetNotFound(t *testing.T) {
	svc := NewCourseService(&mockCourseRepo{}, &mockActiveCounter{}, nil, nil)

	_, err := svc.Get(context.Background(), "missing")
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}
