package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/lms-api/internal/models"
	"github.com/openlearn/lms-api/internal/repository"
	appErrors "github.com/openlearn/lms-api/pkg/errors"
	"github.com/openlearn/lms-api/pkg/jobs"
	"github.com/openlearn/lms-api/pkg/storage"
)

type mockReportRepo struct {
	jobs    map[string]models.ReportJob
	updates []repository.UpdateReportJobParams
	queued  []models.ReportJob
}

func (m *mockReportRepo) Create(ctx context.Context, job *models.ReportJob) error {
	job.ID = "job-new"
	if m.jobs == nil {
		m.jobs = make(map[string]models.ReportJob)
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *mockReportRepo) GetByID(ctx context.Context, id string) (*models.ReportJob, error) {
	if j, ok := m.jobs[id]; ok {
		return &j, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockReportRepo) Update(ctx context.Context, id string, params repository.UpdateReportJobParams) error {
	m.updates = append(m.updates, params)
	j := m.jobs[id]
	if params.Status != nil {
		j.Status = *params.Status
	}
	if params.ResultURL != nil {
		j.ResultURL = params.ResultURL
	}
	m.jobs[id] = j
	return nil
}

func (m *mockReportRepo) ListQueued(ctx context.Context, limit int) ([]models.ReportJob, error) {
	return m.queued, nil
}

func (m *mockReportRepo) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ReportJob, error) {
	return nil, nil
}

type mockReportEnrollments struct {
	roster    []models.EnrollmentDetail
	completed []models.EnrollmentDetail
}

func (m *mockReportEnrollments) ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error) {
	return m.roster, nil
}

func (m *mockReportEnrollments) ListCompletedByStudent(ctx context.Context, studentID string) ([]models.EnrollmentDetail, error) {
	return m.completed, nil
}

type mockQueue struct {
	jobs []jobs.Job
	err  error
}

func (m *mockQueue) Enqueue(job jobs.Job) error {
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func newReportService(t *testing.T, repo *mockReportRepo, enrollments *mockReportEnrollments, courses *mockCourseReader, queue *mockQueue) *ReportService {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("report-test-secret", time.Hour)
	svc := NewReportService(repo, enrollments, courses, store, signer, nil)
	svc.SetQueue(queue)
	return svc
}

func TestReportServiceCreateProgressJob(t *testing.T) {
	repo := &mockReportRepo{}
	queue := &mockQueue{}
	courses := &mockCourseReader{courses: map[string]models.Course{
		"course-1": {ID: "course-1", InstructorID: "ins-1"},
	}}
	svc := newReportService(t, repo, &mockReportEnrollments{}, courses, queue)

	job, err := svc.CreateJob(context.Background(), "ins-1", models.RoleInstructor, CreateReportRequest{
		Type:     models.ReportTypeProgress,
		Format:   models.ReportFormatCSV,
		CourseID: "course-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusQueued, job.Status)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, job.ID, queue.jobs[0].ID)
}

func TestReportServiceCreateJobAuthorization(t *testing.T) {
	courses := &mockCourseReader{courses: map[string]models.Course{
		"course-1": {ID: "course-1", InstructorID: "ins-1"},
	}}

	cases := []struct {
		name    string
		actorID string
		role    models.UserRole
		req     CreateReportRequest
	}{
		{"student progress", "stu-1", models.RoleStudent,
			CreateReportRequest{Type: models.ReportTypeProgress, Format: models.ReportFormatCSV, CourseID: "course-1"}},
		{"foreign instructor progress", "ins-2", models.RoleInstructor,
			CreateReportRequest{Type: models.ReportTypeProgress, Format: models.ReportFormatCSV, CourseID: "course-1"}},
		{"foreign transcript", "stu-1", models.RoleStudent,
			CreateReportRequest{Type: models.ReportTypeTranscript, Format: models.ReportFormatCSV, StudentID: "stu-2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newReportService(t, &mockReportRepo{}, &mockReportEnrollments{}, courses, &mockQueue{})
			_, err := svc.CreateJob(context.Background(), tc.actorID, tc.role, tc.req)
			appErr := appErrors.FromError(err)
			require.NotNil(t, appErr)
			assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
		})
	}
}

func TestReportServiceTranscriptDefaultsToSelf(t *testing.T) {
	repo := &mockReportRepo{}
	queue := &mockQueue{}
	svc := newReportService(t, repo, &mockReportEnrollments{}, &mockCourseReader{}, queue)

	job, err := svc.CreateJob(context.Background(), "stu-1", models.RoleStudent, CreateReportRequest{
		Type:   models.ReportTypeTranscript,
		Format: models.ReportFormatPDF,
	})
	require.NoError(t, err)
	assert.Equal(t, "stu-1", job.Params.StudentID)
}

func TestReportServiceCreateJobQueueFull(t *testing.T) {
	repo := &mockReportRepo{}
	queue := &mockQueue{err: errors.New("queue full")}
	svc := newReportService(t, repo, &mockReportEnrollments{}, &mockCourseReader{}, queue)

	_, err := svc.CreateJob(context.Background(), "stu-1", models.RoleStudent, CreateReportRequest{
		Type:   models.ReportTypeTranscript,
		Format: models.ReportFormatCSV,
	})
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, "report queue is full, try again later", appErr.Message)

	// The persisted row is flipped to FAILED so it is not recovered later.
	require.NotEmpty(t, repo.updates)
	last := repo.updates[len(repo.updates)-1]
	require.NotNil(t, last.Status)
	assert.Equal(t, models.ReportStatusFailed, *last.Status)
}

func TestReportServiceProcessRendersAndFinishes(t *testing.T) {
	completedAt := time.Date(2026, 5, 12, 0, 0, 0, 0, time.UTC)
	repo := &mockReportRepo{jobs: map[string]models.ReportJob{
		"job-1": {
			ID:     "job-1",
			Type:   models.ReportTypeTranscript,
			Status: models.ReportStatusQueued,
			Params: models.ReportJobParams{StudentID: "stu-1", Format: models.ReportFormatCSV},
		},
	}}
	enrollments := &mockReportEnrollments{completed: []models.EnrollmentDetail{
		{CourseTitle: "Algorithms", Enrollment: models.Enrollment{CompletedAt: &completedAt}},
	}}
	svc := newReportService(t, repo, enrollments, &mockCourseReader{}, &mockQueue{})

	require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: "job-1"}))

	final := repo.jobs["job-1"]
	assert.Equal(t, models.ReportStatusFinished, final.Status)
	require.NotNil(t, final.ResultURL)
	require.True(t, strings.HasPrefix(*final.ResultURL, "/api/v1/reports/download/"))

	token := strings.TrimPrefix(*final.ResultURL, "/api/v1/reports/download/")
	file, _, err := svc.ResolveDownload(context.Background(), token)
	require.NoError(t, err)
	defer file.Close()
}

func TestReportServiceProcessIsIdempotent(t *testing.T) {
	url := "/api/v1/reports/download/existing"
	repo := &mockReportRepo{jobs: map[string]models.ReportJob{
		"job-1": {ID: "job-1", Status: models.ReportStatusFinished, ResultURL: &url},
	}}
	svc := newReportService(t, repo, &mockReportEnrollments{}, &mockCourseReader{}, &mockQueue{})

	require.NoError(t, svc.Process(context.Background(), jobs.Job{ID: "job-1"}))
	assert.Empty(t, repo.updates)
}

func TestReportServiceGetStatusRestrictedToOwner(t *testing.T) {
	repo := &mockReportRepo{jobs: map[string]models.ReportJob{
		"job-1": {ID: "job-1", CreatedBy: "stu-1", Status: models.ReportStatusQueued},
	}}
	svc := newReportService(t, repo, &mockReportEnrollments{}, &mockCourseReader{}, &mockQueue{})

	_, err := svc.GetStatus(context.Background(), "stu-2", models.RoleStudent, "job-1")
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	job, err := svc.GetStatus(context.Background(), "admin-1", models.RoleAdmin, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
}

func TestReportServiceRecoverPendingJobs(t *testing.T) {
	repo := &mockReportRepo{queued: []models.ReportJob{
		{ID: "job-1", Type: models.ReportTypeTranscript},
		{ID: "job-2", Type: models.ReportTypeProgress},
	}}
	queue := &mockQueue{}
	svc := newReportService(t, repo, &mockReportEnrollments{}, &mockCourseReader{}, queue)

	require.NoError(t, svc.RecoverPendingJobs(context.Background(), 10))
	require.Len(t, queue.jobs, 2)
	assert.Equal(t, "job-1", queue.jobs[0].ID)
}

func TestReportServiceResolveDownloadRejectsBadToken(t *testing.T) {
	svc := newReportService(t, &mockReportRepo{}, &mockReportEnrollments{}, &mockCourseReader{}, &mockQueue{})

	_, _, err := svc.ResolveDownload(context.Background(), "not-a-valid-token")
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErr.Code)
}
