package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openlearn/lms-api/internal/models"
	"github.com/openlearn/lms-api/internal/repository"
	appErrors "github.com/openlearn/lms-api/pkg/errors"
	"github.com/openlearn/lms-api/pkg/export"
	"github.com/openlearn/lms-api/pkg/jobs"
	"github.com/openlearn/lms-api/pkg/storage"
)

type reportRepository interface {
	Create(ctx context.Context, job *models.ReportJob) error
	GetByID(ctx context.Context, id string) (*models.ReportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateReportJobParams) error
	ListQueued(ctx context.Context, limit int) ([]models.ReportJob, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ReportJob, error)
}

type reportEnrollmentRepository interface {
	ListByCourse(ctx context.Context, courseID string) ([]models.EnrollmentDetail, error)
	ListCompletedByStudent(ctx context.Context, studentID string) ([]models.EnrollmentDetail, error)
}

type jobQueue interface {
	Enqueue(job jobs.Job) error
}

// CreateReportRequest carries the payload for queuing a report job.
type CreateReportRequest struct {
	Type      models.ReportType   `json:"type"`
	Format    models.ReportFormat `json:"format"`
	CourseID  string              `json:"course_id,omitempty"`
	StudentID string              `json:"student_id,omitempty"`
}

// ReportService generates course and student reports asynchronously. Files
// land on local storage and are served through short-lived signed URLs.
type ReportService struct {
	repo        reportRepository
	enrollments reportEnrollmentRepository
	courses     courseReader
	queue       jobQueue
	store       *storage.LocalStorage
	signer      *storage.SignedURLSigner
	csv         *export.CSVExporter
	pdf         *export.PDFExporter
	logger      *zap.Logger
}

func NewReportService(repo reportRepository, enrollments reportEnrollmentRepository, courses courseReader, store *storage.LocalStorage, signer *storage.SignedURLSigner, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{
		repo:        repo,
		enrollments: enrollments,
		courses:     courses,
		store:       store,
		signer:      signer,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		logger:      logger,
	}
}

// SetQueue wires the worker queue. Called once during startup, after the
// queue has been built with this service's Process as its handler.
func (s *ReportService) SetQueue(q jobQueue) {
	s.queue = q
}

// CreateJob validates the request, persists a QUEUED job row and enqueues it.
// Instructors may only request progress reports for courses they own;
// students only transcripts of their own record.
func (s *ReportService) CreateJob(ctx context.Context, actorID string, role models.UserRole, req CreateReportRequest) (*models.ReportJob, error) {
	if req.Format != models.ReportFormatCSV && req.Format != models.ReportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	switch req.Type {
	case models.ReportTypeProgress:
		if req.CourseID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "course_id is required for progress reports")
		}
		course, err := s.courses.FindByID(ctx, req.CourseID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
		}
		if role == models.RoleInstructor && course.InstructorID != actorID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "not the instructor of this course")
		}
		if role == models.RoleStudent {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "progress reports are restricted to staff")
		}
	case models.ReportTypeTranscript:
		if req.StudentID == "" {
			req.StudentID = actorID
		}
		if role == models.RoleStudent && req.StudentID != actorID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot request another student's transcript")
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown report type")
	}

	job := &models.ReportJob{
		Type: req.Type,
		Params: models.ReportJobParams{
			CourseID:  req.CourseID,
			StudentID: req.StudentID,
			Format:    req.Format,
		},
		Status:    models.ReportStatusQueued,
		CreatedBy: actorID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create report job")
	}

	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(job.Type)}); err != nil {
		s.markFailed(ctx, job.ID, "queue is full")
		return nil, appErrors.Clone(appErrors.ErrDomain, "report queue is full, try again later")
	}

	s.logger.Info("report job queued", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	return job, nil
}

// GetStatus returns a job's current state. Only the creator or an admin may
// poll a job.
func (s *ReportService) GetStatus(ctx context.Context, actorID string, role models.UserRole, jobID string) (*models.ReportJob, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "report job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load report job")
	}
	if role != models.RoleAdmin && job.CreatedBy != actorID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not the owner of this report job")
	}
	return job, nil
}

// ResolveDownload verifies a signed token and opens the underlying file.
func (s *ReportService) ResolveDownload(ctx context.Context, token string) (*os.File, string, error) {
	jobID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}

	if _, err := s.repo.GetByID(ctx, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "report job not found")
		}
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load report job")
	}

	file, err := s.store.Open(relPath)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "report file no longer available")
	}
	return file, relPath, nil
}

// Process is the queue handler: it renders the report and finalizes the job
// row. Returned errors trigger the queue's retry policy.
func (s *ReportService) Process(ctx context.Context, job jobs.Job) error {
	row, err := s.repo.GetByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load report job %s: %w", job.ID, err)
	}
	if row.Status == models.ReportStatusFinished {
		return nil
	}

	processing := models.ReportStatusProcessing
	if err := s.repo.Update(ctx, row.ID, repository.UpdateReportJobParams{Status: &processing}); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}

	data, title, err := s.buildDataset(ctx, row)
	if err != nil {
		s.markFailed(ctx, row.ID, err.Error())
		return fmt.Errorf("build dataset: %w", err)
	}

	var payload []byte
	switch row.Params.Format {
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(data, title)
	default:
		payload, err = s.csv.Render(data)
	}
	if err != nil {
		s.markFailed(ctx, row.ID, err.Error())
		return fmt.Errorf("render report: %w", err)
	}

	filename := fmt.Sprintf("%s-%s.%s", row.Type, row.ID, row.Params.Format)
	relPath, err := s.store.Save(filename, payload)
	if err != nil {
		s.markFailed(ctx, row.ID, err.Error())
		return fmt.Errorf("store report: %w", err)
	}

	token, _, err := s.signer.Generate(row.ID, relPath)
	if err != nil {
		s.markFailed(ctx, row.ID, err.Error())
		return fmt.Errorf("sign report url: %w", err)
	}

	finished := models.ReportStatusFinished
	now := time.Now().UTC()
	resultURL := "/api/v1/reports/download/" + token
	if err := s.repo.Update(ctx, row.ID, repository.UpdateReportJobParams{
		Status:     &finished,
		ResultURL:  &resultURL,
		FinishedAt: &now,
	}); err != nil {
		return fmt.Errorf("finalize report job: %w", err)
	}

	s.logger.Info("report job finished", zap.String("job_id", row.ID), zap.String("file", relPath))
	return nil
}

// RecoverPendingJobs re-enqueues jobs left in QUEUED state by a previous
// process. Called once on startup.
func (s *ReportService) RecoverPendingJobs(ctx context.Context, limit int) error {
	pending, err := s.repo.ListQueued(ctx, limit)
	if err != nil {
		return fmt.Errorf("list queued report jobs: %w", err)
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(job.Type)}); err != nil {
			s.logger.Warn("failed to re-enqueue report job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		s.logger.Info("recovered pending report jobs", zap.Int("count", len(pending)))
	}
	return nil
}

// CleanupExpired deletes report files older than ttl and clears their result
// URLs so stale links stop resolving.
func (s *ReportService) CleanupExpired(ctx context.Context, ttl time.Duration) error {
	removed, err := s.store.CleanupOlderThan(ttl)
	if err != nil {
		return fmt.Errorf("cleanup report files: %w", err)
	}
	if len(removed) > 0 {
		s.logger.Info("removed expired report files", zap.Int("count", len(removed)))
	}

	cutoff := time.Now().UTC().Add(-ttl)
	stale, err := s.repo.ListFinishedBefore(ctx, cutoff, 100)
	if err != nil {
		return fmt.Errorf("list stale report jobs: %w", err)
	}
	empty := ""
	for _, job := range stale {
		if err := s.repo.Update(ctx, job.ID, repository.UpdateReportJobParams{ResultURL: &empty}); err != nil {
			s.logger.Warn("failed to clear stale result url", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *ReportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ReportTypeProgress:
		roster, err := s.enrollments.ListByCourse(ctx, job.Params.CourseID)
		if err != nil {
			return export.Dataset{}, "", fmt.Errorf("load course roster: %w", err)
		}
		data := export.Dataset{Headers: []string{"Student", "Status", "Completion %", "Enrolled At"}}
		for _, e := range roster {
			data.Rows = append(data.Rows, []string{
				e.StudentName,
				string(e.Status),
				strconv.FormatFloat(e.CompletionPercentage, 'f', 1, 64),
				e.EnrolledAt.Format("2006-01-02"),
			})
		}
		return data, "Course Progress Report", nil

	case models.ReportTypeTranscript:
		completed, err := s.enrollments.ListCompletedByStudent(ctx, job.Params.StudentID)
		if err != nil {
			return export.Dataset{}, "", fmt.Errorf("load transcript rows: %w", err)
		}
		data := export.Dataset{Headers: []string{"Course", "Completed At"}}
		for _, e := range completed {
			completedAt := ""
			if e.CompletedAt != nil {
				completedAt = e.CompletedAt.Format("2006-01-02")
			}
			data.Rows = append(data.Rows, []string{e.CourseTitle, completedAt})
		}
		return data, "Academic Transcript", nil
	}
	return export.Dataset{}, "", fmt.Errorf("unknown report type %q", job.Type)
}

func (s *ReportService) markFailed(ctx context.Context, jobID, reason string) {
	failed := models.ReportStatusFailed
	now := time.Now().UTC()
	if err := s.repo.Update(ctx, jobID, repository.UpdateReportJobParams{
		Status:       &failed,
		ErrorMessage: &reason,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Error("failed to mark report job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
