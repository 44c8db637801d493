package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

const exportColumns = `id, type, resource_id, format, params, requested_by, requested_unit_id, status, file_key,
       file_size_bytes, elapsed_ms, download_count, last_downloaded_at, error_message, started_at, completed_at,
       created_at, updated_at`

// ExportRepository persists export job metadata.
type ExportRepository struct {
	db *sqlx.DB
}

// NewExportRepository constructs the repository.
func NewExportRepository(db *sqlx.DB) *ExportRepository {
	return &ExportRepository{db: db}
}

// exportRow flattens the format column so it stays queryable outside params.
type exportRow struct {
	models.ExportJob
	Format string `db:"format"`
}

// Create inserts a new export job row with generated defaults.
func (r *ExportRepository) Create(ctx context.Context, job *models.ExportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.ExportStatusQueued
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	const query = `INSERT INTO export_jobs (id, type, resource_id, format, params, requested_by, requested_unit_id, status,
    file_key, file_size_bytes, elapsed_ms, download_count, last_downloaded_at, error_message, started_at, completed_at,
    created_at, updated_at)
VALUES (:id, :type, :resource_id, :format, :params, :requested_by, :requested_unit_id, :status, :file_key,
    :file_size_bytes, :elapsed_ms, :download_count, :last_downloaded_at, :error_message, :started_at, :completed_at,
    :created_at, :updated_at)`
	row := exportRow{ExportJob: *job, Format: string(job.Params.Format)}
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("create export job: %w", err)
	}
	return nil
}

// GetByID returns a job row by its identifier.
func (r *ExportRepository) GetByID(ctx context.Context, id string) (*models.ExportJob, error) {
	query := `SELECT ` + exportColumns + ` FROM export_jobs WHERE id = $1`
	var row exportRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, fmt.Errorf("get export job %s: %w", id, err)
	}
	return &row.ExportJob, nil
}

// UpdateExportJobParams defines the mutable fields of a status change.
type UpdateExportJobParams struct {
	Status        models.ExportStatus
	FileKey       *string
	FileSizeBytes *int64
	ElapsedMs     *int64
	ErrorMessage  *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Transition moves a job to params.Status only while it is in one of the
// from statuses and returns the updated row. sql.ErrNoRows signals that the
// job is missing or no longer in an allowed status.
func (r *ExportRepository) Transition(ctx context.Context, id string, from []models.ExportStatus, params UpdateExportJobParams) (*models.ExportJob, error) {
	set := []string{"status = $1", "updated_at = $2"}
	args := []interface{}{params.Status, time.Now().UTC()}

	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if params.FileKey != nil {
		add("file_key", *params.FileKey)
	}
	if params.FileSizeBytes != nil {
		add("file_size_bytes", *params.FileSizeBytes)
	}
	if params.ElapsedMs != nil {
		add("elapsed_ms", *params.ElapsedMs)
	}
	if params.ErrorMessage != nil {
		add("error_message", *params.ErrorMessage)
	}
	if params.StartedAt != nil {
		add("started_at", *params.StartedAt)
	}
	if params.CompletedAt != nil {
		add("completed_at", *params.CompletedAt)
	}

	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	args = append(args, id, pq.Array(statuses))
	query := fmt.Sprintf("UPDATE export_jobs SET %s WHERE id = $%d AND status = ANY($%d) RETURNING %s",
		strings.Join(set, ", "), len(args)-1, len(args), exportColumns)

	var row exportRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, fmt.Errorf("transition export job %s: %w", id, err)
	}
	return &row.ExportJob, nil
}

// IncrementDownload atomically bumps the download counter of a completed
// job. Concurrent callers each observe a distinct count.
func (r *ExportRepository) IncrementDownload(ctx context.Context, id string, at time.Time) (*models.ExportJob, error) {
	query := `UPDATE export_jobs SET download_count = download_count + 1, last_downloaded_at = $2, updated_at = $2
WHERE id = $1 AND status = 'COMPLETED' RETURNING ` + exportColumns
	var row exportRow
	if err := r.db.GetContext(ctx, &row, query, id, at); err != nil {
		return nil, fmt.Errorf("increment export downloads %s: %w", id, err)
	}
	return &row.ExportJob, nil
}

// ListQueued fetches queued jobs (used for cold start recovery).
func (r *ExportRepository) ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + exportColumns + ` FROM export_jobs WHERE status IN ('QUEUED', 'PROCESSING') ORDER BY created_at ASC LIMIT $1`
	var rows []exportRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list queued export jobs: %w", err)
	}
	jobs := make([]models.ExportJob, len(rows))
	for i := range rows {
		jobs[i] = rows[i].ExportJob
	}
	return jobs, nil
}
