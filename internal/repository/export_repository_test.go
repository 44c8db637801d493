package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/msa-evidence-api/internal/models"
)

var exportColumnNames = []string{"id", "type", "resource_id", "format", "params", "requested_by", "requested_unit_id", "status",
	"file_key", "file_size_bytes", "elapsed_ms", "download_count", "last_downloaded_at", "error_message", "started_at",
	"completed_at", "created_at", "updated_at"}

func TestExportRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewExportRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO export_jobs")).WillReturnResult(sqlmock.NewResult(1, 1))

	job := &models.ExportJob{Type: models.ExportTypeCustodyLog, RequestedBy: "user-1", Params: models.ExportParams{Format: models.CustodyFormatCSV}}
	require.NoError(t, repo.Create(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.ExportStatusQueued, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportRepositoryIncrementDownload(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewExportRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(exportColumnNames).
		AddRow("job-1", "PACKAGE", "pkg-1", "", []byte(`{}`), "user-1", "unit-1", "COMPLETED", "k", int64(10), int64(5), int64(4), now, "", now, now, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE export_jobs SET download_count = download_count + 1")).
		WithArgs("job-1", now).
		WillReturnRows(rows)

	job, err := repo.IncrementDownload(context.Background(), "job-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), job.DownloadCount)
	require.NotNil(t, job.LastDownloadedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportRepositoryIncrementDownloadRequiresCompleted(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewExportRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE export_jobs SET download_count")).
		WillReturnRows(sqlmock.NewRows(exportColumnNames))

	_, err := repo.IncrementDownload(context.Background(), "job-1", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestExportRepositoryTransitionBuildsGuardedUpdate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewExportRepository(db)

	now := time.Now().UTC()
	size, elapsed := int64(2048), int64(1500)
	rows := sqlmock.NewRows(exportColumnNames).
		AddRow("job-1", "PACKAGE", "pkg-1", "", nil, "user-1", "unit-1", "COMPLETED", "", size, elapsed, int64(0), nil, "", nil, now, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE export_jobs SET status = $1, updated_at = $2, file_size_bytes = $3, elapsed_ms = $4, completed_at = $5 WHERE id = $6 AND status = ANY($7)")).
		WillReturnRows(rows)

	job, err := repo.Transition(context.Background(), "job-1",
		[]models.ExportStatus{models.ExportStatusQueued, models.ExportStatusProcessing},
		UpdateExportJobParams{Status: models.ExportStatusCompleted, FileSizeBytes: &size, ElapsedMs: &elapsed, CompletedAt: &now})
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusCompleted, job.Status)
	assert.Equal(t, size, job.FileSizeBytes)
	require.NoError(t, mock.ExpectationsWereMet())
}
