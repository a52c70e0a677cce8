// Package exports manages CSV export jobs over the daily read models:
// job lifecycle in Postgres, CSV generation, and delivery to S3-compatible
// object storage.
package exports

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Export scopes.
const (
	ScopeOrgDaily  = "org_daily"
	ScopeUserDaily = "user_daily"
)

// Export job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ValidScope reports whether s names a supported export scope.
func ValidScope(s string) bool {
	return s == ScopeOrgDaily || s == ScopeUserDaily
}

// ExportJobRepository manages export job lifecycle in the database.
type ExportJobRepository struct {
	pool *pgxpool.Pool
}

// NewExportJobRepository creates a new export job repository.
func NewExportJobRepository(pool *pgxpool.Pool) *ExportJobRepository {
	return &ExportJobRepository{pool: pool}
}

// ExportJob represents an export job record.
type ExportJob struct {
	JobID        uuid.UUID
	OrgID        string
	RequestedBy  *string
	Scope        string
	RangeStart   time.Time
	RangeEnd     time.Time
	Status       string
	OutputURI    *string
	Checksum     *string
	RowCount     *int64
	ErrorMessage *string
	InitiatedAt  time.Time
	CompletedAt  *time.Time
}

const exportJobColumns = `job_id, org_id, requested_by, scope, range_start, range_end,
		status, output_uri, checksum, row_count, error_message, initiated_at, completed_at`

// CreateExportJobRequest specifies parameters for creating a new export job.
type CreateExportJobRequest struct {
	OrgID       string
	RequestedBy *string
	Scope       string
	RangeStart  time.Time
	RangeEnd    time.Time
}

// CreateExportJob creates a new export job with status "pending".
func (r *ExportJobRepository) CreateExportJob(ctx context.Context, req CreateExportJobRequest) (uuid.UUID, error) {
	query := `
		INSERT INTO export_jobs (org_id, requested_by, scope, range_start, range_end, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING job_id
	`

	var jobID uuid.UUID
	err := r.pool.QueryRow(ctx, query,
		req.OrgID,
		req.RequestedBy,
		req.Scope,
		req.RangeStart,
		req.RangeEnd,
	).Scan(&jobID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create export job: %w", err)
	}

	return jobID, nil
}

// GetExportJob retrieves an export job by ID and org ID.
func (r *ExportJobRepository) GetExportJob(ctx context.Context, orgID string, jobID uuid.UUID) (*ExportJob, error) {
	query := `
		SELECT ` + exportJobColumns + `
		FROM export_jobs
		WHERE job_id = $1 AND org_id = $2
	`

	job, err := scanExportJob(r.pool.QueryRow(ctx, query, jobID, orgID))
	if err != nil {
		return nil, fmt.Errorf("get export job: %w", err)
	}
	return job, nil
}

// ListExportJobs retrieves export jobs for an org, optionally filtered by
// status, newest first.
func (r *ExportJobRepository) ListExportJobs(ctx context.Context, orgID string, statusFilter *string) ([]*ExportJob, error) {
	query := `
		SELECT ` + exportJobColumns + `
		FROM export_jobs
		WHERE org_id = $1
	`
	args := []interface{}{orgID}
	if statusFilter != nil {
		query += " AND status = $2"
		args = append(args, *statusFilter)
	}
	query += " ORDER BY initiated_at DESC LIMIT 100"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ClaimPendingJobs atomically moves up to limit pending jobs to "running"
// and returns them. Concurrent runners skip each other's claims, so a job
// is only ever handed to one worker.
func (r *ExportJobRepository) ClaimPendingJobs(ctx context.Context, limit int) ([]*ExportJob, error) {
	query := `
		UPDATE export_jobs
		SET status = 'running'
		WHERE job_id IN (
			SELECT job_id
			FROM export_jobs
			WHERE status = 'pending'
			ORDER BY initiated_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + exportJobColumns + `
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// SetExportJobOutput records the delivery artifacts and marks the job
// completed.
func (r *ExportJobRepository) SetExportJobOutput(ctx context.Context, jobID uuid.UUID, outputURI, checksum string, rowCount int64) error {
	query := `
		UPDATE export_jobs
		SET output_uri = $1, checksum = $2, row_count = $3, completed_at = now(), status = 'completed'
		WHERE job_id = $4
	`

	if _, err := r.pool.Exec(ctx, query, outputURI, checksum, rowCount, jobID); err != nil {
		return fmt.Errorf("set export job output: %w", err)
	}
	return nil
}

// SetExportJobError marks an export job as failed with an error message.
func (r *ExportJobRepository) SetExportJobError(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	query := `
		UPDATE export_jobs
		SET status = 'failed', error_message = $1, completed_at = now()
		WHERE job_id = $2
	`

	if _, err := r.pool.Exec(ctx, query, truncateMessage(errorMessage), jobID); err != nil {
		return fmt.Errorf("set export job error: %w", err)
	}
	return nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExportJob(row rowScanner) (*ExportJob, error) {
	var job ExportJob
	err := row.Scan(
		&job.JobID,
		&job.OrgID,
		&job.RequestedBy,
		&job.Scope,
		&job.RangeStart,
		&job.RangeEnd,
		&job.Status,
		&job.OutputURI,
		&job.Checksum,
		&job.RowCount,
		&job.ErrorMessage,
		&job.InitiatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// error_message is VARCHAR(1024)
const maxMessageLen = 1024

func truncateMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxMessageLen {
		return msg
	}
	return string(runes[:maxMessageLen])
}
