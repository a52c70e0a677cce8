package exports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/agent-telemetry/internal/metrics"
)

// Uploader delivers a finished CSV and hands back a download URL plus its
// checksum. Satisfied by *S3Delivery.
type Uploader interface {
	UploadCSV(ctx context.Context, orgID string, jobID uuid.UUID, csvData []byte) (signedURL, checksum string, err error)
}

// JobRunner claims export jobs and turns daily stats into delivered CSVs.
type JobRunner struct {
	repo     *ExportJobRepository
	pool     *pgxpool.Pool
	uploader Uploader
	logger   *zap.Logger
	interval time.Duration
	workers  int
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// RunnerConfig holds job runner configuration.
type RunnerConfig struct {
	Pool     *pgxpool.Pool
	Uploader Uploader
	Logger   *zap.Logger
	Interval time.Duration
	Workers  int
}

// NewJobRunner creates a new export job runner.
func NewJobRunner(cfg RunnerConfig) *JobRunner {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &JobRunner{
		repo:     NewExportJobRepository(cfg.Pool),
		pool:     cfg.Pool,
		uploader: cfg.Uploader,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		workers:  cfg.Workers,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the export job processing loop and blocks until shutdown.
func (r *JobRunner) Start(ctx context.Context) error {
	r.logger.Info("starting export job runner",
		zap.Duration("interval", r.interval),
		zap.Int("workers", r.workers),
	)

	workerDone := make(chan struct{}, r.workers)
	for i := 0; i < r.workers; i++ {
		go r.worker(ctx, i, workerDone)
	}

	go func() {
		for i := 0; i < r.workers; i++ {
			<-workerDone
		}
		close(r.doneCh)
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("export job runner stopping due to context cancellation")
		<-r.doneCh
		return nil
	case <-r.stopCh:
		r.logger.Info("export job runner stopping")
		<-r.doneCh
		return nil
	}
}

// Stop gracefully stops the runner.
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// worker claims and processes jobs in a loop.
func (r *JobRunner) worker(ctx context.Context, id int, done chan struct{}) {
	defer func() { done <- struct{}{} }()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("export worker stopping", zap.Int("worker_id", id))
			return
		case <-r.stopCh:
			r.logger.Info("export worker stopping", zap.Int("worker_id", id))
			return
		case <-ticker.C:
			jobs, err := r.repo.ClaimPendingJobs(ctx, 1)
			if err != nil {
				r.logger.Error("failed to claim pending jobs", zap.Error(err), zap.Int("worker_id", id))
				continue
			}

			for _, job := range jobs {
				if err := r.ProcessJob(ctx, job); err != nil {
					r.logger.Error("failed to process export job",
						zap.String("job_id", job.JobID.String()),
						zap.Error(err),
						zap.Int("worker_id", id),
					)
					if err := r.repo.SetExportJobError(ctx, job.JobID, err.Error()); err != nil {
						r.logger.Error("failed to mark job as failed",
							zap.String("job_id", job.JobID.String()),
							zap.Error(err),
						)
					}
					metrics.RecordExportJob(StatusFailed)
				}
			}
		}
	}
}

// ProcessJob processes a single already-claimed job. Exported for tests and
// manual reprocessing.
func (r *JobRunner) ProcessJob(ctx context.Context, job *ExportJob) error {
	r.logger.Info("processing export job",
		zap.String("job_id", job.JobID.String()),
		zap.String("org_id", job.OrgID),
		zap.String("scope", job.Scope),
		zap.Time("range_start", job.RangeStart),
		zap.Time("range_end", job.RangeEnd),
	)

	csvData, rowCount, err := r.generateCSV(ctx, job)
	if err != nil {
		return fmt.Errorf("generate CSV: %w", err)
	}

	signedURL, checksum, err := r.uploader.UploadCSV(ctx, job.OrgID, job.JobID, csvData)
	if err != nil {
		return fmt.Errorf("upload CSV: %w", err)
	}

	if err := r.repo.SetExportJobOutput(ctx, job.JobID, signedURL, checksum, rowCount); err != nil {
		return fmt.Errorf("set export job output: %w", err)
	}
	metrics.RecordExportJob(StatusCompleted)

	r.logger.Info("export job completed",
		zap.String("job_id", job.JobID.String()),
		zap.String("org_id", job.OrgID),
		zap.Int64("row_count", rowCount),
		zap.String("checksum", checksum),
	)

	return nil
}

var statColumns = []string{
	"sessions_count",
	"sessions_with_handoff",
	"sessions_with_post_handoff",
	"runs_count",
	"success_runs",
	"failed_runs",
	"errors_tool",
	"errors_model",
	"errors_timeout",
	"errors_other",
	"total_duration_ms",
	"total_input_tokens",
	"total_output_tokens",
	"total_cost",
}

// generateCSV renders the daily rows covered by the job into CSV bytes.
func (r *JobRunner) generateCSV(ctx context.Context, job *ExportJob) ([]byte, int64, error) {
	var query string
	var header []string

	cols := ""
	for _, c := range statColumns {
		if c == "total_cost" {
			cols += ", total_cost::text"
			continue
		}
		cols += ", " + c
	}

	switch job.Scope {
	case ScopeOrgDaily:
		query = `
			SELECT day` + cols + `
			FROM org_stats_daily
			WHERE org_id = $1 AND day BETWEEN $2 AND $3
			ORDER BY day ASC
		`
		header = append([]string{"day"}, statColumns...)

	case ScopeUserDaily:
		query = `
			SELECT day, user_id` + cols + `
			FROM user_stats_daily
			WHERE org_id = $1 AND day BETWEEN $2 AND $3
			ORDER BY day ASC, user_id ASC
		`
		header = append([]string{"day", "user_id"}, statColumns...)

	default:
		return nil, 0, fmt.Errorf("unsupported scope: %s", job.Scope)
	}

	rows, err := r.pool.Query(ctx, query, job.OrgID, job.RangeStart, job.RangeEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(header); err != nil {
		return nil, 0, fmt.Errorf("write CSV header: %w", err)
	}

	rowCount := int64(0)
	for rows.Next() {
		var day time.Time
		var userID string
		var counters [13]int64
		var totalCost string

		dest := []any{&day}
		if job.Scope == ScopeUserDaily {
			dest = append(dest, &userID)
		}
		for i := range counters {
			dest = append(dest, &counters[i])
		}
		dest = append(dest, &totalCost)

		if err := rows.Scan(dest...); err != nil {
			return nil, 0, fmt.Errorf("scan daily row: %w", err)
		}

		record := []string{day.Format("2006-01-02")}
		if job.Scope == ScopeUserDaily {
			record = append(record, userID)
		}
		for _, c := range counters {
			record = append(record, strconv.FormatInt(c, 10))
		}
		record = append(record, totalCost)

		if err := writer.Write(record); err != nil {
			return nil, 0, fmt.Errorf("write CSV row: %w", err)
		}
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, 0, fmt.Errorf("flush CSV: %w", err)
	}

	return buf.Bytes(), rowCount, nil
}
