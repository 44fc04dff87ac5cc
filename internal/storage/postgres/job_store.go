// Package postgres provides a Postgres-backed crawler.JobStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it too.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// JobStore persists jobs in crawl_jobs and page results in extracted_data.
type JobStore struct {
	pool pool
	now  func() time.Time
}

// NewJobStore connects to Postgres using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewJobStoreWithPool(p)
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool) (*JobStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &JobStore{pool: p, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for the readiness check.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const jobColumns = `id, name, description, target_urls, extraction_rules, respect_robots,
	status, error, created_at, updated_at, started_at, completed_at`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	urlsJSON, rulesJSON, err := marshalDefinition(job)
	if err != nil {
		return err
	}
	now := s.now()
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	tag, err := s.pool.Exec(ctx, `INSERT INTO crawl_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING`,
		job.ID,
		job.Name,
		job.Description,
		urlsJSON,
		rulesJSON,
		job.RespectRobots,
		string(job.Status),
		job.ErrorText,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	return nil
}

// LoadJob fetches a job by ID.
func (s *JobStore) LoadJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("load job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first. limit <= 0 means no limit.
func (s *JobStore) ListJobs(ctx context.Context, offset, limit int) ([]crawler.Job, error) {
	if offset < 0 {
		offset = 0
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limitArg, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []crawler.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob replaces the job definition. Lifecycle columns are left untouched.
func (s *JobStore) UpdateJob(ctx context.Context, job crawler.Job) error {
	urlsJSON, rulesJSON, err := marshalDefinition(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs
SET name = $2, description = $3, target_urls = $4, extraction_rules = $5, respect_robots = $6, updated_at = $7
WHERE id = $1`,
		job.ID, job.Name, job.Description, urlsJSON, rulesJSON, job.RespectRobots, s.now(),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, crawler.ErrJobNotFound)
	}
	return nil
}

// DeleteJob removes a job; its results are removed by the foreign key cascade.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return nil
}

// MarkRunning moves a job to running in one conditional UPDATE so two workers
// can never both claim it.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string, started time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs
SET status = 'running', error = '', started_at = $2, completed_at = NULL, updated_at = $3
WHERE id = $1 AND status <> 'running'`,
		jobID, started, s.now(),
	)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	exists, err := s.jobExists(ctx, jobID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("mark running %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return fmt.Errorf("mark running %s: %w", jobID, crawler.ErrJobRunning)
}

// SaveStatus records a lifecycle transition.
func (s *JobStore) SaveStatus(ctx context.Context, jobID string, update crawler.StatusUpdate) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs
SET status = $2, error = $3, started_at = $4, completed_at = $5, updated_at = $6
WHERE id = $1`,
		jobID, string(update.Status), update.ErrorText, update.StartedAt, update.CompletedAt, s.now(),
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save status %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return nil
}

// SaveResults replaces the job's result set in one transaction.
func (s *JobStore) SaveResults(ctx context.Context, jobID string, results []crawler.PageResult) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin results tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback results tx: %w", rbErr))
			}
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM extracted_data WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	for i, result := range results {
		data := result.Data
		if data == nil {
			data = map[string]crawler.Value{}
		}
		dataJSON, mErr := json.Marshal(data)
		if mErr != nil {
			err = fmt.Errorf("marshal result data: %w", mErr)
			return err
		}
		var fetchedAt *time.Time
		if !result.FetchedAt.IsZero() {
			ts := result.FetchedAt
			fetchedAt = &ts
		}
		if _, err = tx.Exec(ctx, `INSERT INTO extracted_data
(job_id, url, position, error, data, status_code, fetched_at, content_hash, blob_uri)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (job_id, url) DO UPDATE SET
position = EXCLUDED.position, error = EXCLUDED.error, data = EXCLUDED.data,
status_code = EXCLUDED.status_code, fetched_at = EXCLUDED.fetched_at,
content_hash = EXCLUDED.content_hash, blob_uri = EXCLUDED.blob_uri`,
			jobID, result.URL, i, result.Error, dataJSON, result.StatusCode, fetchedAt, result.ContentHash, result.BlobURI,
		); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit results tx: %w", err)
	}
	return nil
}

// ListResults returns the job's result set in the order it was saved.
func (s *JobStore) ListResults(ctx context.Context, jobID string) ([]crawler.PageResult, error) {
	exists, err := s.jobExists(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("list results %s: %w", jobID, crawler.ErrJobNotFound)
	}

	rows, err := s.pool.Query(ctx, `SELECT url, error, data, status_code, fetched_at, content_hash, blob_uri
FROM extracted_data WHERE job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	results := []crawler.PageResult{}
	for rows.Next() {
		var (
			result    crawler.PageResult
			dataJSON  []byte
			fetchedAt *time.Time
		)
		if err := rows.Scan(
			&result.URL,
			&result.Error,
			&dataJSON,
			&result.StatusCode,
			&fetchedAt,
			&result.ContentHash,
			&result.BlobURI,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal(dataJSON, &result.Data); err != nil {
			return nil, fmt.Errorf("decode result data: %w", err)
		}
		if fetchedAt != nil {
			result.FetchedAt = *fetchedAt
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}

func marshalDefinition(job crawler.Job) ([]byte, []byte, error) {
	urls := job.URLs
	if urls == nil {
		urls = []string{}
	}
	rules := job.Rules
	if rules == nil {
		rules = crawler.RuleSet{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal target urls: %w", err)
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal extraction rules: %w", err)
	}
	return urlsJSON, rulesJSON, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job       crawler.Job
		status    string
		urlsJSON  []byte
		rulesJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Description,
		&urlsJSON,
		&rulesJSON,
		&job.RespectRobots,
		&status,
		&job.ErrorText,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		return crawler.Job{}, err //nolint:wrapcheck // callers wrap with operation context
	}
	job.Status = crawler.JobStatus(status)
	if err := json.Unmarshal(urlsJSON, &job.URLs); err != nil {
		return crawler.Job{}, fmt.Errorf("decode target urls: %w", err)
	}
	if err := json.Unmarshal(rulesJSON, &job.Rules); err != nil {
		return crawler.Job{}, fmt.Errorf("decode extraction rules: %w", err)
	}
	return job, nil
}

func (s *JobStore) jobExists(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM crawl_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check job: %w", err)
	}
	return exists, nil
}
