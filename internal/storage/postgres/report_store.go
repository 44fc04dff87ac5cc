package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
)

const reportColumns = `id, title, description, crawl_job_ids, report_data, created_at`

// CreateReport inserts a report row. A zero CreatedAt is set to now.
func (s *JobStore) CreateReport(ctx context.Context, report crawler.Report) error {
	jobIDs := report.JobIDs
	if jobIDs == nil {
		jobIDs = []string{}
	}
	idsJSON, err := json.Marshal(jobIDs)
	if err != nil {
		return fmt.Errorf("marshal report job ids: %w", err)
	}
	dataJSON, err := json.Marshal(report.Data)
	if err != nil {
		return fmt.Errorf("marshal report data: %w", err)
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = s.now()
	}

	tag, err := s.pool.Exec(ctx, `INSERT INTO reports (`+reportColumns+`)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING`,
		report.ID, report.Title, report.Description, idsJSON, dataJSON, report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create report %s: %w", report.ID, crawler.ErrReportExists)
	}
	return nil
}

// LoadReport fetches a report by ID.
func (s *JobStore) LoadReport(ctx context.Context, reportID string) (crawler.Report, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, reportID)
	report, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Report{}, fmt.Errorf("load report %s: %w", reportID, crawler.ErrReportNotFound)
	}
	if err != nil {
		return crawler.Report{}, fmt.Errorf("load report %s: %w", reportID, err)
	}
	return report, nil
}

// ListReports returns reports newest first. limit <= 0 means no limit.
func (s *JobStore) ListReports(ctx context.Context, offset, limit int) ([]crawler.Report, error) {
	if offset < 0 {
		offset = 0
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM reports ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limitArg, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := []crawler.Report{}
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

func scanReport(row pgx.Row) (crawler.Report, error) {
	var (
		report   crawler.Report
		idsJSON  []byte
		dataJSON []byte
	)
	if err := row.Scan(
		&report.ID,
		&report.Title,
		&report.Description,
		&idsJSON,
		&dataJSON,
		&report.CreatedAt,
	); err != nil {
		return crawler.Report{}, err //nolint:wrapcheck // callers wrap with operation context
	}
	if err := json.Unmarshal(idsJSON, &report.JobIDs); err != nil {
		return crawler.Report{}, fmt.Errorf("decode report job ids: %w", err)
	}
	if err := json.Unmarshal(dataJSON, &report.Data); err != nil {
		return crawler.Report{}, fmt.Errorf("decode report data: %w", err)
	}
	return report, nil
}
