package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
)

// CreateReport stores a new report. A zero CreatedAt is set to now.
func (s *JobStore) CreateReport(_ context.Context, report crawler.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[report.ID]; exists {
		return fmt.Errorf("create report %s: %w", report.ID, crawler.ErrReportExists)
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	s.reports[report.ID] = cloneReport(report)
	return nil
}

// LoadReport fetches a report by ID.
func (s *JobStore) LoadReport(_ context.Context, reportID string) (crawler.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[reportID]
	if !ok {
		return crawler.Report{}, fmt.Errorf("load report %s: %w", reportID, crawler.ErrReportNotFound)
	}
	return cloneReport(report), nil
}

// ListReports returns reports newest first.
func (s *JobStore) ListReports(_ context.Context, offset, limit int) ([]crawler.Report, error) {
	s.mu.RLock()
	reports := make([]crawler.Report, 0, len(s.reports))
	for _, report := range s.reports {
		reports = append(reports, cloneReport(report))
	}
	s.mu.RUnlock()

	sort.Slice(reports, func(i, j int) bool {
		if reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].ID < reports[j].ID
		}
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(reports) {
		return []crawler.Report{}, nil
	}
	reports = reports[offset:]
	if limit > 0 && limit < len(reports) {
		reports = reports[:limit]
	}
	return reports, nil
}

func cloneReport(r crawler.Report) crawler.Report {
	r.JobIDs = slices.Clone(r.JobIDs)
	r.Data.CommonFields = slices.Clone(r.Data.CommonFields)
	r.Data.DataSummary.FieldDistribution = maps.Clone(r.Data.DataSummary.FieldDistribution)
	return r
}
