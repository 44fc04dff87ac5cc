// Package report summarizes extracted data across crawl jobs.
package report

import (
	"slices"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
)

// Summary is the aggregate view over the results of several jobs.
type Summary = crawler.ReportSummary

// Summarize aggregates the results of the given jobs. A record counts as a
// successful extraction when it has no error and a non-empty data map; a
// field counts toward the distribution when its value is not null.
func Summarize(jobIDs []string, resultsByJob map[string][]crawler.PageResult) Summary {
	summary := Summary{
		TotalJobs:    len(jobIDs),
		CommonFields: []string{},
		DataSummary:  crawler.DataSummary{FieldDistribution: map[string]int{}},
	}

	for _, jobID := range jobIDs {
		for _, result := range resultsByJob[jobID] {
			summary.TotalURLsCrawled++
			if result.Failed() || len(result.Data) == 0 {
				summary.FailedExtractions++
				continue
			}
			summary.SuccessfulExtractions++
			for field, value := range result.Data {
				if !value.IsNull() {
					summary.DataSummary.FieldDistribution[field]++
				}
			}
		}
	}

	records := summary.SuccessfulExtractions
	summary.DataSummary.TotalRecords = records
	for field, count := range summary.DataSummary.FieldDistribution {
		if 2*count >= records {
			summary.CommonFields = append(summary.CommonFields, field)
		}
	}
	slices.Sort(summary.CommonFields)

	if summary.TotalURLsCrawled > 0 {
		summary.DataSummary.SuccessRate = float64(records) / float64(summary.TotalURLsCrawled)
	}
	return summary
}
