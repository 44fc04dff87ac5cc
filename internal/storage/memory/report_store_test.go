package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
)

func TestReportStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	report := crawler.Report{
		ID:     "report-1",
		Title:  "weekly",
		JobIDs: []string{"job-1"},
		Data: crawler.ReportSummary{
			TotalJobs:    1,
			CommonFields: []string{"title"},
			DataSummary:  crawler.DataSummary{FieldDistribution: map[string]int{"title": 1}},
		},
		CreatedAt: time.Unix(100, 0).UTC(),
	}

	require.NoError(t, store.CreateReport(ctx, report))
	require.ErrorIs(t, store.CreateReport(ctx, report), crawler.ErrReportExists)

	loaded, err := store.LoadReport(ctx, "report-1")
	require.NoError(t, err)
	assert.Equal(t, report, loaded)

	loaded.JobIDs[0] = "mutated"
	loaded.Data.DataSummary.FieldDistribution["title"] = 99
	again, err := store.LoadReport(ctx, "report-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, again.JobIDs)
	assert.Equal(t, 1, again.Data.DataSummary.FieldDistribution["title"])

	_, err = store.LoadReport(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrReportNotFound)
}

func TestReportStoreListsNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Unix(100, 0).UTC()
	for i, id := range []string{"r-old", "r-mid", "r-new"} {
		require.NoError(t, store.CreateReport(ctx, crawler.Report{
			ID:        id,
			Title:     id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	reports, err := store.ListReports(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "r-new", reports[0].ID)
	assert.Equal(t, "r-old", reports[2].ID)

	page, err := store.ListReports(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "r-mid", page[0].ID)

	empty, err := store.ListReports(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
