package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// RunStore is the slice of the job store the engine needs.
type RunStore interface {
	LoadJob(ctx context.Context, jobID string) (Job, error)
	// MarkRunning atomically moves a job that is not running to running and
	// clears the previous outcome. It fails with ErrJobRunning otherwise.
	MarkRunning(ctx context.Context, jobID string, started time.Time) error
	SaveStatus(ctx context.Context, jobID string, update StatusUpdate) error
	SaveResults(ctx context.Context, jobID string, results []PageResult) error
}

// JobStore persists job definitions, lifecycle state and results.
type JobStore interface {
	RunStore
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, offset, limit int) ([]Job, error)
	ListResults(ctx context.Context, jobID string) ([]PageResult, error)
	ReportStore
}

// ReportStore persists generated reports.
type ReportStore interface {
	CreateReport(ctx context.Context, report Report) error
	LoadReport(ctx context.Context, reportID string) (Report, error)
	ListReports(ctx context.Context, offset, limit int) ([]Report, error)
}

// RobotsPolicy answers robots.txt allow/deny queries.
type RobotsPolicy interface {
	IsAllowed(ctx context.Context, rawURL string) bool
}

// Fetcher fetches a single URL. Failures are reported in the outcome, not as an error.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) FetchOutcome
}

// BatchFetcher fetches a URL list with bounded concurrency.
type BatchFetcher interface {
	FetchAll(ctx context.Context, urls []string, headers http.Header) []FetchOutcome
}

// Extractor applies a rule set to one HTML document.
type Extractor interface {
	Extract(document []byte, rules RuleSet) (map[string]Value, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for archived pages.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
