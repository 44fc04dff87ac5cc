package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// RuleSet maps a field name to the selector used to extract it.
type RuleSet map[string]string

// Clone returns an independent copy of the rule set.
func (r RuleSet) Clone() RuleSet {
	if r == nil {
		return nil
	}
	out := make(RuleSet, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Job represents the metadata persisted for each crawl definition.
type Job struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	URLs          []string   `json:"target_urls"`
	Rules         RuleSet    `json:"extraction_rules"`
	RespectRobots *bool      `json:"respect_robots,omitempty"`
	Status        JobStatus  `json:"status"`
	ErrorText     string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a snapshot that shares no mutable state with j.
func (j Job) Clone() Job {
	cp := j
	if j.URLs != nil {
		cp.URLs = append([]string(nil), j.URLs...)
	}
	cp.Rules = j.Rules.Clone()
	if j.RespectRobots != nil {
		v := *j.RespectRobots
		cp.RespectRobots = &v
	}
	if j.StartedAt != nil {
		ts := *j.StartedAt
		cp.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}

// StatusUpdate is one lifecycle transition written to the job store.
type StatusUpdate struct {
	Status      JobStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	ErrorText   string
}

// PageResult is the per-URL outcome of one crawl attempt.
type PageResult struct {
	URL         string           `json:"url"`
	Error       string           `json:"error,omitempty"`
	Data        map[string]Value `json:"data"`
	StatusCode  int              `json:"status_code,omitempty"`
	FetchedAt   time.Time        `json:"fetched_at"`
	ContentHash string           `json:"content_hash,omitempty"`
	BlobURI     string           `json:"blob_uri,omitempty"`
}

// Failed reports whether the page carries an error instead of extracted data.
func (p PageResult) Failed() bool {
	return p.Error != ""
}

// FetchStatus classifies a single fetch attempt.
type FetchStatus string

// Fetch outcome classes.
const (
	FetchSuccess      FetchStatus = "success"
	FetchHTTPError    FetchStatus = "http_error"
	FetchNetworkError FetchStatus = "network_error"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchOutcome is the result of one fetch attempt. Body is only set on success.
type FetchOutcome struct {
	URL        string
	Status     FetchStatus
	StatusCode int
	Headers    http.Header
	Body       []byte
	Err        error
	Duration   time.Duration
	FetchedAt  time.Time
}

// OK reports whether the fetch produced a usable body.
func (o FetchOutcome) OK() bool {
	return o.Status == FetchSuccess
}

// ErrorText renders the outcome error for a PageResult.
func (o FetchOutcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// QueueItem wraps a job ready to run. Submitted is the enqueue time in Unix nanoseconds.
type QueueItem struct {
	JobID     string
	Submitted int64
}

// RunResult is what one Engine.Run produced, including partial results on failure.
type RunResult struct {
	JobID   string       `json:"job_id"`
	Status  JobStatus    `json:"status"`
	Results []PageResult `json:"results"`
	Skipped []string     `json:"skipped,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// ReportSummary is the aggregate view over the results of several jobs.
type ReportSummary struct {
	TotalJobs             int         `json:"total_jobs"`
	TotalURLsCrawled      int         `json:"total_urls_crawled"`
	SuccessfulExtractions int         `json:"successful_extractions"`
	FailedExtractions     int         `json:"failed_extractions"`
	CommonFields          []string    `json:"common_fields"`
	DataSummary           DataSummary `json:"data_summary"`
}

// DataSummary describes how often each field was extracted.
type DataSummary struct {
	TotalRecords      int            `json:"total_records"`
	FieldDistribution map[string]int `json:"field_distribution"`
	SuccessRate       float64        `json:"success_rate"`
}

// Report is a stored summary over a fixed set of jobs.
type Report struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	JobIDs      []string      `json:"crawl_job_ids"`
	Data        ReportSummary `json:"report_data"`
	CreatedAt   time.Time     `json:"created_at"`
}
