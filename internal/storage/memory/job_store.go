// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
)

// JobStore provides an in-memory crawler.JobStore.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]crawler.Job
	results map[string][]crawler.PageResult
	reports map[string]crawler.Report
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]crawler.Job),
		results: make(map[string][]crawler.PageResult),
		reports: make(map[string]crawler.Report),
	}
}

// CreateJob stores a new job. Missing status and timestamps are filled in.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// LoadJob fetches a snapshot of a job by ID.
func (s *JobStore) LoadJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("load job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return job.Clone(), nil
}

// ListJobs returns jobs newest first.
func (s *JobStore) ListJobs(_ context.Context, offset, limit int) ([]crawler.Job, error) {
	s.mu.RLock()
	jobs := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(jobs) {
		return []crawler.Job{}, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// UpdateJob replaces the job definition. Lifecycle fields are left untouched.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("update job %s: %w", job.ID, crawler.ErrJobNotFound)
	}
	update := job.Clone()
	current.Name = update.Name
	current.Description = update.Description
	current.URLs = update.URLs
	current.Rules = update.Rules
	current.RespectRobots = update.RespectRobots
	current.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = current
	return nil
}

// DeleteJob removes a job and its results.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("delete job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	delete(s.jobs, jobID)
	delete(s.results, jobID)
	return nil
}

// MarkRunning moves a job to running unless it already is.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, started time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("mark running %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if job.Status == crawler.JobStatusRunning {
		return fmt.Errorf("mark running %s: %w", jobID, crawler.ErrJobRunning)
	}
	job.Status = crawler.JobStatusRunning
	job.ErrorText = ""
	job.StartedAt = &started
	job.CompletedAt = nil
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

// SaveStatus records a lifecycle transition.
func (s *JobStore) SaveStatus(_ context.Context, jobID string, update crawler.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("save status %s: %w", jobID, crawler.ErrJobNotFound)
	}
	job.Status = update.Status
	job.ErrorText = update.ErrorText
	job.StartedAt = pointerTime(update.StartedAt)
	job.CompletedAt = pointerTime(update.CompletedAt)
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

// SaveResults replaces the job's result set. A repeated URL keeps its last result.
func (s *JobStore) SaveResults(_ context.Context, jobID string, results []crawler.PageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("save results %s: %w", jobID, crawler.ErrJobNotFound)
	}
	s.results[jobID] = uniqueByURL(results)
	return nil
}

// ListResults returns the job's current result set.
func (s *JobStore) ListResults(_ context.Context, jobID string) ([]crawler.PageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("list results %s: %w", jobID, crawler.ErrJobNotFound)
	}
	results := s.results[jobID]
	out := make([]crawler.PageResult, len(results))
	copy(out, results)
	return out, nil
}

func uniqueByURL(results []crawler.PageResult) []crawler.PageResult {
	index := make(map[string]int, len(results))
	out := make([]crawler.PageResult, 0, len(results))
	for _, r := range results {
		if i, ok := index[r.URL]; ok {
			out[i] = r
			continue
		}
		index[r.URL] = len(out)
		out = append(out, r)
	}
	return out
}

func pointerTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
