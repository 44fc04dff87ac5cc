package crawler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

type fakeRunStore struct {
	mu         sync.Mutex
	jobs       map[string]Job
	statuses   []StatusUpdate
	results    map[string][]PageResult
	loadErr    error
	loadDelay  time.Duration
	statusErr  map[JobStatus]error
	resultsErr error
}

func newFakeRunStore(jobs ...Job) *fakeRunStore {
	s := &fakeRunStore{
		jobs:      make(map[string]Job),
		results:   make(map[string][]PageResult),
		statusErr: make(map[JobStatus]error),
	}
	for _, job := range jobs {
		if job.Status == "" {
			job.Status = JobStatusPending
		}
		s.jobs[job.ID] = job
	}
	return s
}

func (s *fakeRunStore) LoadJob(_ context.Context, jobID string) (Job, error) {
	time.Sleep(s.loadDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return Job{}, s.loadErr
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *fakeRunStore) MarkRunning(_ context.Context, jobID string, started time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status == JobStatusRunning {
		return ErrJobRunning
	}
	s.statuses = append(s.statuses, StatusUpdate{Status: JobStatusRunning, StartedAt: &started})
	if err := s.statusErr[JobStatusRunning]; err != nil {
		return err
	}
	job.Status = JobStatusRunning
	job.StartedAt = &started
	job.CompletedAt = nil
	job.ErrorText = ""
	s.jobs[jobID] = job
	return nil
}

func (s *fakeRunStore) SaveStatus(_ context.Context, jobID string, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, update)
	if err := s.statusErr[update.Status]; err != nil {
		return err
	}
	job := s.jobs[jobID]
	job.Status = update.Status
	job.StartedAt = update.StartedAt
	job.CompletedAt = update.CompletedAt
	job.ErrorText = update.ErrorText
	s.jobs[jobID] = job
	return nil
}

func (s *fakeRunStore) SaveResults(_ context.Context, jobID string, results []PageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultsErr != nil {
		return s.resultsErr
	}
	s.results[jobID] = append([]PageResult(nil), results...)
	return nil
}

func (s *fakeRunStore) job(id string) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *fakeRunStore) lastStatus() StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return StatusUpdate{}
	}
	return s.statuses[len(s.statuses)-1]
}

type fakeRobots struct {
	mu      sync.Mutex
	blocked map[string]bool
	panicOn string
	checked []string
}

func (r *fakeRobots) IsAllowed(_ context.Context, rawURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checked = append(r.checked, rawURL)
	if rawURL == r.panicOn {
		panic("robots parser exploded")
	}
	return !r.blocked[rawURL]
}

func (r *fakeRobots) checkedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.checked)
}

type fakeBatchFetcher struct {
	mu       sync.Mutex
	outcomes map[string]FetchOutcome
	calls    [][]string
	panicMsg string
	delay    time.Duration
	sawCtx   context.Context
}

func (f *fakeBatchFetcher) FetchAll(ctx context.Context, urls []string, _ http.Header) []FetchOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), urls...))
	f.sawCtx = ctx
	f.mu.Unlock()
	time.Sleep(f.delay)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	out := make([]FetchOutcome, len(urls))
	for i, u := range urls {
		outcome, ok := f.outcomes[u]
		if !ok {
			outcome = FetchOutcome{
				URL:    u,
				Status: FetchNetworkError,
				Err:    &NetworkError{URL: u, Err: errors.New("connection refused")},
			}
		}
		outcome.URL = u
		out[i] = outcome
	}
	return out
}

func (f *fakeBatchFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBatchFetcher) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fakeExtractor struct {
	data map[string]Value
	err  error
}

func (e *fakeExtractor) Extract(_ []byte, rules RuleSet) (map[string]Value, error) {
	out := make(map[string]Value, len(rules))
	for key := range rules {
		if v, ok := e.data[key]; ok {
			out[key] = v
			continue
		}
		out[key] = NullValue()
	}
	return out, e.err
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[path] = body
	return "mem://" + path, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, payload)
	return "msg-1", nil
}

type fakeHasher struct{ hash string }

func (h *fakeHasher) Hash(_ []byte) (string, error) { return h.hash, nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances one second per call so timestamps are ordered.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func okOutcome(body string) FetchOutcome {
	return FetchOutcome{
		Status:     FetchSuccess,
		StatusCode: http.StatusOK,
		Body:       []byte(body),
		FetchedAt:  time.Unix(50, 0),
	}
}
