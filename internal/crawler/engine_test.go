package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(store RunStore, robots RobotsPolicy, fetcher BatchFetcher, extractor Extractor, opts ...EngineOption) *Engine {
	return NewEngine(
		EngineConfig{RespectRobots: true, Topic: "crawl-jobs", ArchivePrefix: "pages"},
		store,
		robots,
		fetcher,
		extractor,
		&fakeClock{now: time.Unix(1000, 0)},
		zap.NewNop(),
		opts...,
	)
}

func TestEngine_Run_CompletesAndPersistsResults(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-ok",
		URLs:  []string{"https://a.test/1", "https://a.test/2"},
		Rules: RuleSet{"title": "h1"},
	})
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/1": okOutcome("<h1>One</h1>"),
		"https://a.test/2": okOutcome("<h1>Two</h1>"),
	}}
	extractor := &fakeExtractor{data: map[string]Value{"title": TextValue("T")}}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, extractor)

	result, err := engine.Run(context.Background(), "job-ok")
	require.NoError(t, err)
	require.Equal(t, JobStatusCompleted, result.Status)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "https://a.test/1", result.Results[0].URL)
	assert.Equal(t, "https://a.test/2", result.Results[1].URL)
	assert.Equal(t, TextValue("T"), result.Results[0].Data["title"])
	assert.Equal(t, http.StatusOK, result.Results[0].StatusCode)

	job := store.job("job-ok")
	require.Equal(t, JobStatusCompleted, job.Status)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.True(t, job.CompletedAt.After(*job.StartedAt))
	assert.Len(t, store.results["job-ok"], 2)

	require.Len(t, store.statuses, 2)
	assert.Equal(t, JobStatusRunning, store.statuses[0].Status)
	assert.Equal(t, JobStatusCompleted, store.statuses[1].Status)
}

func TestEngine_Run_FailedFetchKeepsGoing(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-mixed",
		URLs:  []string{"https://a.test/ok", "https://a.test/missing", "https://down.test/"},
		Rules: RuleSet{"title": "h1"},
	})
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/ok": okOutcome("<h1>ok</h1>"),
		"https://a.test/missing": {
			Status:     FetchHTTPError,
			StatusCode: http.StatusNotFound,
			Err:        &HTTPStatusError{StatusCode: http.StatusNotFound},
		},
	}}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, &fakeExtractor{})

	result, err := engine.Run(context.Background(), "job-mixed")
	require.NoError(t, err)
	require.Equal(t, JobStatusCompleted, result.Status)
	require.Len(t, result.Results, 3)

	assert.False(t, result.Results[0].Failed())
	assert.Equal(t, "HTTP 404", result.Results[1].Error)
	assert.Empty(t, result.Results[1].Data)
	assert.NotNil(t, result.Results[1].Data)
	assert.Equal(t, "connection refused", result.Results[2].Error)
}

func TestEngine_Run_RobotsFiltering(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-robots",
		URLs:  []string{"https://a.test/public", "https://a.test/private/x"},
		Rules: RuleSet{"t": "title"},
	})
	robots := &fakeRobots{blocked: map[string]bool{"https://a.test/private/x": true}}
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/public": okOutcome("<title>p</title>"),
	}}
	engine := newTestEngine(store, robots, fetcher, &fakeExtractor{})

	result, err := engine.Run(context.Background(), "job-robots")
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "https://a.test/public", result.Results[0].URL)
	assert.Equal(t, []string{"https://a.test/private/x"}, result.Skipped)
	assert.Equal(t, []string{"https://a.test/public"}, fetcher.lastCall())
}

func TestEngine_Run_RobotsPanicAllowsURL(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-robots-panic",
		URLs:  []string{"https://a.test/1", "https://b.test/2"},
		Rules: RuleSet{"t": "title"},
	})
	robots := &fakeRobots{panicOn: "https://b.test/2"}
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/1": okOutcome("<title>a</title>"),
		"https://b.test/2": okOutcome("<title>b</title>"),
	}}
	engine := newTestEngine(store, robots, fetcher, &fakeExtractor{})

	result, err := engine.Run(context.Background(), "job-robots-panic")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, result.Status)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, []string{"https://a.test/1", "https://b.test/2"}, fetcher.lastCall())
}

func TestEngine_Run_AllBlockedCompletesEmpty(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-blocked",
		URLs:  []string{"https://a.test/private"},
		Rules: RuleSet{"t": "title"},
	})
	robots := &fakeRobots{blocked: map[string]bool{"https://a.test/private": true}}
	fetcher := &fakeBatchFetcher{}
	engine := newTestEngine(store, robots, fetcher, &fakeExtractor{})

	result, err := engine.Run(context.Background(), "job-blocked")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, result.Status)
	assert.Empty(t, result.Results)
	assert.NotNil(t, result.Results)
	assert.Nil(t, fetcher.lastCall())
	assert.Equal(t, JobStatusCompleted, store.job("job-blocked").Status)
}

func TestEngine_Run_RobotsOverrides(t *testing.T) {
	t.Parallel()

	disabled := false
	store := newFakeRunStore(Job{
		ID:            "job-no-robots",
		URLs:          []string{"https://a.test/private"},
		Rules:         RuleSet{"t": "title"},
		RespectRobots: &disabled,
	})
	robots := &fakeRobots{blocked: map[string]bool{"https://a.test/private": true}}
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/private": okOutcome("<title>x</title>"),
	}}
	engine := newTestEngine(store, robots, fetcher, &fakeExtractor{})

	result, err := engine.Run(context.Background(), "job-no-robots")
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Zero(t, robots.checkedCount())
}

func TestEngine_Run_DedupesURLs(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-dupes",
		URLs:  []string{"https://a.test/1", " https://a.test/1 ", "", "https://a.test/2", "https://a.test/1"},
		Rules: RuleSet{"t": "title"},
	})
	fetcher := &fakeBatchFetcher{}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, &fakeExtractor{})

	_, err := engine.Run(context.Background(), "job-dupes")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test/1", "https://a.test/2"}, fetcher.lastCall())
}

func TestEngine_Run_SaveResultsFailureMarksFailed(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-db-down",
		URLs:  []string{"https://a.test/1"},
		Rules: RuleSet{"t": "title"},
	})
	store.resultsErr = errors.New("connection reset")
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/1": okOutcome("<title>x</title>"),
	}}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, &fakeExtractor{})

	result, err := engine.Run(context.Background(), "job-db-down")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, JobStatusFailed, result.Status)
	assert.Len(t, result.Results, 1, "partial results are returned")

	job := store.job("job-db-down")
	assert.Equal(t, JobStatusFailed, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Contains(t, job.ErrorText, "connection reset")
}

func TestEngine_Run_CompletedStatusFailureFallsBackToFailed(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-status-fail",
		URLs:  []string{"https://a.test/1"},
		Rules: RuleSet{"t": "title"},
	})
	store.statusErr[JobStatusCompleted] = errors.New("write timeout")
	engine := newTestEngine(store, &fakeRobots{}, &fakeBatchFetcher{}, &fakeExtractor{})

	result, err := engine.Run(context.Background(), "job-status-fail")
	require.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, JobStatusFailed, result.Status)
	assert.Equal(t, JobStatusFailed, store.job("job-status-fail").Status)
	assert.Equal(t, JobStatusFailed, store.lastStatus().Status)
}

func TestEngine_Run_PanicMarksFailed(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-panic",
		URLs:  []string{"https://a.test/1"},
		Rules: RuleSet{"t": "title"},
	})
	fetcher := &fakeBatchFetcher{panicMsg: "boom"}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, &fakeExtractor{})

	result, err := engine.Run(context.Background(), "job-panic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, JobStatusFailed, result.Status)
	assert.Equal(t, JobStatusFailed, store.job("job-panic").Status)
}

func TestEngine_Run_RejectsRunningJob(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{ID: "job-busy", Status: JobStatusRunning, URLs: []string{"https://a.test"}})
	engine := newTestEngine(store, &fakeRobots{}, &fakeBatchFetcher{}, &fakeExtractor{})

	_, err := engine.Run(context.Background(), "job-busy")
	require.ErrorIs(t, err, ErrJobRunning)
	assert.Empty(t, store.statuses)
}

func TestEngine_Run_ConcurrentRunsOfOneJobExecuteOnce(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-twice",
		URLs:  []string{"https://a.test/1"},
		Rules: RuleSet{"t": "title"},
	})
	// Both runs read the job as pending before either claims it.
	store.loadDelay = 20 * time.Millisecond
	fetcher := &fakeBatchFetcher{delay: 200 * time.Millisecond}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, &fakeExtractor{})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = engine.Run(context.Background(), "job-twice")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fetcher.callCount())
	var rejected int
	for _, err := range errs {
		if errors.Is(err, ErrJobRunning) {
			rejected++
			continue
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, JobStatusCompleted, store.job("job-twice").Status)
}

func TestEngine_Run_MarkRunningFailureIsStorageError(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{ID: "job-claim", URLs: []string{"https://a.test/1"}})
	store.statusErr[JobStatusRunning] = errors.New("deadlock detected")
	fetcher := &fakeBatchFetcher{}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, &fakeExtractor{})

	result, err := engine.Run(context.Background(), "job-claim")
	require.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, JobStatusFailed, result.Status)
	assert.Zero(t, fetcher.callCount())
	assert.Equal(t, JobStatusFailed, store.job("job-claim").Status)
}

func TestEngine_Run_MissingJob(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(newFakeRunStore(), &fakeRobots{}, &fakeBatchFetcher{}, &fakeExtractor{})

	_, err := engine.Run(context.Background(), "nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestEngine_Run_LoadFailureIsStorageError(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore()
	store.loadErr = errors.New("db offline")
	engine := newTestEngine(store, &fakeRobots{}, &fakeBatchFetcher{}, &fakeExtractor{})

	_, err := engine.Run(context.Background(), "job")
	require.ErrorIs(t, err, ErrStorage)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "load job", storageErr.Op)
}

func TestEngine_Run_ReexecutionReplacesResults(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-again",
		URLs:  []string{"https://a.test/1"},
		Rules: RuleSet{"t": "title"},
	})
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/1": okOutcome("<title>x</title>"),
	}}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, &fakeExtractor{})

	_, err := engine.Run(context.Background(), "job-again")
	require.NoError(t, err)
	_, err = engine.Run(context.Background(), "job-again")
	require.NoError(t, err)
	assert.Len(t, store.results["job-again"], 1)
	assert.Equal(t, JobStatusCompleted, store.job("job-again").Status)
}

func TestEngine_Run_ExtractorErrorStaysOnPage(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-parse",
		URLs:  []string{"https://a.test/1"},
		Rules: RuleSet{"t": "title"},
	})
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/1": okOutcome("\x00"),
	}}
	extractor := &fakeExtractor{err: &ParseError{Err: errors.New("bad document")}}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, extractor)

	result, err := engine.Run(context.Background(), "job-parse")
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Contains(t, result.Results[0].Error, "bad document")
	assert.True(t, result.Results[0].Data["t"].IsNull())
}

func TestEngine_Run_ArchivesAndPublishes(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-archive",
		URLs:  []string{"https://a.test/1"},
		Rules: RuleSet{"t": "title"},
	})
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/1": okOutcome("<title>x</title>"),
	}}
	blobs := &fakeBlobStore{}
	publisher := &fakePublisher{}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, &fakeExtractor{},
		WithArchive(blobs, &fakeHasher{hash: "abc123"}),
		WithPublisher(publisher),
	)

	result, err := engine.Run(context.Background(), "job-archive")
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "abc123", result.Results[0].ContentHash)
	assert.Equal(t, "mem://pages/job-archive/abc123.html", result.Results[0].BlobURI)
	assert.Equal(t, []byte("<title>x</title>"), blobs.objects["pages/job-archive/abc123.html"])

	require.Len(t, publisher.messages, 1)
	payload, ok := publisher.messages[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "job-archive", payload["job_id"])
	assert.Equal(t, JobStatusCompleted, payload["status"])
}

func TestEngine_Run_ArchiveAndPublishFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{
		ID:    "job-soft",
		URLs:  []string{"https://a.test/1"},
		Rules: RuleSet{"t": "title"},
	})
	fetcher := &fakeBatchFetcher{outcomes: map[string]FetchOutcome{
		"https://a.test/1": okOutcome("<title>x</title>"),
	}}
	engine := newTestEngine(store, &fakeRobots{}, fetcher, &fakeExtractor{},
		WithArchive(&fakeBlobStore{err: errors.New("bucket gone")}, &fakeHasher{hash: "h"}),
		WithPublisher(&fakePublisher{err: errors.New("topic gone")}),
	)

	result, err := engine.Run(context.Background(), "job-soft")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, result.Status)
	assert.Empty(t, result.Results[0].BlobURI)
}

func TestEngine_Run_JobTimeoutBoundsFetchContext(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore(Job{ID: "job-deadline", URLs: []string{"https://a.test/1"}, Rules: RuleSet{"t": "title"}})
	fetcher := &fakeBatchFetcher{}
	engine := NewEngine(
		EngineConfig{JobTimeout: time.Minute},
		store, nil, fetcher, &fakeExtractor{}, &fakeClock{}, nil,
	)

	_, err := engine.Run(context.Background(), "job-deadline")
	require.NoError(t, err)
	_, hasDeadline := fetcher.sawCtx.Deadline()
	assert.True(t, hasDeadline)
}
