package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/rulecrawler/internal/metrics"
)

// Engine executes crawl jobs: robots filtering, bounded fetching, extraction and persistence.
type Engine struct {
	cfg       EngineConfig
	store     RunStore
	robots    RobotsPolicy
	fetcher   BatchFetcher
	extractor Extractor
	clock     Clock
	archive   BlobStore
	hasher    Hasher
	publisher Publisher
	logger    *zap.Logger
}

// EngineOption configures optional Engine collaborators.
type EngineOption func(*Engine)

// WithArchive stores every successfully fetched body in the blob store.
func WithArchive(store BlobStore, hasher Hasher) EngineOption {
	return func(e *Engine) {
		e.archive = store
		e.hasher = hasher
	}
}

// WithPublisher emits a completion event after each terminal transition.
func WithPublisher(publisher Publisher) EngineOption {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// NewEngine wires an Engine. robots may be nil when enforcement is never wanted.
func NewEngine(
	cfg EngineConfig,
	store RunStore,
	robots RobotsPolicy,
	fetcher BatchFetcher,
	extractor Extractor,
	clock Clock,
	logger *zap.Logger,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		store:     store,
		robots:    robots,
		fetcher:   fetcher,
		extractor: extractor,
		clock:     clock,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one job and moves it pending->running->{completed|failed}.
// The returned RunResult carries whatever results were produced, even on failure.
// The job is never left running once Run returns, unless the store itself
// refuses every status write.
func (e *Engine) Run(ctx context.Context, jobID string) (result RunResult, err error) {
	result = RunResult{JobID: jobID, Results: []PageResult{}}

	job, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return result, fmt.Errorf("load job %s: %w", jobID, err)
		}
		return result, &StorageError{Op: "load job", Err: err}
	}
	if job.Status == JobStatusRunning {
		return result, fmt.Errorf("run job %s: %w", jobID, ErrJobRunning)
	}
	result.Status = job.Status

	logger := e.logger.With(zap.String("job_id", jobID))
	started := e.clock.Now()
	if err := e.store.MarkRunning(ctx, jobID, started); err != nil {
		if errors.Is(err, ErrJobRunning) || errors.Is(err, ErrJobNotFound) {
			return result, fmt.Errorf("run job %s: %w", jobID, err)
		}
		return result, e.finish(ctx, logger, &result, started, &StorageError{Op: "mark job running", Err: err})
	}
	logger.Info("crawl job started", zap.Int("urls", len(job.URLs)))

	defer func() {
		if rec := recover(); rec != nil {
			err = e.finish(ctx, logger, &result, started, fmt.Errorf("crawl job panicked: %v", rec))
		}
	}()

	result.Results, result.Skipped = e.crawl(ctx, logger, job)

	if err := e.store.SaveResults(ctx, jobID, result.Results); err != nil {
		return result, e.finish(ctx, logger, &result, started, &StorageError{Op: "save results", Err: err})
	}
	return result, e.finish(ctx, logger, &result, started, nil)
}

// finish writes the terminal status. cause nil means completed. The returned
// error is cause, or a StorageError when recording completion failed.
func (e *Engine) finish(
	ctx context.Context,
	logger *zap.Logger,
	result *RunResult,
	started time.Time,
	cause error,
) error {
	writeCtx := context.WithoutCancel(ctx)
	completed := e.clock.Now()
	update := StatusUpdate{
		Status:      JobStatusCompleted,
		StartedAt:   &started,
		CompletedAt: &completed,
	}
	if cause != nil {
		update.Status = JobStatusFailed
		update.ErrorText = cause.Error()
	}

	if err := e.store.SaveStatus(writeCtx, result.JobID, update); err != nil {
		if cause == nil {
			cause = &StorageError{Op: "save completed status", Err: err}
			update.Status = JobStatusFailed
			update.ErrorText = cause.Error()
			if ferr := e.store.SaveStatus(writeCtx, result.JobID, update); ferr != nil {
				logger.Error("failed to record failed status", zap.Error(ferr))
			}
		} else {
			logger.Error("failed to record failed status", zap.Error(err), zap.NamedError("cause", cause))
		}
	}

	result.Status = update.Status
	result.Error = update.ErrorText
	metrics.ObserveJob(string(update.Status))
	if cause != nil {
		logger.Error("crawl job failed", zap.Int("results", len(result.Results)), zap.Error(cause))
	} else {
		logger.Info("crawl job completed",
			zap.Int("results", len(result.Results)),
			zap.Int("skipped", len(result.Skipped)),
			zap.Duration("elapsed", completed.Sub(started)),
		)
	}
	e.publishResult(writeCtx, logger, *result, started, completed)
	return cause
}

func (e *Engine) crawl(ctx context.Context, logger *zap.Logger, job Job) ([]PageResult, []string) {
	urls := DedupeURLs(job.URLs)

	respect := e.cfg.RespectRobots
	if job.RespectRobots != nil {
		respect = *job.RespectRobots
	}
	var skipped []string
	if respect && e.robots != nil {
		urls, skipped = e.filterAllowed(ctx, logger, urls)
	}
	if len(urls) == 0 {
		logger.Warn("no URLs to crawl after robots.txt filtering")
		return []PageResult{}, skipped
	}

	fetchCtx := ctx
	if e.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.cfg.JobTimeout)
		defer cancel()
	}
	outcomes := e.fetcher.FetchAll(fetchCtx, urls, e.cfg.Headers)

	results := make([]PageResult, 0, len(outcomes))
	for _, outcome := range outcomes {
		results = append(results, e.pageResult(ctx, logger, job, outcome))
	}
	return results, skipped
}

// filterAllowed checks URLs in parallel so an unseen origin only delays its
// own URLs. Input order is preserved.
func (e *Engine) filterAllowed(ctx context.Context, logger *zap.Logger, urls []string) ([]string, []string) {
	allowed := make([]bool, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.RobotsConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			allowed[i] = e.isAllowed(gctx, logger, u)
			return nil
		})
	}
	_ = g.Wait()

	kept := make([]string, 0, len(urls))
	var skipped []string
	for i, u := range urls {
		if allowed[i] {
			kept = append(kept, u)
			continue
		}
		skipped = append(skipped, u)
		metrics.ObserveRobotsBlocked(u)
		logger.Warn("URL blocked by robots.txt", zap.String("url", u), zap.Error(ErrPolicyBlocked))
	}
	return kept, skipped
}

// isAllowed consults the robots policy. A panicking policy allows the URL,
// the same as any other robots.txt failure.
func (e *Engine) isAllowed(ctx context.Context, logger *zap.Logger, rawURL string) (allowed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("robots.txt check panicked, allowing URL", zap.String("url", rawURL), zap.Any("panic", rec))
			allowed = true
		}
	}()
	return e.robots.IsAllowed(ctx, rawURL)
}

func (e *Engine) pageResult(ctx context.Context, logger *zap.Logger, job Job, outcome FetchOutcome) PageResult {
	page := PageResult{
		URL:        outcome.URL,
		Data:       map[string]Value{},
		StatusCode: outcome.StatusCode,
		FetchedAt:  outcome.FetchedAt,
	}
	if !outcome.OK() {
		page.Error = outcome.ErrorText()
		metrics.ObservePage(outcome.URL, string(outcome.Status), 0)
		logger.Warn("failed to crawl URL",
			zap.String("url", outcome.URL),
			zap.String("outcome", string(outcome.Status)),
			zap.String("error", page.Error),
		)
		return page
	}

	data, err := e.extractor.Extract(outcome.Body, job.Rules)
	if data != nil {
		page.Data = data
	}
	if err != nil {
		page.Error = err.Error()
		logger.Warn("failed to parse page", zap.String("url", outcome.URL), zap.Error(err))
	}
	e.archivePage(ctx, logger, job.ID, &page, outcome.Body)
	metrics.ObservePage(outcome.URL, string(FetchSuccess), len(outcome.Body))
	logger.Debug("crawled URL", zap.String("url", outcome.URL), zap.Int("fields", len(page.Data)))
	return page
}

func (e *Engine) archivePage(ctx context.Context, logger *zap.Logger, jobID string, page *PageResult, body []byte) {
	if e.archive == nil || e.hasher == nil {
		return
	}
	hash, err := e.hasher.Hash(body)
	if err != nil {
		logger.Warn("failed to hash page body", zap.String("url", page.URL), zap.Error(err))
		return
	}
	page.ContentHash = hash
	blobPath := path.Join(strings.Trim(e.cfg.ArchivePrefix, "/"), jobID, hash+".html")
	uri, err := e.archive.PutObject(ctx, blobPath, e.cfg.ArchiveContentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("failed to archive page body", zap.String("url", page.URL), zap.Error(err))
		return
	}
	page.BlobURI = uri
}

func (e *Engine) publishResult(
	ctx context.Context,
	logger *zap.Logger,
	result RunResult,
	started time.Time,
	completed time.Time,
) {
	if e.publisher == nil || e.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":       result.JobID,
		"status":       result.Status,
		"results":      result.Results,
		"skipped":      result.Skipped,
		"error":        result.Error,
		"started_at":   started.Format(time.RFC3339),
		"completed_at": completed.Format(time.RFC3339),
	}
	id, err := e.publisher.Publish(ctx, e.cfg.Topic, payload)
	if err != nil {
		logger.Warn("failed to publish job completion", zap.String("topic", e.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("job completion published", zap.String("topic", e.cfg.Topic), zap.String("message_id", id))
}
