// Package worker runs queued crawl jobs through the engine.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
	"github.com/JakeFAU/rulecrawler/internal/metrics"
)

// Runner executes one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID string) (crawler.RunResult, error)
}

// Worker consumes queue items and hands each job to the Runner.
type Worker struct {
	id     int
	queue  crawler.Queue
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  queue,
		runner: runner,
		logger: logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := time.Now()
	result, err := w.runner.Run(ctx, item.JobID)
	fields := []zap.Field{
		zap.String("job_id", item.JobID),
		zap.Duration("elapsed", time.Since(start)),
	}
	if item.Submitted > 0 {
		fields = append(fields, zap.Duration("queued", start.Sub(time.Unix(0, item.Submitted))))
	}
	switch {
	case errors.Is(err, crawler.ErrJobRunning):
		w.logger.Info("job already running, skipped", fields...)
	case errors.Is(err, crawler.ErrJobNotFound):
		w.logger.Warn("queued job no longer exists", fields...)
	case err != nil:
		w.logger.Error("job run failed", append(fields, zap.String("status", string(result.Status)), zap.Error(err))...)
	default:
		w.logger.Info("job finished", append(fields,
			zap.String("status", string(result.Status)),
			zap.Int("results", len(result.Results)),
			zap.Int("skipped", len(result.Skipped)),
		)...)
	}
}
