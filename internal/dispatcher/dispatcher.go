// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
	"github.com/JakeFAU/rulecrawler/internal/worker"
)

// Dispatcher fans queued jobs out to a fixed pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher with count workers sharing one Runner.
func New(queue crawler.Queue, runner worker.Runner, count int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if count < 1 {
		count = 1
	}
	workers := make([]*worker.Worker, 0, count)
	for i := range count {
		workers = append(workers, worker.New(i+1, queue, runner, logger))
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes and every
// in-flight job has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("count", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
	d.logger.Info("workers stopped")
}

// Submit queues a job for execution. The job ID is the handle callers poll.
func (d *Dispatcher) Submit(ctx context.Context, jobID string) error {
	item := crawler.QueueItem{JobID: jobID, Submitted: time.Now().UnixNano()}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
