// Package pool fetches URL lists with bounded concurrency and politeness delays.
package pool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
	"github.com/JakeFAU/rulecrawler/internal/metrics"
)

const (
	// DefaultMaxConcurrency is used when no bound is configured.
	DefaultMaxConcurrency = 5
)

// Config holds the pool limits.
type Config struct {
	MaxConcurrency int
	// DelayMin and DelayMax bound the pause a worker takes after each fetch
	// before giving up its slot.
	DelayMin time.Duration
	DelayMax time.Duration
}

// Waiter throttles requests before they are sent.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// pauseController abstracts how a worker waits out its politeness delay.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Pool implements crawler.BatchFetcher on top of a single-URL Fetcher.
type Pool struct {
	cfg     Config
	fetcher crawler.Fetcher
	waiter  Waiter
	pauser  pauseController
	delay   func(minDelay, maxDelay time.Duration) time.Duration
	logger  *zap.Logger
}

// New creates a Pool. waiter may be nil.
func New(cfg Config, fetcher crawler.Fetcher, waiter Waiter, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	return &Pool{
		cfg:     cfg,
		fetcher: fetcher,
		waiter:  waiter,
		pauser:  timerPauseController{},
		delay:   RandomDelay,
		logger:  logger.Named("pool"),
	}
}

// FetchAll fetches every URL and returns one outcome per URL in input order.
// A failed URL never affects the others.
func (p *Pool) FetchAll(ctx context.Context, urls []string, headers http.Header) []crawler.FetchOutcome {
	outcomes := make([]crawler.FetchOutcome, len(urls))
	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrency)

	for i, rawURL := range urls {
		g.Go(func() error {
			outcomes[i] = p.fetchOne(ctx, rawURL, headers)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (p *Pool) fetchOne(ctx context.Context, rawURL string, headers http.Header) crawler.FetchOutcome {
	if p.waiter != nil {
		if err := p.waiter.Wait(ctx, rawURL); err != nil {
			return crawler.FetchOutcome{
				URL:       rawURL,
				Status:    crawler.FetchNetworkError,
				Err:       &crawler.NetworkError{URL: rawURL, Err: err},
				FetchedAt: time.Now().UTC(),
			}
		}
	}

	outcome := p.fetch(ctx, crawler.FetchRequest{URL: rawURL, Headers: headers.Clone()})
	if outcome.URL == "" {
		outcome.URL = rawURL
	}
	p.logger.Debug("fetched URL",
		zap.String("url", rawURL),
		zap.String("outcome", string(outcome.Status)),
		zap.Int("status_code", outcome.StatusCode),
		zap.Duration("duration", outcome.Duration),
	)

	delay := p.delay(p.cfg.DelayMin, p.cfg.DelayMax)
	metrics.ObserveFetchDelay(delay)
	p.pauser.Pause(ctx, delay)
	return outcome
}

// fetch runs one request. A panicking fetcher yields a network error outcome
// for that URL instead of taking the whole process down.
func (p *Pool) fetch(ctx context.Context, req crawler.FetchRequest) (outcome crawler.FetchOutcome) {
	metrics.IncFetchesInFlight()
	defer metrics.DecFetchesInFlight()
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("fetcher panicked", zap.String("url", req.URL), zap.Any("panic", rec))
			outcome = crawler.FetchOutcome{
				URL:       req.URL,
				Status:    crawler.FetchNetworkError,
				Err:       &crawler.NetworkError{URL: req.URL, Err: fmt.Errorf("fetcher panicked: %v", rec)},
				FetchedAt: time.Now().UTC(),
			}
		}
	}()
	return p.fetcher.Fetch(ctx, req)
}

// RandomDelay draws uniformly from [minDelay, maxDelay].
func RandomDelay(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return minDelay
	}
	return minDelay + time.Duration(rand.Int64N(int64(maxDelay-minDelay)+1))
}
