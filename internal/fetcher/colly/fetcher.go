// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
	"github.com/JakeFAU/rulecrawler/internal/transport"
)

const (
	// DefaultTimeout bounds one page request.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	VerifyTLS    bool
	MaxBodyBytes int
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Fetcher implements crawler.Fetcher using the Colly collector.
// The base collector owns the shared HTTP client; every Fetch works on a clone
// so callbacks never leak between concurrent requests.
type Fetcher struct {
	userAgent     string
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. An empty user agent selects a browser identity for the
// lifetime of the Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("fetcher")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	rt := cfg.Transport
	if rt == nil {
		tcfg := transport.DefaultConfig()
		tcfg.VerifyTLS = cfg.VerifyTLS
		rt = transport.New(tcfg)
	}
	if !cfg.VerifyTLS {
		logger.Warn("TLS certificate verification is disabled for page fetches")
	}

	userAgent := PickUserAgent(cfg.UserAgent)
	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = userAgent
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodyBytes
	c.WithTransport(rt)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		userAgent:     userAgent,
		baseCollector: c,
		logger:        logger,
	}
}

// UserAgent returns the identity sent with every request.
func (f *Fetcher) UserAgent() string {
	return f.userAgent
}

// Fetch executes a single HTTP GET. Transport failures and non-2xx responses
// are reported in the outcome; Fetch itself never fails.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) crawler.FetchOutcome {
	start := time.Now()
	outcome := crawler.FetchOutcome{URL: request.URL}
	var fetchErr error

	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, &outcome, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return f.networkFailure(request.URL, start, err)
	}
	outcome.Duration = time.Since(start)
	outcome.FetchedAt = start.UTC()
	if outcome.StatusCode < 200 || outcome.StatusCode > 299 {
		outcome.Status = crawler.FetchHTTPError
		outcome.Err = &crawler.HTTPStatusError{StatusCode: outcome.StatusCode}
		outcome.Body = nil
		return outcome
	}
	outcome.Status = crawler.FetchSuccess
	return outcome
}

func (f *Fetcher) networkFailure(rawURL string, start time.Time, err error) crawler.FetchOutcome {
	f.logger.Debug("fetch failed", zap.String("url", rawURL), zap.Error(err))
	return crawler.FetchOutcome{
		URL:       rawURL,
		Status:    crawler.FetchNetworkError,
		Err:       &crawler.NetworkError{URL: rawURL, Err: err},
		Duration:  time.Since(start),
		FetchedAt: start.UTC(),
	}
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	outcome *crawler.FetchOutcome,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range browserHeaders() {
			r.Headers.Set(key, value)
		}
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		outcome.StatusCode = r.StatusCode
		outcome.Body = append([]byte(nil), r.Body...)
		outcome.Duration = time.Since(start)
		if r.Headers != nil {
			outcome.Headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return unwrapVisitError(err)
		}
		if *fetchErr != nil {
			return unwrapVisitError(*fetchErr)
		}
		return nil
	}
}

// unwrapVisitError drops the url.Error envelope so page errors read like
// "dial tcp ...: connection refused" instead of repeating the method and URL.
func unwrapVisitError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err
	}
	return err
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}
