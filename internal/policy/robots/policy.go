// Package robots enforces robots.txt directives with a per-origin cache.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
	"github.com/JakeFAU/rulecrawler/internal/metrics"
	"github.com/JakeFAU/rulecrawler/internal/transport"
)

const (
	// DefaultTimeout bounds one robots.txt fetch.
	DefaultTimeout = 10 * time.Second

	maxRobotsBytes = 512 << 10
)

// Config controls how robots.txt files are fetched and matched.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	VerifyTLS bool
	// Client overrides the HTTP client; Timeout still bounds each fetch.
	Client *http.Client
}

// record is the cached decision source for one origin.
type record struct {
	data     *robotstxt.RobotsData
	allowAll bool
}

// Policy answers IsAllowed from a process-lifetime cache keyed by origin.
// Concurrent first lookups of one origin share a single robots.txt fetch.
// Entries never expire.
type Policy struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	cache     sync.Map
	inflight  singleflight.Group
	logger    *zap.Logger
}

// New creates a Policy.
func New(cfg Config, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		tcfg := transport.DefaultConfig()
		tcfg.VerifyTLS = cfg.VerifyTLS
		client = transport.NewClient(tcfg, cfg.Timeout)
	}
	return &Policy{
		client:    client,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		logger:    logger.Named("robots"),
	}
}

// IsAllowed reports whether the configured user agent may fetch rawURL.
// Any failure to obtain or parse robots.txt allows the URL.
func (p *Policy) IsAllowed(ctx context.Context, rawURL string) bool {
	origin, err := crawler.Origin(rawURL)
	if err != nil {
		p.logger.Warn("cannot resolve origin; allowing URL", zap.String("url", rawURL), zap.Error(err))
		metrics.ObserveRobotsLookup("fail_open")
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true
	}

	rec := p.lookup(ctx, origin)
	if rec.allowAll {
		return true
	}
	return rec.data.TestAgent(crawler.RequestPath(parsed), p.userAgent)
}

// Cached reports whether an origin already has a decision source.
func (p *Policy) Cached(origin string) bool {
	_, ok := p.cache.Load(origin)
	return ok
}

func (p *Policy) lookup(ctx context.Context, origin string) *record {
	if rec, ok := p.cached(origin); ok {
		metrics.ObserveRobotsLookup("cache")
		return rec
	}

	v, _, _ := p.inflight.Do(origin, func() (any, error) {
		if rec, ok := p.cached(origin); ok {
			return rec, nil
		}
		rec := p.fetch(ctx, origin)
		p.cache.Store(origin, rec)
		return rec, nil
	})
	rec, ok := v.(*record)
	if !ok {
		return &record{allowAll: true}
	}
	return rec
}

func (p *Policy) cached(origin string) (*record, bool) {
	v, ok := p.cache.Load(origin)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*record)
	return rec, ok
}

// fetch never returns nil. The fetch is detached from the caller's
// cancellation because its result is shared and cached for every caller.
func (p *Policy) fetch(ctx context.Context, origin string) *record {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	data, err := p.download(fetchCtx, origin)
	if err != nil {
		p.logger.Warn("robots.txt unavailable; allowing all URLs for origin",
			zap.String("origin", origin),
			zap.String("reason", err.Error()),
		)
		metrics.ObserveRobotsLookup("fail_open")
		return &record{allowAll: true}
	}
	metrics.ObserveRobotsLookup("fetched")
	p.logger.Debug("robots.txt cached", zap.String("origin", origin))
	return &record{data: data}
}

func (p *Policy) download(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch robots: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
