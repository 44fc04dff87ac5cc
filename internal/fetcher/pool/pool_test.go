package pool

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rulecrawler/internal/crawler"
)

type trackingFetcher struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	hold     time.Duration
	failing  map[string]bool
	mu       sync.Mutex
	headers  []http.Header
}

func (f *trackingFetcher) Fetch(_ context.Context, req crawler.FetchRequest) crawler.FetchOutcome {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	f.mu.Lock()
	f.headers = append(f.headers, req.Headers)
	f.mu.Unlock()
	time.Sleep(f.hold)

	if f.failing[req.URL] {
		return crawler.FetchOutcome{
			URL:    req.URL,
			Status: crawler.FetchNetworkError,
			Err:    &crawler.NetworkError{URL: req.URL, Err: errors.New("connection reset")},
		}
	}
	return crawler.FetchOutcome{URL: req.URL, Status: crawler.FetchSuccess, StatusCode: http.StatusOK, Body: []byte(req.URL)}
}

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(_ context.Context, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, d)
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "https://site.test/" + strconv.Itoa(i)
	}
	return out
}

func TestFetchAll_RespectsConcurrencyBound(t *testing.T) {
	t.Parallel()

	fetcher := &trackingFetcher{hold: 20 * time.Millisecond}
	p := New(Config{MaxConcurrency: 3}, fetcher, nil, nil)

	outcomes := p.FetchAll(context.Background(), urls(20), nil)
	require.Len(t, outcomes, 20)
	assert.LessOrEqual(t, fetcher.maxSeen.Load(), int32(3))
	assert.Equal(t, int32(3), fetcher.maxSeen.Load(), "pool should saturate its slots")
}

type panickingFetcher struct {
	trackingFetcher
	panicOn string
}

func (f *panickingFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) crawler.FetchOutcome {
	if req.URL == f.panicOn {
		panic("nil map write")
	}
	return f.trackingFetcher.Fetch(ctx, req)
}

func TestFetchAll_PanicBecomesNetworkError(t *testing.T) {
	t.Parallel()

	list := urls(3)
	fetcher := &panickingFetcher{panicOn: list[1]}
	pauser := &recordingPauser{}
	p := New(Config{MaxConcurrency: 2}, fetcher, nil, nil)
	p.pauser = pauser

	outcomes := p.FetchAll(context.Background(), list, nil)
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].OK())
	assert.True(t, outcomes[2].OK())

	failed := outcomes[1]
	assert.Equal(t, list[1], failed.URL)
	assert.Equal(t, crawler.FetchNetworkError, failed.Status)
	require.ErrorIs(t, failed.Err, crawler.ErrNetwork)
	assert.Contains(t, failed.Err.Error(), "nil map write")
	assert.Len(t, pauser.delays, 3, "a panicked fetch still takes its politeness delay")
}

func TestFetchAll_FailOneContinueAll(t *testing.T) {
	t.Parallel()

	list := urls(5)
	fetcher := &trackingFetcher{failing: map[string]bool{list[1]: true, list[3]: true}}
	p := New(Config{MaxConcurrency: 2}, fetcher, nil, nil)

	outcomes := p.FetchAll(context.Background(), list, nil)
	require.Len(t, outcomes, 5)
	for i, outcome := range outcomes {
		assert.Equal(t, list[i], outcome.URL, "outcomes keep input order")
		if i == 1 || i == 3 {
			assert.Equal(t, crawler.FetchNetworkError, outcome.Status)
			continue
		}
		assert.True(t, outcome.OK())
	}
}

func TestFetchAll_DelayAfterEveryFetch(t *testing.T) {
	t.Parallel()

	fetcher := &trackingFetcher{failing: map[string]bool{"https://site.test/0": true}}
	p := New(Config{MaxConcurrency: 2, DelayMin: time.Second, DelayMax: 2 * time.Second}, fetcher, nil, nil)
	pauser := &recordingPauser{}
	p.pauser = pauser

	p.FetchAll(context.Background(), urls(10), nil)
	require.Len(t, pauser.delays, 10, "failures pause too")
	for _, d := range pauser.delays {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestFetchAll_PassesHeaders(t *testing.T) {
	t.Parallel()

	fetcher := &trackingFetcher{}
	p := New(Config{MaxConcurrency: 1}, fetcher, nil, nil)

	p.FetchAll(context.Background(), urls(2), http.Header{"X-Job": {"42"}})
	require.Len(t, fetcher.headers, 2)
	for _, h := range fetcher.headers {
		assert.Equal(t, "42", h.Get("X-Job"))
	}
}

type failingWaiter struct{}

func (failingWaiter) Wait(context.Context, string) error { return context.Canceled }

func TestFetchAll_WaiterErrorBecomesNetworkError(t *testing.T) {
	t.Parallel()

	fetcher := &trackingFetcher{}
	p := New(Config{MaxConcurrency: 2}, fetcher, failingWaiter{}, nil)

	outcomes := p.FetchAll(context.Background(), urls(3), nil)
	require.Len(t, outcomes, 3)
	for _, outcome := range outcomes {
		assert.Equal(t, crawler.FetchNetworkError, outcome.Status)
		assert.ErrorIs(t, outcome.Err, crawler.ErrNetwork)
	}
	assert.Zero(t, fetcher.maxSeen.Load())
}

func TestFetchAll_Empty(t *testing.T) {
	t.Parallel()

	p := New(Config{}, &trackingFetcher{}, nil, nil)
	assert.Empty(t, p.FetchAll(context.Background(), nil, nil))
}

func TestRandomDelay(t *testing.T) {
	t.Parallel()

	for i := 0; i < 1000; i++ {
		d := RandomDelay(time.Second, 2*time.Second)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 2*time.Second)
	}
	assert.Equal(t, time.Second, RandomDelay(time.Second, time.Second))
	assert.Equal(t, time.Second, RandomDelay(time.Second, 0))
	assert.Zero(t, RandomDelay(0, 0))
}

func TestTimerPauseController_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	timerPauseController{}.Pause(ctx, time.Minute)
	assert.Less(t, time.Since(start), time.Second)
}
