package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-metadata-crawler/internal/crawler"
)

func TestNextWorkerCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		current   int
		batchSize int
		hits      int
		want      int
	}{
		{name: "no hits keeps pool", current: 15, batchSize: 15, hits: 0, want: 15},
		{name: "heavy pressure halves", current: 15, batchSize: 15, hits: 5, want: 7},
		{name: "six of fifteen halves", current: 15, batchSize: 15, hits: 6, want: 7},
		{name: "single hit trims", current: 20, batchSize: 20, hits: 1, want: 16},
		{name: "light pressure trims", current: 20, batchSize: 20, hits: 3, want: 16},
		{name: "exactly thirty percent is light", current: 20, batchSize: 20, hits: 6, want: 16},
		{name: "heavy floor", current: 8, batchSize: 8, hits: 8, want: 5},
		{name: "at heavy floor unchanged", current: 5, batchSize: 5, hits: 5, want: 5},
		{name: "light floor", current: 12, batchSize: 12, hits: 1, want: 10},
		{name: "at light floor unchanged", current: 10, batchSize: 10, hits: 1, want: 10},
		{name: "partial batch uses actual size", current: 15, batchSize: 4, hits: 2, want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, NextWorkerCount(tt.current, tt.batchSize, tt.hits))
		})
	}
}

func TestInterBatchDelay(t *testing.T) {
	t.Parallel()

	tiers := DefaultDelayTiers()
	tests := []struct {
		name      string
		workers   int
		batchHits int
		totalHits int
		want      time.Duration
	}{
		{name: "large pool", workers: 31, want: time.Second},
		{name: "medium pool", workers: 21, want: 750 * time.Millisecond},
		{name: "small pool", workers: 20, want: 500 * time.Millisecond},
		{name: "one hit doubles", workers: 10, batchHits: 1, totalHits: 1, want: time.Second},
		{name: "hits capped at sixteen times", workers: 10, batchHits: 1, totalHits: 10, want: 8 * time.Second},
		{name: "earlier hits ignored on clean batch", workers: 10, batchHits: 0, totalHits: 10, want: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, InterBatchDelay(tiers, tt.workers, tt.batchHits, tt.totalHits))
		})
	}
}

func TestRun_HeavyRateLimitingHalvesPool(t *testing.T) {
	t.Parallel()

	urls := makeURLs(20)
	proc := newFakeProcessor(urls[:5]...)
	sleeper := &recordingSleeper{}
	d := New(proc, Config{InitialWorkers: 15}, fixedClock{}, zap.NewNop(), WithSleeper(sleeper.sleep))

	job, err := d.Run(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, job.Batches, 2)
	require.Equal(t, 15, job.Batches[0].Size)
	require.Equal(t, 5, job.Batches[0].RateLimitHits)
	require.Equal(t, 7, job.Batches[0].WorkersAfter)
	require.Equal(t, 5, job.Batches[1].Size)
	require.Equal(t, 7, job.CurrentWorkerCount)
	require.Equal(t, 5, job.TotalRateLimitHits)
	require.Equal(t, []time.Duration{8 * time.Second}, sleeper.recorded())
}

func TestRun_SustainedPressureHoldsFloor(t *testing.T) {
	t.Parallel()

	urls := makeURLs(32)
	proc := newFakeProcessor(urls...)
	d := New(proc, Config{InitialWorkers: 15}, fixedClock{}, zap.NewNop(), WithSleeper(noSleep))

	job, err := d.Run(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, job.Batches, 4)

	sizes := make([]int, 0, len(job.Batches))
	after := make([]int, 0, len(job.Batches))
	for _, b := range job.Batches {
		sizes = append(sizes, b.Size)
		after = append(after, b.WorkersAfter)
		require.Equal(t, b.Size, b.RateLimitHits)
	}
	require.Equal(t, []int{15, 7, 5, 5}, sizes)
	require.Equal(t, []int{7, 5, 5, 5}, after)
	require.Equal(t, 5, job.CurrentWorkerCount)
	require.Equal(t, 32, job.TotalRateLimitHits)
	require.Len(t, job.Results, len(urls))
}

func TestRun_LightRateLimitingTrimsPool(t *testing.T) {
	t.Parallel()

	urls := makeURLs(25)
	proc := newFakeProcessor(urls[:3]...)
	sleeper := &recordingSleeper{}
	d := New(proc, Config{InitialWorkers: 20}, fixedClock{}, zap.NewNop(), WithSleeper(sleeper.sleep))

	job, err := d.Run(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, 16, job.Batches[0].WorkersAfter)
	require.Equal(t, 5, job.Batches[1].Size)
	require.Equal(t, []time.Duration{4 * time.Second}, sleeper.recorded())
}

func TestRun_NoDelayAfterLastBatch(t *testing.T) {
	t.Parallel()

	urls := makeURLs(30)
	sleeper := &recordingSleeper{}
	d := New(newFakeProcessor(), Config{InitialWorkers: 10}, fixedClock{}, zap.NewNop(), WithSleeper(sleeper.sleep))

	job, err := d.Run(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, job.Batches, 3)
	require.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, sleeper.recorded())
	require.Zero(t, job.Batches[2].Delay)
}

func TestRun_CompletenessAndBoundedConcurrency(t *testing.T) {
	t.Parallel()

	urls := makeURLs(103)
	proc := newFakeProcessor(urls[10], urls[40], urls[41])
	proc.hold = 2 * time.Millisecond
	d := New(proc, Config{InitialWorkers: 12}, fixedClock{}, zap.NewNop(), WithSleeper(noSleep))

	job, err := d.Run(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, job.Results, len(urls))

	seen := make(map[string]int, len(urls))
	for _, res := range job.Results {
		seen[res.URL]++
	}
	for _, u := range urls {
		require.Equal(t, 1, seen[u], "url %s", u)
	}
	require.LessOrEqual(t, proc.maxInFlight(), 12)
	require.Equal(t, 3, job.Failed())
	require.Equal(t, len(urls)-3, job.Succeeded())
}

func TestRun_CancelledContextStillResolvesEveryURL(t *testing.T) {
	t.Parallel()

	urls := makeURLs(40)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(newFakeProcessor(), Config{InitialWorkers: 15}, fixedClock{}, zap.NewNop())
	job, err := d.Run(ctx, urls)
	require.NoError(t, err)
	require.Len(t, job.Results, len(urls))
	for _, res := range job.Results {
		require.False(t, res.Success)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	t.Parallel()

	proc := newFakeProcessor()
	d := New(proc, Config{}, fixedClock{}, zap.NewNop())

	job, err := d.Run(context.Background(), nil)
	require.Nil(t, job)
	require.Error(t, err)
	require.True(t, crawler.IsValidation(err))
	require.Zero(t, proc.calls())
}

func TestRun_NotifiesObservers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var reports []crawler.BatchReport
	obs := ObserverFunc(func(r crawler.BatchReport) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, r)
	})

	d := New(newFakeProcessor(), Config{InitialWorkers: 4}, fixedClock{}, zap.NewNop(), WithSleeper(noSleep))
	_, err := d.Run(context.Background(), makeURLs(10), obs)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 3)
	require.Equal(t, []int{0, 1, 2}, []int{reports[0].Index, reports[1].Index, reports[2].Index})
	require.Equal(t, 2, reports[2].Size)
}

func TestNew_DefaultsInitialWorkers(t *testing.T) {
	t.Parallel()

	d := New(newFakeProcessor(), Config{InitialWorkers: -3}, fixedClock{}, nil)
	require.Equal(t, DefaultInitialWorkers, d.InitialWorkers())
}

func makeURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/page-%d", i)
	}
	return urls
}

type fakeProcessor struct {
	rateLimited map[string]bool
	hold        time.Duration

	mu       sync.Mutex
	count    int
	inFlight int
	peak     int
}

func newFakeProcessor(rateLimited ...string) *fakeProcessor {
	set := make(map[string]bool, len(rateLimited))
	for _, u := range rateLimited {
		set[u] = true
	}
	return &fakeProcessor{rateLimited: set}
}

func (p *fakeProcessor) Process(ctx context.Context, url string) crawler.URLResult {
	p.mu.Lock()
	p.count++
	p.inFlight++
	p.peak = max(p.peak, p.inFlight)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if p.hold > 0 {
		time.Sleep(p.hold)
	}
	if ctx.Err() != nil {
		return crawler.FallbackResult("", url, ctx.Err(), time.Time{})
	}
	if p.rateLimited[url] {
		err := crawler.NewFetchError(crawler.KindRateLimited, url, 429, fmt.Errorf("too many requests"))
		return crawler.FallbackResult("", url, err, time.Time{})
	}
	return crawler.URLResult{URL: url, Title: "ok", Success: true}
}

func (p *fakeProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *fakeProcessor) maxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func noSleep(context.Context, time.Duration) error { return nil }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1_700_000_000, 0) }
