package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meanrevert-research/libs/config"
	"meanrevert-research/libs/errkind"
	"meanrevert-research/libs/ratelimit"
	"meanrevert-research/libs/store"
	rt "meanrevert-research/libs/testing"
)

// fakeFetcher serves one fixed candle per page request and counts how
// many requests it received, so tests can assert on resumability and
// retry behavior without a real HTTP endpoint.
type fakeFetcher struct {
	mu       sync.Mutex
	requests int
	fail     int // number of leading TransientNetwork failures to inject
	onCall   func(start, end time.Time)
}

func (f *fakeFetcher) FetchPage(_ context.Context, symbol string, start, end time.Time, limit int) (Page, error) {
	f.mu.Lock()
	f.requests++
	n := f.requests
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(start, end)
	}

	if f.fail > 0 && n <= f.fail {
		return Page{}, errkind.New(errkind.TransientNetwork, errUpstreamStatus(503))
	}

	if !start.Before(end) {
		return Page{NextCursor: end}, nil
	}
	c := store.Candle{
		Symbol:    symbol,
		OpenTime:  start,
		CloseTime: start.Add(time.Minute),
		Open:      1, High: 1, Low: 1, Close: 1, Volume: 1,
	}
	return Page{Candles: []store.Candle{c}, NextCursor: c.CloseTime.Add(time.Millisecond)}, nil
}

func newTestDownloader(t *testing.T, fetcher pageFetcher, candles store.CandleStore, progressPath string, cfg config.IngestConfig) *Downloader {
	t.Helper()
	ps, err := OpenProgressStore(progressPath)
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.Config{InitialDelay: 0, MaxDelay: 0, WindowSize: time.Second, MaxRequestsPerWindow: 10000})
	t.Cleanup(limiter.Close)
	return &Downloader{provider: fetcher, limiter: limiter, candles: candles, progress: ps, cfg: cfg}
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{BatchSize: 1, ChunkDays: 1, MaxConcurrentSymbols: 2, MaxConcurrentChunks: 2, FlushBatch: 10, MaxRetries: 2}
}

func TestDownloadSymbolsInsertsEachChunkExactlyOnce(t *testing.T) {
	fetcher := &fakeFetcher{}
	mem := store.NewMemoryStore()
	d := newTestDownloader(t, fetcher, mem.Candles(), t.TempDir()+"/progress.json", testIngestConfig())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	report, err := d.DownloadSymbols(context.Background(), []string{"BTCUSDT"}, start, end, false)
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Greater(t, report.RecordsInserted, 0)

	got, err := mem.Candles().Query(context.Background(), "BTCUSDT", start, end)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		require.True(t, got[i-1].OpenTime.Before(got[i].OpenTime))
	}
}

func TestDownloadSymbolsResumeIssuesFewerRequests(t *testing.T) {
	mem := store.NewMemoryStore()
	progressPath := t.TempDir() + "/progress.json"
	cfg := testIngestConfig()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)

	firstFetcher := &fakeFetcher{}
	d1 := newTestDownloader(t, firstFetcher, mem.Candles(), progressPath, cfg)
	_, err := d1.DownloadSymbols(context.Background(), []string{"BTCUSDT"}, start, end, false)
	require.NoError(t, err)
	firstRequests := firstFetcher.requests

	secondFetcher := &fakeFetcher{}
	d2 := newTestDownloader(t, secondFetcher, mem.Candles(), progressPath, cfg)
	_, err = d2.DownloadSymbols(context.Background(), []string{"BTCUSDT"}, start, end, true)
	require.NoError(t, err)

	require.Less(t, secondFetcher.requests, firstRequests, "resumed run should reissue fewer requests than the cold run")
}

func TestDownloadChunkRetriesTransientNetworkThenSucceeds(t *testing.T) {
	fetcher := &fakeFetcher{fail: 2}
	mem := store.NewMemoryStore()
	d := newTestDownloader(t, fetcher, mem.Candles(), t.TempDir()+"/progress.json", testIngestConfig())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	requests, inserted, err := d.downloadChunk(context.Background(), "BTCUSDT", start, end)
	require.NoError(t, err)
	// fakeFetcher serves one 1-minute candle per page, so the hour-long
	// chunk takes 60 pages after the two injected failures are retried.
	require.Equal(t, 60, inserted)
	require.GreaterOrEqual(t, requests, 3)
}

func TestDownloadChunkGivesUpAfterMaxRetries(t *testing.T) {
	fetcher := &fakeFetcher{fail: 1000}
	mem := store.NewMemoryStore()
	cfg := testIngestConfig()
	cfg.MaxRetries = 1
	d := newTestDownloader(t, fetcher, mem.Candles(), t.TempDir()+"/progress.json", cfg)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	_, _, err := d.downloadChunk(context.Background(), "BTCUSDT", start, end)
	require.Error(t, err)
	require.Equal(t, errkind.TransientNetwork, errkind.Of(err))
}

func TestDownloadChunkRecordsProgressAgainstInjectedClock(t *testing.T) {
	fetcher := &fakeFetcher{}
	mem := store.NewMemoryStore()
	progressPath := t.TempDir() + "/progress.json"
	d := newTestDownloader(t, fetcher, mem.Candles(), progressPath, testIngestConfig())

	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := rt.WithClock(context.Background(), rt.FixedClock{T: fixed})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	_, inserted, err := d.downloadSymbol(ctx, "BTCUSDT", start, end)
	require.NoError(t, err)
	require.Greater(t, inserted, 0)

	state := d.progress.Get("BTCUSDT")
	require.True(t, state.StartedAt.Equal(fixed), "progress StartedAt should come from the context clock, got %v want %v", state.StartedAt, fixed)
}

func TestSplitChunksCoversRangeWithoutGapOrOverlap(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(75 * 24 * time.Hour)

	chunks := splitChunks(start, end, 30)
	require.Len(t, chunks, 3)
	require.True(t, chunks[0].start.Equal(start))
	require.True(t, chunks[len(chunks)-1].end.Equal(end))
	for i := 1; i < len(chunks); i++ {
		require.True(t, chunks[i-1].end.Equal(chunks[i].start), "chunks must be contiguous with no gap or overlap")
	}
}
