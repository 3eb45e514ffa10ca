package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"meanrevert-research/libs/config"
	"meanrevert-research/libs/errkind"
	"meanrevert-research/libs/observability"
	"meanrevert-research/libs/ratelimit"
	"meanrevert-research/libs/store"
	rt "meanrevert-research/libs/testing"
)

// pageFetcher is the subset of KlineProvider the Downloader depends on,
// kept as an interface so tests can substitute a fake upstream instead
// of a real resty client.
type pageFetcher interface {
	FetchPage(ctx context.Context, symbol string, start, end time.Time, limit int) (Page, error)
}

// Downloader orchestrates C2's per-symbol chunked download: splitting
// [start, end) into fixed-size date chunks, paging within each chunk,
// persisting each page with CandleStore.InsertMany as it arrives, and
// persisting resumable progress after every successful chunk. There is no
// separate writer queue: the fetching goroutine does the insert itself,
// and IngestConfig.FlushBatch is not used.
type Downloader struct {
	provider pageFetcher
	limiter  *ratelimit.Limiter
	candles  store.CandleStore
	progress *ProgressStore
	cfg      config.IngestConfig
	metrics  *observability.ResearchMetrics // optional; nil disables metrics
}

// NewDownloader wires a Downloader from its collaborators; no hidden
// globals, every dependency an explicit argument. metrics may be nil to
// disable Prometheus recording.
func NewDownloader(provider *KlineProvider, limiter *ratelimit.Limiter, candles store.CandleStore, progress *ProgressStore, cfg config.IngestConfig, metrics *observability.ResearchMetrics) *Downloader {
	return &Downloader{provider: provider, limiter: limiter, candles: candles, progress: progress, cfg: cfg, metrics: metrics}
}

// Report summarizes one DownloadSymbols invocation.
type Report struct {
	RequestsIssued  int
	RecordsInserted int
	Failed          []SymbolFailure
}

// SymbolFailure records why a symbol's download did not complete.
type SymbolFailure struct {
	Symbol string
	Err    error
}

// DownloadSymbols fetches candles for every symbol in [start, end),
// honoring MaxConcurrentSymbols. If resume is true, each symbol begins
// from max(start, its last recorded progress).
func (d *Downloader) DownloadSymbols(ctx context.Context, symbols []string, start, end time.Time, resume bool) (Report, error) {
	sem := semaphore.NewWeighted(int64(maxInt(d.cfg.MaxConcurrentSymbols, 1)))
	g, gctx := errgroup.WithContext(ctx)

	report := Report{}
	var reportMu countingMutex

	for _, symbol := range symbols {
		symbol := symbol
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			symStart := start
			if resume {
				symStart = d.progress.ResumeStart(symbol, start)
			}

			requests, inserted, err := d.downloadSymbol(gctx, symbol, symStart, end)
			reportMu.add(&report, requests, inserted, symbol, err)
			// Per-symbol failures do not stop siblings.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// countingMutex guards Report mutation from concurrent symbol goroutines.
type countingMutex struct{ mu sync.Mutex }

func (c *countingMutex) add(r *Report, requests, inserted int, symbol string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.RequestsIssued += requests
	r.RecordsInserted += inserted
	if err != nil {
		r.Failed = append(r.Failed, SymbolFailure{Symbol: symbol, Err: err})
	}
}

// downloadSymbol splits [start, end) into ChunkDays-sized chunks and
// downloads them concurrently, at most MaxConcurrentChunks at a time
// (chunks are independent and retry-safe).
func (d *Downloader) downloadSymbol(ctx context.Context, symbol string, start, end time.Time) (requests, inserted int, err error) {
	chunks := splitChunks(start, end, d.cfg.ChunkDays)
	sem := semaphore.NewWeighted(int64(maxInt(d.cfg.MaxConcurrentChunks, 1)))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	totalChunks := len(chunks)
	completedChunks := 0
	startedAt := rt.Now(ctx).UTC()
	cumulativeRecords := int64(0)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			reqs, recs, cerr := d.downloadChunk(gctx, symbol, chunk.start, chunk.end)

			mu.Lock()
			requests += reqs
			inserted += recs
			cumulativeRecords += int64(recs)
			if cerr == nil {
				completedChunks++
				state := store.ProgressState{
					TaskKey:           symbol,
					CompletedChunks:   completedChunks,
					TotalChunks:       totalChunks,
					LastCompletedTime: chunk.end,
					CumulativeRecords: cumulativeRecords,
					StartedAt:         startedAt,
				}
				_ = d.progress.Update(symbol, state)
			}
			mu.Unlock()

			observability.LogIngestChunk(ctx, symbol, recs, cerr)
			if cerr != nil {
				return fmt.Errorf("chunk %d for %s: %w", i, symbol, cerr)
			}
			return nil
		})
	}

	if werr := g.Wait(); werr != nil {
		return requests, inserted, werr
	}
	return requests, inserted, nil
}

type dateChunk struct{ start, end time.Time }

// splitChunks splits [start, end) into fixed-size chunks of chunkDays.
func splitChunks(start, end time.Time, chunkDays int) []dateChunk {
	if chunkDays <= 0 {
		chunkDays = 30
	}
	var chunks []dateChunk
	cursor := start
	step := time.Duration(chunkDays) * 24 * time.Hour
	for cursor.Before(end) {
		next := cursor.Add(step)
		if next.After(end) {
			next = end
		}
		chunks = append(chunks, dateChunk{start: cursor, end: next})
		cursor = next
	}
	return chunks
}

// downloadChunk pages through one chunk at BATCH-sized pages, persisting
// each page as it arrives. RateLimited is absorbed by fetchWithRetry;
// TransientNetwork is retried with exponential backoff and returned once
// MaxRetries is exhausted; any other error is returned immediately.
func (d *Downloader) downloadChunk(ctx context.Context, symbol string, start, end time.Time) (requests, inserted int, err error) {
	cursor := start
	for cursor.Before(end) {
		if err := d.limiter.Wait(ctx, symbol); err != nil {
			return requests, inserted, err
		}

		page, ferr := d.fetchWithRetry(ctx, symbol, cursor, end)
		requests++
		if ferr != nil {
			return requests, inserted, ferr
		}

		if len(page.Candles) > 0 {
			n, ierr := d.candles.InsertMany(ctx, page.Candles)
			if ierr != nil {
				return requests, inserted, errkind.New(errkind.PersistenceError, ierr)
			}
			inserted += n
		}

		if !page.NextCursor.After(cursor) {
			break // no progress; avoid an infinite loop on a misbehaving endpoint
		}
		cursor = page.NextCursor
	}
	return requests, inserted, nil
}

// fetchWithRetry issues one page request, retrying TransientNetwork
// failures with exponential backoff up to MaxRetries and transparently
// re-trying (without counting against MaxRetries) on RateLimited after
// honoring the limiter's backoff.
func (d *Downloader) fetchWithRetry(ctx context.Context, symbol string, start, end time.Time) (Page, error) {
	delay := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		page, err := d.provider.FetchPage(ctx, symbol, start, end, batchSizeOrDefault(d.cfg.BatchSize))
		if err == nil {
			d.limiter.OnSuccess(symbol)
			observability.RecordIngestRequest(d.metrics, "ok")
			observability.RecordRateLimiterDelay(d.metrics, symbol, d.limiter.CurrentDelay(symbol))
			return page, nil
		}

		switch errkind.Of(err) {
		case errkind.RateLimited:
			d.limiter.OnThrottled(symbol, 0)
			observability.RecordIngestRequest(d.metrics, "rate_limited")
			observability.RecordRateLimiterDelay(d.metrics, symbol, d.limiter.CurrentDelay(symbol))
			// not a retry-count attempt; wait out the raised delay before re-fetching
			if werr := d.limiter.Wait(ctx, symbol); werr != nil {
				return Page{}, werr
			}
			continue
		case errkind.TransientNetwork:
			if attempt >= maxRetriesOrDefault(d.cfg.MaxRetries) {
				observability.RecordIngestRequest(d.metrics, "transient_network")
				return Page{}, err
			}
			select {
			case <-ctx.Done():
				return Page{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			continue
		default:
			observability.RecordIngestRequest(d.metrics, "failed")
			return Page{}, err
		}
	}
}

func batchSizeOrDefault(n int) int {
	if n <= 0 {
		return 1000
	}
	return n
}

func maxRetriesOrDefault(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}
