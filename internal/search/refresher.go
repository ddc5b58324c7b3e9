package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"archivestream/searchservice/internal/metrics"
)

// refresher runs stale-entry refreshes in the background. At most one
// refresh per key is in flight, and at most capacity overall; requests over
// either bound are dropped rather than queued.
type refresher struct {
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

func newRefresher(capacity int, timeout time.Duration, logger *slog.Logger) *refresher {
	if capacity <= 0 {
		capacity = defaultRefreshConcurrency
	}
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &refresher{
		sem:      semaphore.NewWeighted(int64(capacity)),
		timeout:  timeout,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// schedule starts fn for key unless a refresh for key is running or the
// refresher is full. fn runs detached from parent's cancellation.
func (r *refresher) schedule(parent context.Context, key string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if _, busy := r.inFlight[key]; busy {
		r.mu.Unlock()
		metrics.CacheRefreshesTotal.WithLabelValues("skipped").Inc()
		return false
	}
	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		metrics.CacheRefreshesTotal.WithLabelValues("skipped").Inc()
		r.logger.Debug("search refresh skipped, refresher full", slog.String("query", key))
		return false
	}
	r.inFlight[key] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()
	metrics.CacheRefreshesTotal.WithLabelValues("scheduled").Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, key)
			r.mu.Unlock()
			r.sem.Release(1)
		}()

		if err := fn(ctx); err != nil {
			metrics.CacheRefreshesTotal.WithLabelValues("error").Inc()
			r.logger.Warn("search refresh failed",
				slog.String("query", key),
				slog.String("error", err.Error()),
			)
			return
		}
		metrics.CacheRefreshesTotal.WithLabelValues("ok").Inc()
	}()
	return true
}

func (r *refresher) wait() {
	r.wg.Wait()
}
