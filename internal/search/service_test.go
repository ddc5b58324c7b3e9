package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/domain/ports"
	"archivestream/searchservice/internal/repository/memory"
)

type fakeUpstream struct {
	mu      sync.Mutex
	calls   atomic.Int32
	results []domain.SearchResult
	err     error
	release chan struct{}
	queries []string
}

func (f *fakeUpstream) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.queries = append(f.queries, query)
	release := f.release
	results, err := f.results, f.err
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return domain.CloneResults(results), err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func sampleResults(ids ...string) []domain.SearchResult {
	out := make([]domain.SearchResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.SearchResult{
			ID:         domain.ResultIDPrefix + id,
			Identifier: id,
			Title:      "Title " + id,
			Creator:    "Creator",
			MediaURL:   "https://archive.org/download/" + id + "/audio.mp3",
		})
	}
	return out
}

func newTestService(upstream Upstream, store *memory.Store, clock *testClock, opts ...ServiceOption) *Service {
	base := []ServiceOption{WithClock(clock.Now), WithLocalCatalog(store)}
	return NewService(upstream, store, store, append(base, opts...)...)
}

func putEntry(t *testing.T, store *memory.Store, key string, storedAt time.Time, results []domain.SearchResult) {
	t.Helper()
	err := store.PutCacheEntry(context.Background(), domain.CacheEntry{
		Key:            key,
		Results:        results,
		StoredAt:       storedAt,
		LastAccessedAt: storedAt,
	})
	if err != nil {
		t.Fatalf("put entry: %v", err)
	}
}

func TestSearchMissFetchesStoresAndThenServesFresh(t *testing.T) {
	clock := newClock()
	store := memory.New()
	upstream := &fakeUpstream{results: sampleResults("a", "b")}
	svc := newTestService(upstream, store, clock)

	first, err := svc.Search(context.Background(), "  Café Tacvba ")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if first.Tier != domain.CacheTierMiss || first.Key != "cafe tacvba" || len(first.Items) != 2 {
		t.Fatalf("unexpected miss response: %+v", first)
	}
	if upstream.queries[0] != "cafe tacvba" {
		t.Fatalf("upstream should receive the normalized key, got %q", upstream.queries[0])
	}

	second, err := svc.Search(context.Background(), "cafe  TACVBA!")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if second.Tier != domain.CacheTierFresh || len(second.Items) != 2 {
		t.Fatalf("expected fresh tier, got %+v", second)
	}
	if got := upstream.calls.Load(); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}
	for _, item := range second.Items {
		if item.Provider != domain.ProviderArchive {
			t.Fatalf("expected provider stamped, got %+v", item)
		}
	}
}

func TestSearchStaleServesImmediatelyAndRefreshesOnce(t *testing.T) {
	clock := newClock()
	store := memory.New()
	putEntry(t, store, "blue train", clock.Now().Add(-25*time.Hour), sampleResults("old"))

	upstream := &fakeUpstream{results: sampleResults("new"), release: make(chan struct{})}
	svc := newTestService(upstream, store, clock)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Search(context.Background(), "Blue Train")
			if err != nil {
				t.Errorf("Search: %v", err)
				return
			}
			if resp.Tier != domain.CacheTierStale || len(resp.Items) != 1 || resp.Items[0].Identifier != "old" {
				t.Errorf("expected stale entry served, got %+v", resp)
			}
		}()
	}
	wg.Wait()

	close(upstream.release)
	svc.Wait()

	if got := upstream.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one background refresh, got %d", got)
	}
	entry, err := store.GetCacheEntry(context.Background(), "blue train")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if len(entry.Results) != 1 || entry.Results[0].Identifier != "new" || !entry.StoredAt.Equal(clock.Now()) {
		t.Fatalf("expected refreshed entry, got %+v", entry)
	}
}

func TestSearchRefreshSurvivesCallerCancellation(t *testing.T) {
	clock := newClock()
	store := memory.New()
	putEntry(t, store, "q", clock.Now().Add(-48*time.Hour), sampleResults("old"))
	upstream := &fakeUpstream{results: sampleResults("new"), release: make(chan struct{})}
	svc := newTestService(upstream, store, clock)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := svc.Search(ctx, "q"); err != nil {
		t.Fatalf("Search: %v", err)
	}
	cancel()
	close(upstream.release)
	svc.Wait()

	entry, _ := store.GetCacheEntry(context.Background(), "q")
	if entry.Results[0].Identifier != "new" {
		t.Fatalf("background refresh should finish after the request ends, got %+v", entry.Results)
	}
}

func TestSearchRefresherCapacityDropsExcess(t *testing.T) {
	clock := newClock()
	store := memory.New()
	putEntry(t, store, "one", clock.Now().Add(-30*time.Hour), sampleResults("x"))
	putEntry(t, store, "two", clock.Now().Add(-30*time.Hour), sampleResults("y"))
	upstream := &fakeUpstream{results: sampleResults("z"), release: make(chan struct{})}
	svc := newTestService(upstream, store, clock, WithRefresher(1, time.Minute))

	_, _ = svc.Search(context.Background(), "one")
	_, _ = svc.Search(context.Background(), "two")
	close(upstream.release)
	svc.Wait()

	if got := upstream.calls.Load(); got != 1 {
		t.Fatalf("expected the second refresh to be dropped, got %d upstream calls", got)
	}
}

func TestSearchBeyondStaleIsSynchronousMiss(t *testing.T) {
	clock := newClock()
	store := memory.New()
	putEntry(t, store, "q", clock.Now().Add(-31*24*time.Hour), sampleResults("ancient"))
	upstream := &fakeUpstream{results: sampleResults("fresh")}
	svc := newTestService(upstream, store, clock)

	resp, err := svc.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Tier != domain.CacheTierMiss || resp.Items[0].Identifier != "fresh" {
		t.Fatalf("expected synchronous refetch, got %+v", resp)
	}
}

func TestSearchHitOverrideWinsOverAge(t *testing.T) {
	clock := newClock()
	store := memory.New()
	putEntry(t, store, "q", clock.Now().Add(-90*24*time.Hour), sampleResults("a", "b", "c"))
	_ = store.UpsertHit(context.Background(), domain.HitRecord{QueryKey: "q", TopIdentifier: "c", Confidence: 0.8})
	upstream := &fakeUpstream{}
	svc := newTestService(upstream, store, clock)

	resp, err := svc.Search(context.Background(), "Q")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Tier != domain.CacheTierHit {
		t.Fatalf("expected hit tier, got %s", resp.Tier)
	}
	got := []string{resp.Items[0].Identifier, resp.Items[1].Identifier, resp.Items[2].Identifier}
	if got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Fatalf("expected learned result first, got %v", got)
	}
	if upstream.calls.Load() != 0 {
		t.Fatal("hit tier must not call upstream")
	}
	entry, _ := store.GetCacheEntry(context.Background(), "q")
	if !entry.LastAccessedAt.Equal(clock.Now()) || entry.Results[0].Identifier != "a" {
		t.Fatalf("expected touch without reordering the stored entry, got %+v", entry)
	}
}

func TestSearchHitWithoutEntryFallsThrough(t *testing.T) {
	clock := newClock()
	store := memory.New()
	_ = store.UpsertHit(context.Background(), domain.HitRecord{QueryKey: "q", TopIdentifier: "c"})
	upstream := &fakeUpstream{results: sampleResults("a")}
	svc := newTestService(upstream, store, clock)

	resp, err := svc.Search(context.Background(), "q")
	if err != nil || resp.Tier != domain.CacheTierMiss {
		t.Fatalf("expected miss when the hit has no cached entry, got %+v err=%v", resp, err)
	}
}

type corruptingCache struct {
	ports.SearchCacheStore
	corrupt map[string]bool
}

func (c *corruptingCache) GetCacheEntry(ctx context.Context, key string) (domain.CacheEntry, error) {
	if c.corrupt[key] {
		return domain.CacheEntry{}, fmt.Errorf("%w: bad json", domain.ErrCorruptEntry)
	}
	return c.SearchCacheStore.GetCacheEntry(ctx, key)
}

func (c *corruptingCache) PutCacheEntry(ctx context.Context, entry domain.CacheEntry) error {
	delete(c.corrupt, entry.Key)
	return c.SearchCacheStore.PutCacheEntry(ctx, entry)
}

func TestSearchCorruptEntryIsRefetched(t *testing.T) {
	clock := newClock()
	store := memory.New()
	putEntry(t, store, "q", clock.Now(), sampleResults("garbled"))
	cache := &corruptingCache{SearchCacheStore: store, corrupt: map[string]bool{"q": true}}
	upstream := &fakeUpstream{results: sampleResults("good")}
	svc := NewService(upstream, cache, store, WithClock(clock.Now))

	resp, err := svc.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Tier != domain.CacheTierMiss || resp.Items[0].Identifier != "good" {
		t.Fatalf("expected corrupt entry treated as miss, got %+v", resp)
	}
	resp, _ = svc.Search(context.Background(), "q")
	if resp.Tier != domain.CacheTierFresh || resp.Items[0].Identifier != "good" {
		t.Fatalf("expected overwritten entry served fresh, got %+v", resp)
	}
}

func TestSearchPrunesOldestBeyondLimit(t *testing.T) {
	clock := newClock()
	store := memory.New()
	base := clock.Now().Add(-time.Hour)
	for i := 0; i < 600; i++ {
		putEntry(t, store, fmt.Sprintf("key-%03d", i), base.Add(time.Duration(i)*time.Second), nil)
	}
	svc := newTestService(&fakeUpstream{results: sampleResults("a")}, store, clock)

	if _, err := svc.Search(context.Background(), "brand new"); err != nil {
		t.Fatalf("Search: %v", err)
	}
	count, _ := store.CountCacheEntries(context.Background())
	if count != 500 {
		t.Fatalf("expected cache pruned to 500 entries, got %d", count)
	}
	if _, err := store.GetCacheEntry(context.Background(), "key-000"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("expected oldest entry pruned")
	}
	if _, err := store.GetCacheEntry(context.Background(), "key-101"); err != nil {
		t.Fatalf("expected entry 101 kept: %v", err)
	}
	if _, err := store.GetCacheEntry(context.Background(), "brand new"); err != nil {
		t.Fatalf("expected new entry kept: %v", err)
	}
}

func TestSearchUpstreamFailureDegradesWithoutCaching(t *testing.T) {
	clock := newClock()
	store := memory.New()
	svc := newTestService(&fakeUpstream{err: errors.New("all strategies failed")}, store, clock)

	resp, err := svc.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("expected degraded response, got error %v", err)
	}
	if !resp.Degraded || len(resp.Items) != 0 || resp.Items == nil {
		t.Fatalf("expected empty degraded response, got %+v", resp)
	}
	if n, _ := store.CountCacheEntries(context.Background()); n != 0 {
		t.Fatalf("failed fetch must not be cached, %d entries", n)
	}
}

func TestSearchExpiredEntryServedWhenUpstreamFails(t *testing.T) {
	clock := newClock()
	store := memory.New()
	putEntry(t, store, "q", clock.Now().Add(-60*24*time.Hour), sampleResults("kept"))
	svc := newTestService(&fakeUpstream{err: errors.New("down")}, store, clock)

	resp, err := svc.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.Degraded || len(resp.Items) != 1 || resp.Items[0].Identifier != "kept" {
		t.Fatalf("expected expired entry served degraded, got %+v", resp)
	}
}

func TestSearchLocalEnrichmentOnCachedPath(t *testing.T) {
	clock := newClock()
	store := memory.New()
	putEntry(t, store, "q", clock.Now(), sampleResults("a", "b"))
	_, err := store.InsertLocalizedMedia(context.Background(), domain.LocalizedMedia{
		Identifier: "b",
		AudioPath:  "b/audio.flac",
		CoverPath:  "b/cover.jpg",
		BitRate:    900,
		SampleRate: 44100,
		BitDepth:   16,
	})
	if err != nil {
		t.Fatalf("insert media: %v", err)
	}
	svc := newTestService(&fakeUpstream{}, store, clock, WithMediaPrefix("/uploads/cache/"))

	resp, err := svc.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	a, b := resp.Items[0], resp.Items[1]
	if a.IsLocalized {
		t.Fatalf("unexpected local flag on a: %+v", a)
	}
	if !b.IsLocalized || b.MediaURL != "/uploads/cache/b/audio.flac" || b.CoverURL != "/uploads/cache/b/cover.jpg" {
		t.Fatalf("expected local copy for b, got %+v", b)
	}
	if b.BitRate != 900 || b.SampleRate != 44100 || b.BitDepth != 16 {
		t.Fatalf("expected local audio details, got %+v", b)
	}
	entry, _ := store.GetCacheEntry(context.Background(), "q")
	if entry.Results[1].IsLocalized {
		t.Fatal("enrichment must not be written back to the cache")
	}
}

func TestSearchInvalidQuery(t *testing.T) {
	svc := newTestService(&fakeUpstream{}, memory.New(), newClock())
	if _, err := svc.Search(context.Background(), "  ¡¿  "); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestRefreshBypassesCache(t *testing.T) {
	clock := newClock()
	store := memory.New()
	putEntry(t, store, "q", clock.Now(), sampleResults("cached"))
	upstream := &fakeUpstream{results: sampleResults("forced")}
	svc := newTestService(upstream, store, clock)

	resp, err := svc.Refresh(context.Background(), "q")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if resp.Tier != domain.CacheTierForce || resp.Items[0].Identifier != "forced" {
		t.Fatalf("unexpected refresh response: %+v", resp)
	}
	entry, _ := store.GetCacheEntry(context.Background(), "q")
	if entry.Results[0].Identifier != "forced" {
		t.Fatalf("expected refresh to overwrite entry, got %+v", entry.Results)
	}

	upstream.err = errors.New("down")
	if _, err := svc.Refresh(context.Background(), "q"); err == nil {
		t.Fatal("expected refresh error to surface")
	}
}

func TestPromoteMovesIdentifierFirst(t *testing.T) {
	items := sampleResults("a", "b", "c")
	got := promote(items, "b")
	if got[0].Identifier != "b" || got[1].Identifier != "a" || got[2].Identifier != "c" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if items[0].Identifier != "a" {
		t.Fatal("promote must not reorder the input")
	}
	unchanged := promote(items, "missing")
	if unchanged[0].Identifier != "a" {
		t.Fatal("unknown identifier must leave order unchanged")
	}
}
