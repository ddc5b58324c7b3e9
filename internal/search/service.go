package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/domain/ports"
	"archivestream/searchservice/internal/metrics"
)

const (
	defaultFreshTTL           = 24 * time.Hour
	defaultStaleTTL           = 30 * 24 * time.Hour
	defaultMaxEntries         = 500
	defaultRefreshConcurrency = 4
	defaultRefreshTimeout     = 2 * time.Minute
	defaultMediaPrefix        = "/media/files"
)

var ErrInvalidQuery = errors.New("query is required")

// Upstream produces fresh results for a normalized query key.
type Upstream interface {
	Search(ctx context.Context, query string) ([]domain.SearchResult, error)
}

// LocalCatalog resolves which identifiers already have local copies.
type LocalCatalog interface {
	FindLocalizedMedia(ctx context.Context, identifiers []string) (map[string]domain.LocalizedMedia, error)
}

type Service struct {
	upstream    Upstream
	cache       ports.SearchCacheStore
	hits        ports.HitStore
	catalog     LocalCatalog
	freshTTL    time.Duration
	staleTTL    time.Duration
	maxEntries  int
	mediaPrefix string
	refresher   *refresher
	now         func() time.Time
	logger      *slog.Logger
}

type ServiceOption func(*Service)

// WithFreshness sets how long an entry is served as-is and how long it may
// still be served while a background refresh runs.
func WithFreshness(fresh, stale time.Duration) ServiceOption {
	return func(s *Service) {
		if fresh > 0 {
			s.freshTTL = fresh
		}
		if stale > 0 {
			s.staleTTL = stale
		}
	}
}

func WithMaxEntries(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithRefresher bounds concurrent background refreshes and their duration.
func WithRefresher(capacity int, timeout time.Duration) ServiceOption {
	return func(s *Service) {
		s.refresher = newRefresher(capacity, timeout, s.logger)
	}
}

func WithLocalCatalog(catalog LocalCatalog) ServiceOption {
	return func(s *Service) {
		s.catalog = catalog
	}
}

// WithMediaPrefix sets the public URL prefix prepended to local audio paths.
func WithMediaPrefix(prefix string) ServiceOption {
	return func(s *Service) {
		if value := strings.TrimSpace(prefix); value != "" {
			s.mediaPrefix = strings.TrimRight(value, "/")
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
			if s.refresher != nil {
				s.refresher.logger = logger
			}
		}
	}
}

func NewService(upstream Upstream, cache ports.SearchCacheStore, hits ports.HitStore, opts ...ServiceOption) *Service {
	svc := &Service{
		upstream:    upstream,
		cache:       cache,
		hits:        hits,
		freshTTL:    defaultFreshTTL,
		staleTTL:    defaultStaleTTL,
		maxEntries:  defaultMaxEntries,
		mediaPrefix: defaultMediaPrefix,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.refresher == nil {
		svc.refresher = newRefresher(defaultRefreshConcurrency, defaultRefreshTimeout, svc.logger)
	}
	return svc
}

// Search serves query from the first matching tier: learned hit, fresh
// entry, stale entry (with a background refresh), or a synchronous fetch.
// A failed fetch is not an error: the response is marked degraded and
// carries whatever the cache still had.
func (s *Service) Search(ctx context.Context, query string) (domain.SearchResponse, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return domain.SearchResponse{}, ErrInvalidQuery
	}
	startedAt := s.now()
	response := domain.SearchResponse{Query: strings.TrimSpace(query), Key: key}

	entry, found := s.lookup(ctx, key)
	if found {
		if hit, ok := s.lookupHit(ctx, key); ok {
			s.touch(ctx, key, startedAt)
			response.Tier = domain.CacheTierHit
			response.Items = promote(entry.Results, hit.TopIdentifier)
			return s.finish(ctx, response, startedAt), nil
		}

		age := startedAt.Sub(entry.StoredAt)
		switch {
		case age <= s.freshTTL:
			s.touch(ctx, key, startedAt)
			response.Tier = domain.CacheTierFresh
			response.Items = domain.CloneResults(entry.Results)
			return s.finish(ctx, response, startedAt), nil
		case age <= s.staleTTL:
			s.touch(ctx, key, startedAt)
			s.refresher.schedule(ctx, key, func(ctx context.Context) error {
				_, err := s.forceFetch(ctx, key)
				return err
			})
			response.Tier = domain.CacheTierStale
			response.Items = domain.CloneResults(entry.Results)
			return s.finish(ctx, response, startedAt), nil
		}
	}

	response.Tier = domain.CacheTierMiss
	results, err := s.forceFetch(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.SearchResponse{}, ctxErr
		}
		s.logger.Warn("search fetch failed",
			slog.String("query", key),
			slog.String("error", err.Error()),
		)
		response.Degraded = true
		if found {
			response.Items = domain.CloneResults(entry.Results)
		}
		return s.finish(ctx, response, startedAt), nil
	}
	response.Items = results
	return s.finish(ctx, response, startedAt), nil
}

// Refresh bypasses every cache tier, fetches query synchronously and stores
// the outcome.
func (s *Service) Refresh(ctx context.Context, query string) (domain.SearchResponse, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return domain.SearchResponse{}, ErrInvalidQuery
	}
	startedAt := s.now()
	results, err := s.forceFetch(ctx, key)
	if err != nil {
		return domain.SearchResponse{}, err
	}
	response := domain.SearchResponse{
		Query: strings.TrimSpace(query),
		Key:   key,
		Tier:  domain.CacheTierForce,
		Items: results,
	}
	return s.finish(ctx, response, startedAt), nil
}

// Prune trims the cache to at most limit entries, oldest first. A
// non-positive limit uses the configured maximum.
func (s *Service) Prune(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.maxEntries
	}
	total, err := s.cache.CountCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	if total <= limit {
		return 0, nil
	}
	removed, err := s.cache.DeleteOldestCacheEntries(ctx, total-limit)
	if removed > 0 {
		metrics.CachePrunedTotal.Add(float64(removed))
	}
	return removed, err
}

// Wait blocks until scheduled background refreshes finish.
func (s *Service) Wait() {
	s.refresher.wait()
}

func (s *Service) forceFetch(ctx context.Context, key string) ([]domain.SearchResult, error) {
	results, err := s.upstream.Search(ctx, key)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	now := s.now()
	entry := domain.CacheEntry{
		Key:            key,
		Results:        domain.CloneResults(results),
		StoredAt:       now,
		LastAccessedAt: now,
	}
	if err := s.cache.PutCacheEntry(ctx, entry); err != nil {
		s.logger.Warn("search cache store failed",
			slog.String("query", key),
			slog.String("error", err.Error()),
		)
		return results, nil
	}
	if _, err := s.Prune(ctx, s.maxEntries); err != nil {
		s.logger.Warn("search cache prune failed", slog.String("error", err.Error()))
	}
	return results, nil
}

func (s *Service) lookup(ctx context.Context, key string) (domain.CacheEntry, bool) {
	entry, err := s.cache.GetCacheEntry(ctx, key)
	switch {
	case err == nil:
		return entry, true
	case errors.Is(err, domain.ErrNotFound):
		return domain.CacheEntry{}, false
	case errors.Is(err, domain.ErrCorruptEntry):
		s.logger.Warn("corrupt search cache entry, refetching", slog.String("query", key))
		return domain.CacheEntry{}, false
	default:
		s.logger.Warn("search cache read failed",
			slog.String("query", key),
			slog.String("error", err.Error()),
		)
		return domain.CacheEntry{}, false
	}
}

func (s *Service) lookupHit(ctx context.Context, key string) (domain.HitRecord, bool) {
	if s.hits == nil {
		return domain.HitRecord{}, false
	}
	hit, err := s.hits.GetHit(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("hit lookup failed",
				slog.String("query", key),
				slog.String("error", err.Error()),
			)
		}
		return domain.HitRecord{}, false
	}
	return hit, hit.TopIdentifier != ""
}

func (s *Service) touch(ctx context.Context, key string, at time.Time) {
	if err := s.cache.TouchCacheEntry(ctx, key, at); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Debug("search cache touch failed",
			slog.String("query", key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) finish(ctx context.Context, response domain.SearchResponse, startedAt time.Time) domain.SearchResponse {
	if response.Items == nil {
		response.Items = []domain.SearchResult{}
	}
	domain.NormalizeResults(response.Items)
	s.enrichLocal(ctx, response.Items)
	response.ElapsedMS = s.now().Sub(startedAt).Milliseconds()
	metrics.CacheLookupsTotal.WithLabelValues(string(response.Tier)).Inc()
	return response
}

// enrichLocal points results that have a local copy at the local file.
func (s *Service) enrichLocal(ctx context.Context, items []domain.SearchResult) {
	if s.catalog == nil || len(items) == 0 {
		return
	}
	identifiers := make([]string, 0, len(items))
	for _, item := range items {
		if item.Identifier != "" {
			identifiers = append(identifiers, item.Identifier)
		}
	}
	if len(identifiers) == 0 {
		return
	}
	local, err := s.catalog.FindLocalizedMedia(ctx, identifiers)
	if err != nil {
		s.logger.Warn("local catalog lookup failed", slog.String("error", err.Error()))
		return
	}
	for i := range items {
		media, ok := local[items[i].Identifier]
		if !ok {
			continue
		}
		items[i].MediaURL = s.publicPath(media.AudioPath)
		if media.CoverPath != "" {
			items[i].CoverURL = s.publicPath(media.CoverPath)
		}
		items[i].BitRate = media.BitRate
		items[i].SampleRate = media.SampleRate
		items[i].BitDepth = media.BitDepth
		items[i].IsLocalized = true
		items[i].Provider = domain.ProviderArchive
	}
}

func (s *Service) publicPath(relative string) string {
	if strings.HasPrefix(relative, "http://") || strings.HasPrefix(relative, "https://") {
		return relative
	}
	return s.mediaPrefix + "/" + strings.TrimLeft(relative, "/")
}

// promote returns a copy of items with the learned identifier first.
func promote(items []domain.SearchResult, identifier string) []domain.SearchResult {
	out := domain.CloneResults(items)
	for i := range out {
		if out[i].Identifier != identifier {
			continue
		}
		if i > 0 {
			top := out[i]
			copy(out[1:i+1], out[:i])
			out[0] = top
		}
		break
	}
	return out
}
