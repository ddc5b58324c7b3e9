package ports

import (
	"context"
	"time"

	"archivestream/searchservice/internal/domain"
)

// SearchCacheStore persists CacheEntry rows keyed by normalized query.
// GetCacheEntry returns domain.ErrNotFound on a miss and
// domain.ErrCorruptEntry when the stored payload cannot be decoded.
type SearchCacheStore interface {
	GetCacheEntry(ctx context.Context, key string) (domain.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry domain.CacheEntry) error
	TouchCacheEntry(ctx context.Context, key string, at time.Time) error
	CountCacheEntries(ctx context.Context) (int, error)
	// DeleteOldestCacheEntries removes up to n entries with the oldest StoredAt
	// and reports how many were removed.
	DeleteOldestCacheEntries(ctx context.Context, n int) (int, error)
}

type HitStore interface {
	GetHit(ctx context.Context, key string) (domain.HitRecord, error)
	UpsertHit(ctx context.Context, hit domain.HitRecord) error
}

type ClickStore interface {
	// IncrementClick atomically adds one click for (key, identifier).
	IncrementClick(ctx context.Context, key, identifier string, at time.Time) (domain.ClickRecord, error)
	// TopClicks returns up to n records for key ordered by ClickCount desc.
	TopClicks(ctx context.Context, key string, n int) ([]domain.ClickRecord, error)
}

type CatalogStore interface {
	GetLocalizedMedia(ctx context.Context, identifier string) (domain.LocalizedMedia, error)
	FindLocalizedMedia(ctx context.Context, identifiers []string) (map[string]domain.LocalizedMedia, error)
	FindOrCreateArtist(ctx context.Context, name string) (domain.Artist, error)
	FindOrCreateAlbum(ctx context.Context, title, artistID, coverURL string) (domain.Album, error)
	// InsertLocalizedMedia returns domain.ErrAlreadyExists when a row for the
	// identifier is already present.
	InsertLocalizedMedia(ctx context.Context, media domain.LocalizedMedia) (string, error)
}

type ProxyStore interface {
	ListActiveProxyAddresses(ctx context.Context) ([]string, error)
	ListProxies(ctx context.Context) ([]domain.ProxyAddress, error)
	ReplaceProxyAddresses(ctx context.Context, addresses []string) error
}
