// Package memory implements every store port in process memory. It backs
// tests and single-node deployments without MongoDB.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/domain/ports"
)

var (
	_ ports.SearchCacheStore = (*Store)(nil)
	_ ports.HitStore         = (*Store)(nil)
	_ ports.ClickStore       = (*Store)(nil)
	_ ports.CatalogStore     = (*Store)(nil)
	_ ports.ProxyStore       = (*Store)(nil)
)

type Store struct {
	mu      sync.RWMutex
	cache   map[string]domain.CacheEntry
	hits    map[string]domain.HitRecord
	clicks  map[string]map[string]domain.ClickRecord
	artists map[string]domain.Artist
	albums  map[string]domain.Album
	media   map[string]domain.LocalizedMedia
	proxies []domain.ProxyAddress
	now     func() time.Time
}

func New() *Store {
	return &Store{
		cache:   make(map[string]domain.CacheEntry),
		hits:    make(map[string]domain.HitRecord),
		clicks:  make(map[string]map[string]domain.ClickRecord),
		artists: make(map[string]domain.Artist),
		albums:  make(map[string]domain.Album),
		media:   make(map[string]domain.LocalizedMedia),
		now:     time.Now,
	}
}

// ---------------------------------------------------------------------------
// Search cache
// ---------------------------------------------------------------------------

func (s *Store) GetCacheEntry(_ context.Context, key string) (domain.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[key]
	if !ok {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	entry.Results = domain.CloneResults(entry.Results)
	return entry, nil
}

func (s *Store) PutCacheEntry(_ context.Context, entry domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Results = domain.CloneResults(entry.Results)
	s.cache[entry.Key] = entry
	return nil
}

func (s *Store) TouchCacheEntry(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return domain.ErrNotFound
	}
	entry.LastAccessedAt = at
	s.cache[key] = entry
	return nil
}

func (s *Store) CountCacheEntries(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache), nil
}

func (s *Store) DeleteOldestCacheEntries(_ context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]domain.CacheEntry, 0, len(s.cache))
	for _, entry := range s.cache {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].StoredAt.Equal(entries[j].StoredAt) {
			return entries[i].StoredAt.Before(entries[j].StoredAt)
		}
		return entries[i].Key < entries[j].Key
	})
	if n > len(entries) {
		n = len(entries)
	}
	for _, entry := range entries[:n] {
		delete(s.cache, entry.Key)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Hits and clicks
// ---------------------------------------------------------------------------

func (s *Store) GetHit(_ context.Context, key string) (domain.HitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hit, ok := s.hits[key]
	if !ok {
		return domain.HitRecord{}, domain.ErrNotFound
	}
	return hit, nil
}

func (s *Store) UpsertHit(_ context.Context, hit domain.HitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[hit.QueryKey] = hit
	return nil
}

func (s *Store) IncrementClick(_ context.Context, key, identifier string, at time.Time) (domain.ClickRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.clicks[key]
	if byID == nil {
		byID = make(map[string]domain.ClickRecord)
		s.clicks[key] = byID
	}
	record := byID[identifier]
	record.QueryKey = key
	record.Identifier = identifier
	record.ClickCount++
	record.LastClickedAt = at
	byID[identifier] = record
	return record, nil
}

func (s *Store) TopClicks(_ context.Context, key string, n int) ([]domain.ClickRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.clicks[key]
	records := make([]domain.ClickRecord, 0, len(byID))
	for _, record := range byID {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ClickCount != records[j].ClickCount {
			return records[i].ClickCount > records[j].ClickCount
		}
		if !records[i].LastClickedAt.Equal(records[j].LastClickedAt) {
			return records[i].LastClickedAt.After(records[j].LastClickedAt)
		}
		return records[i].Identifier < records[j].Identifier
	})
	if n > 0 && len(records) > n {
		records = records[:n]
	}
	return records, nil
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func (s *Store) GetLocalizedMedia(_ context.Context, identifier string) (domain.LocalizedMedia, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	media, ok := s.media[identifier]
	if !ok {
		return domain.LocalizedMedia{}, domain.ErrNotFound
	}
	return media, nil
}

func (s *Store) FindLocalizedMedia(_ context.Context, identifiers []string) (map[string]domain.LocalizedMedia, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.LocalizedMedia)
	for _, identifier := range identifiers {
		if media, ok := s.media[identifier]; ok {
			out[identifier] = media
		}
	}
	return out, nil
}

func (s *Store) FindOrCreateArtist(_ context.Context, name string) (domain.Artist, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = domain.DefaultArtistName
	}
	lookup := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if artist, ok := s.artists[lookup]; ok {
		return artist, nil
	}
	artist := domain.Artist{ID: uuid.NewString(), Name: name, ImageURL: domain.DefaultArtistImage}
	s.artists[lookup] = artist
	return artist, nil
}

func (s *Store) FindOrCreateAlbum(_ context.Context, title, artistID, coverURL string) (domain.Album, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultAlbumTitle
	}
	lookup := strings.ToLower(title) + "\x00" + artistID
	s.mu.Lock()
	defer s.mu.Unlock()
	if album, ok := s.albums[lookup]; ok {
		return album, nil
	}
	album := domain.Album{ID: uuid.NewString(), Title: title, ArtistID: artistID, CoverURL: coverURL}
	s.albums[lookup] = album
	return album, nil
}

func (s *Store) InsertLocalizedMedia(_ context.Context, media domain.LocalizedMedia) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.media[media.Identifier]; exists {
		return "", domain.ErrAlreadyExists
	}
	if media.ID == "" {
		media.ID = uuid.NewString()
	}
	if media.CreatedAt.IsZero() {
		media.CreatedAt = s.now()
	}
	s.media[media.Identifier] = media
	return media.ID, nil
}

// MediaCount reports how many catalog songs exist.
func (s *Store) MediaCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.media)
}

// ---------------------------------------------------------------------------
// Proxies
// ---------------------------------------------------------------------------

func (s *Store) ListActiveProxyAddresses(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.proxies))
	for _, p := range s.proxies {
		if p.Active {
			out = append(out, p.Address)
		}
	}
	return out, nil
}

func (s *Store) ListProxies(context.Context) ([]domain.ProxyAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ProxyAddress(nil), s.proxies...), nil
}

func (s *Store) ReplaceProxyAddresses(_ context.Context, addresses []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seededAt := s.now()
	seen := make(map[string]struct{}, len(addresses))
	next := make([]domain.ProxyAddress, 0, len(addresses))
	for _, raw := range addresses {
		address := strings.TrimSpace(raw)
		if address == "" {
			continue
		}
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}
		at := seededAt
		next = append(next, domain.ProxyAddress{Address: address, Active: true, LastUsedAt: &at})
	}
	s.proxies = next
	return nil
}
