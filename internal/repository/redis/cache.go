// Package redis stores search cache entries in Redis so several service
// instances share one cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/domain/ports"
)

const (
	defaultPrefix = "archive:cache:"
	indexSuffix   = "index"
)

var _ ports.SearchCacheStore = (*CacheStore)(nil)

// CacheStore keeps each entry as a JSON value and a sorted set of keys
// scored by StoredAt, which drives oldest-first pruning. Entries never expire
// on their own so the index always matches the stored keys.
type CacheStore struct {
	client *redis.Client
	prefix string
}

type Option func(*CacheStore)

func WithPrefix(prefix string) Option {
	return func(s *CacheStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewCacheStore(client *redis.Client, opts ...Option) *CacheStore {
	s := &CacheStore{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type entryPayload struct {
	Results        []domain.SearchResult `json:"results"`
	StoredAt       int64                 `json:"storedAt"`
	LastAccessedAt int64                 `json:"lastAccessedAt"`
}

func (s *CacheStore) GetCacheEntry(ctx context.Context, key string) (domain.CacheEntry, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CacheEntry{}, domain.ErrNotFound
		}
		return domain.CacheEntry{}, err
	}
	return decodeEntry(key, data)
}

func (s *CacheStore) PutCacheEntry(ctx context.Context, entry domain.CacheEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(entry.Key), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(entry.StoredAt.UnixMilli()), Member: entry.Key})
		return nil
	})
	return err
}

// TouchCacheEntry rewrites an existing entry with a new access time.
// Concurrent touches may overwrite each other, which only
// loses an access timestamp.
func (s *CacheStore) TouchCacheEntry(ctx context.Context, key string, at time.Time) error {
	entry, err := s.GetCacheEntry(ctx, key)
	if err != nil {
		return err
	}
	entry.LastAccessedAt = at
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	err = s.client.SetArgs(ctx, s.entryKey(key), data, redis.SetArgs{Mode: "XX"}).Err()
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	return err
}

func (s *CacheStore) CountCacheEntries(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	return int(n), err
}

func (s *CacheStore) DeleteOldestCacheEntries(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, int64(n-1)).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	entryKeys := make([]string, 0, len(keys))
	members := make([]any, 0, len(keys))
	for _, key := range keys {
		entryKeys = append(entryKeys, s.entryKey(key))
		members = append(members, key)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKeys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *CacheStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *CacheStore) entryKey(key string) string { return s.prefix + "entry:" + key }

func (s *CacheStore) indexKey() string { return s.prefix + indexSuffix }

func encodeEntry(entry domain.CacheEntry) ([]byte, error) {
	results := entry.Results
	if results == nil {
		results = []domain.SearchResult{}
	}
	return json.Marshal(entryPayload{
		Results:        results,
		StoredAt:       entry.StoredAt.UnixMilli(),
		LastAccessedAt: entry.LastAccessedAt.UnixMilli(),
	})
}

func decodeEntry(key string, data []byte) (domain.CacheEntry, error) {
	var payload entryPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("%w: %v", domain.ErrCorruptEntry, err)
	}
	if payload.Results == nil {
		payload.Results = []domain.SearchResult{}
	}
	return domain.CacheEntry{
		Key:            key,
		Results:        payload.Results,
		StoredAt:       time.UnixMilli(payload.StoredAt).UTC(),
		LastAccessedAt: time.UnixMilli(payload.LastAccessedAt).UTC(),
	}, nil
}
