package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"archivestream/searchservice/internal/domain"
)

type cacheDoc struct {
	Key            string                `bson:"_id"`
	Results        []domain.SearchResult `bson:"results"`
	StoredAt       int64                 `bson:"storedAt"`
	LastAccessedAt int64                 `bson:"lastAccessedAt"`
}

func (s *Store) GetCacheEntry(ctx context.Context, key string) (domain.CacheEntry, error) {
	raw, err := s.cache.FindOne(ctx, bson.M{"_id": key}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.CacheEntry{}, domain.ErrNotFound
		}
		return domain.CacheEntry{}, err
	}
	var doc cacheDoc
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("%w: %v", domain.ErrCorruptEntry, err)
	}
	return fromCacheDoc(doc), nil
}

func (s *Store) PutCacheEntry(ctx context.Context, entry domain.CacheEntry) error {
	doc := toCacheDoc(entry)
	_, err := s.cache.ReplaceOne(ctx, bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) TouchCacheEntry(ctx context.Context, key string, at time.Time) error {
	res, err := s.cache.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"lastAccessedAt": toMillis(at)}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) CountCacheEntries(ctx context.Context) (int, error) {
	n, err := s.cache.CountDocuments(ctx, bson.M{})
	return int(n), err
}

func (s *Store) DeleteOldestCacheEntries(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "storedAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(n)).
		SetProjection(bson.M{"_id": 1})
	cursor, err := s.cache.Find(ctx, bson.M{}, opts)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var docs []struct {
		Key string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		keys = append(keys, doc.Key)
	}
	res, err := s.cache.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func toCacheDoc(entry domain.CacheEntry) cacheDoc {
	results := entry.Results
	if results == nil {
		results = []domain.SearchResult{}
	}
	return cacheDoc{
		Key:            entry.Key,
		Results:        results,
		StoredAt:       toMillis(entry.StoredAt),
		LastAccessedAt: toMillis(entry.LastAccessedAt),
	}
}

func fromCacheDoc(doc cacheDoc) domain.CacheEntry {
	results := doc.Results
	if results == nil {
		results = []domain.SearchResult{}
	}
	return domain.CacheEntry{
		Key:            doc.Key,
		Results:        results,
		StoredAt:       fromMillis(doc.StoredAt),
		LastAccessedAt: fromMillis(doc.LastAccessedAt),
	}
}
