// Package mongo persists the search cache, click ledger, catalog and proxy
// list in MongoDB.
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"archivestream/searchservice/internal/domain/ports"
)

const (
	cacheCollection   = "search_cache"
	hitsCollection    = "search_hits"
	clicksCollection  = "search_clicks"
	artistsCollection = "artists"
	albumsCollection  = "albums"
	songsCollection   = "songs"
	proxiesCollection = "proxies"
)

var (
	_ ports.SearchCacheStore = (*Store)(nil)
	_ ports.HitStore         = (*Store)(nil)
	_ ports.ClickStore       = (*Store)(nil)
	_ ports.CatalogStore     = (*Store)(nil)
	_ ports.ProxyStore       = (*Store)(nil)
)

type Store struct {
	cache   *mongo.Collection
	hits    *mongo.Collection
	clicks  *mongo.Collection
	artists *mongo.Collection
	albums  *mongo.Collection
	songs   *mongo.Collection
	proxies *mongo.Collection
	now     func() time.Time
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func NewStore(client *mongo.Client, dbName string) *Store {
	db := client.Database(dbName)
	return &Store{
		cache:   db.Collection(cacheCollection),
		hits:    db.Collection(hitsCollection),
		clicks:  db.Collection(clicksCollection),
		artists: db.Collection(artistsCollection),
		albums:  db.Collection(albumsCollection),
		songs:   db.Collection(songsCollection),
		proxies: db.Collection(proxiesCollection),
		now:     time.Now,
	}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	if s == nil {
		return nil
	}
	unique := options.Index().SetUnique(true)
	plan := []struct {
		collection *mongo.Collection
		models     []mongo.IndexModel
	}{
		{s.cache, []mongo.IndexModel{
			{Keys: bson.D{{Key: "storedAt", Value: 1}}},
		}},
		{s.clicks, []mongo.IndexModel{
			{Keys: bson.D{{Key: "query", Value: 1}, {Key: "identifier", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "query", Value: 1}, {Key: "clickCount", Value: -1}}},
		}},
		{s.artists, []mongo.IndexModel{
			{Keys: bson.D{{Key: "nameKey", Value: 1}}, Options: unique},
		}},
		{s.albums, []mongo.IndexModel{
			{Keys: bson.D{{Key: "titleKey", Value: 1}, {Key: "artistId", Value: 1}}, Options: unique},
		}},
		{s.songs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "identifier", Value: 1}}, Options: unique},
		}},
		{s.proxies, []mongo.IndexModel{
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "position", Value: 1}}},
		}},
	}
	for _, step := range plan {
		if _, err := step.collection.Indexes().CreateMany(ctx, step.models); err != nil {
			return err
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
