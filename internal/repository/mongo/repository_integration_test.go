package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo/options"

	"archivestream/searchservice/internal/domain"
)

// testMongoURI defaults to localhost:27017. Set MONGO_TEST_URI to override.
func testMongoURI() string {
	if uri := os.Getenv("MONGO_TEST_URI"); uri != "" {
		return uri
	}
	return "mongodb://localhost:27017"
}

// setupTestStore returns a Store on a unique database and skips the test
// when MongoDB is unreachable.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uri := testMongoURI()
	client, err := Connect(ctx, uri, options.Client().SetConnectTimeout(2*time.Second).SetServerSelectionTimeout(2*time.Second))
	if err != nil {
		t.Skipf("MongoDB not available at %s: %v", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		t.Skipf("MongoDB ping failed at %s: %v", uri, err)
	}

	dbName := fmt.Sprintf("archive_test_%d", time.Now().UnixNano())
	store := NewStore(client, dbName)
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		t.Fatalf("EnsureIndexes: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return store
}

func TestIntegrationCachePruneOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		entry := domain.CacheEntry{Key: fmt.Sprintf("k%d", i), StoredAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.PutCacheEntry(ctx, entry); err != nil {
			t.Fatalf("PutCacheEntry: %v", err)
		}
	}
	removed, err := store.DeleteOldestCacheEntries(ctx, 2)
	if err != nil || removed != 2 {
		t.Fatalf("DeleteOldestCacheEntries: removed=%d err=%v", removed, err)
	}
	if _, err := store.GetCacheEntry(ctx, "k0"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected k0 pruned, got %v", err)
	}
	if _, err := store.GetCacheEntry(ctx, "k2"); err != nil {
		t.Fatalf("expected k2 kept: %v", err)
	}
	if err := store.TouchCacheEntry(ctx, "missing", time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("touch missing: %v", err)
	}
}

func TestIntegrationClicksAndCatalog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.IncrementClick(ctx, "q", "a", time.Now()); err != nil {
			t.Fatalf("IncrementClick: %v", err)
		}
	}
	_, _ = store.IncrementClick(ctx, "q", "b", time.Now())
	top, err := store.TopClicks(ctx, "q", 10)
	if err != nil || len(top) != 2 || top[0].Identifier != "a" || top[0].ClickCount != 3 {
		t.Fatalf("TopClicks: %+v err=%v", top, err)
	}

	first, err := store.FindOrCreateArtist(ctx, "Los Lobos")
	if err != nil {
		t.Fatalf("FindOrCreateArtist: %v", err)
	}
	second, _ := store.FindOrCreateArtist(ctx, "LOS LOBOS")
	if first.ID != second.ID {
		t.Fatalf("expected one artist, got %s and %s", first.ID, second.ID)
	}

	media := domain.LocalizedMedia{Identifier: "x", AudioPath: "x/audio.mp3", ArtistID: first.ID}
	if _, err := store.InsertLocalizedMedia(ctx, media); err != nil {
		t.Fatalf("InsertLocalizedMedia: %v", err)
	}
	if _, err := store.InsertLocalizedMedia(ctx, media); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestIntegrationReplaceProxyAddresses(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.ReplaceProxyAddresses(ctx, []string{"http://a:1", "http://b:1"}); err != nil {
		t.Fatalf("ReplaceProxyAddresses: %v", err)
	}
	if err := store.ReplaceProxyAddresses(ctx, []string{"http://c:1", "http://a:1"}); err != nil {
		t.Fatalf("ReplaceProxyAddresses: %v", err)
	}
	active, err := store.ListActiveProxyAddresses(ctx)
	if err != nil {
		t.Fatalf("ListActiveProxyAddresses: %v", err)
	}
	if len(active) != 2 || active[0] != "http://c:1" || active[1] != "http://a:1" {
		t.Fatalf("unexpected proxies: %v", active)
	}
	listed, err := store.ListProxies(ctx)
	if err != nil {
		t.Fatalf("ListProxies: %v", err)
	}
	for _, item := range listed {
		if item.LastUsedAt == nil {
			t.Fatalf("expected %s stamped at seed time", item.Address)
		}
	}
}
