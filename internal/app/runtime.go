package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"archivestream/searchservice/internal/archive"
	"archivestream/searchservice/internal/clicks"
	"archivestream/searchservice/internal/domain/ports"
	"archivestream/searchservice/internal/fetch"
	"archivestream/searchservice/internal/media"
	"archivestream/searchservice/internal/proxy"
	"archivestream/searchservice/internal/repository/memory"
	mongorepo "archivestream/searchservice/internal/repository/mongo"
	redisrepo "archivestream/searchservice/internal/repository/redis"
	"archivestream/searchservice/internal/search"
)

// ErrStoreRequired is returned by operations that need a durable store.
var ErrStoreRequired = errors.New("operation requires MONGO_URI")

// Durable reports whether the stores survive a restart.
func (r *Runtime) Durable() bool {
	_, inMemory := r.Stores.Proxies.(*memory.Store)
	return !inMemory
}

// Stores groups the persistence ports the runtime is built on.
type Stores struct {
	Cache   ports.SearchCacheStore
	Hits    ports.HitStore
	Clicks  ports.ClickStore
	Catalog ports.CatalogStore
	Proxies ports.ProxyStore
}

// Runtime is the wired search engine shared by the server and the CLI.
type Runtime struct {
	Config    Config
	Logger    *slog.Logger
	Stores    Stores
	Rotator   *proxy.Rotator
	Fetcher   *fetch.Fetcher
	Archive   *archive.Client
	Search    *search.Service
	Ledger    *clicks.Ledger
	Localizer *media.Localizer

	closers []func(context.Context) error
}

// Build connects the configured stores and wires every component. MongoDB
// is used when MONGO_URI is set, otherwise everything lives in memory.
// Redis, when reachable, takes over the search cache.
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	stores, err := rt.openStores(ctx)
	if err != nil {
		rt.Close(context.Background())
		return nil, err
	}
	rt.Stores = stores

	var source proxy.AddressSource = stores.Proxies
	if len(cfg.ProxyAddresses) > 0 {
		source = StaticAddresses(cfg.ProxyAddresses)
	}
	rt.Rotator = proxy.NewRotator(source,
		proxy.WithPerNodeLimit(cfg.ProxyPerNodeLimit),
		proxy.WithPenalties(cfg.ProxyPenalty, cfg.ProxyRateLimitedPenalty),
		proxy.WithRefreshInterval(cfg.ProxyRefreshInterval),
		proxy.WithClientFactory(func(address string) (*http.Client, error) {
			return proxy.NewClient(address, proxy.TransportConfig{ResponseHeaderTimeout: cfg.FetchTimeout})
		}),
		proxy.WithLogger(logger),
	)
	rt.closers = append(rt.closers, func(context.Context) error {
		rt.Rotator.Close()
		return nil
	})

	rt.Fetcher = fetch.New(rt.Rotator,
		fetch.WithTimeout(cfg.FetchTimeout),
		fetch.WithRetries(cfg.FetchRetries, cfg.FetchRetryBase),
		fetch.WithUserAgent(cfg.UserAgent),
		fetch.WithLogger(logger),
	)
	rt.Archive = archive.NewClient(rt.Fetcher,
		archive.WithBaseURL(cfg.ArchiveBaseURL),
		archive.WithConcurrency(cfg.StrategyConcurrency, cfg.EnrichConcurrency),
		archive.WithLogger(logger),
	)
	rt.Search = search.NewService(rt.Archive, stores.Cache, stores.Hits,
		search.WithLogger(logger),
		search.WithFreshness(cfg.CacheFreshTTL, cfg.CacheStaleTTL),
		search.WithMaxEntries(cfg.CacheMaxEntries),
		search.WithRefresher(cfg.RefreshConcurrency, 2*time.Minute),
		search.WithLocalCatalog(stores.Catalog),
		search.WithMediaPrefix(cfg.MediaPublicPrefix),
	)
	rt.Ledger = clicks.NewLedger(stores.Clicks, stores.Hits,
		clicks.WithMinConfidence(cfg.HitMinConfidence),
		clicks.WithLogger(logger),
	)
	rt.Localizer = media.NewLocalizer(rt.Fetcher, stores.Catalog, cfg.MediaCacheDir,
		media.WithLogger(logger),
	)
	return rt, nil
}

// Start keeps the proxy pool refreshed in the background until ctx ends.
// Acquire calls made before the first load wait for it.
func (r *Runtime) Start(ctx context.Context) {
	go r.Rotator.Run(ctx)
}

// LoadProxies loads the proxy pool synchronously, for one-shot commands.
func (r *Runtime) LoadProxies(ctx context.Context) {
	if err := r.Rotator.Refresh(ctx); err != nil {
		r.Logger.Warn("proxy pool load failed", slog.String("error", err.Error()))
	}
}

// Close waits for background work and releases store connections.
func (r *Runtime) Close(ctx context.Context) {
	if r.Search != nil {
		r.Search.Wait()
	}
	if r.Localizer != nil {
		r.Localizer.Wait()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			r.Logger.Warn("shutdown step failed", slog.String("error", err.Error()))
		}
	}
	r.closers = nil
}

func (r *Runtime) openStores(ctx context.Context) (Stores, error) {
	var stores Stores
	if uri := strings.TrimSpace(r.Config.MongoURI); uri != "" {
		store, err := r.openMongo(ctx, uri)
		if err != nil {
			return Stores{}, err
		}
		stores = Stores{Cache: store, Hits: store, Clicks: store, Catalog: store, Proxies: store}
		r.Logger.Info("mongo connected", slog.String("database", r.Config.MongoDatabase))
	} else {
		store := memory.New()
		stores = Stores{Cache: store, Hits: store, Clicks: store, Catalog: store, Proxies: store}
		r.Logger.Warn("MONGO_URI not set, using in-memory stores")
	}

	if cache := r.openRedisCache(ctx); cache != nil {
		stores.Cache = cache
	}
	return stores, nil
}

func (r *Runtime) openMongo(ctx context.Context, uri string) (*mongorepo.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(connectCtx, uri, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, client.Disconnect)
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, err
	}
	store := mongorepo.NewStore(client, r.Config.MongoDatabase)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		return nil, err
	}
	return store, nil
}

func (r *Runtime) openRedisCache(ctx context.Context) *redisrepo.CacheStore {
	redisURL := strings.TrimSpace(r.Config.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		r.Logger.Warn("invalid redis url, search cache stays on the primary store", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		r.Logger.Warn("redis not reachable, search cache stays on the primary store", slog.String("error", err.Error()))
		return nil
	}
	r.closers = append(r.closers, func(context.Context) error { return client.Close() })
	r.Logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return redisrepo.NewCacheStore(client)
}

// StaticAddresses is a fixed proxy list taken from the environment.
type StaticAddresses []string

func (s StaticAddresses) ListActiveProxyAddresses(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(levelRaw, formatRaw string) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: parseLogLevel(levelRaw)}
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
