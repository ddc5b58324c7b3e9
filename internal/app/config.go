package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	MongoURI      string
	MongoDatabase string
	RedisURL      string

	ArchiveBaseURL string
	UserAgent      string
	FetchTimeout   time.Duration
	FetchRetries   int
	FetchRetryBase time.Duration

	ProxyAddresses          []string
	ProxyRefreshInterval    time.Duration
	ProxyPerNodeLimit       int
	ProxyPenalty            time.Duration
	ProxyRateLimitedPenalty time.Duration

	CacheFreshTTL       time.Duration
	CacheStaleTTL       time.Duration
	CacheMaxEntries     int
	RefreshConcurrency  int
	StrategyConcurrency int
	EnrichConcurrency   int
	HitMinConfidence    float64

	MediaCacheDir     string
	MediaPublicPrefix string
	LocalizeOnPlay    bool

	RateLimitRPS   float64
	RateLimitBurst int
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8095"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "archivestream"),
		RedisURL:      getEnv("REDIS_URL", ""),

		ArchiveBaseURL: getEnv("ARCHIVE_BASE_URL", "https://archive.org"),
		UserAgent:      getEnv("SEARCH_USER_AGENT", "archivestream-search/1.0"),
		FetchTimeout:   time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 15)) * time.Second,
		FetchRetries:   getEnvCount("FETCH_MAX_RETRIES", 3),
		FetchRetryBase: time.Duration(getEnvInt("FETCH_RETRY_BASE_MS", 300)) * time.Millisecond,

		ProxyAddresses:          splitList(os.Getenv("PROXY_ADDRESSES")),
		ProxyRefreshInterval:    time.Duration(getEnvInt("PROXY_REFRESH_MINUTES", 5)) * time.Minute,
		ProxyPerNodeLimit:       getEnvInt("PROXY_PER_NODE_LIMIT", 3),
		ProxyPenalty:            time.Duration(getEnvInt("PROXY_PENALTY_SECONDS", 5)) * time.Second,
		ProxyRateLimitedPenalty: time.Duration(getEnvInt("PROXY_RATE_LIMIT_PENALTY_SECONDS", 30)) * time.Second,

		CacheFreshTTL:       time.Duration(getEnvInt("CACHE_FRESH_HOURS", 24)) * time.Hour,
		CacheStaleTTL:       time.Duration(getEnvInt("CACHE_STALE_DAYS", 30)) * 24 * time.Hour,
		CacheMaxEntries:     getEnvInt("CACHE_MAX_ENTRIES", 500),
		RefreshConcurrency:  getEnvInt("CACHE_REFRESH_CONCURRENCY", 4),
		StrategyConcurrency: getEnvInt("SEARCH_STRATEGY_CONCURRENCY", 3),
		EnrichConcurrency:   getEnvInt("SEARCH_ENRICH_CONCURRENCY", 6),
		HitMinConfidence:    getEnvFloat("HIT_MIN_CONFIDENCE", 0.5),

		MediaCacheDir:     getEnv("MEDIA_CACHE_DIR", "./data/media"),
		MediaPublicPrefix: getEnv("MEDIA_PUBLIC_PREFIX", "/media/files"),
		LocalizeOnPlay:    getEnvBool("LOCALIZE_ON_PLAY", true),

		RateLimitRPS:   getEnvFloat("HTTP_RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("HTTP_RATE_LIMIT_BURST", 40),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// getEnvCount is getEnvInt that also accepts zero.
func getEnvCount(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == ' ' || r == '\n' }) {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	return out
}
