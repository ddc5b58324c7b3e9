package domain

import (
	"strings"
	"time"
)

// ProviderArchive is the provider id stamped on every archive result.
const ProviderArchive = "archive"

// ResultIDPrefix prefixes archive identifiers in client-facing result ids.
const ResultIDPrefix = "ia_"

type SearchResult struct {
	ID              string  `json:"id" bson:"id"`
	Identifier      string  `json:"identifier" bson:"identifier"`
	Title           string  `json:"title" bson:"title"`
	DisplayTitle    string  `json:"displayTitle,omitempty" bson:"displayTitle,omitempty"`
	Creator         string  `json:"creator" bson:"creator"`
	Album           string  `json:"album,omitempty" bson:"album,omitempty"`
	Year            string  `json:"year,omitempty" bson:"year,omitempty"`
	CoverURL        string  `json:"coverUrl,omitempty" bson:"coverUrl,omitempty"`
	MediaURL        string  `json:"mediaUrl" bson:"mediaUrl"`
	DurationSeconds float64 `json:"durationSeconds,omitempty" bson:"durationSeconds,omitempty"`
	DownloadsRank   int64   `json:"downloads" bson:"downloads"`
	IsLocalized     bool    `json:"isLocal" bson:"isLocal"`
	BitRate         int     `json:"bitRate,omitempty" bson:"bitRate,omitempty"`
	SampleRate      int     `json:"sampleRate,omitempty" bson:"sampleRate,omitempty"`
	BitDepth        int     `json:"bitDepth,omitempty" bson:"bitDepth,omitempty"`
	Provider        string  `json:"provider" bson:"provider"`
}

type CacheEntry struct {
	Key            string         `json:"key"`
	Results        []SearchResult `json:"results"`
	StoredAt       time.Time      `json:"storedAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
}

// CacheTier reports which lookup tier served a search.
type CacheTier string

const (
	CacheTierHit   CacheTier = "hit"
	CacheTierFresh CacheTier = "fresh"
	CacheTierStale CacheTier = "stale"
	CacheTierMiss  CacheTier = "miss"
	CacheTierForce CacheTier = "force"
)

type SearchResponse struct {
	Query     string         `json:"query"`
	Key       string         `json:"key"`
	Tier      CacheTier      `json:"tier"`
	Items     []SearchResult `json:"items"`
	ElapsedMS int64          `json:"elapsedMs"`
	Degraded  bool           `json:"degraded,omitempty"`
}

type ClickRecord struct {
	QueryKey      string    `json:"query"`
	Identifier    string    `json:"identifier"`
	ClickCount    int64     `json:"clickCount"`
	LastClickedAt time.Time `json:"lastClickedAt"`
}

type HitRecord struct {
	QueryKey      string    `json:"query"`
	TopIdentifier string    `json:"topIdentifier"`
	Confidence    float64   `json:"confidence"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func CloneResults(items []SearchResult) []SearchResult {
	if items == nil {
		return nil
	}
	return append([]SearchResult(nil), items...)
}

// NormalizeResults trims album titles, fills a missing display title from
// creator and album, and stamps the archive provider.
func NormalizeResults(items []SearchResult) {
	for i := range items {
		item := &items[i]
		item.Album = strings.TrimSpace(item.Album)
		if item.DisplayTitle == "" && item.Album != "" && item.Creator != "" {
			item.DisplayTitle = item.Creator + " - " + item.Album
		}
		item.Provider = ProviderArchive
	}
}
