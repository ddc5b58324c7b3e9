// Package archive queries the Internet Archive advancedsearch and metadata
// endpoints and turns their documents into ranked, enriched search results.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/fanout"
	"archivestream/searchservice/internal/fetch"
	"archivestream/searchservice/internal/search"
)

const (
	DefaultBaseURL = "https://archive.org"

	defaultStrategyConcurrency = 3
	defaultEnrichConcurrency   = 6
	defaultMaxResults          = 50

	searchFields = "identifier,title,creator,format,downloads"
)

// ErrUnavailable means every search strategy failed upstream.
var ErrUnavailable = errors.New("archive search unavailable")

// Fetcher retrieves and validates one upstream JSON document.
type Fetcher interface {
	Fetch(ctx context.Context, url string, into fetch.Payload) error
}

type Client struct {
	fetcher             Fetcher
	baseURL             string
	host                string
	strategyConcurrency int
	enrichConcurrency   int
	maxResults          int
	logger              *slog.Logger
}

type Option func(*Client)

func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if value := strings.TrimRight(strings.TrimSpace(raw), "/"); value != "" {
			c.baseURL = value
		}
	}
}

// WithConcurrency sets the fan-out budgets for strategy queries and
// per-result metadata enrichment.
func WithConcurrency(strategies, enrich int) Option {
	return func(c *Client) {
		if strategies > 0 {
			c.strategyConcurrency = strategies
		}
		if enrich > 0 {
			c.enrichConcurrency = enrich
		}
	}
}

func WithMaxResults(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(fetcher Fetcher, opts ...Option) *Client {
	c := &Client{
		fetcher:             fetcher,
		baseURL:             DefaultBaseURL,
		strategyConcurrency: defaultStrategyConcurrency,
		enrichConcurrency:   defaultEnrichConcurrency,
		maxResults:          defaultMaxResults,
		logger:              slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if parsed, err := url.Parse(c.baseURL); err == nil {
		c.host = strings.ToLower(parsed.Hostname())
	}
	return c
}

// Search runs every strategy for query, merges and ranks the documents, and
// enriches the top results with item metadata. It returns ErrUnavailable
// when no strategy produced a response; an empty slice means the archive
// answered with nothing.
func (c *Client) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	key := search.NormalizeQuery(query)
	strategies := buildStrategies(key)
	if len(strategies) == 0 {
		return []domain.SearchResult{}, nil
	}

	responses := fanout.Run(ctx, strategies, c.strategyConcurrency, func(ctx context.Context, s strategy) ([]SearchDoc, error) {
		var document SearchDocument
		if err := c.fetcher.Fetch(ctx, c.SearchURL(s.Query, s.Rows), &document); err != nil {
			c.logger.Warn("archive strategy failed",
				slog.String("strategy", s.Name),
				slog.String("query", key),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		return document.Response.Docs, nil
	})
	if len(responses) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d strategies failed for %q", ErrUnavailable, len(strategies), key)
	}

	docs := uniqueDocs(fanout.Flatten(responses))
	rankDocs(docs, key)
	if len(docs) > c.maxResults {
		docs = docs[:c.maxResults]
	}

	type ranked struct {
		rank   int
		result domain.SearchResult
	}
	indexes := make([]int, len(docs))
	for i := range indexes {
		indexes[i] = i
	}
	enriched := fanout.Run(ctx, indexes, c.enrichConcurrency, func(ctx context.Context, i int) (ranked, error) {
		result, err := c.Details(ctx, docs[i])
		if err != nil {
			return ranked{}, err
		}
		return ranked{rank: i, result: result}, nil
	})
	sort.Slice(enriched, func(i, j int) bool { return enriched[i].rank < enriched[j].rank })

	results := make([]domain.SearchResult, 0, len(enriched))
	for _, item := range enriched {
		results = append(results, item.result)
	}
	domain.NormalizeResults(results)
	return results, nil
}

// Details fetches item metadata for doc. An unreachable metadata endpoint
// degrades to a result built from the search document alone; an item
// without audio files is an error.
func (c *Client) Details(ctx context.Context, doc SearchDoc) (domain.SearchResult, error) {
	identifier := stripAudioExtension(doc.Identifier)
	var meta MetadataDocument
	if err := c.fetcher.Fetch(ctx, c.MetadataURL(identifier), &meta); err != nil {
		if ctx.Err() != nil {
			return domain.SearchResult{}, ctx.Err()
		}
		c.logger.Debug("archive metadata unavailable",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()),
		)
		return c.fallbackResult(doc), nil
	}
	return c.resultFromMetadata(identifier, doc, &meta)
}

func (c *Client) SearchURL(query string, rows int) string {
	values := url.Values{}
	values.Set("q", query)
	values.Set("fl", searchFields)
	values.Set("sort", "downloads desc")
	values.Set("rows", strconv.Itoa(rows))
	values.Set("page", "1")
	values.Set("output", "json")
	return c.baseURL + "/advancedsearch.php?" + values.Encode()
}

func (c *Client) MetadataURL(identifier string) string {
	return c.baseURL + "/metadata/" + url.PathEscape(identifier)
}

// DownloadURL addresses a file inside an item. Sub-directory separators in
// name are kept.
func (c *Client) DownloadURL(identifier, name string) string {
	segments := strings.Split(name, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return c.baseURL + "/download/" + url.PathEscape(identifier) + "/" + strings.Join(segments, "/")
}

func (c *Client) ImageURL(identifier string) string {
	return c.baseURL + "/services/img/" + url.PathEscape(identifier)
}

func (c *Client) DetailsURL(identifier string) string {
	return c.baseURL + "/details/" + url.PathEscape(identifier)
}

// IsArchiveURL reports whether raw points at the configured archive host or
// one of its subdomains (download mirrors such as ia800.us.archive.org).
func (c *Client) IsArchiveURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || c.host == "" {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == c.host || strings.HasSuffix(host, "."+c.host)
}
