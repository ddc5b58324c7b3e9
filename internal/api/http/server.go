package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"archivestream/searchservice/internal/clicks"
	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/fetch"
	"archivestream/searchservice/internal/media"
	"archivestream/searchservice/internal/search"
)

type SearchService interface {
	Search(ctx context.Context, query string) (domain.SearchResponse, error)
	Refresh(ctx context.Context, query string) (domain.SearchResponse, error)
}

type ClickLedger interface {
	RecordClick(ctx context.Context, query, identifier string) (clicks.Learned, error)
}

type Localizer interface {
	CacheSong(ctx context.Context, identifier string, meta media.Meta) (media.Outcome, error)
	CacheSongAsync(ctx context.Context, identifier string, meta media.Meta)
}

type ProxyPool interface {
	Snapshot() []domain.ProxyNodeStatus
}

type Streamer interface {
	FetchStream(ctx context.Context, url string, header http.Header) (*fetch.Stream, error)
}

type Server struct {
	search         SearchService
	clicks         ClickLedger
	localizer      Localizer
	localizeOnPlay bool
	proxies        ProxyPool
	streamer       Streamer
	allowUpstream  func(string) bool
	mediaPrefix    string
	mediaDir       string
	rateRPS        float64
	rateBurst      int
	logger         *slog.Logger
}

const (
	maxQueryLength     = 500
	defaultMediaPrefix = "/media/files"
)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithClickLedger(ledger ClickLedger) ServerOption {
	return func(s *Server) {
		s.clicks = ledger
	}
}

// WithLocalizer enables /media/localize. When onPlay is set, /search/play
// also starts a background localization.
func WithLocalizer(localizer Localizer, onPlay bool) ServerOption {
	return func(s *Server) {
		s.localizer = localizer
		s.localizeOnPlay = onPlay
	}
}

func WithProxyPool(pool ProxyPool) ServerOption {
	return func(s *Server) {
		s.proxies = pool
	}
}

// WithStreamer enables /stream for upstream URLs accepted by allow.
func WithStreamer(streamer Streamer, allow func(string) bool) ServerOption {
	return func(s *Server) {
		s.streamer = streamer
		s.allowUpstream = allow
	}
}

// WithMediaFiles serves files under dir at prefix.
func WithMediaFiles(prefix, dir string) ServerOption {
	return func(s *Server) {
		if value := strings.TrimRight(strings.TrimSpace(prefix), "/"); value != "" {
			s.mediaPrefix = value
		}
		s.mediaDir = dir
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateRPS = rps
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search:      searchService,
		mediaPrefix: defaultMediaPrefix,
		rateRPS:     20,
		rateBurst:   40,
		logger:      slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	if server.allowUpstream == nil {
		server.allowUpstream = func(string) bool { return false }
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/search/click", s.handleClick)
	mux.HandleFunc("/search/play", s.handlePlay)
	mux.HandleFunc("/search/proxies", s.handleProxies)
	mux.HandleFunc("/media/localize", s.handleLocalize)
	mux.HandleFunc("/stream", s.handleStream)
	if s.mediaDir != "" {
		mux.Handle(s.mediaPrefix+"/", http.StripPrefix(s.mediaPrefix, mediaFileHandler(s.mediaDir)))
	}
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, s.mediaPrefix, mux), "archive-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, s.mediaPrefix, metricsMiddleware(s.mediaPrefix, traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	noCache := parseOptionalBool(r.URL.Query().Get("nocache")) || parseOptionalBool(r.URL.Query().Get("noCache"))

	var (
		response domain.SearchResponse
		err      error
	)
	if noCache {
		response, err = s.search.Refresh(r.Context(), query)
	} else {
		response, err = s.search.Search(r.Context(), query)
	}
	if err != nil {
		s.logger.Warn("search request failed",
			slog.String("query", truncate(query, 80)),
			slog.Bool("nocache", noCache),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, search.ErrInvalidQuery):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "timeout", "search timed out")
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", "search failed")
		}
		return
	}

	s.logger.Info("search completed",
		slog.String("query", truncate(query, 80)),
		slog.String("tier", string(response.Tier)),
		slog.Int("items", len(response.Items)),
		slog.Int64("elapsedMs", response.ElapsedMS),
		slog.Bool("degraded", response.Degraded),
	)
	writeJSON(w, http.StatusOK, response)
}

type clickRequest struct {
	Query      string `json:"query"`
	Identifier string `json:"identifier"`
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.clicks == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "click learning is not configured")
		return
	}
	var body clickRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	learned, err := s.clicks.RecordClick(r.Context(), body.Query, body.Identifier)
	if err != nil {
		s.writeClickError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, learned)
}

type playRequest struct {
	Query      string `json:"query"`
	Identifier string `json:"identifier"`
	media.Meta
}

type playResponse struct {
	clicks.Learned
	Localizing bool `json:"localizing"`
}

// handlePlay records the click behind a playback and, when enabled, starts
// localizing the track in the background.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body playRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(body.Identifier) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "identifier is required")
		return
	}

	var response playResponse
	if s.clicks != nil && strings.TrimSpace(body.Query) != "" {
		learned, err := s.clicks.RecordClick(r.Context(), body.Query, body.Identifier)
		if err != nil && !errors.Is(err, clicks.ErrInvalidClick) {
			s.logger.Warn("play click not recorded",
				slog.String("identifier", body.Identifier),
				slog.String("error", err.Error()),
			)
		}
		response.Learned = learned
	}
	if s.localizer != nil && s.localizeOnPlay && s.allowUpstream(body.MediaURL) {
		s.localizer.CacheSongAsync(r.Context(), body.Identifier, s.safeMeta(body.Meta))
		response.Localizing = true
	}
	writeJSON(w, http.StatusAccepted, response)
}

type localizeRequest struct {
	Identifier string `json:"identifier"`
	media.Meta
}

func (s *Server) handleLocalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.localizer == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "localization is not configured")
		return
	}
	var body localizeRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.allowUpstream(body.MediaURL) {
		writeError(w, http.StatusBadRequest, "invalid_request", "mediaUrl must point at the archive")
		return
	}
	outcome, err := s.localizer.CacheSong(r.Context(), body.Identifier, s.safeMeta(body.Meta))
	if err != nil {
		switch {
		case errors.Is(err, media.ErrInvalidMedia):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "timeout", "localization timed out")
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", "localization failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items := []domain.ProxyNodeStatus{}
	if s.proxies != nil {
		items = append(items, s.proxies.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// safeMeta drops a cover URL that does not point at the archive.
func (s *Server) safeMeta(meta media.Meta) media.Meta {
	if meta.CoverURL != "" && !s.allowUpstream(meta.CoverURL) {
		meta.CoverURL = ""
	}
	return meta
}

func (s *Server) writeClickError(w http.ResponseWriter, err error) {
	if errors.Is(err, clicks.ErrInvalidClick) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.logger.Warn("click not recorded", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal_error", "click not recorded")
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// mediaFileHandler serves localized files from dir without directory
// listings.
func mediaFileHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		files.ServeHTTP(w, r)
	})
}
