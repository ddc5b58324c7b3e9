package apihttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"archivestream/searchservice/internal/fetch"
)

var forwardedRequestHeaders = []string{"Range", "If-Range"}

var forwardedResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"ETag",
	"Last-Modified",
}

// handleStream relays an archive media file through the proxy pool,
// preserving byte-range semantics so players can seek.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.streamer == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "streaming is not configured")
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing url")
		return
	}
	target, err := url.Parse(raw)
	if err != nil || target.Host == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}
	if !s.allowUpstream(target.String()) {
		writeError(w, http.StatusBadRequest, "invalid_request", "url must point at the archive")
		return
	}

	header := make(http.Header)
	for _, name := range forwardedRequestHeaders {
		if value := strings.TrimSpace(r.Header.Get(name)); value != "" {
			header.Set(name, value)
		}
	}

	stream, err := s.streamer.FetchStream(r.Context(), target.String(), header)
	if err != nil {
		s.writeStreamError(w, r, target.String(), err)
		return
	}
	defer stream.Body.Close()

	for _, name := range forwardedResponseHeaders {
		if value := stream.Header.Get(name); value != "" {
			w.Header().Set(name, value)
		}
	}
	if w.Header().Get("Accept-Ranges") == "" {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	w.WriteHeader(stream.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, stream.Body); err != nil && r.Context().Err() == nil {
		s.logger.Debug("stream copy interrupted",
			slog.String("url", truncate(target.String(), 180)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) writeStreamError(w http.ResponseWriter, r *http.Request, target string, err error) {
	switch {
	case errors.Is(err, fetch.ErrRangeNotSatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "requested range not satisfiable")
	case errors.Is(err, fetch.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "media not found")
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "upstream timed out")
	default:
		s.logger.Warn("stream failed",
			slog.String("url", truncate(target, 180)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to fetch media")
	}
}
