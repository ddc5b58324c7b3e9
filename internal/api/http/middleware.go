package apihttp

import (
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"archivestream/searchservice/internal/metrics"
)

// statusRecorder remembers the status and body size of a response and whether
// anything reached the client yet.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	size    int
	started bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.started {
		sr.status = code
		sr.started = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.started = true
	n, err := sr.ResponseWriter.Write(b)
	sr.size += n
	return n, err
}

// Flush keeps /stream chunks moving through the wrapper.
func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, mediaPrefix string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := newStatusRecorder(w)
		next.ServeHTTP(sr, r)

		route := normalizeRoute(mediaPrefix, r.URL.Path)
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.String("path", truncate(r.URL.Path, 180)),
			slog.Int("status", sr.status),
			slog.Int("bytes", sr.size),
			slog.Int64("durationMs", time.Since(start).Milliseconds()),
			slog.String("clientIP", clientIP(r)),
		}
		if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
			attrs = append(attrs, slog.String("q", truncate(q, 120)))
		}
		if byteRange := r.Header.Get("Range"); byteRange != "" {
			attrs = append(attrs, slog.String("range", truncate(byteRange, 60)))
		}
		logger.LogAttrs(r.Context(), requestLogLevel(route, sr.status), "http request", attrs...)
	})
}

// recoveryMiddleware turns a handler panic into a 500. When the response has
// already started (a relayed stream) the connection is aborted instead.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := newStatusRecorder(w)
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			logger.Error("panic recovered",
				slog.Any("error", recovered),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Bool("responseStarted", sr.started),
				slog.String("stack", string(debug.Stack())),
			)
			if sr.started {
				panic(http.ErrAbortHandler)
			}
			writeError(sr, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		next.ServeHTTP(sr, r)
	})
}

func metricsMiddleware(mediaPrefix string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := normalizeRoute(mediaPrefix, r.URL.Path)
		if route == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sr := newStatusRecorder(w)
		next.ServeHTTP(sr, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sr.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// normalizeRoute maps a request path to a bounded label set.
func normalizeRoute(mediaPrefix, path string) string {
	switch path {
	case "/health", "/metrics", "/search", "/search/click", "/search/play", "/search/proxies", "/stream", "/media/localize":
		return path
	}
	if mediaPrefix != "" && strings.HasPrefix(path, mediaPrefix+"/") {
		return mediaPrefix
	}
	return "/other"
}

func requestLogLevel(route string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status == http.StatusRequestedRangeNotSatisfiable:
		return slog.LevelInfo
	case status >= 400:
		return slog.LevelWarn
	case route == "/health" || route == "/metrics":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if value := strings.TrimSpace(first); value != "" {
			return value
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

// rateLimitMiddleware throttles API calls with one shared token bucket and
// answers 429 once it is empty. Health, metrics and local media files are
// not counted.
func rateLimitMiddleware(rps float64, burst int, mediaPrefix string, next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch normalizeRoute(mediaPrefix, r.URL.Path) {
		case "/health", "/metrics", mediaPrefix:
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
