package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"archivestream/searchservice/internal/clicks"
	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/fetch"
	"archivestream/searchservice/internal/media"
	"archivestream/searchservice/internal/search"
)

type fakeSearchService struct {
	mu           sync.Mutex
	searchCalls  int
	refreshCalls int
	lastQuery    string
	err          error
}

func (f *fakeSearchService) Search(_ context.Context, query string) (domain.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	f.lastQuery = query
	return f.response(query, domain.CacheTierFresh)
}

func (f *fakeSearchService) Refresh(_ context.Context, query string) (domain.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	f.lastQuery = query
	return f.response(query, domain.CacheTierForce)
}

func (f *fakeSearchService) response(query string, tier domain.CacheTier) (domain.SearchResponse, error) {
	if f.err != nil {
		return domain.SearchResponse{}, f.err
	}
	return domain.SearchResponse{
		Query: query,
		Key:   strings.ToLower(query),
		Tier:  tier,
		Items: []domain.SearchResult{{ID: "ia_song", Identifier: "song", Title: query + "-result", Provider: domain.ProviderArchive}},
	}, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	calls   []string
	learned clicks.Learned
	err     error
}

func (f *fakeLedger) RecordClick(_ context.Context, query, identifier string) (clicks.Learned, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, query+"|"+identifier)
	if strings.TrimSpace(query) == "" || strings.TrimSpace(identifier) == "" {
		return clicks.Learned{}, clicks.ErrInvalidClick
	}
	return f.learned, f.err
}

type fakeLocalizer struct {
	mu         sync.Mutex
	sync       []media.Meta
	async      []string
	asyncMetas []media.Meta
	outcome    media.Outcome
	err        error
}

func (f *fakeLocalizer) CacheSong(_ context.Context, identifier string, meta media.Meta) (media.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if identifier == "" {
		return "", media.ErrInvalidMedia
	}
	f.sync = append(f.sync, meta)
	return f.outcome, f.err
}

func (f *fakeLocalizer) CacheSongAsync(_ context.Context, identifier string, meta media.Meta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.async = append(f.async, identifier)
	f.asyncMetas = append(f.asyncMetas, meta)
}

type fakeProxyPool struct {
	items []domain.ProxyNodeStatus
}

func (f fakeProxyPool) Snapshot() []domain.ProxyNodeStatus { return f.items }

type fakeStreamer struct {
	mu         sync.Mutex
	lastURL    string
	lastHeader http.Header
	status     int
	header     http.Header
	body       string
	err        error
}

func (f *fakeStreamer) FetchStream(_ context.Context, url string, header http.Header) (*fetch.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastURL = url
	f.lastHeader = header.Clone()
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Stream{
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     f.header,
		StatusCode: f.status,
	}, nil
}

func archiveOnly(raw string) bool {
	return strings.HasPrefix(raw, "https://archive.org/")
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return payload.Error.Code
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(&fakeSearchService{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := NewServer(&fakeSearchService{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	svc := &fakeSearchService{}
	server := NewServer(svc)
	req := httptest.NewRequest(http.MethodGet, "/search?q=Miles+Davis", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var response domain.SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Tier != domain.CacheTierFresh || len(response.Items) != 1 {
		t.Fatalf("unexpected response %+v", response)
	}
	if svc.lastQuery != "Miles Davis" || svc.searchCalls != 1 || svc.refreshCalls != 0 {
		t.Fatalf("unexpected calls: search=%d refresh=%d query=%q", svc.searchCalls, svc.refreshCalls, svc.lastQuery)
	}
}

func TestSearchNoCacheForcesRefresh(t *testing.T) {
	svc := &fakeSearchService{}
	server := NewServer(svc)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search?q=coltrane&nocache=1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.refreshCalls != 1 || svc.searchCalls != 0 {
		t.Fatalf("expected a forced refresh, got search=%d refresh=%d", svc.searchCalls, svc.refreshCalls)
	}
}

func TestSearchValidation(t *testing.T) {
	cases := []struct {
		name   string
		target string
		err    error
		status int
	}{
		{name: "missing query", target: "/search", status: http.StatusBadRequest},
		{name: "too long", target: "/search?q=" + strings.Repeat("a", maxQueryLength+1), status: http.StatusBadRequest},
		{name: "normalizes to nothing", target: "/search?q=%C2%BF", err: search.ErrInvalidQuery, status: http.StatusBadRequest},
		{name: "upstream down", target: "/search?q=x", err: fmt.Errorf("fetch: %w", fetch.ErrTransient), status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := NewServer(&fakeSearchService{err: tc.err})
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.target, nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSearchRejectsWrongMethod(t *testing.T) {
	server := NewServer(&fakeSearchService{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search?q=x", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestClickEndpoint(t *testing.T) {
	ledger := &fakeLedger{learned: clicks.Learned{Promoted: true, Confidence: 0.7}}
	server := NewServer(&fakeSearchService{}, WithClickLedger(ledger))

	body := `{"query":"Kind of Blue","identifier":"ia_kind"}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search/click", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var learned clicks.Learned
	if err := json.Unmarshal(rec.Body.Bytes(), &learned); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !learned.Promoted || learned.Confidence != 0.7 {
		t.Fatalf("unexpected response %+v", learned)
	}
	if len(ledger.calls) != 1 || ledger.calls[0] != "Kind of Blue|ia_kind" {
		t.Fatalf("unexpected ledger calls %v", ledger.calls)
	}
}

func TestClickEndpointValidation(t *testing.T) {
	server := NewServer(&fakeSearchService{}, WithClickLedger(&fakeLedger{}))
	cases := []string{`{"query":"x"}`, `{"query":"x","identifier":"y","extra":1}`, `not json`}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search/click", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
		if code := decodeErrorCode(t, rec); code != "invalid_request" {
			t.Fatalf("body %s: unexpected code %q", body, code)
		}
	}
}

func TestClickEndpointStoreFailure(t *testing.T) {
	server := NewServer(&fakeSearchService{}, WithClickLedger(&fakeLedger{err: errors.New("mongo down")}))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search/click", strings.NewReader(`{"query":"x","identifier":"y"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestPlayRecordsClickAndLocalizes(t *testing.T) {
	ledger := &fakeLedger{learned: clicks.Learned{Promoted: true, Confidence: 1}}
	localizer := &fakeLocalizer{}
	server := NewServer(&fakeSearchService{},
		WithClickLedger(ledger),
		WithLocalizer(localizer, true),
		WithStreamer(&fakeStreamer{}, archiveOnly),
	)

	body := `{"query":"blue","identifier":"kind","title":"So What","mediaUrl":"https://archive.org/download/kind/so.mp3","coverUrl":"https://evil.example/x.jpg"}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search/play", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var response struct {
		Promoted   bool `json:"promoted"`
		Localizing bool `json:"localizing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !response.Promoted || !response.Localizing {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}
	if len(ledger.calls) != 1 {
		t.Fatalf("expected one click, got %v", ledger.calls)
	}
	if len(localizer.async) != 1 || localizer.async[0] != "kind" {
		t.Fatalf("expected async localization, got %v", localizer.async)
	}
	if meta := localizer.asyncMetas[0]; meta.Title != "So What" || meta.CoverURL != "" {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestPlaySkipsLocalizationForForeignMedia(t *testing.T) {
	localizer := &fakeLocalizer{}
	server := NewServer(&fakeSearchService{},
		WithLocalizer(localizer, true),
		WithStreamer(&fakeStreamer{}, archiveOnly),
	)
	body := `{"identifier":"kind","mediaUrl":"https://elsewhere.example/so.mp3"}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search/play", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(localizer.async) != 0 {
		t.Fatalf("foreign media must not be localized, got %v", localizer.async)
	}
}

func TestPlayRespectsLocalizeOnPlaySwitch(t *testing.T) {
	localizer := &fakeLocalizer{}
	server := NewServer(&fakeSearchService{},
		WithLocalizer(localizer, false),
		WithStreamer(&fakeStreamer{}, archiveOnly),
	)
	body := `{"identifier":"kind","mediaUrl":"https://archive.org/download/kind/so.mp3"}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search/play", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted || len(localizer.async) != 0 {
		t.Fatalf("expected no localization, got status %d calls %v", rec.Code, localizer.async)
	}
}

func TestLocalizeEndpoint(t *testing.T) {
	localizer := &fakeLocalizer{outcome: media.OutcomeLocalized}
	server := NewServer(&fakeSearchService{},
		WithLocalizer(localizer, false),
		WithStreamer(&fakeStreamer{}, archiveOnly),
	)

	body := `{"identifier":"kind","title":"So What","mediaUrl":"https://archive.org/download/kind/so.mp3"}`
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/media/localize", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"outcome":"localized"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if len(localizer.sync) != 1 || localizer.sync[0].MediaURL != "https://archive.org/download/kind/so.mp3" {
		t.Fatalf("unexpected localizer calls %+v", localizer.sync)
	}
}

func TestLocalizeEndpointErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "foreign url", body: `{"identifier":"kind","mediaUrl":"https://elsewhere.example/a.mp3"}`, status: http.StatusBadRequest},
		{name: "missing identifier", body: `{"mediaUrl":"https://archive.org/download/kind/a.mp3"}`, status: http.StatusBadRequest},
		{name: "download failed", body: `{"identifier":"kind","mediaUrl":"https://archive.org/download/kind/a.mp3"}`, err: fetch.ErrTransient, status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := NewServer(&fakeSearchService{},
				WithLocalizer(&fakeLocalizer{err: tc.err}, false),
				WithStreamer(&fakeStreamer{}, archiveOnly),
			)
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/media/localize", strings.NewReader(tc.body)))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestLocalizeEndpointDisabled(t *testing.T) {
	server := NewServer(&fakeSearchService{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/media/localize", strings.NewReader(`{}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestProxiesEndpoint(t *testing.T) {
	pool := fakeProxyPool{items: []domain.ProxyNodeStatus{
		{Address: "http://127.0.0.1:8881", ActiveRequests: 1},
		{Address: "http://127.0.0.1:8882", FailureCount: 2},
	}}
	server := NewServer(&fakeSearchService{}, WithProxyPool(pool))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search/proxies", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []domain.ProxyNodeStatus `json:"items"`
		Count int                      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 2 || payload.Items[1].FailureCount != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestStreamForwardsRange(t *testing.T) {
	streamer := &fakeStreamer{
		status: http.StatusPartialContent,
		header: http.Header{
			"Content-Type":  {"audio/mpeg"},
			"Content-Range": {"bytes 0-3/10"},
			"Set-Cookie":    {"upstream=1"},
		},
		body: "abcd",
	}
	server := NewServer(&fakeSearchService{}, WithStreamer(streamer, archiveOnly))

	req := httptest.NewRequest(http.MethodGet, "/stream?url=https%3A%2F%2Farchive.org%2Fdownload%2Fkind%2Fso.mp3", nil)
	req.Header.Set("Range", "bytes=0-3")
	req.Header.Set("Cookie", "session=secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "abcd" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Range") != "bytes 0-3/10" || rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Fatal("upstream cookies must not be relayed")
	}
	if streamer.lastHeader.Get("Range") != "bytes=0-3" || streamer.lastHeader.Get("Cookie") != "" {
		t.Fatalf("unexpected forwarded headers %v", streamer.lastHeader)
	}
	if streamer.lastURL != "https://archive.org/download/kind/so.mp3" {
		t.Fatalf("unexpected upstream url %q", streamer.lastURL)
	}
}

func TestStreamErrors(t *testing.T) {
	cases := []struct {
		name   string
		target string
		err    error
		status int
	}{
		{name: "missing url", target: "/stream", status: http.StatusBadRequest},
		{name: "foreign host", target: "/stream?url=https%3A%2F%2Fevil.example%2Fa.mp3", status: http.StatusBadRequest},
		{name: "range", target: "/stream?url=https%3A%2F%2Farchive.org%2Fa.mp3", err: &fetch.FetchError{Err: fetch.ErrRangeNotSatisfiable}, status: http.StatusRequestedRangeNotSatisfiable},
		{name: "not found", target: "/stream?url=https%3A%2F%2Farchive.org%2Fa.mp3", err: &fetch.FetchError{Err: fetch.ErrNotFound}, status: http.StatusNotFound},
		{name: "exhausted", target: "/stream?url=https%3A%2F%2Farchive.org%2Fa.mp3", err: &fetch.FetchError{Err: fetch.ErrTransient}, status: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := NewServer(&fakeSearchService{}, WithStreamer(&fakeStreamer{err: tc.err}, archiveOnly))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.target, nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMediaFilesServedWithoutListing(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "kind"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "kind", "audio.mp3"), []byte("mp3-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	server := NewServer(&fakeSearchService{}, WithMediaFiles("/media/files/", dir))
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/files/kind/audio.mp3", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "mp3-bytes" {
		t.Fatalf("expected file, got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/files/kind/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("directory listing must be refused, got %d", rec.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	server := NewServer(&fakeSearchService{}, WithRateLimit(1, 1))
	handler := server.Handler()

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/search?q=a", nil))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/search?q=a", nil))

	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 200 then 429, got %d then %d", first.Code, second.Code)
	}
	health := httptest.NewRecorder()
	handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("health must bypass the limiter, got %d", health.Code)
	}
}

func TestNormalizeRoute(t *testing.T) {
	cases := map[string]string{
		"/search":                  "/search",
		"/media/files/a/audio.mp3": "/media/files",
		"/media/files":             "/other",
		"/unknown":                 "/other",
		"/search/proxies":          "/search/proxies",
	}
	for path, want := range cases {
		if got := normalizeRoute("/media/files", path); got != want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(discardLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
