// Package media turns remote archive tracks into catalog songs backed by
// local files.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/domain/ports"
	"archivestream/searchservice/internal/fetch"
	"archivestream/searchservice/internal/metrics"
)

const (
	// Files smaller than this are treated as interrupted downloads.
	minCompleteBytes    = 1000
	coverFileName       = "cover.jpg"
	defaultAsyncTimeout = 10 * time.Minute
)

var ErrInvalidMedia = errors.New("identifier and media url are required")

type Outcome string

const (
	OutcomeLocalized    Outcome = "localized"
	OutcomeInFlight     Outcome = "in_flight"
	OutcomeAlreadyLocal Outcome = "already_local"
)

// Meta is what the caller knows about the track being localized.
type Meta struct {
	Title           string  `json:"title"`
	Creator         string  `json:"creator"`
	Album           string  `json:"album"`
	Year            string  `json:"year"`
	MediaURL        string  `json:"mediaUrl"`
	CoverURL        string  `json:"coverUrl"`
	DurationSeconds float64 `json:"durationSeconds"`
	BitRate         int     `json:"bitRate"`
}

// Streamer opens upstream bodies. *fetch.Fetcher implements it.
type Streamer interface {
	FetchStream(ctx context.Context, url string, header http.Header) (*fetch.Stream, error)
}

type Localizer struct {
	streamer     Streamer
	catalog      ports.CatalogStore
	dir          string
	asyncTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

type Option func(*Localizer)

func WithAsyncTimeout(timeout time.Duration) Option {
	return func(l *Localizer) {
		if timeout > 0 {
			l.asyncTimeout = timeout
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Localizer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocalizer stores files under dir, one directory per identifier.
func NewLocalizer(streamer Streamer, catalog ports.CatalogStore, dir string, opts ...Option) *Localizer {
	l := &Localizer{
		streamer:     streamer,
		catalog:      catalog,
		dir:          dir,
		asyncTimeout: defaultAsyncTimeout,
		logger:       slog.Default(),
		inFlight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir is the root directory of localized files.
func (l *Localizer) Dir() string { return l.dir }

// CacheSong downloads the track and its cover and records a catalog song.
// A second call for an identifier that is still downloading returns
// OutcomeInFlight at once. Downloaded files are kept when registration
// fails, so a retry only redoes the catalog writes.
func (l *Localizer) CacheSong(ctx context.Context, identifier string, meta Meta) (Outcome, error) {
	id := cleanIdentifier(identifier)
	if id == "" || strings.TrimSpace(meta.MediaURL) == "" {
		return "", ErrInvalidMedia
	}

	if !l.claim(id) {
		metrics.LocalizationsTotal.WithLabelValues(string(OutcomeInFlight)).Inc()
		return OutcomeInFlight, nil
	}
	defer l.unclaim(id)

	outcome, err := l.localize(ctx, id, meta)
	if err != nil {
		metrics.LocalizationsTotal.WithLabelValues("error").Inc()
		l.logger.Warn("media localization failed",
			slog.String("identifier", id),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	metrics.LocalizationsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

// CacheSongAsync runs CacheSong in the background, detached from ctx's
// cancellation and bounded by the async timeout.
func (l *Localizer) CacheSongAsync(ctx context.Context, identifier string, meta Meta) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.asyncTimeout)
		defer cancel()
		_, _ = l.CacheSong(bgCtx, identifier, meta)
	}()
}

// Wait blocks until background localizations finish.
func (l *Localizer) Wait() {
	l.wg.Wait()
}

func (l *Localizer) localize(ctx context.Context, id string, meta Meta) (Outcome, error) {
	if _, err := l.catalog.GetLocalizedMedia(ctx, id); err == nil {
		return OutcomeAlreadyLocal, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("check catalog: %w", err)
	}

	songDir := filepath.Join(l.dir, id)
	if err := os.MkdirAll(songDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	audioName := audioFileName(meta.MediaURL)
	audioPath := filepath.Join(songDir, audioName)
	if !isComplete(audioPath) {
		if err := l.download(ctx, meta.MediaURL, audioPath); err != nil {
			return "", fmt.Errorf("download audio: %w", err)
		}
	}

	coverRef := strings.TrimSpace(meta.CoverURL)
	if coverRef != "" {
		coverPath := filepath.Join(songDir, coverFileName)
		if !isComplete(coverPath) {
			if err := l.download(ctx, coverRef, coverPath); err != nil {
				l.logger.Debug("cover download failed, keeping remote url",
					slog.String("identifier", id),
					slog.String("error", err.Error()),
				)
			}
		}
		if fileExists(coverPath) {
			coverRef = path.Join(id, coverFileName)
		}
	}

	artist, err := l.catalog.FindOrCreateArtist(ctx, meta.Creator)
	if err != nil {
		return "", fmt.Errorf("find artist: %w", err)
	}
	album, err := l.catalog.FindOrCreateAlbum(ctx, meta.Album, artist.ID, coverRef)
	if err != nil {
		return "", fmt.Errorf("find album: %w", err)
	}

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = id
	}
	_, err = l.catalog.InsertLocalizedMedia(ctx, domain.LocalizedMedia{
		Identifier:      id,
		Title:           title,
		ArtistID:        artist.ID,
		AlbumID:         album.ID,
		AudioPath:       path.Join(id, audioName),
		CoverPath:       coverRef,
		DurationSeconds: meta.DurationSeconds,
		Year:            strings.TrimSpace(meta.Year),
		BitRate:         meta.BitRate,
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		return OutcomeAlreadyLocal, nil
	}
	if err != nil {
		return "", fmt.Errorf("insert song: %w", err)
	}

	l.logger.Info("media localized",
		slog.String("identifier", id),
		slog.String("file", audioName),
	)
	return OutcomeLocalized, nil
}

// download streams rawURL into dest through a temporary file in the same
// directory, so dest only ever holds a complete body.
func (l *Localizer) download(ctx context.Context, rawURL, dest string) error {
	stream, err := l.streamer.FetchStream(ctx, rawURL, nil)
	if err != nil {
		return err
	}
	defer stream.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+"-*.part")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, stream.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (l *Localizer) claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[id]; busy {
		return false
	}
	l.inFlight[id] = struct{}{}
	return true
}

func (l *Localizer) unclaim(id string) {
	l.mu.Lock()
	delete(l.inFlight, id)
	l.mu.Unlock()
}

// cleanIdentifier strips the result id prefix and rejects anything that
// would escape the media directory.
func cleanIdentifier(identifier string) string {
	id := strings.TrimPrefix(strings.TrimSpace(identifier), domain.ResultIDPrefix)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return ""
	}
	return id
}

func audioFileName(mediaURL string) string {
	target := mediaURL
	if parsed, err := url.Parse(mediaURL); err == nil {
		target = parsed.Path
	}
	if strings.HasSuffix(strings.ToLower(target), ".flac") {
		return "audio.flac"
	}
	return "audio.mp3"
}

func isComplete(name string) bool {
	info, err := os.Stat(name)
	return err == nil && info.Mode().IsRegular() && info.Size() >= minCompleteBytes
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && info.Mode().IsRegular()
}
