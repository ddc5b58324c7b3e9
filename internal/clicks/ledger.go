// Package clicks records which result users pick for a query and learns a
// preferred result once one identifier dominates the clicks.
package clicks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/domain/ports"
	"archivestream/searchservice/internal/metrics"
	"archivestream/searchservice/internal/search"
)

const (
	defaultMinConfidence = 0.5
	topClicksWindow      = 10
)

var ErrInvalidClick = errors.New("query and identifier are required")

// Learned describes the effect of a recorded click.
type Learned struct {
	Promoted   bool              `json:"promoted"`
	Confidence float64           `json:"confidence"`
	Hit        *domain.HitRecord `json:"hit,omitempty"`
}

type Ledger struct {
	clicks        ports.ClickStore
	hits          ports.HitStore
	minConfidence float64
	now           func() time.Time
	logger        *slog.Logger
}

type Option func(*Ledger)

// WithMinConfidence sets the share of top clicks an identifier needs before
// it is promoted. Values outside (0, 1] are ignored.
func WithMinConfidence(v float64) Option {
	return func(l *Ledger) {
		if v > 0 && v <= 1 {
			l.minConfidence = v
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLedger(clicks ports.ClickStore, hits ports.HitStore, opts ...Option) *Ledger {
	l := &Ledger{
		clicks:        clicks,
		hits:          hits,
		minConfidence: defaultMinConfidence,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordClick counts one click of identifier for query and, when the top
// identifier holds at least the minimum share of the top clicks, stores it
// as the learned hit. A click that does not reach the threshold leaves any
// existing hit in place.
func (l *Ledger) RecordClick(ctx context.Context, query, identifier string) (Learned, error) {
	key := search.NormalizeQuery(query)
	identifier = strings.TrimPrefix(strings.TrimSpace(identifier), domain.ResultIDPrefix)
	if key == "" || identifier == "" {
		return Learned{}, ErrInvalidClick
	}

	now := l.now()
	if _, err := l.clicks.IncrementClick(ctx, key, identifier, now); err != nil {
		return Learned{}, fmt.Errorf("record click: %w", err)
	}
	metrics.ClicksTotal.Inc()

	top, err := l.clicks.TopClicks(ctx, key, topClicksWindow)
	if err != nil {
		return Learned{}, fmt.Errorf("load top clicks: %w", err)
	}
	if len(top) == 0 {
		return Learned{}, nil
	}

	var total int64
	for _, record := range top {
		total += record.ClickCount
	}
	if total <= 0 {
		return Learned{}, nil
	}
	leader := top[0]
	confidence := float64(leader.ClickCount) / float64(total)
	learned := Learned{Confidence: confidence}
	if confidence < l.minConfidence {
		return learned, nil
	}

	hit := domain.HitRecord{
		QueryKey:      key,
		TopIdentifier: leader.Identifier,
		Confidence:    confidence,
		UpdatedAt:     now,
	}
	if err := l.hits.UpsertHit(ctx, hit); err != nil {
		return learned, fmt.Errorf("store hit: %w", err)
	}
	metrics.HitPromotionsTotal.Inc()
	l.logger.Debug("search hit learned",
		slog.String("query", key),
		slog.String("identifier", leader.Identifier),
		slog.Int("clicks", int(leader.ClickCount)),
	)
	learned.Promoted = true
	learned.Hit = &hit
	return learned, nil
}
