// Package render stages settled creatives for pickup by the HTTP caller and
// tracks primary impressions.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
)

var (
	// ErrEmptyMarkup is returned when a primary bid carries no markup
	ErrEmptyMarkup = errors.New("creative markup is empty")

	// ErrUnsupportedHandle is returned for secondary handles without markup
	ErrUnsupportedHandle = errors.New("unsupported creative handle")
)

const impressionKeyPrefix = "imp:"

// Deduper marks a key once. Satisfied by *redis.Client.
type Deduper interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// EventRecorder receives impression events. Satisfied by *events.Recorder.
type EventRecorder interface {
	RecordImpression(requestID, source, bidder string)
}

// MetricsRecorder counts impressions. Satisfied by *metrics.Metrics.
type MetricsRecorder interface {
	RecordImpression(source string)
}

// Config configures a Stage. Deduper, Events and Metrics are optional.
type Config struct {
	Deduper  Deduper
	Events   EventRecorder
	Metrics  MetricsRecorder
	TTL      time.Duration
	DedupTTL time.Duration
	Logger   *zerolog.Logger
}

// Staged is a displayed creative waiting to be returned to the caller
type Staged struct {
	RequestID string    `json:"request_id"`
	Source    string    `json:"source"`
	Bidder    string    `json:"bidder,omitempty"`
	Markup    string    `json:"markup"`
	Width     int       `json:"w,omitempty"`
	Height    int       `json:"h,omitempty"`
	StagedAt  time.Time `json:"staged_at"`
}

// Stage implements arbitration.Renderer by holding creative markup per request
type Stage struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu    sync.Mutex
	items map[string]Staged
}

// NewStage creates a Stage
func NewStage(cfg Config) *Stage {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = time.Hour
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Stage{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		items: make(map[string]Staged),
	}
}

// Display stages the creative's markup under its request ID
func (s *Stage) Display(ctx context.Context, c arbitration.Creative) error {
	staged := Staged{RequestID: c.RequestID, Source: string(c.Source)}

	switch c.Source {
	case arbitration.SourcePrimary:
		if c.Bid == nil || c.Bid.Payload == "" {
			return ErrEmptyMarkup
		}
		staged.Markup = c.Bid.Payload
		staged.Bidder = c.Bid.Bidder
		staged.Width = c.Bid.Width
		staged.Height = c.Bid.Height
	default:
		markup, err := markupOf(c.Handle)
		if err != nil {
			return err
		}
		staged.Markup = markup
	}

	now := s.now()
	staged.StagedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	s.items[c.RequestID] = staged
	return nil
}

func markupOf(h arbitration.Renderable) (string, error) {
	switch v := h.(type) {
	case interface{ Markup() string }:
		if m := v.Markup(); m != "" {
			return m, nil
		}
		return "", ErrEmptyMarkup
	case string:
		if v != "" {
			return v, nil
		}
		return "", ErrEmptyMarkup
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedHandle, h)
	}
}

// TrackImpression records the impression once per request
func (s *Stage) TrackImpression(ctx context.Context, c arbitration.Creative) {
	if s.cfg.Deduper != nil {
		first, err := s.cfg.Deduper.SetNX(ctx, impressionKeyPrefix+c.RequestID, 1, s.cfg.DedupTTL)
		if err != nil {
			// Fail open: still counted below
			s.log.Warn().Err(err).Str("request_id", c.RequestID).Msg("Impression dedup failed")
		} else if !first {
			s.log.Debug().Str("request_id", c.RequestID).Msg("Duplicate impression ignored")
			return
		}
	}

	var bidder string
	if c.Bid != nil {
		bidder = c.Bid.Bidder
	}
	if s.cfg.Events != nil {
		s.cfg.Events.RecordImpression(c.RequestID, string(c.Source), bidder)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordImpression(string(c.Source))
	}
}

// Take removes and returns the creative staged for requestID
func (s *Stage) Take(requestID string) (Staged, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, ok := s.items[requestID]
	if !ok {
		return Staged{}, false
	}
	delete(s.items, requestID)
	if s.now().Sub(staged.StagedAt) > s.cfg.TTL {
		return Staged{}, false
	}
	return staged, true
}

// Len returns the number of staged creatives
func (s *Stage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Stage) sweepLocked(now time.Time) {
	for id, staged := range s.items {
		if now.Sub(staged.StagedAt) > s.cfg.TTL {
			delete(s.items, id)
		}
	}
}
