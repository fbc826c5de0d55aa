// Package reporting persists and publishes settled outcomes
package reporting

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
	"github.com/thenexusengine/tne_mediation/internal/storage"
	"github.com/thenexusengine/tne_mediation/pkg/events"
)

const (
	outcomeKeyPrefix = "outcome:"
	defaultRecent    = 10000
)

// Store persists outcome records. Satisfied by *storage.OutcomeStore.
type Store interface {
	Insert(ctx context.Context, r *storage.Record) error
	Get(ctx context.Context, requestID string) (*storage.Record, error)
}

// Cache holds recent outcomes as hashes. Satisfied by *redis.Client.
type Cache interface {
	HSetWithTTL(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// EventRecorder publishes settlement events. Satisfied by *events.Recorder.
type EventRecorder interface {
	RecordSettlement(s events.Settlement)
}

// MetricsRecorder counts display failures. Satisfied by *metrics.Metrics.
type MetricsRecorder interface {
	RecordDisplayFailure(kind string)
}

// Config configures a Reporter. Every backend is optional.
type Config struct {
	Store    Store
	Cache    Cache
	Events   EventRecorder
	Metrics  MetricsRecorder
	CacheTTL time.Duration
	Timeout  time.Duration
	// Recent bounds the in-process outcome history
	Recent int
	Logger *zerolog.Logger
}

// Reporter fans settled outcomes out to the audit store, the cache and the
// analytics pipeline, and answers lookups.
type Reporter struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu     sync.Mutex
	recent map[string]*storage.Record
	order  []string
	next   int
}

// New creates a Reporter
func New(cfg Config) *Reporter {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Recent <= 0 {
		cfg.Recent = defaultRecent
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Reporter{
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		recent: make(map[string]*storage.Record, cfg.Recent),
		order:  make([]string, cfg.Recent),
	}
}

// For returns the listener for one placement's engine
func (r *Reporter) For(placementID string) arbitration.Listener {
	return &listener{reporter: r, placementID: placementID}
}

type listener struct {
	reporter    *Reporter
	placementID string
}

func (l *listener) OnWin(o arbitration.Outcome)     { l.reporter.report(l.placementID, o) }
func (l *listener) OnFailure(o arbitration.Outcome) { l.reporter.report(l.placementID, o) }

func (l *listener) OnImpression(o arbitration.Outcome) {
	l.reporter.log.Debug().
		Str("placement_id", l.placementID).
		Str("request_id", o.RequestID).
		Msg("Impression confirmed")
}

func (l *listener) OnDisplayFailed(o arbitration.Outcome, err error) {
	l.reporter.log.Warn().
		Err(err).
		Str("placement_id", l.placementID).
		Str("request_id", o.RequestID).
		Str("kind", o.Kind.String()).
		Msg("Winning creative failed to display")
	if l.reporter.cfg.Metrics != nil {
		l.reporter.cfg.Metrics.RecordDisplayFailure(o.Kind.String())
	}
}

// NewRecord converts a settled outcome into a storage record
func NewRecord(placementID string, o arbitration.Outcome) *storage.Record {
	rec := &storage.Record{
		RequestID:   o.RequestID,
		PlacementID: placementID,
		Kind:        o.Kind.String(),
		Reason:      string(o.Reason),
		SettledAt:   o.SettledAt,
	}
	if o.Kind == arbitration.PrimaryWin && o.Winner != nil {
		price := o.Winner.Price
		rec.Bidder = o.Winner.Bidder
		rec.Price = &price
	}
	if o.Err != nil {
		rec.ErrorCode = string(o.Err.Code)
		rec.ErrorMessage = o.Err.Message
	}
	return rec
}

func (r *Reporter) report(placementID string, o arbitration.Outcome) {
	rec := NewRecord(placementID, o)
	if rec.SettledAt.IsZero() {
		rec.SettledAt = r.now()
	}
	r.remember(rec)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	log := r.log.With().
		Str("placement_id", placementID).
		Str("request_id", rec.RequestID).
		Logger()

	if r.cfg.Store != nil {
		err := r.cfg.Store.Insert(ctx, rec)
		switch {
		case errors.Is(err, storage.ErrDuplicateOutcome):
			log.Warn().Msg("Outcome already stored")
		case err != nil:
			log.Error().Err(err).Msg("Failed to store outcome")
		}
	}

	if r.cfg.Cache != nil {
		if err := r.cfg.Cache.HSetWithTTL(ctx, outcomeKeyPrefix+rec.RequestID, toFields(rec), r.cfg.CacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache outcome")
		}
	}

	if r.cfg.Events != nil {
		r.cfg.Events.RecordSettlement(events.Settlement{
			RequestID:   rec.RequestID,
			PlacementID: placementID,
			Kind:        rec.Kind,
			Reason:      rec.Reason,
			Bidder:      rec.Bidder,
			CPM:         rec.Price,
			ErrorCode:   rec.ErrorCode,
		})
	}

	log.Info().
		Str("kind", rec.Kind).
		Str("reason", rec.Reason).
		Str("error_code", rec.ErrorCode).
		Msg("Outcome reported")
}

func (r *Reporter) remember(rec *storage.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.recent[rec.RequestID]; !ok {
		if old := r.order[r.next]; old != "" {
			delete(r.recent, old)
		}
		r.order[r.next] = rec.RequestID
		r.next = (r.next + 1) % len(r.order)
	}
	r.recent[rec.RequestID] = rec
}

// Lookup returns the settled outcome for requestID from memory, the cache or
// the store, in that order. It returns nil when the outcome is unknown.
func (r *Reporter) Lookup(ctx context.Context, requestID string) (*storage.Record, error) {
	r.mu.Lock()
	rec, ok := r.recent[requestID]
	r.mu.Unlock()
	if ok {
		copied := *rec
		return &copied, nil
	}

	if r.cfg.Cache != nil {
		fields, err := r.cfg.Cache.HGetAll(ctx, outcomeKeyPrefix+requestID)
		if err != nil {
			r.log.Warn().Err(err).Str("request_id", requestID).Msg("Outcome cache lookup failed")
		} else if len(fields) > 0 {
			if rec, err := fromFields(requestID, fields); err == nil {
				return rec, nil
			}
		}
	}

	if r.cfg.Store == nil {
		return nil, nil
	}
	return r.cfg.Store.Get(ctx, requestID)
}

func toFields(rec *storage.Record) map[string]interface{} {
	fields := map[string]interface{}{
		"placement_id": rec.PlacementID,
		"kind":         rec.Kind,
		"reason":       rec.Reason,
		"settled_at":   rec.SettledAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.Bidder != "" {
		fields["bidder"] = rec.Bidder
	}
	if rec.Price != nil {
		fields["price"] = strconv.FormatFloat(*rec.Price, 'f', -1, 64)
	}
	if rec.ErrorCode != "" {
		fields["error_code"] = rec.ErrorCode
		fields["error_message"] = rec.ErrorMessage
	}
	return fields
}

func fromFields(requestID string, fields map[string]string) (*storage.Record, error) {
	settled, err := time.Parse(time.RFC3339Nano, fields["settled_at"])
	if err != nil {
		return nil, err
	}
	rec := &storage.Record{
		RequestID:    requestID,
		PlacementID:  fields["placement_id"],
		Kind:         fields["kind"],
		Reason:       fields["reason"],
		Bidder:       fields["bidder"],
		ErrorCode:    fields["error_code"],
		ErrorMessage: fields["error_message"],
		SettledAt:    settled,
	}
	if p, ok := fields["price"]; ok {
		price, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		rec.Price = &price
	}
	return rec, nil
}
