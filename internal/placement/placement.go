// Package placement drives ad loads for a single ad slot: it resolves the
// primary bid and hands it to the arbitration engine.
package placement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
)

// ErrLoadInProgress is returned when a load starts before the previous one settled
var ErrLoadInProgress = errors.New("placement load already in progress")

// PrimaryBidder resolves the primary bid for a placement
type PrimaryBidder interface {
	FetchBid(ctx context.Context, placementID string) (arbitration.BidResult, error)
}

// Config configures a Placement
type Config struct {
	ID     string
	Engine *arbitration.Engine
	Bidder PrimaryBidder
	Logger *zerolog.Logger
}

// Placement is one ad slot. Loads are serialized: a new load is refused while
// the previous one is unsettled.
type Placement struct {
	id     string
	engine *arbitration.Engine
	bidder PrimaryBidder
	log    zerolog.Logger

	mu      sync.Mutex
	loading bool
	current *arbitration.Session
}

// New creates a placement
func New(cfg Config) *Placement {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Placement{
		id:     cfg.ID,
		engine: cfg.Engine,
		bidder: cfg.Bidder,
		log:    log.With().Str("placement_id", cfg.ID).Logger(),
	}
}

// ID returns the placement ID
func (p *Placement) ID() string {
	return p.id
}

// Load fetches the primary bid and starts arbitration. A bidder error is
// treated as no bid.
func (p *Placement) Load(ctx context.Context) (*arbitration.Session, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}

	result := arbitration.BidUnavailable("no_bidder")
	if p.bidder != nil {
		r, err := p.bidder.FetchBid(ctx, p.id)
		if err != nil {
			p.log.Warn().Err(err).Msg("Primary bidder failed, continuing without bid")
			r = arbitration.BidUnavailable(err.Error())
		}
		result = r
	}

	return p.arbitrate(ctx, result)
}

// LoadWithResult starts arbitration with an already resolved primary bid
func (p *Placement) LoadWithResult(ctx context.Context, result arbitration.BidResult) (*arbitration.Session, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	return p.arbitrate(ctx, result)
}

func (p *Placement) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loading {
		return ErrLoadInProgress
	}
	if p.current != nil {
		if _, settled := p.current.Outcome(); !settled {
			return ErrLoadInProgress
		}
	}
	p.loading = true
	return nil
}

func (p *Placement) arbitrate(ctx context.Context, result arbitration.BidResult) (*arbitration.Session, error) {
	var bid *arbitration.Bid
	if result.Available() {
		bid = result.Bid
	} else {
		p.log.Debug().Str("reason", result.Reason).Msg("No primary bid")
	}

	session, err := p.engine.Arbitrate(ctx, arbitration.Request{PlacementID: p.id, Bid: bid})

	p.mu.Lock()
	p.loading = false
	if err == nil {
		p.current = session
	}
	p.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("arbitrate %s: %w", p.id, err)
	}
	return session, nil
}

// InProgress reports whether a load is running
func (p *Placement) InProgress() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loading {
		return true
	}
	if p.current == nil {
		return false
	}
	_, settled := p.current.Outcome()
	return !settled
}

// LastFailed reports whether the most recent load settled as a failure.
// Superseded loads do not count.
func (p *Placement) LastFailed() bool {
	p.mu.Lock()
	s := p.current
	p.mu.Unlock()

	if s == nil {
		return false
	}
	o, settled := s.Outcome()
	return settled && o.Kind == arbitration.Failed && !o.Superseded()
}

// CurrentRequestID returns the ID of the most recent load, or ""
func (p *Placement) CurrentRequestID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.ID()
}

// Deliver routes an out-of-band ad server event to the request
func (p *Placement) Deliver(requestID string, ev arbitration.Event) bool {
	return p.engine.Deliver(requestID, ev)
}

// Cancel supersedes the running load
func (p *Placement) Cancel() {
	p.engine.Cancel()
}

// Destroy tears down the engine. Later loads fail with arbitration.ErrDestroyed.
func (p *Placement) Destroy() {
	p.engine.Destroy()
}
