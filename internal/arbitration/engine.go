package arbitration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultHandshakeTimeout bounds the wait for a handshake once a priced bid is known
const DefaultHandshakeTimeout = 600 * time.Millisecond

// State is the engine's view of the current request
type State int

const (
	Idle State = iota
	AwaitingSignals
	Resolving
	Terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSignals:
		return "awaiting_signals"
	case Resolving:
		return "resolving"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// SecondarySource is the external ad server integration
type SecondarySource interface {
	// RequestWithBid starts the ad server round. Results flow back through sink.
	// bid is nil when no priced primary bid exists.
	RequestWithBid(ctx context.Context, req Request, sink Sink) error
	// Destroy detaches the source; later deliveries are dropped by the engine.
	Destroy()
}

// MetricsRecorder receives arbitration metrics
type MetricsRecorder interface {
	RecordSettlement(kind, reason string, latency time.Duration)
	RecordStaleSignal(signal string)
	RecordHandshakeTimeout()
	RecordSuperseded()
}

type nopMetrics struct{}

func (nopMetrics) RecordSettlement(string, string, time.Duration) {}
func (nopMetrics) RecordStaleSignal(string)                       {}
func (nopMetrics) RecordHandshakeTimeout()                        {}
func (nopMetrics) RecordSuperseded()                              {}

// Config holds engine collaborators and tuning
type Config struct {
	HandshakeTimeout time.Duration
	Listener         Listener
	Metrics          MetricsRecorder
	Logger           *zerolog.Logger
	Scheduler        Scheduler
}

// Request is one ad load attempt
type Request struct {
	ID          string
	PlacementID string
	// Bid is the resolved primary bid; nil when the bidder produced nothing usable.
	Bid *Bid
}

// attempt is the per-request state owned by the engine
type attempt struct {
	req    Request
	gen    uint64
	ledger *Ledger
	state  State

	expectingHandshake bool
	handshakeConfirmed bool
	serverWin          *ServerWin

	ctx     context.Context
	cancel  context.CancelFunc
	session *Session
	started time.Time
	log     zerolog.Logger
}

type settlement struct {
	attempt *attempt
	outcome Outcome
}

// Engine arbitrates one placement. It runs at most one request at a time;
// every event is applied under a single mutex.
type Engine struct {
	secondary  SecondarySource
	dispatcher *dispatcher
	metrics    MetricsRecorder
	log        zerolog.Logger
	timeout    time.Duration
	timer      *AppEventTimer

	mu        sync.Mutex
	gen       uint64
	current   *attempt
	lastID    string
	destroyed bool
}

// NewEngine creates an engine for one placement
func NewEngine(secondary SecondarySource, renderer Renderer, cfg Config) *Engine {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	e := &Engine{
		secondary: secondary,
		dispatcher: &dispatcher{
			renderer:  renderer,
			secondary: secondary,
			listener:  cfg.Listener,
		},
		metrics: cfg.Metrics,
		log:     log,
		timeout: cfg.HandshakeTimeout,
	}
	e.timer = NewAppEventTimer(cfg.Scheduler, e.onTimer)
	return e
}

// Arbitrate starts a request. Any unsettled previous request is superseded.
func (e *Engine) Arbitrate(ctx context.Context, req Request) (*Session, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Bid != nil && !req.Bid.Priced() {
		req.Bid = nil
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, ErrDestroyed
	}
	if req.ID == e.lastID {
		e.mu.Unlock()
		return nil, ErrRequestReused
	}

	prev := e.supersedeLocked(ReasonSuperseded)

	e.gen++
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &attempt{
		req:     req,
		gen:     e.gen,
		ledger:  NewLedger(req.ID),
		state:   AwaitingSignals,
		ctx:     actx,
		cancel:  cancel,
		session: newSession(req.ID),
		started: time.Now(),
		log: e.log.With().
			Str("request_id", req.ID).
			Str("placement_id", req.PlacementID).
			Logger(),
	}
	expecting := req.Bid.Priced()
	a.expectingHandshake = expecting
	if expecting {
		e.timer.Schedule(e.timeout)
	}
	e.current = a
	e.lastID = req.ID
	sink := Sink{engine: e, gen: a.gen, requestID: req.ID}
	e.mu.Unlock()

	if prev != nil {
		e.finishSuperseded(prev)
	}

	a.log.Debug().
		Bool("expecting_handshake", expecting).
		Dur("handshake_timeout", e.timeout).
		Msg("Arbitration started")

	if err := e.secondary.RequestWithBid(actx, req, sink); err != nil {
		a.log.Warn().Err(err).Msg("Secondary source rejected request")
		sink.ServerFailed(ServerErrInternal)
	}

	return a.session, nil
}

// Deliver routes an out-of-band secondary event to the request with requestID.
// Returns false when that request is not the live one; the event is dropped.
func (e *Engine) Deliver(requestID string, ev Event) bool {
	if _, ok := ev.(timerFired); ok {
		return false
	}

	e.mu.Lock()
	a := e.current
	if e.destroyed || a == nil || a.req.ID != requestID {
		e.mu.Unlock()
		e.stale(requestID, ev)
		return false
	}
	gen := a.gen
	e.mu.Unlock()

	return e.handle(gen, requestID, ev)
}

// Cancel supersedes the in-flight request, if any
func (e *Engine) Cancel() {
	e.mu.Lock()
	s := e.supersedeLocked(ReasonSuperseded)
	e.mu.Unlock()

	if s != nil {
		e.finishSuperseded(s)
	}
}

// Destroy cancels the timer and detaches from the secondary source. Idempotent.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.timer.Cancel()
	s := e.supersedeLocked(ReasonDestroyed)
	e.current = nil
	e.mu.Unlock()

	if s != nil {
		e.finishSuperseded(s)
	}
	e.secondary.Destroy()
	e.log.Debug().Msg("Arbitration engine destroyed")
}

// State returns the state of the current request
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Idle
	}
	return e.current.state
}

// handle applies ev to the request of generation gen
func (e *Engine) handle(gen uint64, requestID string, ev Event) bool {
	e.mu.Lock()
	a := e.current
	if e.destroyed || a == nil || a.gen != gen {
		e.mu.Unlock()
		e.stale(requestID, ev)
		return false
	}
	s, applied := e.applyLocked(a, ev)
	e.mu.Unlock()

	if s != nil {
		e.finish(s)
	}
	return applied
}

func (e *Engine) onTimer(tgen uint64) {
	e.mu.Lock()
	if e.destroyed || !e.timer.claim(tgen) || e.current == nil {
		e.mu.Unlock()
		return
	}
	e.metrics.RecordHandshakeTimeout()
	s, _ := e.applyLocked(e.current, timerFired{})
	e.mu.Unlock()

	if s != nil {
		e.finish(s)
	}
}

// applyLocked is the decision table. Returns the settlement to dispatch, if
// this event settled the request.
func (e *Engine) applyLocked(a *attempt, ev Event) (*settlement, bool) {
	if a.ledger.Settled() {
		e.staleLocked(a, ev)
		return nil, false
	}

	switch ev := ev.(type) {
	case ServerWin:
		a.serverWin = &ev
		if a.expectingHandshake {
			// A handshake may still flip the winner until the timer fires.
			a.state = Resolving
			a.log.Debug().Msg("Ad server win recorded, waiting for handshake")
			return nil, true
		}
		return e.settleLocked(a, Outcome{Kind: SecondaryWin, Handle: ev.Handle, Reason: ReasonServerWin}), true

	case ServerFailed:
		if a.req.Bid.Priced() {
			a.expectingHandshake = false
			return e.settleLocked(a, Outcome{Kind: PrimaryWin, Winner: a.req.Bid, Reason: ReasonFallback}), true
		}
		return e.settleLocked(a, Outcome{Kind: Failed, Err: NewServerError(ev.Code), Reason: ReasonServerFailed}), true

	case HandshakeReceived:
		if !a.expectingHandshake {
			e.staleLocked(a, ev)
			return nil, false
		}
		e.timer.Cancel()
		a.expectingHandshake = false
		a.handshakeConfirmed = true
		return e.settleLocked(a, Outcome{Kind: PrimaryWin, Winner: a.req.Bid, Reason: ReasonHandshake}), true

	case timerFired:
		if !a.expectingHandshake {
			return nil, false
		}
		a.expectingHandshake = false
		if a.serverWin != nil {
			return e.settleLocked(a, Outcome{Kind: SecondaryWin, Handle: a.serverWin.Handle, Reason: ReasonTimeout}), true
		}
		return e.settleLocked(a, Outcome{Kind: PrimaryWin, Winner: a.req.Bid, Reason: ReasonTimeout}), true
	}

	return nil, false
}

func (e *Engine) settleLocked(a *attempt, o Outcome) *settlement {
	o.RequestID = a.req.ID
	o.SettledAt = time.Now()
	if !a.ledger.TrySettle(o) {
		return nil
	}
	e.timer.Cancel()
	a.state = Terminal
	return &settlement{attempt: a, outcome: o}
}

// supersedeLocked settles the current request as superseded when still pending
func (e *Engine) supersedeLocked(reason SettleReason) *settlement {
	a := e.current
	if a == nil {
		return nil
	}
	e.timer.Cancel()
	a.expectingHandshake = false

	o := Outcome{
		RequestID: a.req.ID,
		Kind:      Failed,
		Reason:    reason,
		Err:       NewAdError(CodeSuperseded, msgSuperseded),
		SettledAt: time.Now(),
	}
	if !a.ledger.TrySettle(o) {
		return nil
	}
	a.cancel()
	a.state = Terminal
	return &settlement{attempt: a, outcome: o}
}

// finish runs outside the engine lock
func (e *Engine) finish(s *settlement) {
	a, o := s.attempt, s.outcome
	latency := o.SettledAt.Sub(a.started)

	e.metrics.RecordSettlement(o.Kind.String(), string(o.Reason), latency)
	a.log.Info().
		Str("kind", o.Kind.String()).
		Str("reason", string(o.Reason)).
		Bool("handshake_confirmed", a.handshakeConfirmed).
		Dur("latency", latency).
		Msg("Arbitration settled")

	e.dispatcher.dispatch(a.ctx, o, a.log)
	a.session.complete(o)
	a.cancel()
}

func (e *Engine) finishSuperseded(s *settlement) {
	e.metrics.RecordSuperseded()
	s.attempt.log.Debug().Str("reason", string(s.outcome.Reason)).Msg("Arbitration superseded")
	s.attempt.session.complete(s.outcome)
}

func (e *Engine) stale(requestID string, ev Event) {
	e.metrics.RecordStaleSignal(ev.signal())
	e.log.Debug().Str("request_id", requestID).Str("signal", ev.signal()).Msg("Ignoring signal for inactive request")
}

func (e *Engine) staleLocked(a *attempt, ev Event) {
	e.metrics.RecordStaleSignal(ev.signal())
	a.log.Debug().Str("signal", ev.signal()).Str("state", a.state.String()).Msg("Ignoring stale signal")
}

// Session is the caller's handle on one request's outcome
type Session struct {
	id      string
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func newSession(id string) *Session {
	return &Session{id: id, done: make(chan struct{})}
}

// ID returns the request ID
func (s *Session) ID() string {
	return s.id
}

// Done is closed once the request settles
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the settled outcome; false while pending
func (s *Session) Outcome() (Outcome, bool) {
	select {
	case <-s.done:
		return s.outcome, true
	default:
		return Outcome{RequestID: s.id, Kind: Pending}, false
	}
}

// Wait blocks until the request settles or ctx ends
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{RequestID: s.id, Kind: Pending}, ctx.Err()
	}
}

func (s *Session) complete(o Outcome) {
	s.once.Do(func() {
		s.outcome = o
		close(s.done)
	})
}
