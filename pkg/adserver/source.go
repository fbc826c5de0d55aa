package adserver

import (
	"context"
	"sync"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
)

// Creative is the ad server's own creative, carried as the renderable handle
// of a secondary win
type Creative struct {
	RequestID string
	AdUnit    string
	Body      string
}

// Markup returns the creative markup
func (c Creative) Markup() string {
	return c.Body
}

// Source binds a Client to one ad unit and serves as the engine's secondary source
type Source struct {
	client *Client
	adUnit string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewSource creates a source for adUnit
func NewSource(client *Client, adUnit string) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{client: client, adUnit: adUnit, ctx: ctx, cancel: cancel}
}

// RequestWithBid calls the ad server in the background and reports through sink
func (s *Source) RequestWithBid(ctx context.Context, req arbitration.Request, sink arbitration.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return context.Canceled
	}

	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()

		s.run(callCtx, req, sink)
	}()
	return nil
}

func (s *Source) run(ctx context.Context, req arbitration.Request, sink arbitration.Sink) {
	log := s.client.log.With().Str("request_id", req.ID).Str("ad_unit", s.adUnit).Logger()

	resp, err := s.client.RequestAd(ctx, AdRequest{
		RequestID: req.ID,
		AdUnit:    s.adUnit,
		Targeting: TargetingFor(req.Bid),
	})

	// A cancelled call belongs to a request that was superseded or destroyed.
	if ctx.Err() != nil {
		log.Debug().Msg("Ad server call abandoned")
		return
	}

	if err != nil {
		code := ErrorCode(err)
		log.Warn().Err(err).Int("error_code", code).Msg("Ad server call failed")
		sink.ServerFailed(code)
		return
	}

	switch resp.Status {
	case StatusFilled:
		sink.ServerWin(Creative{RequestID: req.ID, AdUnit: s.adUnit, Body: resp.Creative})
		if resp.AppEvent == AppEventPrebid {
			sink.Handshake()
		}
	case StatusNoFill:
		sink.ServerFailed(arbitration.ServerErrNoFill)
	case StatusError:
		sink.ServerFailed(resp.ErrorCode)
	default:
		log.Warn().Str("status", resp.Status).Msg("Unknown ad server status")
		sink.ServerFailed(arbitration.ServerErrInternal)
	}
}

// Destroy cancels in-flight calls and waits for them to return
func (s *Source) Destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
