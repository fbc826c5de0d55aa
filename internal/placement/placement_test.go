package placement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
)

type stubSecondary struct {
	mu    sync.Mutex
	sinks []arbitration.Sink
	bids  []*arbitration.Bid
}

func (s *stubSecondary) RequestWithBid(ctx context.Context, req arbitration.Request, sink arbitration.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
	s.bids = append(s.bids, req.Bid)
	return nil
}

func (s *stubSecondary) Destroy() {}

func (s *stubSecondary) last() arbitration.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks[len(s.sinks)-1]
}

type nopRenderer struct{}

func (nopRenderer) Display(context.Context, arbitration.Creative) error { return nil }
func (nopRenderer) TrackImpression(context.Context, arbitration.Creative) {}

type stubBidder struct {
	result arbitration.BidResult
	err    error
	calls  int
}

func (b *stubBidder) FetchBid(ctx context.Context, placementID string) (arbitration.BidResult, error) {
	b.calls++
	return b.result, b.err
}

func newTestPlacement(bidder PrimaryBidder) (*Placement, *stubSecondary) {
	secondary := &stubSecondary{}
	engine := arbitration.NewEngine(secondary, nopRenderer{}, arbitration.Config{
		HandshakeTimeout: time.Hour,
	})
	return New(Config{ID: "banner-home", Engine: engine, Bidder: bidder}), secondary
}

func TestLoadWithBid(t *testing.T) {
	bid := &arbitration.Bid{ID: "b1", Price: 2.5}
	bidder := &stubBidder{result: arbitration.BidAvailable(bid)}
	p, secondary := newTestPlacement(bidder)
	defer p.Destroy()

	s, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if bidder.calls != 1 {
		t.Errorf("expected one bidder call, got %d", bidder.calls)
	}
	if secondary.bids[0] != bid {
		t.Error("priced bid should be passed to the secondary source")
	}
	if p.CurrentRequestID() != s.ID() {
		t.Errorf("expected current request %s, got %s", s.ID(), p.CurrentRequestID())
	}
	if !p.InProgress() {
		t.Error("load should be in progress until settled")
	}

	secondary.last().Handshake()

	o, ok := s.Outcome()
	if !ok || o.Kind != arbitration.PrimaryWin {
		t.Errorf("expected primary win, got %s", o.Kind)
	}
	if p.InProgress() {
		t.Error("load should be finished")
	}
}

func TestLoadBidderErrorMeansNoBid(t *testing.T) {
	bidder := &stubBidder{err: errors.New("prebid server unavailable")}
	p, secondary := newTestPlacement(bidder)
	defer p.Destroy()

	if _, err := p.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if secondary.bids[0] != nil {
		t.Error("bidder error should arbitrate without a bid")
	}
}

func TestLoadSkippedWhileInProgress(t *testing.T) {
	p, secondary := newTestPlacement(nil)
	defer p.Destroy()

	if _, err := p.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := p.Load(context.Background()); !errors.Is(err, ErrLoadInProgress) {
		t.Errorf("expected ErrLoadInProgress, got %v", err)
	}
	if len(secondary.sinks) != 1 {
		t.Errorf("skipped load must not reach the ad server, got %d requests", len(secondary.sinks))
	}

	secondary.last().ServerFailed(arbitration.ServerErrNoFill)

	if _, err := p.Load(context.Background()); err != nil {
		t.Errorf("load after settlement should proceed, got %v", err)
	}
}

func TestLastFailed(t *testing.T) {
	p, secondary := newTestPlacement(nil)
	defer p.Destroy()

	if p.LastFailed() {
		t.Error("fresh placement has not failed")
	}

	if _, err := p.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	secondary.last().ServerFailed(arbitration.ServerErrNoFill)
	if !p.LastFailed() {
		t.Error("expected LastFailed after no fill")
	}

	if _, err := p.LoadWithResult(context.Background(), arbitration.BidUnavailable("none")); err != nil {
		t.Fatalf("LoadWithResult: %v", err)
	}
	if p.LastFailed() {
		t.Error("LastFailed should reset once a new load starts")
	}

	p.Cancel()
	if p.LastFailed() {
		t.Error("superseded load does not count as failed")
	}
}

func TestDeliverRoutesEvents(t *testing.T) {
	p, _ := newTestPlacement(nil)
	defer p.Destroy()

	s, err := p.LoadWithResult(context.Background(), arbitration.BidUnavailable("none"))
	if err != nil {
		t.Fatalf("LoadWithResult: %v", err)
	}

	if p.Deliver("unknown", arbitration.ServerWin{Handle: "x"}) {
		t.Error("unknown request should be rejected")
	}
	if !p.Deliver(s.ID(), arbitration.ServerWin{Handle: "creative"}) {
		t.Error("event for the live request should apply")
	}
	if o, ok := s.Outcome(); !ok || o.Kind != arbitration.SecondaryWin {
		t.Errorf("expected secondary win, got %s", o.Kind)
	}
}

func TestLoadAfterDestroy(t *testing.T) {
	p, _ := newTestPlacement(nil)
	p.Destroy()

	_, err := p.Load(context.Background())
	if !errors.Is(err, arbitration.ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}
	if p.InProgress() {
		t.Error("failed load must not leave the placement busy")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, _ := newTestPlacement(nil)
	b, _ := newTestPlacement(nil)
	c := New(Config{ID: "interstitial", Engine: arbitration.NewEngine(&stubSecondary{}, nopRenderer{}, arbitration.Config{})})

	if err := r.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(b); err == nil {
		t.Error("duplicate placement ID should be rejected")
	}
	if err := r.Add(c); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got, ok := r.Get("banner-home"); !ok || got != a {
		t.Error("expected to find banner-home")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("missing placement should not be found")
	}

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "banner-home" || ids[1] != "interstitial" {
		t.Errorf("unexpected IDs: %v", ids)
	}

	r.DestroyAll()
	if len(r.IDs()) != 0 {
		t.Error("registry should be empty after DestroyAll")
	}
	if _, err := a.Load(context.Background()); !errors.Is(err, arbitration.ErrDestroyed) {
		t.Errorf("placements should be destroyed, got %v", err)
	}
	b.Destroy()
}
