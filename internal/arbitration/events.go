package arbitration

// BidResult is the single delivery from the primary bidder for one load
type BidResult struct {
	Bid    *Bid
	Reason string
}

// BidAvailable wraps a resolved bid
func BidAvailable(b *Bid) BidResult {
	return BidResult{Bid: b}
}

// BidUnavailable reports that no usable bid exists
func BidUnavailable(reason string) BidResult {
	return BidResult{Reason: reason}
}

// Available reports whether the result carries a priced bid
func (r BidResult) Available() bool {
	return r.Bid.Priced()
}

// Event is a signal from the secondary source or the handshake timer
type Event interface {
	signal() string
}

// HandshakeReceived means the ad server hands the win to the primary bid
type HandshakeReceived struct{}

// ServerWin means the ad server picked its own creative
type ServerWin struct {
	Handle Renderable
}

// ServerFailed means the ad server round ended without a creative
type ServerFailed struct {
	Code int
}

type timerFired struct{}

func (HandshakeReceived) signal() string { return "handshake" }
func (ServerWin) signal() string         { return "server_win" }
func (ServerFailed) signal() string      { return "server_failed" }
func (timerFired) signal() string        { return "timer" }

// Sink delivers secondary events to the request it was issued for. Events sent
// after that request settled, was superseded, or the engine was destroyed are
// dropped.
type Sink struct {
	engine    *Engine
	gen       uint64
	requestID string
}

// RequestID returns the request this sink is bound to
func (s Sink) RequestID() string {
	return s.requestID
}

// ServerWin delivers a ServerWin event
func (s Sink) ServerWin(h Renderable) {
	s.deliver(ServerWin{Handle: h})
}

// ServerFailed delivers a ServerFailed event with the raw ad server code
func (s Sink) ServerFailed(code int) {
	s.deliver(ServerFailed{Code: code})
}

// Handshake delivers a HandshakeReceived event
func (s Sink) Handshake() {
	s.deliver(HandshakeReceived{})
}

func (s Sink) deliver(ev Event) {
	if s.engine == nil {
		return
	}
	s.engine.handle(s.gen, s.requestID, ev)
}
