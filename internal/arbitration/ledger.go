package arbitration

import "sync"

// Ledger holds the single terminal outcome of one request.
// TrySettle is the linearization point: exactly one caller wins.
type Ledger struct {
	mu       sync.Mutex
	outcome  Outcome
	rejected int
}

// NewLedger returns a pending ledger for requestID
func NewLedger(requestID string) *Ledger {
	return &Ledger{outcome: Outcome{RequestID: requestID, Kind: Pending}}
}

// TrySettle commits o if nothing has settled yet. Callers must act on the
// returned value and not on a later Current().
func (l *Ledger) TrySettle(o Outcome) bool {
	if o.Kind == Pending {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outcome.Kind != Pending {
		l.rejected++
		return false
	}
	if o.RequestID == "" {
		o.RequestID = l.outcome.RequestID
	}
	l.outcome = o
	return true
}

// Current returns the committed outcome, or a Pending one
func (l *Ledger) Current() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcome
}

// Settled reports whether an outcome has been committed
func (l *Ledger) Settled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcome.Kind != Pending
}

// Rejected returns how many settle attempts arrived after settlement
func (l *Ledger) Rejected() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}
