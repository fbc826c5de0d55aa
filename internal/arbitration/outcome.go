// Package arbitration decides which of the primary bid and the secondary ad
// server wins a placement, and reports that outcome exactly once per request.
package arbitration

import "time"

// OutcomeKind is the terminal state of one arbitration request
type OutcomeKind int

const (
	Pending OutcomeKind = iota
	PrimaryWin
	SecondaryWin
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case PrimaryWin:
		return "primary_win"
	case SecondaryWin:
		return "secondary_win"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// MarshalText renders the kind by name in JSON and logs
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// SettleReason records which decision path produced an outcome
type SettleReason string

const (
	ReasonHandshake    SettleReason = "handshake"
	ReasonTimeout      SettleReason = "handshake_timeout"
	ReasonServerWin    SettleReason = "server_win"
	ReasonServerFailed SettleReason = "server_failed"
	ReasonFallback     SettleReason = "primary_fallback"
	ReasonSuperseded   SettleReason = "superseded"
	ReasonDestroyed    SettleReason = "destroyed"
)

// Bid is a resolved primary bid
type Bid struct {
	ID       string  `json:"id"`
	ImpID    string  `json:"impid,omitempty"`
	Bidder   string  `json:"bidder,omitempty"`
	Price    float64 `json:"price"`
	Currency string  `json:"cur,omitempty"`
	Payload  string  `json:"adm,omitempty"`
	Width    int     `json:"w,omitempty"`
	Height   int     `json:"h,omitempty"`
	CacheID  string  `json:"cache_id,omitempty"`
}

// Priced reports whether the bid is present with a price above zero
func (b *Bid) Priced() bool {
	return b != nil && b.Price > 0
}

// Renderable is an opaque creative handle supplied by the secondary source
type Renderable interface{}

// Outcome is the settled (or pending) result of a request
type Outcome struct {
	RequestID string       `json:"request_id"`
	Kind      OutcomeKind  `json:"kind"`
	Reason    SettleReason `json:"reason,omitempty"`
	Winner    *Bid         `json:"winner,omitempty"`
	Handle    Renderable   `json:"-"`
	Err       *AdError     `json:"error,omitempty"`
	SettledAt time.Time    `json:"settled_at,omitempty"`
}

// Superseded reports whether the request was replaced before settling
func (o Outcome) Superseded() bool {
	return o.Kind == Failed && o.Err != nil && o.Err.Code == CodeSuperseded
}

// Source identifies which party supplied a creative
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
)

// Creative is what the dispatcher hands to the renderer
type Creative struct {
	RequestID string
	Source    Source
	Bid       *Bid
	Handle    Renderable
}
