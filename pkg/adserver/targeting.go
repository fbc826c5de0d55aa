package adserver

import (
	"fmt"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
)

// Targeting keys sent to the ad server so its line items can compete with the bid
type Targeting struct {
	PriceBucket string `json:"hb_pb,omitempty"`
	Bidder      string `json:"hb_bidder,omitempty"`
	Size        string `json:"hb_size,omitempty"`
	CacheID     string `json:"hb_cache_id,omitempty"`
}

// TargetingFor builds targeting for bid. A nil bid yields empty targeting.
func TargetingFor(bid *arbitration.Bid) Targeting {
	if !bid.Priced() {
		return Targeting{}
	}
	t := Targeting{
		PriceBucket: PriceBucket(bid.Price),
		Bidder:      bid.Bidder,
		CacheID:     bid.CacheID,
	}
	if bid.Width > 0 && bid.Height > 0 {
		t.Size = fmt.Sprintf("%dx%d", bid.Width, bid.Height)
	}
	return t
}

// PriceBucket applies medium granularity:
// $0.01 steps to $5, $0.05 steps to $10, $0.50 steps to $20, capped at $20.
func PriceBucket(price float64) string {
	if price <= 0 {
		return "0.00"
	}

	var bucket float64
	switch {
	case price <= 5:
		bucket = float64(int(price*100)) / 100
	case price <= 10:
		bucket = float64(int(price*20)) / 20
	case price <= 20:
		bucket = float64(int(price*2)) / 2
	default:
		bucket = 20
	}
	return fmt.Sprintf("%.2f", bucket)
}
