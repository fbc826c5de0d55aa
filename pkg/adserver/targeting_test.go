package adserver

import (
	"testing"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
)

func TestPriceBucket(t *testing.T) {
	tests := []struct {
		price float64
		want  string
	}{
		{0, "0.00"},
		{-1, "0.00"},
		{1.25, "1.25"},
		{5, "5.00"},
		{7.33, "7.30"},
		{15.75, "15.50"},
		{20, "20.00"},
		{25, "20.00"},
	}

	for _, tt := range tests {
		if got := PriceBucket(tt.price); got != tt.want {
			t.Errorf("PriceBucket(%v) = %s, want %s", tt.price, got, tt.want)
		}
	}
}

func TestTargetingFor(t *testing.T) {
	bid := &arbitration.Bid{Bidder: "rubicon", Price: 2.5, Width: 320, Height: 50, CacheID: "c-1"}

	got := TargetingFor(bid)
	want := Targeting{PriceBucket: "2.50", Bidder: "rubicon", Size: "320x50", CacheID: "c-1"}
	if got != want {
		t.Errorf("TargetingFor() = %+v, want %+v", got, want)
	}

	if got := TargetingFor(nil); got != (Targeting{}) {
		t.Errorf("nil bid should have empty targeting, got %+v", got)
	}
	if got := TargetingFor(&arbitration.Bid{Price: 0}); got != (Targeting{}) {
		t.Errorf("unpriced bid should have empty targeting, got %+v", got)
	}
}
