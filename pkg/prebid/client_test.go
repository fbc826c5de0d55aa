package prebid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func auctionServer(t *testing.T, status int, resp *bidResponse, capture *bidRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openrtb2/auction" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("failed to decode bid request: %v", err)
			}
		}
		w.WriteHeader(status)
		if resp != nil {
			json.NewEncoder(w).Encode(resp)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetchBidPicksHighestPrice(t *testing.T) {
	resp := &bidResponse{
		ID:  "auction-1",
		Cur: "USD",
		SeatBid: []seatBid{
			{Seat: "appnexus", Bid: []bid{{ID: "a1", ImpID: "banner-home", Price: 1.10, AdM: "<div>a</div>", W: 320, H: 50}}},
			{Seat: "rubicon", Bid: []bid{{
				ID: "r1", ImpID: "banner-home", Price: 2.40, AdM: "<div>r</div>", W: 320, H: 50,
				Ext: &bidExt{Prebid: &bidExtPrebid{Cache: &bidExtCache{Bids: &cacheBids{CacheID: "cache-9"}}}},
			}}},
		},
	}
	var captured bidRequest
	server := auctionServer(t, http.StatusOK, resp, &captured)

	client := NewClient(server.URL, Options{
		AccountID: "pub-1",
		Bundle:    "com.example.app",
		Sizes:     map[string][]Size{"banner-home": {{W: 320, H: 50}}},
	})

	result, err := client.FetchBid(context.Background(), "banner-home")
	if err != nil {
		t.Fatalf("FetchBid: %v", err)
	}
	if !result.Available() {
		t.Fatalf("expected a bid, got reason %q", result.Reason)
	}

	b := result.Bid
	if b.ID != "r1" || b.Bidder != "rubicon" || b.Price != 2.40 {
		t.Errorf("expected rubicon bid at 2.40, got %+v", b)
	}
	if b.CacheID != "cache-9" || b.Currency != "USD" || b.Payload != "<div>r</div>" {
		t.Errorf("unexpected bid details: %+v", b)
	}

	if len(captured.Imp) != 1 || captured.Imp[0].Ext.Prebid.StoredRequest.ID != "banner-home" {
		t.Errorf("expected stored request for the placement, got %+v", captured.Imp)
	}
	if captured.Imp[0].Banner == nil || captured.Imp[0].Banner.Format[0].W != 320 {
		t.Error("expected banner format from configured sizes")
	}
	if captured.App == nil || captured.App.Bundle != "com.example.app" || captured.App.Publisher.ID != "pub-1" {
		t.Errorf("unexpected app object: %+v", captured.App)
	}
	if captured.TMax != int((800 * time.Millisecond).Milliseconds()) {
		t.Errorf("expected tmax 800, got %d", captured.TMax)
	}
}

func TestFetchBidInterstitial(t *testing.T) {
	var captured bidRequest
	server := auctionServer(t, http.StatusOK, &bidResponse{ID: "x"}, &captured)

	client := NewClient(server.URL, Options{})
	if _, err := client.FetchBid(context.Background(), "rewarded-1"); err != nil {
		t.Fatalf("FetchBid: %v", err)
	}

	if captured.Imp[0].Instl != 1 || captured.Imp[0].Banner != nil {
		t.Errorf("placement without sizes should be interstitial, got %+v", captured.Imp[0])
	}
}

func TestFetchBidNoBid(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		resp       *bidResponse
		wantReason string
	}{
		{"no content", http.StatusNoContent, nil, ReasonNoBid},
		{"empty seatbid", http.StatusOK, &bidResponse{ID: "x"}, ReasonNoBid},
		{"zero price", http.StatusOK, &bidResponse{ID: "x", SeatBid: []seatBid{{Seat: "ix", Bid: []bid{{ID: "z", Price: 0}}}}}, ReasonNoPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := auctionServer(t, tt.status, tt.resp, nil)
			client := NewClient(server.URL, Options{})

			result, err := client.FetchBid(context.Background(), "banner-home")
			if err != nil {
				t.Fatalf("FetchBid: %v", err)
			}
			if result.Available() {
				t.Error("expected no bid")
			}
			if result.Reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, result.Reason)
			}
		})
	}
}

func TestFetchBidServerError(t *testing.T) {
	server := auctionServer(t, http.StatusServiceUnavailable, nil, nil)
	client := NewClient(server.URL, Options{})

	if _, err := client.FetchBid(context.Background(), "banner-home"); err == nil {
		t.Error("expected error for 503")
	}
}
