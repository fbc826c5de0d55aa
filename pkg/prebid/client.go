// Package prebid fetches the primary bid for a placement from Prebid Server
package prebid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
)

const maxResponseSize = 1024 * 1024

// No-bid reasons reported through arbitration.BidUnavailable
const (
	ReasonNoBid   = "no_bid"
	ReasonNoPrice = "no_priced_bid"
)

// Size is a creative size
type Size struct {
	W int
	H int
}

// Options configures a Client
type Options struct {
	Timeout   time.Duration
	AccountID string
	Bundle    string
	Currency  string
	// Sizes holds the banner sizes per placement ID. Placements without an
	// entry are requested as interstitials.
	Sizes  map[string][]Size
	Logger *zerolog.Logger
}

// Client calls the Prebid Server auction endpoint
type Client struct {
	baseURL    string
	httpClient *http.Client
	opts       Options
	log        zerolog.Logger
}

// NewClient creates a client for the Prebid Server at baseURL
func NewClient(baseURL string, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 800 * time.Millisecond
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts: opts,
		log:  log,
	}
}

// FetchBid runs an auction for placementID and returns the highest priced bid
func (c *Client) FetchBid(ctx context.Context, placementID string) (arbitration.BidResult, error) {
	body, err := json.Marshal(c.buildRequest(placementID))
	if err != nil {
		return arbitration.BidResult{}, fmt.Errorf("failed to marshal bid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/openrtb2/auction", bytes.NewReader(body))
	if err != nil {
		return arbitration.BidResult{}, fmt.Errorf("failed to create bid request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return arbitration.BidResult{}, fmt.Errorf("failed to call prebid server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return arbitration.BidUnavailable(ReasonNoBid), nil
	}
	if resp.StatusCode != http.StatusOK {
		return arbitration.BidResult{}, fmt.Errorf("prebid server returned status %d", resp.StatusCode)
	}

	var decoded bidResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&decoded); err != nil {
		return arbitration.BidResult{}, fmt.Errorf("failed to decode bid response: %w", err)
	}

	result := c.pickWinner(&decoded)
	c.log.Debug().
		Str("placement_id", placementID).
		Bool("bid", result.Available()).
		Dur("latency", time.Since(start)).
		Msg("Prebid auction complete")
	return result, nil
}

func (c *Client) buildRequest(placementID string) *bidRequest {
	i := imp{
		ID:  placementID,
		Ext: impExt{Prebid: impExtPrebid{StoredRequest: storedRef{ID: placementID}}},
	}
	if sizes, ok := c.opts.Sizes[placementID]; ok && len(sizes) > 0 {
		formats := make([]format, len(sizes))
		for n, s := range sizes {
			formats[n] = format{W: s.W, H: s.H}
		}
		i.Banner = &banner{Format: formats}
	} else {
		i.Instl = 1
	}

	req := &bidRequest{
		ID:   uuid.NewString(),
		Imp:  []imp{i},
		TMax: int(c.opts.Timeout / time.Millisecond),
		Cur:  []string{c.opts.Currency},
		Ext: &requestExt{Prebid: requestExtPrebid{
			Cache:     &cacheOpts{},
			Targeting: json.RawMessage(`{}`),
		}},
	}
	if c.opts.Bundle != "" || c.opts.AccountID != "" {
		req.App = &app{Bundle: c.opts.Bundle}
		if c.opts.AccountID != "" {
			req.App.Publisher = &publisher{ID: c.opts.AccountID}
		}
	}
	return req
}

func (c *Client) pickWinner(resp *bidResponse) arbitration.BidResult {
	var best *arbitration.Bid
	seen := false

	for _, sb := range resp.SeatBid {
		for _, b := range sb.Bid {
			seen = true
			if b.Price <= 0 {
				continue
			}
			if best != nil && b.Price <= best.Price {
				continue
			}
			cur := resp.Cur
			if cur == "" {
				cur = c.opts.Currency
			}
			best = &arbitration.Bid{
				ID:       b.ID,
				ImpID:    b.ImpID,
				Bidder:   sb.Seat,
				Price:    b.Price,
				Currency: cur,
				Payload:  b.AdM,
				Width:    b.W,
				Height:   b.H,
				CacheID:  b.cacheID(),
			}
		}
	}

	switch {
	case best != nil:
		return arbitration.BidAvailable(best)
	case seen:
		return arbitration.BidUnavailable(ReasonNoPrice)
	}
	return arbitration.BidUnavailable(ReasonNoBid)
}
