package prebid

import "encoding/json"

// The subset of OpenRTB 2.6 a mobile placement sends to Prebid Server. The
// placement's stored request on the server carries the bidder configuration.

type bidRequest struct {
	ID   string      `json:"id"`
	Imp  []imp       `json:"imp"`
	App  *app        `json:"app,omitempty"`
	TMax int         `json:"tmax,omitempty"`
	Cur  []string    `json:"cur,omitempty"`
	Ext  *requestExt `json:"ext,omitempty"`
}

type imp struct {
	ID     string  `json:"id"`
	Banner *banner `json:"banner,omitempty"`
	Instl  int     `json:"instl,omitempty"`
	Ext    impExt  `json:"ext"`
}

type banner struct {
	Format []format `json:"format,omitempty"`
}

type format struct {
	W int `json:"w"`
	H int `json:"h"`
}

type app struct {
	Bundle    string     `json:"bundle,omitempty"`
	Publisher *publisher `json:"publisher,omitempty"`
}

type publisher struct {
	ID string `json:"id"`
}

type impExt struct {
	Prebid impExtPrebid `json:"prebid"`
}

type impExtPrebid struct {
	StoredRequest storedRef `json:"storedrequest"`
}

type storedRef struct {
	ID string `json:"id"`
}

type requestExt struct {
	Prebid requestExtPrebid `json:"prebid"`
}

type requestExtPrebid struct {
	Cache     *cacheOpts      `json:"cache,omitempty"`
	Targeting json.RawMessage `json:"targeting,omitempty"`
}

type cacheOpts struct {
	Bids struct{} `json:"bids"`
}

type bidResponse struct {
	ID      string    `json:"id"`
	SeatBid []seatBid `json:"seatbid,omitempty"`
	Cur     string    `json:"cur,omitempty"`
	NBR     int       `json:"nbr,omitempty"`
}

type seatBid struct {
	Bid  []bid  `json:"bid"`
	Seat string `json:"seat,omitempty"`
}

type bid struct {
	ID    string  `json:"id"`
	ImpID string  `json:"impid"`
	Price float64 `json:"price"`
	AdM   string  `json:"adm,omitempty"`
	CRID  string  `json:"crid,omitempty"`
	W     int     `json:"w,omitempty"`
	H     int     `json:"h,omitempty"`
	Ext   *bidExt `json:"ext,omitempty"`
}

type bidExt struct {
	Prebid *bidExtPrebid `json:"prebid,omitempty"`
}

type bidExtPrebid struct {
	Cache *bidExtCache `json:"cache,omitempty"`
}

type bidExtCache struct {
	Bids *cacheBids `json:"bids,omitempty"`
}

type cacheBids struct {
	CacheID string `json:"cacheId"`
}

func (b bid) cacheID() string {
	if b.Ext == nil || b.Ext.Prebid == nil || b.Ext.Prebid.Cache == nil || b.Ext.Prebid.Cache.Bids == nil {
		return ""
	}
	return b.Ext.Prebid.Cache.Bids.CacheID
}
