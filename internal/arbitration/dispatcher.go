package arbitration

import (
	"context"

	"github.com/rs/zerolog"
)

// Renderer displays creatives and tracks primary impressions
type Renderer interface {
	Display(ctx context.Context, c Creative) error
	TrackImpression(ctx context.Context, c Creative)
}

// Shower is implemented by secondary sources that render their own creative
// (full-screen formats). When present it replaces Renderer.Display for
// secondary wins.
type Shower interface {
	Show(ctx context.Context, handle Renderable) error
}

// Listener receives exactly one of OnWin or OnFailure per request. OnImpression
// and OnDisplayFailed follow an OnWin.
type Listener interface {
	OnWin(o Outcome)
	OnFailure(o Outcome)
	OnImpression(o Outcome)
	OnDisplayFailed(o Outcome, err error)
}

// NopListener ignores all notifications
type NopListener struct{}

func (NopListener) OnWin(Outcome)                  {}
func (NopListener) OnFailure(Outcome)              {}
func (NopListener) OnImpression(Outcome)           {}
func (NopListener) OnDisplayFailed(Outcome, error) {}

// dispatcher performs the side effects of a settled outcome. It runs once per
// request, only for the caller whose TrySettle returned true.
type dispatcher struct {
	renderer  Renderer
	secondary SecondarySource
	listener  Listener
}

func (d *dispatcher) dispatch(ctx context.Context, o Outcome, log zerolog.Logger) {
	switch o.Kind {
	case Failed:
		d.listener.OnFailure(o)

	case PrimaryWin:
		d.listener.OnWin(o)
		if o.Winner == nil {
			d.displayFailed(o, NewAdError(CodeInternalError, msgMissingWinner), log)
			return
		}
		c := Creative{RequestID: o.RequestID, Source: SourcePrimary, Bid: o.Winner}
		if err := d.renderer.Display(ctx, c); err != nil {
			d.displayFailed(o, err, log)
			return
		}
		// Impression fires on confirmed display, never at win time.
		d.renderer.TrackImpression(ctx, c)
		d.listener.OnImpression(o)

	case SecondaryWin:
		d.listener.OnWin(o)
		if o.Handle == nil {
			d.displayFailed(o, NewAdError(CodeInternalError, msgNilHandle), log)
			return
		}
		var err error
		if shower, ok := d.secondary.(Shower); ok {
			err = shower.Show(ctx, o.Handle)
		} else {
			err = d.renderer.Display(ctx, Creative{RequestID: o.RequestID, Source: SourceSecondary, Handle: o.Handle})
		}
		if err != nil {
			d.displayFailed(o, err, log)
		}
	}
}

func (d *dispatcher) displayFailed(o Outcome, err error, log zerolog.Logger) {
	log.Warn().Err(err).Str("kind", o.Kind.String()).Msg("Display failed after settlement")
	d.listener.OnDisplayFailed(o, err)
}
