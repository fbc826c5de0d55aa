package arbitration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// manualScheduler fires callbacks only when the test asks it to
type manualScheduler struct {
	mu      sync.Mutex
	entries []*manualEntry
}

type manualEntry struct {
	s       *manualScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (e *manualEntry) Stop() bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.stopped || e.fired {
		return false
	}
	e.stopped = true
	return true
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &manualEntry{s: s, d: d, f: f}
	s.entries = append(s.entries, e)
	return e
}

// FireLive runs every callback that has not been stopped or fired
func (s *manualScheduler) FireLive() int {
	s.mu.Lock()
	var live []*manualEntry
	for _, e := range s.entries {
		if !e.stopped && !e.fired {
			e.fired = true
			live = append(live, e)
		}
	}
	s.mu.Unlock()

	for _, e := range live {
		e.f()
	}
	return len(live)
}

// FireAll runs every callback ever scheduled, including stopped ones, to
// simulate a callback that was already running when Stop was called
func (s *manualScheduler) FireAll() {
	s.mu.Lock()
	all := append([]*manualEntry(nil), s.entries...)
	s.mu.Unlock()

	for _, e := range all {
		e.f()
	}
}

func (s *manualScheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeSecondary struct {
	mu        sync.Mutex
	requests  []Request
	sinks     []Sink
	destroyed int
	err       error
}

func (f *fakeSecondary) RequestWithBid(ctx context.Context, req Request, sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.sinks = append(f.sinks, sink)
	return f.err
}

func (f *fakeSecondary) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
}

func (f *fakeSecondary) lastSink() Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[len(f.sinks)-1]
}

type showingSecondary struct {
	fakeSecondary
	shown []Renderable
}

func (s *showingSecondary) Show(ctx context.Context, h Renderable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, h)
	return nil
}

type fakeRenderer struct {
	mu          sync.Mutex
	displayed   []Creative
	impressions []Creative
	displayErr  error
}

func (r *fakeRenderer) Display(ctx context.Context, c Creative) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.displayErr != nil {
		return r.displayErr
	}
	r.displayed = append(r.displayed, c)
	return nil
}

func (r *fakeRenderer) TrackImpression(ctx context.Context, c Creative) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impressions = append(r.impressions, c)
}

func (r *fakeRenderer) counts() (displayed, impressions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.displayed), len(r.impressions)
}

type recordingListener struct {
	mu            sync.Mutex
	wins          []Outcome
	failures      []Outcome
	impressions   []Outcome
	displayFailed []error
}

func (l *recordingListener) OnWin(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wins = append(l.wins, o)
}

func (l *recordingListener) OnFailure(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, o)
}

func (l *recordingListener) OnImpression(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.impressions = append(l.impressions, o)
}

func (l *recordingListener) OnDisplayFailed(o Outcome, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.displayFailed = append(l.displayFailed, err)
}

// terminal returns the number of terminal callbacks
func (l *recordingListener) terminal() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.wins) + len(l.failures)
}

type countingMetrics struct {
	mu          sync.Mutex
	settlements map[string]int
	stale       map[string]int
	timeouts    int
	superseded  int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{settlements: map[string]int{}, stale: map[string]int{}}
}

func (m *countingMetrics) RecordSettlement(kind, reason string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[kind]++
}

func (m *countingMetrics) RecordStaleSignal(signal string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale[signal]++
}

func (m *countingMetrics) RecordHandshakeTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts++
}

func (m *countingMetrics) RecordSuperseded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.superseded++
}

type harness struct {
	engine    *Engine
	secondary *fakeSecondary
	renderer  *fakeRenderer
	listener  *recordingListener
	metrics   *countingMetrics
	scheduler *manualScheduler
}

func newHarness() *harness {
	h := &harness{
		secondary: &fakeSecondary{},
		renderer:  &fakeRenderer{},
		listener:  &recordingListener{},
		metrics:   newCountingMetrics(),
		scheduler: &manualScheduler{},
	}
	h.engine = NewEngine(h.secondary, h.renderer, Config{
		HandshakeTimeout: 500 * time.Millisecond,
		Listener:         h.listener,
		Metrics:          h.metrics,
		Scheduler:        h.scheduler,
	})
	return h
}

func pricedBid() *Bid {
	return &Bid{ID: "bid-1", Bidder: "appnexus", Price: 1.25, Payload: "<div>prebid</div>"}
}

var errDisplay = errors.New("render surface gone")

// logBuffer collects engine log lines written from any goroutine
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// entries returns the decoded log lines whose message is msg
func (b *logBuffer) entries(msg string) []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]interface{}
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["message"] == msg {
			out = append(out, entry)
		}
	}
	return out
}

func debugLogger(b *logBuffer) *zerolog.Logger {
	log := zerolog.New(b).Level(zerolog.DebugLevel)
	return &log
}
