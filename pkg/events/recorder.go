// Package events ships mediation analytics events to the collector in batches
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	flushWorkers   = 2
	flushQueueSize = 10
	flushTimeout   = 2 * time.Second
)

// ErrClosed is returned by Flush after Close
var ErrClosed = errors.New("event recorder closed")

// Event types
const (
	TypeSettlement = "settlement"
	TypeImpression = "impression"
)

// Event is one analytics record
type Event struct {
	Type        string    `json:"type"`
	RequestID   string    `json:"request_id"`
	PlacementID string    `json:"placement_id,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Source      string    `json:"source,omitempty"`
	Bidder      string    `json:"bidder,omitempty"`
	CPM         *float64  `json:"cpm,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

// Settlement carries the fields of a settlement event
type Settlement struct {
	RequestID   string
	PlacementID string
	Kind        string
	Reason      string
	Bidder      string
	CPM         *float64
	ErrorCode   string
}

// Recorder buffers events and posts full batches from a fixed worker pool.
// When the queue is full the batch is dropped and counted.
type Recorder struct {
	url        string
	httpClient *http.Client
	bufferSize int
	now        func() time.Time

	mu     sync.Mutex
	buffer []Event
	closed bool

	queue chan []Event
	wg    sync.WaitGroup

	total          atomic.Int64
	queued         atomic.Int64
	dropped        atomic.Int64
	droppedBatches atomic.Int64
	failedBatches  atomic.Int64
}

// NewRecorder starts a recorder posting to {baseURL}/api/events
func NewRecorder(baseURL string, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 100
	}

	r := &Recorder{
		url:        baseURL + "/api/events",
		httpClient: &http.Client{Timeout: 5 * time.Second},
		bufferSize: bufferSize,
		now:        time.Now,
		buffer:     make([]Event, 0, bufferSize),
		queue:      make(chan []Event, flushQueueSize),
	}

	for i := 0; i < flushWorkers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for batch := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := r.send(ctx, batch); err != nil {
			r.failedBatches.Add(1)
		}
		cancel()
	}
}

func (r *Recorder) send(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{"events": batch})
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("event collector returned status %d", resp.StatusCode)
	}
	return nil
}

// RecordSettlement records the settled outcome of a request
func (r *Recorder) RecordSettlement(s Settlement) {
	r.record(Event{
		Type:        TypeSettlement,
		RequestID:   s.RequestID,
		PlacementID: s.PlacementID,
		Kind:        s.Kind,
		Reason:      s.Reason,
		Bidder:      s.Bidder,
		CPM:         s.CPM,
		ErrorCode:   s.ErrorCode,
	})
}

// RecordImpression records a confirmed impression
func (r *Recorder) RecordImpression(requestID, source, bidder string) {
	r.record(Event{
		Type:      TypeImpression,
		RequestID: requestID,
		Source:    source,
		Bidder:    bidder,
	})
}

func (r *Recorder) record(ev Event) {
	ev.Timestamp = r.now()
	r.total.Add(1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropped.Add(1)
		return
	}
	r.buffer = append(r.buffer, ev)
	var batch []Event
	if len(r.buffer) >= r.bufferSize {
		batch = r.buffer
		r.buffer = make([]Event, 0, r.bufferSize)
	}
	// Enqueue under the lock so Close cannot close the queue mid-send.
	if batch != nil {
		select {
		case r.queue <- batch:
			r.queued.Add(int64(len(batch)))
		default:
			r.dropped.Add(int64(len(batch)))
			r.droppedBatches.Add(1)
		}
	}
	r.mu.Unlock()
}

// Flush sends buffered events synchronously
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	batch := r.buffer
	r.buffer = make([]Event, 0, r.bufferSize)
	r.mu.Unlock()

	return r.send(ctx, batch)
}

// Close sends the remaining buffer, drains queued batches, and stops the workers
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	batch := r.buffer
	r.buffer = nil
	close(r.queue)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	err := r.send(ctx, batch)

	r.wg.Wait()
	return err
}

// Stats is a snapshot of recorder counters
type Stats struct {
	Total          int64 `json:"total_events"`
	Queued         int64 `json:"queued_events"`
	Dropped        int64 `json:"dropped_events"`
	DroppedBatches int64 `json:"dropped_batches"`
	FailedBatches  int64 `json:"failed_batches"`
	Buffered       int   `json:"buffered_events"`
	PendingBatches int   `json:"pending_batches"`
}

// Stats returns current counters
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	buffered := len(r.buffer)
	r.mu.Unlock()

	return Stats{
		Total:          r.total.Load(),
		Queued:         r.queued.Load(),
		Dropped:        r.dropped.Load(),
		DroppedBatches: r.droppedBatches.Load(),
		FailedBatches:  r.failedBatches.Load(),
		Buffered:       buffered,
		PendingBatches: len(r.queue),
	}
}
