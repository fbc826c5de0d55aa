package reporting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
	"github.com/thenexusengine/tne_mediation/internal/storage"
	"github.com/thenexusengine/tne_mediation/pkg/events"
	"github.com/thenexusengine/tne_mediation/pkg/redis"
)

var settledAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingEvents struct {
	mu          sync.Mutex
	settlements []events.Settlement
}

func (r *recordingEvents) RecordSettlement(s events.Settlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlements = append(r.settlements, s)
}

type displayFailures struct {
	kinds []string
}

func (d *displayFailures) RecordDisplayFailure(kind string) {
	d.kinds = append(d.kinds, kind)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client, err := redis.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func newStore(t *testing.T) (*storage.OutcomeStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewOutcomeStore(db), mock
}

func primaryWin(id string) arbitration.Outcome {
	return arbitration.Outcome{
		RequestID: id,
		Kind:      arbitration.PrimaryWin,
		Reason:    arbitration.ReasonHandshake,
		Winner:    &arbitration.Bid{ID: "b1", Bidder: "appnexus", Price: 2.25},
		SettledAt: settledAt,
	}
}

func noFill(id string) arbitration.Outcome {
	return arbitration.Outcome{
		RequestID: id,
		Kind:      arbitration.Failed,
		Reason:    arbitration.ReasonServerFailed,
		Err:       arbitration.NewServerError(arbitration.ServerErrNoFill),
		SettledAt: settledAt,
	}
}

func TestNewRecord(t *testing.T) {
	rec := NewRecord("banner", primaryWin("req-1"))
	assert.Equal(t, "primary_win", rec.Kind)
	assert.Equal(t, "handshake", rec.Reason)
	assert.Equal(t, "appnexus", rec.Bidder)
	require.NotNil(t, rec.Price)
	assert.Equal(t, 2.25, *rec.Price)
	assert.Empty(t, rec.ErrorCode)

	rec = NewRecord("banner", noFill("req-2"))
	assert.Equal(t, "failed", rec.Kind)
	assert.Equal(t, "NO_FILL", rec.ErrorCode)
	assert.Equal(t, "ad server - no fill.", rec.ErrorMessage)
	assert.Nil(t, rec.Price)

	rec = NewRecord("banner", arbitration.Outcome{
		RequestID: "req-3",
		Kind:      arbitration.SecondaryWin,
		Reason:    arbitration.ReasonTimeout,
		Winner:    &arbitration.Bid{Bidder: "appnexus", Price: 1},
	})
	assert.Empty(t, rec.Bidder, "secondary wins carry no primary bidder")
	assert.Nil(t, rec.Price)
}

func TestReportWritesAllBackends(t *testing.T) {
	mr, cache := newRedis(t)
	store, mock := newStore(t)
	ev := &recordingEvents{}

	mock.ExpectExec("INSERT INTO mediation_outcomes").
		WithArgs("req-1", "banner", "primary_win", "handshake", "appnexus", 2.25, nil, nil, settledAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := New(Config{Store: store, Cache: cache, Events: ev, CacheTTL: time.Hour})
	r.For("banner").OnWin(primaryWin("req-1"))

	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "primary_win", mr.HGet("outcome:req-1", "kind"))
	assert.Equal(t, "2.25", mr.HGet("outcome:req-1", "price"))
	assert.Equal(t, time.Hour, mr.TTL("outcome:req-1"))

	require.Len(t, ev.settlements, 1)
	s := ev.settlements[0]
	assert.Equal(t, "banner", s.PlacementID)
	assert.Equal(t, "primary_win", s.Kind)
	require.NotNil(t, s.CPM)
	assert.Equal(t, 2.25, *s.CPM)
}

func TestReportSurvivesBackendErrors(t *testing.T) {
	store, mock := newStore(t)
	mock.ExpectExec("INSERT INTO mediation_outcomes").
		WillReturnError(&pq.Error{Code: "23505"})

	ev := &recordingEvents{}
	r := New(Config{Store: store, Events: ev})
	r.For("banner").OnFailure(noFill("req-1"))

	assert.Len(t, ev.settlements, 1, "events still published after a store error")

	rec, err := r.Lookup(context.Background(), "req-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "NO_FILL", rec.ErrorCode)
}

func TestLookupOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		r := New(Config{})
		r.For("banner").OnWin(primaryWin("req-1"))

		rec, err := r.Lookup(ctx, "req-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "banner", rec.PlacementID)

		rec.Kind = "mutated"
		again, _ := r.Lookup(ctx, "req-1")
		assert.Equal(t, "primary_win", again.Kind, "lookup returns a copy")
	})

	t.Run("cache", func(t *testing.T) {
		mr, cache := newRedis(t)
		mr.HSet("outcome:req-2",
			"placement_id", "inter",
			"kind", "secondary_win",
			"reason", "handshake_timeout",
			"settled_at", settledAt.Format(time.RFC3339Nano),
		)

		r := New(Config{Cache: cache})
		rec, err := r.Lookup(ctx, "req-2")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "secondary_win", rec.Kind)
		assert.True(t, rec.SettledAt.Equal(settledAt))
		assert.Nil(t, rec.Price)
	})

	t.Run("store", func(t *testing.T) {
		_, cache := newRedis(t)
		store, mock := newStore(t)
		rows := sqlmock.NewRows([]string{
			"request_id", "placement_id", "kind", "reason", "bidder", "price",
			"error_code", "error_message", "settled_at",
		}).AddRow("req-3", "banner", "primary_win", "primary_fallback", "rubicon", 0.8, nil, nil, settledAt)
		mock.ExpectQuery("SELECT (.+) FROM mediation_outcomes").WithArgs("req-3").WillReturnRows(rows)

		r := New(Config{Store: store, Cache: cache})
		rec, err := r.Lookup(ctx, "req-3")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "rubicon", rec.Bidder)
	})

	t.Run("unknown", func(t *testing.T) {
		r := New(Config{})
		rec, err := r.Lookup(ctx, "missing")
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("store error", func(t *testing.T) {
		store, mock := newStore(t)
		mock.ExpectQuery("SELECT (.+) FROM mediation_outcomes").WillReturnError(errors.New("connection reset"))

		r := New(Config{Store: store})
		_, err := r.Lookup(ctx, "req-4")
		assert.Error(t, err)
	})
}

func TestRecentIsBounded(t *testing.T) {
	r := New(Config{Recent: 2})
	l := r.For("banner")
	l.OnWin(primaryWin("a"))
	l.OnWin(primaryWin("b"))
	l.OnWin(primaryWin("c"))

	ctx := context.Background()
	rec, _ := r.Lookup(ctx, "a")
	assert.Nil(t, rec, "oldest outcome evicted")
	rec, _ = r.Lookup(ctx, "c")
	assert.NotNil(t, rec)
}

func TestDisplayFailedRecordsMetric(t *testing.T) {
	m := &displayFailures{}
	r := New(Config{Metrics: m})
	l := r.For("banner")

	l.OnDisplayFailed(primaryWin("req-1"), errors.New("empty markup"))
	l.OnImpression(primaryWin("req-1"))

	assert.Equal(t, []string{"primary_win"}, m.kinds)
}
