package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/monitoring"
	"github.com/sells-group/card-appraiser/internal/resilience"
)

type memSnapshots struct {
	mu     sync.Mutex
	snaps  map[string]model.PricingSnapshot
	getErr error
	putErr error
	puts   int
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{snaps: map[string]model.PricingSnapshot{}}
}

func (m *memSnapshots) GetSnapshot(_ context.Context, ownerID, cardID string) (*model.PricingSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.snaps[ownerID+"/"+cardID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memSnapshots) PutSnapshot(_ context.Context, snap model.PricingSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.snaps[snap.OwnerID+"/"+snap.CardID] = snap
	return nil
}

// staticSource returns fixed comps and counts calls.
func staticSource(name string, calls *atomic.Int32, prices ...float64) Source {
	return SourceFunc{SourceName: name, Fn: func(_ context.Context, req Request) ([]model.RawComp, error) {
		calls.Add(1)
		out := make([]model.RawComp, len(prices))
		for i, p := range prices {
			out[i] = model.RawComp{
				Source: name, Price: p, Currency: "USD", Condition: "Near Mint",
				SoldAt: testNow.Add(-time.Duration(i+1) * time.Hour),
			}
		}
		return out, nil
	}}
}

func failingSource(name string, calls *atomic.Int32, err error) Source {
	return SourceFunc{SourceName: name, Fn: func(context.Context, Request) ([]model.RawComp, error) {
		calls.Add(1)
		return nil, err
	}}
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
}

func newTestEngine(sources []Source, snaps *memSnapshots, opts Options) *Engine {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry()
	}
	var e *Engine
	if snaps == nil {
		e = NewEngine(sources, nil, opts)
	} else {
		e = NewEngine(sources, snaps, opts)
	}
	e.now = func() time.Time { return testNow }
	return e
}

var cardQuery = Query{Name: "Charizard", Set: "Base Set", Number: "4/102"}

func TestEngine_PartialFailure(t *testing.T) {
	var good, bad atomic.Int32
	snaps := newMemSnapshots()
	e := newTestEngine([]Source{
		staticSource("good", &good, 90, 100, 110),
		failingSource("bad", &bad, errors.New("upstream exploded")),
	}, snaps, Options{SnapshotTTL: time.Minute})

	res, err := e.FetchAllComps(context.Background(), cardQuery, "alice", "card-1", false)
	require.NoError(t, err)
	require.NotNil(t, res.ValueMedian)
	assert.Equal(t, 100.0, *res.ValueMedian)
	assert.Equal(t, 3, res.CompsCount)
	assert.Equal(t, []string{"good"}, res.Sources)
	assert.Equal(t, []string{"bad"}, res.FailedSources)
	assert.False(t, res.FromCache)

	snap := snaps.snaps["alice/card-1"]
	assert.Equal(t, testNow.Add(time.Minute), snap.ExpiresAt)
	assert.Equal(t, 3, snap.Result.CompsCount)
}

// Every source failing is a defined outcome, not an error.
func TestEngine_AllSourcesFailDegenerate(t *testing.T) {
	var a, b atomic.Int32
	snaps := newMemSnapshots()
	e := newTestEngine([]Source{
		failingSource("a", &a, errors.New("down")),
		failingSource("b", &b, resilience.NewTransientError(errors.New("503"), 503)),
	}, snaps, Options{})

	res, err := e.FetchAllComps(context.Background(), cardQuery, "alice", "card-1", false)
	require.NoError(t, err)
	assert.True(t, res.IsDegenerate())
	assert.Nil(t, res.ValueMedian)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, []string{}, res.Sources)
	assert.Equal(t, []string{"a", "b"}, res.FailedSources)
	assert.Zero(t, snaps.puts, "degenerate results are not cached")
}

func TestEngine_NoSourcesIsDegenerate(t *testing.T) {
	e := newTestEngine(nil, nil, Options{})
	res, err := e.FetchAllComps(context.Background(), cardQuery, "alice", "card-1", false)
	require.NoError(t, err)
	assert.True(t, res.IsDegenerate())
	assert.Equal(t, 90, res.WindowDays)
}

func TestEngine_SnapshotHit(t *testing.T) {
	var calls atomic.Int32
	snaps := newMemSnapshots()
	median := 42.0
	snaps.snaps["alice/card-1"] = model.PricingSnapshot{
		OwnerID: "alice", CardID: "card-1",
		Result:    model.PricingResult{ValueMedian: &median, CompsCount: 5, Sources: []string{"good"}},
		CreatedAt: testNow.Add(-time.Minute),
		ExpiresAt: testNow.Add(time.Minute),
	}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	e := newTestEngine([]Source{staticSource("good", &calls, 1)}, snaps, Options{Metrics: metrics})

	res, err := e.FetchAllComps(context.Background(), cardQuery, "alice", "card-1", false)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, 42.0, *res.ValueMedian)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotLookups.WithLabelValues("hit")))
	assert.False(t, snaps.snaps["alice/card-1"].Result.FromCache, "stored snapshot is not mutated")
}

func TestEngine_ForceRefreshBypassesSnapshot(t *testing.T) {
	var calls atomic.Int32
	snaps := newMemSnapshots()
	snaps.snaps["alice/card-1"] = model.PricingSnapshot{
		OwnerID: "alice", CardID: "card-1",
		ExpiresAt: testNow.Add(time.Hour),
	}
	e := newTestEngine([]Source{staticSource("good", &calls, 10, 20)}, snaps, Options{})

	res, err := e.FetchAllComps(context.Background(), cardQuery, "alice", "card-1", true)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, snaps.snaps["alice/card-1"].Result.CompsCount)
}

func TestEngine_StaleSnapshotRefetches(t *testing.T) {
	var calls atomic.Int32
	snaps := newMemSnapshots()
	snaps.snaps["alice/card-1"] = model.PricingSnapshot{OwnerID: "alice", CardID: "card-1", ExpiresAt: testNow}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	e := newTestEngine([]Source{staticSource("good", &calls, 10)}, snaps, Options{Metrics: metrics})

	_, err := e.FetchAllComps(context.Background(), cardQuery, "alice", "card-1", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotLookups.WithLabelValues("miss")))
}

func TestEngine_SnapshotErrorsAreTolerated(t *testing.T) {
	var calls atomic.Int32
	snaps := newMemSnapshots()
	snaps.getErr = errors.New("redis down")
	snaps.putErr = errors.New("redis down")
	e := newTestEngine([]Source{staticSource("good", &calls, 10)}, snaps, Options{})

	res, err := e.FetchAllComps(context.Background(), cardQuery, "alice", "card-1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CompsCount)
	assert.Equal(t, 1, snaps.puts)
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc{SourceName: "flaky", Fn: func(context.Context, Request) ([]model.RawComp, error) {
		if calls.Add(1) == 1 {
			return nil, resilience.NewTransientError(errors.New("bad gateway"), 502)
		}
		return []model.RawComp{{Source: "flaky", Price: 12, Currency: "USD", SoldAt: testNow}}, nil
	}}
	e := newTestEngine([]Source{src}, nil, Options{Retry: resilience.RetryConfig{
		MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1,
	}})

	res, err := e.FetchAllComps(context.Background(), cardQuery, "alice", "card-1", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, res.CompsCount)
	assert.Empty(t, res.FailedSources)
}

func TestEngine_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	e := newTestEngine([]Source{failingSource("bad", &calls, errors.New("down"))}, nil, Options{
		Breakers: resilience.NewServiceBreakers(resilience.FromCircuitConfig(2, 60)),
		Metrics:  metrics,
	})

	for i := 0; i < 4; i++ {
		res, err := e.FetchAllComps(context.Background(), cardQuery, "alice", "card-1", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"bad"}, res.FailedSources)
	}
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits the source")
	assert.Equal(t, resilience.CircuitOpen, e.Breakers().Get("bad").State())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SourceCalls.WithLabelValues("bad", "open")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SourceCalls.WithLabelValues("bad", "error")))
}

func TestEngine_CancellationReturnsError(t *testing.T) {
	blocking := SourceFunc{SourceName: "slow", Fn: func(ctx context.Context, _ Request) ([]model.RawComp, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newTestEngine([]Source{blocking}, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := e.FetchAllComps(ctx, cardQuery, "alice", "card-1", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_MinConditionAndWindowOverride(t *testing.T) {
	var seen Request
	src := SourceFunc{SourceName: "s", Fn: func(_ context.Context, req Request) ([]model.RawComp, error) {
		seen = req
		return []model.RawComp{
			{Source: "s", Price: 100, Currency: "USD", Condition: "PSA 9", SoldAt: testNow.AddDate(0, 0, -2)},
			{Source: "s", Price: 10, Currency: "USD", Condition: "Damaged", SoldAt: testNow.AddDate(0, 0, -2)},
			{Source: "s", Price: 500, Currency: "USD", Condition: "PSA 10", SoldAt: testNow.AddDate(0, 0, -20)},
		}, nil
	}}
	e := newTestEngine([]Source{src}, nil, Options{})

	q := cardQuery
	q.MinCondition = 5
	q.WindowDays = 7
	res, err := e.FetchAllComps(context.Background(), q, "alice", "card-1", false)
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, -7), seen.Since)
	assert.Equal(t, "Charizard", seen.Name)
	assert.Equal(t, 1, res.CompsCount)
	assert.Equal(t, 7, res.WindowDays)
}

func TestNewEngineFromConfig(t *testing.T) {
	e := NewEngineFromConfig(config.PricingConfig{
		BaseCurrency:     "eur",
		WindowDays:       30,
		SnapshotTTLSecs:  60,
		IQRMinComps:      5,
		CircuitThreshold: 3,
		Retry:            config.RetryPolicy{MaxAttempts: 2},
	}, nil, nil, nil)

	assert.Equal(t, "EUR", e.normalizer.Base())
	assert.Equal(t, 30, e.windowDays)
	assert.Equal(t, time.Minute, e.ttl)
	assert.Equal(t, 5, e.params.IQRMinComps)
	assert.Equal(t, 1.5, e.params.IQRMultiplier)
	assert.Equal(t, 2, e.retry.MaxAttempts)
}

func TestEngine_PublishesSourceRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src := NewHTTPSource(config.PriceSourceConfig{Name: "tcg", BaseURL: srv.URL, RatePerSec: 100, Burst: 5}, time.Second)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	NewEngine([]Source{src, staticSource("static", new(atomic.Int32), 10)}, nil, Options{Metrics: metrics})

	assert.Equal(t, 100.0, testutil.ToFloat64(metrics.SourceRate.WithLabelValues("tcg")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.SourceRate), "sources without a limiter publish nothing")

	_, err := src.Fetch(context.Background(), Request{Name: "x"})
	require.Error(t, err)
	assert.Equal(t, 50.0, testutil.ToFloat64(metrics.SourceRate.WithLabelValues("tcg")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SourceThrottles.WithLabelValues("tcg")))
}
