// Package pricing fetches comparable sales from every configured source,
// normalises them and fuses them into one valuation.
package pricing

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/monitoring"
	"github.com/sells-group/card-appraiser/internal/resilience"
	"github.com/sells-group/card-appraiser/internal/store"
)

// Engine is the pricing fusion engine.
type Engine struct {
	sources    []Source
	snapshots  store.Snapshots
	normalizer *Normalizer
	params     FuseParams
	windowDays int
	ttl        time.Duration
	breakers   *resilience.ServiceBreakers
	retry      resilience.RetryConfig
	metrics    *monitoring.Metrics
	now        func() time.Time
}

// Options configures an Engine.
type Options struct {
	Normalizer  *Normalizer
	Params      FuseParams
	WindowDays  int
	SnapshotTTL time.Duration
	Breakers    *resilience.ServiceBreakers
	Retry       resilience.RetryConfig
	Metrics     *monitoring.Metrics
}

// NewEngine creates an engine over sources. snapshots may be nil to
// disable the read-through cache. Sources paced by an AdaptiveLimiter
// report their current rate to opts.Metrics.
func NewEngine(sources []Source, snapshots store.Snapshots, opts Options) *Engine {
	if opts.Normalizer == nil {
		opts.Normalizer = NewNormalizer("USD", nil)
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 90
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 300 * time.Second
	}
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Metrics != nil {
		for _, src := range sources {
			if paced, ok := src.(interface{ Limiter() *AdaptiveLimiter }); ok {
				m := opts.Metrics
				paced.Limiter().Observe(func(source string, limit rate.Limit, throttled bool) {
					m.SourceLimit(source, float64(limit), throttled)
				})
			}
		}
	}
	return &Engine{
		sources:    sources,
		snapshots:  snapshots,
		normalizer: opts.Normalizer,
		params:     opts.Params,
		windowDays: opts.WindowDays,
		ttl:        opts.SnapshotTTL,
		breakers:   opts.Breakers,
		retry:      opts.Retry,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// NewEngineFromConfig wires an engine from the pricing config section.
func NewEngineFromConfig(cfg config.PricingConfig, sources []Source, snapshots store.Snapshots, metrics *monitoring.Metrics) *Engine {
	return NewEngine(sources, snapshots, Options{
		Normalizer:  NewNormalizer(cfg.BaseCurrency, cfg.FXRates),
		Params:      FuseParamsFromConfig(cfg),
		WindowDays:  cfg.WindowDays,
		SnapshotTTL: time.Duration(cfg.SnapshotTTLSecs) * time.Second,
		Breakers:    resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.CircuitThreshold, cfg.CircuitCooldownSecs)),
		Retry: resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs,
			cfg.Retry.Multiplier, 0, cfg.SourceTimeoutSecs*1000),
		Metrics: metrics,
	})
}

// Breakers exposes the per-source circuit breakers.
func (e *Engine) Breakers() *resilience.ServiceBreakers { return e.breakers }

// sourceResult is one fan-out slot.
type sourceResult struct {
	name  string
	comps []model.RawComp
	err   error
}

// FetchAllComps returns the valuation for a card. A fresh snapshot is
// returned unless forceRefresh is set. Source failures are recorded in
// FailedSources and never fail the call; when every source fails the
// result is degenerate. Only caller cancellation returns an error.
func (e *Engine) FetchAllComps(ctx context.Context, q Query, ownerID, cardID string, forceRefresh bool) (*model.PricingResult, error) {
	log := zap.L().With(
		zap.String("owner_id", ownerID),
		zap.String("card_id", cardID),
		zap.String("card_name", q.Name),
	)

	if !forceRefresh {
		if res := e.cached(ctx, log, ownerID, cardID); res != nil {
			return res, nil
		}
	}

	window := e.windowDays
	if q.WindowDays > 0 {
		window = q.WindowDays
	}
	now := e.now().UTC()
	req := Request{Name: q.Name, Set: q.Set, Number: q.Number, Since: now.AddDate(0, 0, -window)}

	results := e.fanOut(ctx, log, req)
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pricing: fetch cancelled")
	}

	var raw []model.RawComp
	var failed []string
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r.name)
			continue
		}
		raw = append(raw, r.comps...)
	}
	sort.Strings(failed)

	if len(failed) == len(results) {
		log.Warn("pricing: every source failed", zap.Strings("failed_sources", failed))
		return model.DegeneratePricing(window, failed, now), nil
	}

	normalized, stats := e.normalizer.Normalize(raw, window, q.MinCondition, now)
	res := Fuse(normalized, window, now, e.params)
	res.FailedSources = failed

	log.Info("pricing: fused comps",
		zap.Int("raw_comps", stats.Input),
		zap.Int("normalized_comps", stats.Kept),
		zap.Int("comps_count", res.CompsCount),
		zap.Int("out_of_window", stats.OutOfWindow),
		zap.Int("unknown_currency", stats.UnknownCurrency),
		zap.Int("below_condition", stats.BelowCondition),
		zap.Float64("confidence", res.Confidence),
		zap.Strings("failed_sources", failed),
	)

	e.store(ctx, log, ownerID, cardID, res, now)
	return res, nil
}

func (e *Engine) cached(ctx context.Context, log *zap.Logger, ownerID, cardID string) *model.PricingResult {
	if e.snapshots == nil {
		return nil
	}
	snap, err := e.snapshots.GetSnapshot(ctx, ownerID, cardID)
	if err != nil {
		e.metrics.Snapshot("error")
		log.Warn("pricing: snapshot read failed", zap.Error(err))
		return nil
	}
	if snap == nil || !snap.Fresh(e.now()) {
		e.metrics.Snapshot("miss")
		return nil
	}
	e.metrics.Snapshot("hit")
	res := snap.Result
	res.FromCache = true
	return &res
}

func (e *Engine) store(ctx context.Context, log *zap.Logger, ownerID, cardID string, res *model.PricingResult, now time.Time) {
	if e.snapshots == nil {
		return
	}
	snap := model.PricingSnapshot{
		OwnerID:   ownerID,
		CardID:    cardID,
		Result:    *res,
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	if err := e.snapshots.PutSnapshot(ctx, snap); err != nil {
		log.Warn("pricing: snapshot write failed", zap.Error(err))
	}
}

// fanOut queries every source concurrently. Each goroutine writes only its
// own slot and never returns an error, so one failing source cannot cancel
// the others.
func (e *Engine) fanOut(ctx context.Context, log *zap.Logger, req Request) []sourceResult {
	results := make([]sourceResult, len(e.sources))
	var g errgroup.Group
	for i, src := range e.sources {
		g.Go(func() error {
			name := src.Name()
			out, err := e.fetchOne(ctx, src, req)
			results[i] = sourceResult{name: name, comps: out, err: err}
			switch {
			case errors.Is(err, resilience.ErrCircuitOpen):
				e.metrics.Source(name, "open")
				log.Debug("pricing: source circuit open", zap.String("source", name))
			case err != nil:
				e.metrics.Source(name, "error")
				log.Warn("pricing: source failed", zap.String("source", name), zap.Error(err))
			default:
				e.metrics.Source(name, "ok")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetchOne runs a source call through its breaker and the retry policy.
// The breaker records one outcome per exhausted retry sequence.
func (e *Engine) fetchOne(ctx context.Context, src Source, req Request) ([]model.RawComp, error) {
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger("pricing", src.Name())
	return resilience.ExecuteVal(ctx, e.breakers.Get(src.Name()), func(ctx context.Context) ([]model.RawComp, error) {
		return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]model.RawComp, error) {
			return src.Fetch(ctx, req)
		})
	})
}
