package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/authenticity"
	"github.com/sells-group/card-appraiser/internal/deadletter"
	"github.com/sells-group/card-appraiser/internal/monitoring"
	"github.com/sells-group/card-appraiser/internal/pricing"
	"github.com/sells-group/card-appraiser/internal/reasoning"
	"github.com/sells-group/card-appraiser/internal/store"
	"github.com/sells-group/card-appraiser/internal/vision"
	"github.com/sells-group/card-appraiser/internal/workflow"
)

// appEnv holds everything the serve, appraise and worker commands share.
type appEnv struct {
	Store        store.Store
	Registry     *prometheus.Registry
	Metrics      *monitoring.Metrics
	Engine       *pricing.Engine
	Deps         workflow.Deps
	Policies     workflow.Policies
	Orchestrator *workflow.Orchestrator

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

// initApp validates config for mode, opens the store and builds the
// workflow dependencies. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, closers: []func() error{st.Close}}

	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	env.Registry = prometheus.NewRegistry()
	env.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env.Metrics = monitoring.NewMetrics(env.Registry)

	snapshots, closeSnapshots, err := initSnapshots(ctx, st)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, closeSnapshots)

	sources, err := pricing.BuildSources(cfg.Pricing)
	if err != nil {
		return nil, eris.Wrap(err, "build price sources")
	}
	if len(sources) == 0 {
		zap.L().Warn("no price sources configured, every valuation will be degenerate")
	}
	env.Engine = pricing.NewEngineFromConfig(cfg.Pricing, sources, snapshots, env.Metrics)

	scorer, err := authenticity.NewScorerFromConfig(cfg.Authenticity)
	if err != nil {
		return nil, eris.Wrap(err, "init authenticity scorer")
	}

	invoker, err := reasoning.NewInvoker(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "init reasoning provider")
	}
	if invoker == nil {
		zap.L().Warn("no reasoning provider configured, using deterministic fallbacks")
	}
	reasoner := reasoning.NewAdapterFromConfig(cfg, invoker, env.Metrics)

	extractor, err := vision.NewExtractor(cfg.Vision)
	if err != nil {
		return nil, err
	}

	dlq, closeDLQ, err := deadletter.New(cfg.Kafka, st)
	if err != nil {
		return nil, eris.Wrap(err, "init dead-letter queues")
	}
	env.closers = append(env.closers, closeDLQ)

	env.Deps = workflow.Deps{
		Extractor: extractor,
		Pricer:    env.Engine,
		Scorer:    scorer,
		Reasoner:  reasoner,
		Cards:     st,
		DLQ:       dlq,
		Metrics:   env.Metrics,
		Currency:  cfg.Pricing.BaseCurrency,
	}
	env.Policies = workflow.PoliciesFromConfig(cfg.Workflow)
	env.Orchestrator = workflow.New(env.Deps, env.Policies)

	zap.L().Info("appraisal environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("snapshots", snapshotBackend()),
		zap.Int("price_sources", len(sources)),
		zap.String("reasoning", cfg.Reasoning.Provider),
		zap.Int("kafka_brokers", len(cfg.Kafka.Brokers)),
	)
	ok = true
	return env, nil
}

// checker builds the background gauge refresher.
func (e *appEnv) checker() *monitoring.Checker {
	return monitoring.NewChecker(monitoring.NewCollector(e.Store, e.Engine.Breakers(), e.Metrics), cfg.Monitoring)
}

// dialTemporal connects to the configured Temporal frontend.
func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}

func snapshotBackend() string {
	if cfg.Store.SnapshotBackend == "" {
		return "store"
	}
	return cfg.Store.SnapshotBackend
}
