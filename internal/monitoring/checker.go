package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/config"
)

// Checker refreshes the collector's gauges in the background and forwards
// threshold breaches to the alerter.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background gauge refresher.
func NewChecker(collector *Collector, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   NewAlerter(cfg),
		cfg:       cfg,
	}
}

// Run starts the periodic collection loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting gauge collector", zap.Duration("interval", interval))

	c.check(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("gauge collector stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}
	if snap.DLQDepth > 0 {
		log.Warn("monitoring: dead letters pending", zap.Int("dlq_depth", snap.DLQDepth))
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return
	}
	if !c.alerter.Enabled() {
		log.Warn("monitoring: thresholds breached, no webhook configured", zap.Int("alerts", len(alerts)))
		return
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alerts dispatched", zap.Int("alerts", len(alerts)), zap.Int("sent", sent))
}
