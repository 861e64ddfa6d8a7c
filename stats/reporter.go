package stats

import (
	"context"
	"log/slog"
	"time"
)

// Reporter drains the registry every period, logs the deltas and adds them
// to the Prometheus counters.
type Reporter struct {
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger
	period   time.Duration
}

func NewReporter(registry *Registry, metrics *Metrics, period time.Duration, logger *slog.Logger) *Reporter {
	if period <= 0 {
		period = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{registry: registry, metrics: metrics, logger: logger, period: period}
}

// Run reports until ctx is done, then reports once more so no counts are
// lost.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Report()
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report drains the counters once and returns what it drained.
func (r *Reporter) Report() []Sample {
	samples := r.registry.Drain()
	for _, s := range samples {
		r.metrics.add(s)
		if s.Processed == 0 && s.Errors == 0 {
			continue
		}
		r.logger.Info("counters", s.LogAttrs()...)
	}
	return samples
}
