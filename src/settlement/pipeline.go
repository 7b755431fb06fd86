package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PipelineConfig struct {
	Altcurrency string        `yaml:"altcurrency"`
	Interval    time.Duration `yaml:"mix_interval"`
	Cohorts     []string      `yaml:"cohorts"`
}

func StartPipeline(ctx context.Context, store Store, cfg PipelineConfig, logger *zap.Logger) error {
	logger = logger.Named("pipeline")
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			DoPipelineOnce(ctx, store, cfg, logger)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DoPipelineOnce is one hourly settlement cycle, aggregation then mixing
func DoPipelineOnce(ctx context.Context, store Store, cfg PipelineConfig, logger *zap.Logger) model.PublisherTotals {
	start := time.Now()
	defer func() { cycleDuration.WithLabelValues("mix").Observe(time.Since(start).Seconds()) }()

	totals, err := Mixer(ctx, store, cfg.Altcurrency, nil, Filter{Cohorts: cfg.Cohorts}, logger)
	if err != nil {
		logger.Error("error running settlement mixer", zap.Error(err))
		return nil
	}
	probi, fees := decimal.Zero, decimal.Zero
	for _, t := range totals {
		probi = probi.Add(t.Probi)
		fees = fees.Add(t.Fees)
	}
	logger.Info(fmt.Sprintf("mixed %d publishers", len(totals)),
		zap.String("probi", probi.String()), zap.String("fees", fees.String()))
	return totals
}

// SweepStep is one named unit of the nightly consistency sweep
type SweepStep struct {
	Name string
	Run  func(ctx context.Context) error
}

func StartSweeper(ctx context.Context, delay time.Duration, steps []SweepStep, logger *zap.Logger) error {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	logger = logger.Named("sweeper")
	for {
		select {
		case <-ticker.C:
			DoSweepOnce(ctx, steps, logger)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DoSweepOnce runs every step, a failing step does not stop the others.
// Fatal errors are reported at error level for operator attention.
func DoSweepOnce(ctx context.Context, steps []SweepStep, logger *zap.Logger) int {
	start := time.Now()
	defer func() { cycleDuration.WithLabelValues("sweep").Observe(time.Since(start).Seconds()) }()

	failed := 0
	for _, step := range steps {
		if err := step.Run(ctx); err != nil {
			failed++
			sweepFailures.WithLabelValues(step.Name).Inc()
			if model.IsFatal(err) {
				logger.Error("FATAL: sweep found an invariant violation", zap.String("step", step.Name), zap.Error(err))
				continue
			}
			logger.Error("sweep step failed", zap.String("step", step.Name), zap.Error(err))
		}
	}
	return failed
}
