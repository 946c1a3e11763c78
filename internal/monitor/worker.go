package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tabulahq/tabula/internal/clock"
	"github.com/tabulahq/tabula/internal/config"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	obsmetrics "github.com/tabulahq/tabula/internal/observability/metrics"
	subscriptiondomain "github.com/tabulahq/tabula/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	PollInterval time.Duration
	RunTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Hour
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
	return c
}

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	CreditCfg     *config.CreditConfigHolder
	Credits       creditdomain.Service
	Subscriptions subscriptiondomain.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

// Worker sweeps active subscribers, flags balances running low, and checks
// the grant/usage/balance identity. It observes and reports; it never mutates
// ledger state.
type Worker struct {
	log           *zap.Logger
	clock         clock.Clock
	creditCfg     *config.CreditConfigHolder
	credits       creditdomain.Service
	subscriptions subscriptiondomain.Service
	obsMetrics    *obsmetrics.Metrics
	cfg           Config
}

func NewWorker(p Params, cfg Config) *Worker {
	return &Worker{
		log:           p.Log.Named("monitor"),
		clock:         p.Clock,
		creditCfg:     p.CreditCfg,
		credits:       p.Credits,
		subscriptions: p.Subscriptions,
		obsMetrics:    p.ObsMetrics,
		cfg:           cfg.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("credit sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	subs, err := w.subscriptions.ListActive(ctx)
	if err != nil {
		return err
	}

	started := w.clock.Now()
	var errs error
	for _, sub := range subs {
		if err := w.sweepUser(ctx, sub.UserID); err != nil {
			// One bad account must not starve the rest of the sweep.
			errs = errors.Join(errs, err)
		}
	}

	w.log.Info("credit sweep finished",
		zap.Int("subscriptions", len(subs)),
		zap.Duration("took", w.clock.Now().Sub(started)),
	)
	return errs
}

func (w *Worker) sweepUser(ctx context.Context, userID snowflake.ID) error {
	balances, err := w.credits.BalancesForUser(ctx, userID)
	if err != nil {
		return err
	}

	ratio := w.creditCfg.Get().LowCreditRatio
	var errs error
	for _, balance := range balances {
		if balance.Allocation > 0 {
			remaining := float64(balance.Available) / float64(balance.Allocation)
			if remaining < ratio {
				w.alertLowCredit(ctx, balance, remaining)
			}
		}

		drift, err := w.credits.Reconcile(ctx, userID, balance.Model)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if d := drift.Drift(); d != 0 {
			w.alertDrift(ctx, drift, d)
		}
	}
	return errs
}

func (w *Worker) alertLowCredit(ctx context.Context, balance creditdomain.Balance, remaining float64) {
	w.log.Warn("low credit balance",
		zap.String("user_id", balance.UserID.String()),
		zap.String("model", string(balance.Model)),
		zap.Int64("available", balance.Available),
		zap.Int64("allocation", balance.Allocation),
		zap.Float64("remaining_ratio", remaining),
	)
	if w.obsMetrics != nil {
		w.obsMetrics.RecordLowCreditAlert(ctx, string(balance.Model))
	}
}

func (w *Worker) alertDrift(ctx context.Context, drift creditdomain.BalanceDrift, amount int64) {
	w.log.Error("balance drift detected",
		zap.String("user_id", drift.UserID.String()),
		zap.String("model", string(drift.Model)),
		zap.Int64("granted", drift.Granted),
		zap.Int64("used", drift.Used),
		zap.Int64("available", drift.Available),
		zap.Int64("drift", amount),
	)
	if w.obsMetrics != nil {
		w.obsMetrics.RecordBalanceDrift(ctx, string(drift.Model))
	}
}
