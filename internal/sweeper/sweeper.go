// Package sweeper runs the periodic housekeeping passes: expiring credit
// lots past their horizon and repairing jobs whose ledger write was cut off
// mid-settlement.
package sweeper

import (
	"context"
	"time"

	"github.com/ReelForgeLabs/reelforge/pkg/billing"
	"github.com/ReelForgeLabs/reelforge/pkg/ledger"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 24 * time.Hour
	DefaultRepairLimit = 200
)

// Config bounds the sweep loop. Zero values select the defaults.
type Config struct {
	Interval    time.Duration
	RepairLimit int
}

func (config Config) withDefaults() Config {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.RepairLimit <= 0 {
		config.RepairLimit = DefaultRepairLimit
	}
	return config
}

// Sweeper drives the expiry sweep and the settled-unbilled repair sweep.
type Sweeper struct {
	ledger     *ledger.Service
	reconciler *billing.Reconciler
	config     Config
	nowFn      func() time.Time
	logger     *zap.Logger
}

// New wires a Sweeper.
func New(ledgerService *ledger.Service, reconciler *billing.Reconciler, config Config, now func() time.Time, logger *zap.Logger) *Sweeper {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		ledger:     ledgerService,
		reconciler: reconciler,
		config:     config.withDefaults(),
		nowFn:      now,
		logger:     logger,
	}
}

// Run sweeps once immediately, then on every interval tick until the context
// is canceled.
func (sweeper *Sweeper) Run(ctx context.Context) {
	sweeper.Pass(ctx)
	ticker := time.NewTicker(sweeper.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.Pass(ctx)
		}
	}
}

// Pass runs one expiry sweep and one repair sweep. Both are idempotent and
// resumable, so a failed pass just leaves work for the next one.
func (sweeper *Sweeper) Pass(ctx context.Context) {
	asOf := sweeper.nowFn().UTC().Unix()
	expired, err := sweeper.ledger.Sweep(ctx, asOf)
	if err != nil {
		sweeper.logger.Warn("expiry sweep failed", zap.Error(err))
	} else if expired > 0 {
		sweeper.logger.Info("expiry sweep", zap.Int64("entries_expired", expired))
	}

	repaired, err := sweeper.reconciler.RepairUnbilled(ctx, sweeper.config.RepairLimit)
	if err != nil {
		sweeper.logger.Warn("billing repair sweep failed", zap.Int("repaired", repaired), zap.Error(err))
	} else if repaired > 0 {
		sweeper.logger.Info("billing repair sweep", zap.Int("jobs_repaired", repaired))
	}
}
