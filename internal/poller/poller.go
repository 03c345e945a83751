// Package poller is the fallback completion path: it periodically asks each
// provider about in-flight jobs so that lost webhooks still settle, and it
// times out jobs the provider never finishes.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/ReelForgeLabs/reelforge/internal/provider"
	"github.com/ReelForgeLabs/reelforge/pkg/billing"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 120
	DefaultMaxAge      = 2 * time.Hour
)

// Config bounds one polling loop. Zero values select the defaults.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	MaxAge      time.Duration
}

func (config Config) withDefaults() Config {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxAge
	}
	return config
}

// Poller scans pollable jobs and feeds their observed status into the
// reconciler. It holds no state between passes; every decision is re-derived
// from the store.
type Poller struct {
	store      billing.Store
	registry   *billing.Registry
	reconciler *billing.Reconciler
	providers  *provider.Registry
	config     Config
	nowFn      func() time.Time
	logger     *zap.Logger
}

// New wires a Poller.
func New(store billing.Store, registry *billing.Registry, reconciler *billing.Reconciler, providers *provider.Registry, config Config, now func() time.Time, logger *zap.Logger) *Poller {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:      store,
		registry:   registry,
		reconciler: reconciler,
		providers:  providers,
		config:     config.withDefaults(),
		nowFn:      now,
		logger:     logger,
	}
}

// Run polls until the context is canceled.
func (poller *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(poller.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := poller.Pass(ctx); err != nil {
				poller.logger.Warn("poll pass failed", zap.Error(err))
			}
		}
	}
}

// Pass runs one polling sweep over the pollable jobs. Per-job errors are
// logged and skipped so one stuck job cannot starve the batch.
func (poller *Poller) Pass(ctx context.Context) error {
	jobs, err := poller.store.ListPollable(ctx, poller.config.BatchSize)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := poller.pollJob(ctx, job); err != nil {
			poller.logger.Warn("poll job failed",
				zap.String("job_id", job.JobID),
				zap.String("provider", job.Provider),
				zap.Error(err))
		}
	}
	return nil
}

func (poller *Poller) pollJob(ctx context.Context, job billing.Job) error {
	if poller.expired(job) {
		return poller.timeOut(ctx, job)
	}

	providerClient, err := poller.providers.Lookup(job.Provider)
	if err != nil {
		return err
	}
	if err := poller.store.IncrementPollAttempts(ctx, job.JobID); err != nil {
		return err
	}

	result, err := providerClient.Poll(ctx, job.ExternalJobID)
	if err != nil {
		if errors.Is(err, provider.ErrTransient) {
			// Counted against the attempt budget; the next pass retries.
			return nil
		}
		return err
	}

	ref, err := billing.ByJobID(job.JobID)
	if err != nil {
		return err
	}

	switch result.Status {
	case provider.StatusPending:
		return nil
	case provider.StatusRunning:
		if err := poller.registry.MarkRunning(ctx, job.JobID); err != nil {
			return err
		}
		if result.Progress > 0 {
			return poller.store.UpdateProgress(ctx, job.JobID, result.Progress)
		}
		return nil
	case provider.StatusSucceeded:
		_, err := poller.reconciler.Reconcile(ctx, ref, billing.OutcomeSuccess, billing.Settlement{
			DurationSeconds: result.DurationSeconds,
			ResultURL:       result.ResultURL,
		})
		return err
	case provider.StatusFailed:
		_, err := poller.reconciler.Reconcile(ctx, ref, billing.OutcomeFailure, billing.Settlement{
			ErrorCode:    result.ErrorCode,
			ErrorMessage: result.ErrorMessage,
		})
		return err
	}
	return nil
}

// timeOut fails a job that outlived its attempt or age budget through the
// regular reconcile path, so pre-charged jobs still get their refund.
func (poller *Poller) timeOut(ctx context.Context, job billing.Job) error {
	ref, err := billing.ByJobID(job.JobID)
	if err != nil {
		return err
	}
	_, err = poller.reconciler.Reconcile(ctx, ref, billing.OutcomeFailure, billing.Settlement{
		ErrorCode:    billing.FailureCodeTimeout,
		ErrorMessage: "provider did not deliver a terminal status in time",
	})
	return err
}

func (poller *Poller) expired(job billing.Job) bool {
	if job.PollAttempts >= poller.config.MaxAttempts {
		return true
	}
	dispatchedAt := job.DispatchedUnixUTC
	if dispatchedAt == 0 {
		dispatchedAt = job.CreatedUnixUTC
	}
	age := poller.nowFn().UTC().Sub(time.Unix(dispatchedAt, 0).UTC())
	return age > poller.config.MaxAge
}
