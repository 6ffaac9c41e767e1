// Package scheduler drives the periodic billing sweeps: usage billing,
// deferred revenue recognition, payment retries and calendar dunning.
// No in-process state survives a crash; the durable flags each sweep
// maintains (billed usage, deferred balances, strategy status, dunning
// log) drive resumption on the next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	billingcycledomain "github.com/smallbiznis/meterline/internal/billingcycle/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	dunningdomain "github.com/smallbiznis/meterline/internal/dunning/domain"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	revenuedomain "github.com/smallbiznis/meterline/internal/revenue/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

const (
	JobUsageBilling    = "usage_billing"
	JobDeferredRevenue = "deferred_revenue"
	JobPaymentRetry    = "payment_retry"
	JobDunningSteps    = "dunning_steps"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	BillingSvc billingcycledomain.Service
	RevenueSvc revenuedomain.Service
	DunningSvc dunningdomain.Service
	Config     Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	billingSvc billingcycledomain.Service
	revenueSvc revenuedomain.Service
	dunningSvc dunningdomain.Service

	lastDunningRun time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.BillingSvc == nil || p.RevenueSvc == nil || p.DunningSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		billingSvc: p.BillingSvc,
		revenueSvc: p.RevenueSvc,
		dunningSvc: p.DunningSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	sweepMetrics := obsmetrics.Sweeps()
	sweepMetrics.IncJobRun(name)

	err := fn(ctx)
	sweepMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the batch resumes on the next tick
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		sweepMetrics.IncJobTimeout(name)
	}
	sweepMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobUsageBilling, s.UsageBillingJob},
		{JobDeferredRevenue, s.DeferredRevenueJob},
		{JobPaymentRetry, s.PaymentRetryJob},
		{JobDunningSteps, s.DunningStepsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	sweepMetrics := obsmetrics.Sweeps()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			sweepMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty EnabledJobs runs everything (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// UsageBillingJob claims a batch of subscriptions and runs the billing
// cycle for each. Per-subscription failures are logged and counted, not
// propagated, so one broken entity cannot starve the batch.
func (s *Scheduler) UsageBillingJob(ctx context.Context) error {
	subscriptions, err := s.FetchSubscriptionsForWork(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	report := billingcycledomain.CycleReport{}
	for _, sub := range subscriptions {
		report.Merge(s.billingSvc.ProcessSubscription(ctx, sub))
		if ctx.Err() != nil {
			break
		}
	}
	obsmetrics.Sweeps().AddBatchProcessed(JobUsageBilling, obsmetrics.LockResourceSubscriptionsForWork, report.Processed)

	for _, subErr := range report.Errors {
		s.log.Warn("billing cycle entity failed",
			zap.String("subscription_id", subErr.SubscriptionID.String()),
			zap.Error(subErr.Err),
		)
	}
	if report.Charged > 0 || len(report.Errors) > 0 {
		s.log.Info("usage billing sweep finished",
			zap.Int("processed", report.Processed),
			zap.Int("skipped", report.Skipped),
			zap.Int("charged", report.Charged),
			zap.Int("errors", len(report.Errors)),
		)
	}
	return ctx.Err()
}

func (s *Scheduler) DeferredRevenueJob(ctx context.Context) error {
	report, err := s.revenueSvc.SweepDeferred(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	obsmetrics.Sweeps().AddBatchProcessed(JobDeferredRevenue, obsmetrics.LockResourceDeferredEntriesForWork, report.Recognized)
	for _, entryErr := range report.Errors {
		s.log.Warn("deferred entry failed", zap.Error(entryErr))
	}
	return nil
}

func (s *Scheduler) PaymentRetryJob(ctx context.Context) error {
	report, err := s.dunningSvc.RunRetrySweep(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	obsmetrics.Sweeps().AddBatchProcessed(JobPaymentRetry, obsmetrics.LockResourceRetryStrategiesForWork, report.Claimed)
	for _, retryErr := range report.Errors {
		s.log.Warn("payment retry failed", zap.Error(retryErr))
	}
	return nil
}

// DunningStepsJob runs at most once per DunningInterval: calendar steps
// move on day boundaries, ticking every minute would only burn queries.
func (s *Scheduler) DunningStepsJob(ctx context.Context) error {
	now := s.clock.Now()
	if !s.lastDunningRun.IsZero() && now.Sub(s.lastDunningRun) < s.cfg.DunningInterval {
		return nil
	}
	s.lastDunningRun = now

	report, err := s.dunningSvc.RunDunningSweep(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	obsmetrics.Sweeps().AddBatchProcessed(JobDunningSteps, obsmetrics.LockResourceOverduePaymentsForWork, report.Executed)
	for _, stepErr := range report.Errors {
		s.log.Warn("dunning step failed", zap.Error(stepErr))
	}
	return nil
}
