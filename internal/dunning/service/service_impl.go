package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	dunningdomain "github.com/smallbiznis/meterline/internal/dunning/domain"
	"github.com/smallbiznis/meterline/internal/locks"
	"github.com/smallbiznis/meterline/internal/notification"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const subscriptionLockTTL = 30 * time.Second

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	GenID    *snowflake.Node
	Clock    clock.Clock
	Policy   *config.DunningPolicyHolder
	Gateway  paymentdomain.Gateway
	Locker   *locks.Locker           `optional:"true"`
	Notifier notification.Dispatcher `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	policy         *config.DunningPolicyHolder
	gateway        paymentdomain.Gateway
	locker         *locks.Locker
	notifier       notification.Dispatcher
	gatewayTimeout time.Duration
}

func NewService(p ServiceParam) dunningdomain.Service {
	timeout := p.Config.GatewayTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("dunning.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		policy:         p.Policy,
		gateway:        p.Gateway,
		locker:         p.Locker,
		notifier:       p.Notifier,
		gatewayTimeout: timeout,
	}
}

func (s *Service) HandleFailedPayment(ctx context.Context, payment paymentdomain.Payment) (*dunningdomain.RetryStrategy, error) {
	if payment.Status == paymentdomain.PaymentStatusPaid {
		return nil, dunningdomain.ErrPaymentNotFailed
	}
	intervals := s.policy.Get().RetryIntervals
	if len(intervals) == 0 {
		return nil, dunningdomain.ErrEmptyIntervals
	}

	now := s.clock.Now()
	raw, err := json.Marshal(intervals)
	if err != nil {
		return nil, err
	}

	strategy := dunningdomain.RetryStrategy{
		ID:             s.genID.Generate(),
		OrgID:          payment.OrgID,
		PaymentID:      payment.ID,
		SubscriptionID: payment.SubscriptionID,
		AttemptsMade:   0,
		MaxAttempts:    len(intervals),
		Intervals:      raw,
		NextRetryAt:    now.Add(intervals[0]),
		Status:         dunningdomain.RetryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var created bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`UPDATE payments SET status = ?, failed_at = COALESCE(failed_at, ?), updated_at = ?
			 WHERE id = ? AND status <> ?`,
			paymentdomain.PaymentStatusFailed, now, now,
			payment.ID, paymentdomain.PaymentStatusPaid,
		).Error; err != nil {
			return err
		}

		// Conditional insert keeps one pending strategy per payment even
		// under concurrent failure handlers.
		result := tx.Exec(
			`INSERT INTO retry_strategies (
				id, org_id, payment_id, subscription_id, attempts_made, max_attempts,
				intervals, next_retry_at, status, created_at, updated_at
			)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM retry_strategies WHERE payment_id = ? AND status = ?
			)`,
			strategy.ID, strategy.OrgID, strategy.PaymentID, strategy.SubscriptionID,
			strategy.AttemptsMade, strategy.MaxAttempts, strategy.Intervals,
			strategy.NextRetryAt, strategy.Status, strategy.CreatedAt, strategy.UpdatedAt,
			payment.ID, dunningdomain.RetryStatusPending,
		)
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !created {
		var existing dunningdomain.RetryStrategy
		err := s.db.WithContext(ctx).
			Where("payment_id = ? AND status = ?", payment.ID, dunningdomain.RetryStatusPending).
			First(&existing).Error
		if err != nil {
			return nil, err
		}
		return &existing, nil
	}

	s.notify(ctx, notification.ChannelEmail, "payment_failed", s.notifyData(ctx, payment, map[string]any{
		"failure_code": derefString(payment.FailureCode),
	}))
	return &strategy, nil
}

func (s *Service) RunRetrySweep(ctx context.Context, batch int) (dunningdomain.RetrySweepReport, error) {
	report := dunningdomain.RetrySweepReport{}
	now := s.clock.Now()

	var due []dunningdomain.RetryStrategy
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", dunningdomain.RetryStatusPending, now).
		Order("next_retry_at ASC").
		Limit(normalizeBatch(batch)).
		Find(&due).Error
	if err != nil {
		return report, err
	}

	for _, strategy := range due {
		claimed, err := s.retryStrategy(ctx, strategy, now, &report)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("strategy %s: %w", strategy.ID, err))
			continue
		}
		if claimed {
			report.Claimed++
		}
	}
	return report, nil
}

func (s *Service) retryStrategy(ctx context.Context, strategy dunningdomain.RetryStrategy, now time.Time, report *dunningdomain.RetrySweepReport) (bool, error) {
	lockKey := fmt.Sprintf("meterline:sub:%s", strategy.SubscriptionID)
	token, ok, err := s.locker.TryLock(ctx, lockKey, subscriptionLockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		// a sibling sweep holds this subscription
		return false, nil
	}
	defer func() {
		if releaseErr := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); releaseErr != nil {
			s.log.Warn("lock release failed", zap.String("key", lockKey), zap.Error(releaseErr))
		}
	}()

	var payment paymentdomain.Payment
	if err := s.db.WithContext(ctx).First(&payment, "id = ?", strategy.PaymentID).Error; err != nil {
		return true, err
	}
	if payment.Status == paymentdomain.PaymentStatusPaid {
		// recovered out of band, close the strategy
		return true, s.db.WithContext(ctx).Exec(
			`UPDATE retry_strategies SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			dunningdomain.RetryStatusSucceeded, now, strategy.ID, dunningdomain.RetryStatusPending,
		).Error
	}

	intervals, err := strategy.IntervalList()
	if err != nil {
		return true, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	result, err := s.gateway.ChargeAgain(gwCtx, payment.ID.String())
	cancel()
	if err != nil {
		// transport failure, not a decline: the attempt is not consumed
		// and the strategy retries at the same next_retry_at.
		obsmetrics.Sweeps().IncGatewayCall("charge_again", "error")
		return true, fmt.Errorf("%w: %w", paymentdomain.ErrGatewayUnavailable, err)
	}

	outcome := dunningdomain.OutcomeFailure
	if result.Succeeded {
		outcome = dunningdomain.OutcomeSuccess
		obsmetrics.Sweeps().IncGatewayCall("charge_again", "success")
	} else {
		obsmetrics.Sweeps().IncGatewayCall("charge_again", "declined")
	}

	attemptsAfter := strategy.AttemptsMade + 1
	nextStatus, err := dunningdomain.Transition(strategy.Status, outcome, attemptsAfter, strategy.MaxAttempts)
	if err != nil {
		return true, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempt := dunningdomain.PaymentAttempt{
			ID:            s.genID.Generate(),
			OrgID:         strategy.OrgID,
			PaymentID:     payment.ID,
			StrategyID:    strategy.ID,
			AttemptNumber: attemptsAfter,
			Succeeded:     result.Succeeded,
			Message:       result.Message,
			AttemptedAt:   now,
		}
		if result.FailureCode != "" {
			attempt.FailureCode = &result.FailureCode
		}
		if err := tx.Create(&attempt).Error; err != nil {
			return err
		}

		nextRetryAt := strategy.NextRetryAt
		if nextStatus == dunningdomain.RetryStatusPending {
			nextRetryAt = now.Add(intervals[attemptsAfter])
		}

		// optimistic guard: only the observed attempt count may advance
		update := tx.Exec(
			`UPDATE retry_strategies
			 SET attempts_made = ?, status = ?, next_retry_at = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND attempts_made = ?`,
			attemptsAfter, nextStatus, nextRetryAt, now,
			strategy.ID, dunningdomain.RetryStatusPending, strategy.AttemptsMade,
		)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return dunningdomain.ErrInvalidTransition
		}

		switch nextStatus {
		case dunningdomain.RetryStatusSucceeded:
			return tx.Exec(
				`UPDATE payments SET status = ?, paid_at = ?, updated_at = ? WHERE id = ?`,
				paymentdomain.PaymentStatusPaid, now, now, payment.ID,
			).Error
		case dunningdomain.RetryStatusFailed:
			return s.escalate(ctx, tx, payment, now)
		default:
			return tx.Exec(
				`UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`,
				paymentdomain.PaymentStatusRecovering, now, payment.ID,
			).Error
		}
	})
	if err != nil {
		return true, err
	}

	switch nextStatus {
	case dunningdomain.RetryStatusSucceeded:
		report.Recovered++
		s.notify(ctx, notification.ChannelEmail, "payment_recovered", s.notifyData(ctx, payment, nil))
	case dunningdomain.RetryStatusFailed:
		report.Exhausted++
		s.notify(ctx, notification.ChannelSlack, "dunning_escalated", map[string]any{
			"payment_id":      payment.ID.String(),
			"subscription_id": payment.SubscriptionID.String(),
			"amount":          payment.Amount,
			"currency":        payment.Currency,
		})
	}
	return true, nil
}

// escalationStep is the DaysPastDue sentinel for the manual-intervention
// row that exhausted retries append to the dunning log. Calendar steps
// start at day one, so zero never collides.
const escalationStep = 0

func (s *Service) escalate(ctx context.Context, tx *gorm.DB, payment paymentdomain.Payment, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO dunning_logs (id, org_id, invoice_id, payment_id, days_past_due, action, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (invoice_id, days_past_due) DO NOTHING`,
		s.genID.Generate(), payment.OrgID, invoiceRef(payment), payment.ID,
		escalationStep, "escalate", "retry attempts exhausted", now,
	).Error
}

func (s *Service) RunDunningSweep(ctx context.Context, batch int) (dunningdomain.DunningSweepReport, error) {
	report := dunningdomain.DunningSweepReport{}
	now := s.clock.Now()

	var overdue []paymentdomain.Payment
	err := s.db.WithContext(ctx).
		Where("status <> ? AND due_at < ?", paymentdomain.PaymentStatusPaid, now).
		Order("due_at ASC").
		Limit(normalizeBatch(batch)).
		Find(&overdue).Error
	if err != nil {
		return report, err
	}
	report.Scanned = len(overdue)

	for _, payment := range overdue {
		if err := s.dunPayment(ctx, payment, now, &report); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("payment %s: %w", payment.ID, err))
		}
	}
	return report, nil
}

func (s *Service) dunPayment(ctx context.Context, payment paymentdomain.Payment, now time.Time, report *dunningdomain.DunningSweepReport) error {
	daysOverdue := payment.DaysPastDue(now)
	if daysOverdue == 0 {
		return nil
	}

	steps, err := s.stepsFor(ctx, payment.OrgID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.DaysPastDue > daysOverdue {
			break
		}
		fired, recovered, err := s.executeStep(ctx, payment, step, now)
		if err != nil {
			return err
		}
		if fired {
			report.Executed++
		}
		if recovered {
			break
		}
	}
	return nil
}

func (s *Service) executeStep(ctx context.Context, payment paymentdomain.Payment, step config.DunningStep, now time.Time) (fired, recovered bool, err error) {
	// Logging first makes the step at-most-once: a logged step never
	// re-executes even if the action below fails.
	result := s.db.WithContext(ctx).Exec(
		`INSERT INTO dunning_logs (id, org_id, invoice_id, payment_id, days_past_due, action, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (invoice_id, days_past_due) DO NOTHING`,
		s.genID.Generate(), payment.OrgID, invoiceRef(payment), payment.ID,
		step.DaysPastDue, step.Action, step.Message, now,
	)
	if result.Error != nil {
		return false, false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, false, nil
	}

	if step.RetryPayment {
		gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		chargeResult, chargeErr := s.gateway.ChargeAgain(gwCtx, payment.ID.String())
		cancel()
		if chargeErr == nil && chargeResult.Succeeded {
			obsmetrics.Sweeps().IncGatewayCall("charge_again", "success")
			err := s.db.WithContext(ctx).Exec(
				`UPDATE payments SET status = ?, paid_at = ?, updated_at = ? WHERE id = ?`,
				paymentdomain.PaymentStatusPaid, now, now, payment.ID,
			).Error
			if err != nil {
				return true, false, err
			}
			s.notify(ctx, notification.ChannelEmail, "payment_recovered", s.notifyData(ctx, payment, nil))
			return true, true, nil
		}
		if chargeErr != nil {
			obsmetrics.Sweeps().IncGatewayCall("charge_again", "error")
			s.log.Warn("dunning retry charge failed",
				zap.String("payment_id", payment.ID.String()),
				zap.Error(chargeErr),
			)
		} else {
			obsmetrics.Sweeps().IncGatewayCall("charge_again", "declined")
		}
	}

	data := s.notifyData(ctx, payment, map[string]any{
		"days_past_due": step.DaysPastDue,
		"message":       step.Message,
	})

	switch step.Action {
	case config.DunningActionEmail:
		s.notify(ctx, notification.ChannelEmail, "payment_reminder", data)
	case config.DunningActionSMS:
		s.notify(ctx, notification.ChannelSMS, "payment_reminder", data)
	case config.DunningActionGracePeriod:
		err = s.transitionSubscription(ctx, payment.SubscriptionID, subscriptiondomain.SubscriptionStatusPastDue, now)
	case config.DunningActionCancel:
		err = s.transitionSubscription(ctx, payment.SubscriptionID, subscriptiondomain.SubscriptionStatusCanceled, now)
		if err == nil {
			s.notify(ctx, notification.ChannelEmail, "subscription_canceled", data)
		}
	default:
		s.log.Warn("unknown dunning action", zap.String("action", step.Action))
	}
	return true, false, err
}

func (s *Service) transitionSubscription(ctx context.Context, subscriptionID snowflake.ID, status subscriptiondomain.SubscriptionStatus, now time.Time) error {
	query := `UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status <> ?`
	args := []any{status, now, subscriptionID, subscriptiondomain.SubscriptionStatusCanceled}
	if status == subscriptiondomain.SubscriptionStatusCanceled {
		query = `UPDATE subscriptions SET status = ?, canceled_at = ?, updated_at = ? WHERE id = ? AND status <> ?`
		args = []any{status, now, now, subscriptionID, subscriptiondomain.SubscriptionStatusCanceled}
	}
	return s.db.WithContext(ctx).Exec(query, args...).Error
}

func (s *Service) stepsFor(ctx context.Context, orgID snowflake.ID) ([]config.DunningStep, error) {
	// The partial unique index keeps one active row per org; the order
	// makes a legacy duplicate resolve to the newest config instead of
	// whichever row the planner visits first.
	var cfg dunningdomain.DunningConfig
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND active = ?", orgID, true).
		Order("updated_at DESC, id DESC").
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sortedSteps(s.policy.Get().Steps), nil
		}
		return nil, err
	}

	var steps []config.DunningStep
	if err := json.Unmarshal(cfg.Steps, &steps); err != nil {
		return nil, err
	}
	return sortedSteps(steps), nil
}

func (s *Service) notify(ctx context.Context, channel notification.Channel, templateKey string, data map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, channel, templateKey, data); err != nil {
		s.log.Warn("notification failed",
			zap.String("template", templateKey),
			zap.Error(err),
		)
	}
}

func (s *Service) notifyData(ctx context.Context, payment paymentdomain.Payment, extra map[string]any) map[string]any {
	data := map[string]any{
		"payment_id": payment.ID.String(),
		"amount":     payment.Amount,
		"currency":   payment.Currency,
	}
	var sub subscriptiondomain.Subscription
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", payment.SubscriptionID).Error; err == nil {
		if email, ok := sub.Metadata["billing_email"].(string); ok && email != "" {
			data["to"] = email
		}
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func sortedSteps(steps []config.DunningStep) []config.DunningStep {
	out := make([]config.DunningStep, len(steps))
	copy(out, steps)
	sort.Slice(out, func(i, j int) bool { return out[i].DaysPastDue < out[j].DaysPastDue })
	return out
}

func invoiceRef(payment paymentdomain.Payment) snowflake.ID {
	if payment.InvoiceID != nil && *payment.InvoiceID != 0 {
		return *payment.InvoiceID
	}
	return payment.ID
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func normalizeBatch(batch int) int {
	if batch <= 0 {
		return 100
	}
	return batch
}
