package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/meterline/internal/billingcycle/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	pricetierdomain "github.com/smallbiznis/meterline/internal/pricetier/domain"
	revenuedomain "github.com/smallbiznis/meterline/internal/revenue/domain"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Clock    clock.Clock
	Gateway  paymentdomain.Gateway
	UsageSvc usagedomain.Service
	TierSvc  pricetierdomain.Service
	Revenue  revenuedomain.Service
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	gateway        paymentdomain.Gateway
	usageSvc       usagedomain.Service
	tierSvc        pricetierdomain.Service
	revenue        revenuedomain.Service
	gatewayTimeout time.Duration
	period         time.Duration
}

func NewService(p ServiceParam) billingcycledomain.Service {
	timeout := p.Config.GatewayTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	period := p.Config.BillingPeriod
	if period <= 0 {
		period = time.Hour
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("billingcycle.service"),
		clock:          p.Clock,
		gateway:        p.Gateway,
		usageSvc:       p.UsageSvc,
		tierSvc:        p.TierSvc,
		revenue:        p.Revenue,
		gatewayTimeout: timeout,
		period:         period,
	}
}

func (s *Service) RunBillingCycle(ctx context.Context) (*billingcycledomain.CycleReport, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("status <> ?", subscriptiondomain.SubscriptionStatusCanceled).
		Order("id").
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}

	report := &billingcycledomain.CycleReport{}
	for _, sub := range subscriptions {
		report.Merge(s.ProcessSubscription(ctx, sub))
	}

	s.log.Info("billing cycle finished",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("charged", report.Charged),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (s *Service) ProcessSubscription(ctx context.Context, sub subscriptiondomain.Subscription) billingcycledomain.CycleReport {
	report := billingcycledomain.CycleReport{}

	// Unlinked subscriptions accrue usage silently until provisioned.
	if !sub.Billable() {
		report.Skipped++
		return report
	}
	report.Processed++

	// Only closed metering periods are billed. Records in the open period
	// wait for the boundary to pass so the period component of each
	// idempotency key is final before it ever reaches the gateway.
	horizon := s.clock.Now().Truncate(s.period)
	oldest, err := s.oldestUnbilled(ctx, sub, horizon)
	if err != nil {
		report.Errors = append(report.Errors, billingcycledomain.SubscriptionError{
			SubscriptionID: sub.ID, Err: err,
		})
		return report
	}
	if oldest == nil {
		return report
	}

	for start := oldest.Truncate(s.period); start.Before(horizon); start = start.Add(s.period) {
		end := start.Add(s.period)
		totals, err := s.unbilledTotals(ctx, sub, start, end)
		if err != nil {
			report.Errors = append(report.Errors, billingcycledomain.SubscriptionError{
				SubscriptionID: sub.ID, Err: err,
			})
			return report
		}
		for _, total := range totals {
			if err := s.chargeFeature(ctx, sub, total, start, end); err != nil {
				report.Errors = append(report.Errors, billingcycledomain.SubscriptionError{
					SubscriptionID: sub.ID,
					FeatureID:      total.FeatureID,
					Err:            err,
				})
				continue
			}
			report.Charged++
		}
	}
	return report
}

func (s *Service) oldestUnbilled(ctx context.Context, sub subscriptiondomain.Subscription, before time.Time) (*time.Time, error) {
	var row struct {
		RecordedAt *time.Time
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT recorded_at
		 FROM usage_records
		 WHERE org_id = ? AND subscription_id = ? AND billed = ? AND recorded_at < ?
		 ORDER BY recorded_at ASC LIMIT 1`,
		sub.OrgID, sub.ID, false, before,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return row.RecordedAt, nil
}

func (s *Service) unbilledTotals(ctx context.Context, sub subscriptiondomain.Subscription, periodStart, periodEnd time.Time) ([]usagedomain.UnbilledTotal, error) {
	var totals []usagedomain.UnbilledTotal
	err := s.db.WithContext(ctx).Raw(
		`SELECT subscription_id, feature_id, feature_code, SUM(quantity) AS quantity
		 FROM usage_records
		 WHERE org_id = ? AND subscription_id = ? AND billed = ?
		   AND recorded_at >= ? AND recorded_at < ?
		 GROUP BY subscription_id, feature_id, feature_code
		 ORDER BY feature_id`,
		sub.OrgID, sub.ID, false, periodStart, periodEnd,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Service) chargeFeature(ctx context.Context, sub subscriptiondomain.Subscription, total usagedomain.UnbilledTotal, periodStart, periodEnd time.Time) error {
	amount, err := s.tierSvc.PriceQuantity(ctx, sub.OrgID, total.FeatureID, total.Quantity)
	if err != nil {
		return err
	}

	externalID := ""
	if amount > 0 {
		gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		defer cancel()

		externalID, err = s.gateway.ReportUsage(gwCtx, paymentdomain.ReportUsageRequest{
			ExternalRef:    *sub.ExternalRef,
			FeatureCode:    total.FeatureCode,
			Quantity:       total.Quantity,
			Timestamp:      periodEnd,
			IdempotencyKey: chargeIdempotencyKey(sub.ID, total.FeatureID, periodEnd),
		})
		if err != nil {
			// Records stay unbilled; the next sweep retries with the
			// same idempotency key for this period.
			return fmt.Errorf("%w: %w", paymentdomain.ErrGatewayUnavailable, err)
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		affected, err := s.usageSvc.MarkBilled(ctx, tx, sub.OrgID, sub.ID, total.FeatureID, periodStart, periodEnd, externalID)
		if err != nil {
			return err
		}
		if affected == 0 {
			// a sibling run already consumed these records
			return nil
		}
		if amount == 0 {
			return nil
		}
		_, err = s.revenue.RecognizeCharge(ctx, tx, revenuedomain.ChargeEvent{
			OrgID:          sub.OrgID,
			SubscriptionID: sub.ID,
			Amount:         amount,
			Currency:       sub.Currency,
			Rule:           revenuedomain.RuleUsageBased,
		})
		return err
	})
}

// chargeIdempotencyKey is stable for a (subscription, feature, period)
// triple so gateway retries within a period cannot double charge.
func chargeIdempotencyKey(subscriptionID, featureID snowflake.ID, periodEnd time.Time) string {
	payload := fmt.Sprintf("%s|%s|%s",
		subscriptionID, featureID, periodEnd.UTC().Format(time.RFC3339))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
