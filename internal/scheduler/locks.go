package scheduler

import (
	"context"
	"strings"
	"time"

	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	"gorm.io/gorm"
)

// FetchSubscriptionsForWork claims up to limit non-canceled
// subscriptions. On postgres the claim uses SKIP LOCKED so overlapping
// sweeps split the batch instead of colliding.
func (s *Scheduler) FetchSubscriptionsForWork(ctx context.Context, limit int) ([]subscriptiondomain.Subscription, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var subscriptions []subscriptiondomain.Subscription
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		subscriptions, err = s.fetchSubscriptionsForWork(claimCtx, tx, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (s *Scheduler) fetchSubscriptionsForWork(ctx context.Context, tx *gorm.DB, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT * FROM subscriptions
	 WHERE status <> ?
	 ORDER BY id
	 LIMIT ?`
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query += " FOR UPDATE SKIP LOCKED"
	}

	sweepMetrics := obsmetrics.Sweeps()
	lockStart := time.Now()
	var subscriptions []subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(query,
		subscriptiondomain.SubscriptionStatusCanceled,
		limit,
	).Scan(&subscriptions).Error
	sweepMetrics.ObserveDBLockWait(obsmetrics.LockResourceSubscriptionsForWork, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}
