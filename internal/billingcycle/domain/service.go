// Package domain defines the billing cycle surface: pricing unbilled
// usage, reporting it to the payment gateway and posting the revenue.
package domain

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
)

// SubscriptionError records a per-entity failure without aborting the
// cycle for sibling subscriptions.
type SubscriptionError struct {
	SubscriptionID snowflake.ID
	FeatureID      snowflake.ID
	Err            error
}

func (e SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s feature %s: %v", e.SubscriptionID, e.FeatureID, e.Err)
}

func (e SubscriptionError) Unwrap() error { return e.Err }

// CycleReport summarizes one billing cycle run.
type CycleReport struct {
	Processed int
	Skipped   int
	Charged   int
	Errors    []SubscriptionError
}

func (r *CycleReport) Merge(other CycleReport) {
	r.Processed += other.Processed
	r.Skipped += other.Skipped
	r.Charged += other.Charged
	r.Errors = append(r.Errors, other.Errors...)
}

type Service interface {
	// RunBillingCycle prices and reports unbilled usage for every
	// billable subscription.
	RunBillingCycle(ctx context.Context) (*CycleReport, error)

	// ProcessSubscription runs the cycle for a single subscription,
	// typically one claimed by the scheduler.
	ProcessSubscription(ctx context.Context, sub subscriptiondomain.Subscription) CycleReport
}
