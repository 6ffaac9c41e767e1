package domain

import (
	"context"
	"errors"

	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
)

type RetrySweepReport struct {
	Claimed   int
	Recovered int
	Exhausted int
	Errors    []error
}

type DunningSweepReport struct {
	Scanned  int
	Executed int
	Errors   []error
}

type Service interface {
	// HandleFailedPayment opens a retry strategy for the payment and
	// fires the payment_failed notification. Idempotent: an existing
	// pending strategy for the payment is returned unchanged. A payment
	// already paid is rejected with ErrPaymentNotFailed.
	HandleFailedPayment(ctx context.Context, payment paymentdomain.Payment) (*RetryStrategy, error)

	// RunRetrySweep claims due pending strategies and retries their
	// payments through the gateway.
	RunRetrySweep(ctx context.Context, batch int) (RetrySweepReport, error)

	// RunDunningSweep executes calendar dunning steps for overdue
	// payments. A step logged for an invoice never re-fires.
	RunDunningSweep(ctx context.Context, batch int) (DunningSweepReport, error)
}

var (
	ErrPaymentNotFailed = errors.New("payment_not_failed")
	ErrEmptyIntervals   = errors.New("empty_retry_intervals")
)
