package domain

import (
	"context"
	"errors"
	"time"
)

// ReportUsageRequest carries one (subscription, feature) usage total to the
// external gateway. Quantities are additive increments, never absolutes, so
// a replay with the same IdempotencyKey must not double-bill.
type ReportUsageRequest struct {
	ExternalRef    string
	FeatureCode    string
	Quantity       float64
	Timestamp      time.Time
	IdempotencyKey string
}

// ChargeResult is the outcome of a payment retry.
type ChargeResult struct {
	Succeeded   bool
	FailureCode string
	Message     string
}

// Gateway abstracts the external payment provider. Implementations must be
// safe to call concurrently; callers bound each call with a context timeout.
type Gateway interface {
	ReportUsage(ctx context.Context, req ReportUsageRequest) (externalUsageID string, err error)
	ChargeAgain(ctx context.Context, paymentID string) (ChargeResult, error)
}

var (
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrUnknownPayment     = errors.New("unknown_payment")
)
