package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateIngestRequest struct {
	OrgID          string         `json:"org_id"`
	SubscriptionID string         `json:"subscription_id"`
	FeatureID      string         `json:"feature_id"`
	FeatureCode    string         `json:"feature_code"`
	Quantity       float64        `json:"quantity"`
	RecordedAt     time.Time      `json:"recorded_at"`
	IdempotencyKey *string        `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type Service interface {
	// Ingest appends a usage record. A duplicate idempotency key returns
	// the previously stored record without error.
	Ingest(ctx context.Context, req CreateIngestRequest) (*UsageRecord, error)

	// SumUnbilled returns grouped sums of unbilled usage for the org.
	SumUnbilled(ctx context.Context, orgID snowflake.ID) ([]UnbilledTotal, error)

	// MarkBilled flips every unbilled record for the pair recorded inside
	// [periodStart, periodEnd), inside the caller's transaction. Returns
	// rows affected.
	MarkBilled(ctx context.Context, tx *gorm.DB, orgID, subscriptionID, featureID snowflake.ID, periodStart, periodEnd time.Time, externalUsageID string) (int64, error)
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidSubscription   = errors.New("invalid_subscription")
	ErrInvalidFeature        = errors.New("invalid_feature")
	ErrInvalidFeatureCode    = errors.New("invalid_feature_code")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidRecordedAt     = errors.New("invalid_recorded_at")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
)
