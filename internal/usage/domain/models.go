// Package domain contains persistence models for the usage ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageRecord stores a single unit of metered activity. Records are
// append-only; only the billed columns flip, and always atomically with
// the charge that consumed them.
type UsageRecord struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OrgID           snowflake.ID      `gorm:"not null;uniqueIndex:idx_usage_org_idem,priority:1"`
	SubscriptionID  snowflake.ID      `gorm:"not null;index:idx_usage_sub_feature_billed,priority:1"`
	FeatureID       snowflake.ID      `gorm:"not null;index:idx_usage_sub_feature_billed,priority:2"`
	FeatureCode     string            `gorm:"type:text;not null"` // snapshot
	Quantity        float64           `gorm:"not null"`
	RecordedAt      time.Time         `gorm:"not null"`
	Billed          bool              `gorm:"not null;default:false;index:idx_usage_sub_feature_billed,priority:3"`
	BilledAt        *time.Time        ``
	ExternalUsageID *string           `gorm:"type:text"`
	IdempotencyKey  *string           `gorm:"type:text;uniqueIndex:idx_usage_org_idem,priority:2"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// UnbilledTotal is a grouped sum of unbilled usage for one
// (subscription, feature) pair.
type UnbilledTotal struct {
	SubscriptionID snowflake.ID `gorm:"column:subscription_id"`
	FeatureID      snowflake.ID `gorm:"column:feature_id"`
	FeatureCode    string       `gorm:"column:feature_code"`
	Quantity       float64      `gorm:"column:quantity"`
}
