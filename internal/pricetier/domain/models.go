// Package domain contains the usage tier model and the pure pricing
// calculator that walks it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageTier is one band of a feature's pricing curve. Exactly one of
// UnitAmountCents or FlatAmountCents is set. Tier sets are immutable;
// repricing writes a new set of rows.
type UsageTier struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OrgID           snowflake.ID      `gorm:"not null;index:idx_usage_tiers_org_feature,priority:1"`
	FeatureID       snowflake.ID      `gorm:"not null;index:idx_usage_tiers_org_feature,priority:2"`
	FromQuantity    float64           `gorm:"type:numeric;not null"`
	ToQuantity      *float64          `gorm:"type:numeric"` // nil = unbounded terminal tier
	UnitAmountCents *int64            ``
	FlatAmountCents *int64            ``
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageTier) TableName() string { return "usage_tiers" }

// Unbounded reports whether the tier has no upper quantity limit.
func (t UsageTier) Unbounded() bool { return t.ToQuantity == nil }
