// Package domain contains the subscription model shared by the billing sweeps.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

// Subscription links a customer to metered features and, once provisioned,
// to an external billing account. Subscriptions without an ExternalRef
// accrue usage but are skipped by the billing sweep.
type Subscription struct {
	ID          snowflake.ID       `gorm:"primaryKey"`
	OrgID       snowflake.ID       `gorm:"not null;index"`
	CustomerID  snowflake.ID       `gorm:"not null;index"`
	ExternalRef *string            `gorm:"type:text;uniqueIndex"`
	Status      SubscriptionStatus `gorm:"type:text;not null;default:'ACTIVE'"`
	Currency    string             `gorm:"type:text;not null;default:'usd'"`
	Metadata    datatypes.JSONMap  `gorm:"type:jsonb"`
	StartAt     time.Time          `gorm:"not null"`
	CanceledAt  *time.Time
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Billable reports whether the subscription can be charged externally.
func (s Subscription) Billable() bool {
	return s.ExternalRef != nil && *s.ExternalRef != "" && s.Status != SubscriptionStatusCanceled
}
