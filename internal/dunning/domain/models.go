// Package domain contains the retry strategy state machine and the
// calendar dunning models.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type RetryStatus string

const (
	RetryStatusPending   RetryStatus = "PENDING"
	RetryStatusSucceeded RetryStatus = "SUCCEEDED"
	RetryStatusFailed    RetryStatus = "FAILED"
)

// RetryStrategy schedules payment retries with backoff. At most one
// PENDING strategy exists per payment; terminal rows stay for audit.
type RetryStrategy struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	OrgID          snowflake.ID   `gorm:"not null;index"`
	PaymentID      snowflake.ID   `gorm:"not null;index"`
	SubscriptionID snowflake.ID   `gorm:"not null;index"`
	AttemptsMade   int            `gorm:"not null;default:0"`
	MaxAttempts    int            `gorm:"not null"`
	Intervals      datatypes.JSON `gorm:"type:jsonb;not null"`
	NextRetryAt    time.Time      `gorm:"not null;index:idx_retry_status_next,priority:2"`
	Status         RetryStatus    `gorm:"type:text;not null;index:idx_retry_status_next,priority:1"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RetryStrategy) TableName() string { return "retry_strategies" }

// IntervalList decodes the backoff intervals.
func (s RetryStrategy) IntervalList() ([]time.Duration, error) {
	var intervals []time.Duration
	if err := json.Unmarshal(s.Intervals, &intervals); err != nil {
		return nil, err
	}
	return intervals, nil
}

// PaymentAttempt is the audit row written for every retry attempt.
type PaymentAttempt struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	OrgID         snowflake.ID `gorm:"not null;index"`
	PaymentID     snowflake.ID `gorm:"not null;index"`
	StrategyID    snowflake.ID `gorm:"not null;index"`
	AttemptNumber int          `gorm:"not null"`
	Succeeded     bool         `gorm:"not null"`
	FailureCode   *string      `gorm:"type:text"`
	Message       string       `gorm:"type:text"`
	AttemptedAt   time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts" }

// DunningConfig stores an organization's dunning steps. One active
// config per org; orgs without one use the file-backed default policy.
type DunningConfig struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	OrgID     snowflake.ID   `gorm:"not null;index;uniqueIndex:ux_dunning_configs_org_active,where:active"`
	Active    bool           `gorm:"not null;default:false"`
	Steps     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DunningConfig) TableName() string { return "dunning_configs" }

// DunningLog records one executed dunning step. The unique
// (invoice, days_past_due) pair guarantees a step never re-fires.
type DunningLog struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index"`
	InvoiceID   snowflake.ID `gorm:"not null;uniqueIndex:ux_dunning_invoice_step,priority:1"`
	PaymentID   snowflake.ID `gorm:"not null;index"`
	DaysPastDue int          `gorm:"not null;uniqueIndex:ux_dunning_invoice_step,priority:2"`
	Action      string       `gorm:"type:text;not null"`
	Message     string       `gorm:"type:text"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DunningLog) TableName() string { return "dunning_logs" }
