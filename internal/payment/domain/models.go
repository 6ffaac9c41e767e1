package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusPaid       PaymentStatus = "PAID"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRecovering PaymentStatus = "RECOVERING"
)

// Payment is a charge owed by a subscription, due at DueAt. Failed payments
// enter the retry pipeline; DaysPastDue drives calendar dunning.
type Payment struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	OrgID          snowflake.ID  `gorm:"not null;index"`
	SubscriptionID snowflake.ID  `gorm:"not null;index"`
	InvoiceID      *snowflake.ID `gorm:"index"`
	Amount         int64         `gorm:"not null"`
	Currency       string        `gorm:"type:text;not null"`
	Status         PaymentStatus `gorm:"type:text;not null;index"`
	FailureCode    *string       `gorm:"type:text"`
	DueAt          time.Time     `gorm:"not null"`
	FailedAt       *time.Time
	PaidAt         *time.Time
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// DaysPastDue returns whole days elapsed since DueAt, never negative.
func (p Payment) DaysPastDue(now time.Time) int {
	if !now.After(p.DueAt) {
		return 0
	}
	return int(now.Sub(p.DueAt).Hours() / 24)
}
