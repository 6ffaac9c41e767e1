// Package domain contains the revenue ledger model. Entries are
// append-only postings; recognizing deferred revenue writes child
// entries and decrements the parent's deferred balance, nothing else
// mutates.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RevenueType classifies where the amount came from.
type RevenueType string

const (
	RevenueTypeRecurring RevenueType = "RECURRING"
	RevenueTypeUsage     RevenueType = "USAGE"
	RevenueTypeMilestone RevenueType = "MILESTONE"
)

// RevenueStatus tracks whether the amount has been recognized.
type RevenueStatus string

const (
	RevenueStatusRecognized RevenueStatus = "RECOGNIZED"
	RevenueStatusDeferred   RevenueStatus = "DEFERRED"
)

// RecognitionRule selects how a charge turns into ledger entries.
type RecognitionRule string

const (
	RuleImmediate    RecognitionRule = "IMMEDIATE"
	RuleStraightLine RecognitionRule = "STRAIGHT_LINE"
	RuleUsageBased   RecognitionRule = "USAGE_BASED"
	RuleMilestone    RecognitionRule = "MILESTONE"
)

// SchedulePeriod is one installment of a straight-line schedule. The
// remainder cents land on the final period so the schedule sums exactly
// to the deferred amount.
type SchedulePeriod struct {
	PeriodIndex int   `json:"period_index"`
	AmountCents int64 `json:"amount_cents"`
}

// RevenueLedgerEntry is one posting in the revenue ledger.
type RevenueLedgerEntry struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	OrgID           snowflake.ID   `gorm:"not null;index"`
	SubscriptionID  snowflake.ID   `gorm:"not null;index"`
	Amount          int64          `gorm:"not null"`
	Currency        string         `gorm:"type:text;not null"`
	Type            RevenueType    `gorm:"type:text;not null"`
	Status          RevenueStatus  `gorm:"type:text;not null;index:idx_revenue_status_deferred,priority:1"`
	RecognizedDate  *time.Time     ``
	DeferredAmount  *int64         ``
	DeferredUntil   *time.Time     `gorm:"index:idx_revenue_status_deferred,priority:2"`
	OriginalEntryID *snowflake.ID  `gorm:"index"`
	MilestoneKey    *string        `gorm:"type:text;uniqueIndex"`
	Schedule        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RevenueLedgerEntry) TableName() string { return "revenue_ledger" }
