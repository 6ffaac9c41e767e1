package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Milestone is a contractual checkpoint evaluated by the caller. Pct of
// the charge amount is recognized once Satisfied flips true.
type Milestone struct {
	Name      string
	Pct       int64
	Satisfied bool
}

// ChargeEvent carries one charge into the recognition engine.
type ChargeEvent struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	Amount         int64
	Currency       string
	Rule           RecognitionRule

	// PeriodMonths is required for STRAIGHT_LINE.
	PeriodMonths int
	// Milestones is required for MILESTONE.
	Milestones []Milestone
}

type SweepReport struct {
	Scanned    int
	Recognized int
	Errors     []error
}

type Service interface {
	// RecognizeCharge turns a charge into ledger entries per its rule.
	// When tx is non-nil the entries join the caller's transaction.
	RecognizeCharge(ctx context.Context, tx *gorm.DB, event ChargeEvent) ([]RevenueLedgerEntry, error)

	// SweepDeferred recognizes due installments of deferred entries.
	SweepDeferred(ctx context.Context, batch int) (SweepReport, error)
}

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidRule         = errors.New("invalid_rule")
	ErrInvalidPeriodMonths = errors.New("invalid_period_months")
	ErrMissingMilestones   = errors.New("missing_milestones")
)

// DataIntegrityError marks ledger state the sweep refuses to touch: the
// entity is halted and reported, never auto-corrected.
type DataIntegrityError struct {
	EntryID snowflake.ID
	Detail  string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("revenue ledger entry %s: %s", e.EntryID, e.Detail)
}
