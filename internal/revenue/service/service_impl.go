package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/notification"
	revenuedomain "github.com/smallbiznis/meterline/internal/revenue/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Notifier notification.Dispatcher `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	notifier notification.Dispatcher
}

func NewService(p ServiceParam) revenuedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("revenue.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		notifier: p.Notifier,
	}
}

func (s *Service) RecognizeCharge(ctx context.Context, tx *gorm.DB, event revenuedomain.ChargeEvent) ([]revenuedomain.RevenueLedgerEntry, error) {
	if event.Amount <= 0 {
		return nil, revenuedomain.ErrInvalidAmount
	}
	if event.Currency == "" {
		event.Currency = "usd"
	}

	if tx != nil {
		return s.recognize(ctx, tx, event)
	}

	var entries []revenuedomain.RevenueLedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entries, err = s.recognize(ctx, tx, event)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) recognize(ctx context.Context, tx *gorm.DB, event revenuedomain.ChargeEvent) ([]revenuedomain.RevenueLedgerEntry, error) {
	now := s.clock.Now()

	switch event.Rule {
	case revenuedomain.RuleImmediate:
		entry := s.recognizedEntry(event, revenuedomain.RevenueTypeRecurring, event.Amount, now)
		if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
			return nil, err
		}
		return []revenuedomain.RevenueLedgerEntry{entry}, nil

	case revenuedomain.RuleUsageBased:
		// The billing cycle has already summed and marked the usage in
		// this transaction; here the charge is posted as recognized.
		entry := s.recognizedEntry(event, revenuedomain.RevenueTypeUsage, event.Amount, now)
		if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
			return nil, err
		}
		return []revenuedomain.RevenueLedgerEntry{entry}, nil

	case revenuedomain.RuleStraightLine:
		return s.recognizeStraightLine(ctx, tx, event, now)

	case revenuedomain.RuleMilestone:
		return s.recognizeMilestones(ctx, tx, event, now)

	default:
		return nil, revenuedomain.ErrInvalidRule
	}
}

func (s *Service) recognizedEntry(event revenuedomain.ChargeEvent, typ revenuedomain.RevenueType, amount int64, now time.Time) revenuedomain.RevenueLedgerEntry {
	recognized := now
	return revenuedomain.RevenueLedgerEntry{
		ID:             s.genID.Generate(),
		OrgID:          event.OrgID,
		SubscriptionID: event.SubscriptionID,
		Amount:         amount,
		Currency:       event.Currency,
		Type:           typ,
		Status:         revenuedomain.RevenueStatusRecognized,
		RecognizedDate: &recognized,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) recognizeStraightLine(ctx context.Context, tx *gorm.DB, event revenuedomain.ChargeEvent, now time.Time) ([]revenuedomain.RevenueLedgerEntry, error) {
	if event.PeriodMonths <= 0 {
		return nil, revenuedomain.ErrInvalidPeriodMonths
	}

	schedule := BuildStraightLineSchedule(event.Amount, event.PeriodMonths)
	raw, err := json.Marshal(schedule)
	if err != nil {
		return nil, err
	}

	deferred := event.Amount
	until := now.AddDate(0, 1, 0)
	entry := revenuedomain.RevenueLedgerEntry{
		ID:             s.genID.Generate(),
		OrgID:          event.OrgID,
		SubscriptionID: event.SubscriptionID,
		Amount:         event.Amount,
		Currency:       event.Currency,
		Type:           revenuedomain.RevenueTypeRecurring,
		Status:         revenuedomain.RevenueStatusDeferred,
		DeferredAmount: &deferred,
		DeferredUntil:  &until,
		Schedule:       datatypes.JSON(raw),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}
	return []revenuedomain.RevenueLedgerEntry{entry}, nil
}

func (s *Service) recognizeMilestones(ctx context.Context, tx *gorm.DB, event revenuedomain.ChargeEvent, now time.Time) ([]revenuedomain.RevenueLedgerEntry, error) {
	if len(event.Milestones) == 0 {
		return nil, revenuedomain.ErrMissingMilestones
	}

	var entries []revenuedomain.RevenueLedgerEntry
	for _, milestone := range event.Milestones {
		if !milestone.Satisfied {
			continue
		}
		key := MilestoneKey(milestone.Name, event.SubscriptionID)
		amount := event.Amount * milestone.Pct / 100

		entry := s.recognizedEntry(event, revenuedomain.RevenueTypeMilestone, amount, now)
		entry.MilestoneKey = &key

		// Re-evaluation of an already recognized milestone is a no-op:
		// the unique milestone_key swallows the insert.
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO revenue_ledger (
				id, org_id, subscription_id, amount, currency, type, status,
				recognized_date, milestone_key, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (milestone_key) DO NOTHING`,
			entry.ID, entry.OrgID, entry.SubscriptionID, entry.Amount, entry.Currency,
			entry.Type, entry.Status, entry.RecognizedDate, key,
			entry.CreatedAt, entry.UpdatedAt,
		)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected > 0 {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Service) SweepDeferred(ctx context.Context, batch int) (revenuedomain.SweepReport, error) {
	report := revenuedomain.SweepReport{}
	now := s.clock.Now()

	var due []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM revenue_ledger
		 WHERE status = ? AND deferred_until <= ? AND deferred_amount > 0
		 ORDER BY deferred_until ASC
		 LIMIT ?`,
		revenuedomain.RevenueStatusDeferred, now, normalizeBatch(batch),
	).Scan(&due).Error
	if err != nil {
		return report, err
	}
	report.Scanned = len(due)

	for _, id := range due {
		if err := s.recognizeInstallment(ctx, id, now); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("entry %s: %w", id, err))
			s.notifyIntegrityFailure(ctx, id, err)
			continue
		}
		report.Recognized++
	}
	return report, nil
}

func (s *Service) recognizeInstallment(ctx context.Context, entryID snowflake.ID, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-check due-ness under the lock: a sibling sweep that already
		// recognized this installment pushed deferred_until forward, and
		// the next period must not be recognized early.
		var entry revenuedomain.RevenueLedgerEntry
		query := `SELECT * FROM revenue_ledger
		 WHERE id = ? AND status = ? AND deferred_amount > 0 AND deferred_until <= ?`
		if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
			query += " FOR UPDATE SKIP LOCKED"
		}
		result := tx.Raw(query, entryID, revenuedomain.RevenueStatusDeferred, now).Scan(&entry)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// claimed by a sibling sweep
			return nil
		}

		var schedule []revenuedomain.SchedulePeriod
		if err := json.Unmarshal(entry.Schedule, &schedule); err != nil {
			return &revenuedomain.DataIntegrityError{EntryID: entry.ID, Detail: "unreadable schedule"}
		}

		var children int64
		if err := tx.Model(&revenuedomain.RevenueLedgerEntry{}).
			Where("original_entry_id = ?", entry.ID).
			Count(&children).Error; err != nil {
			return err
		}

		periodIndex := int(children)
		if periodIndex >= len(schedule) {
			return &revenuedomain.DataIntegrityError{EntryID: entry.ID, Detail: "no schedule row for due period"}
		}
		installment := schedule[periodIndex].AmountCents
		if entry.DeferredAmount == nil || installment > *entry.DeferredAmount {
			return &revenuedomain.DataIntegrityError{EntryID: entry.ID, Detail: "installment exceeds deferred balance"}
		}

		child := revenuedomain.RevenueLedgerEntry{
			ID:              s.genID.Generate(),
			OrgID:           entry.OrgID,
			SubscriptionID:  entry.SubscriptionID,
			Amount:          installment,
			Currency:        entry.Currency,
			Type:            entry.Type,
			Status:          revenuedomain.RevenueStatusRecognized,
			RecognizedDate:  &now,
			OriginalEntryID: &entry.ID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Create(&child).Error; err != nil {
			return err
		}

		remaining := *entry.DeferredAmount - installment
		nextDue := entry.DeferredUntil.AddDate(0, 1, 0)
		return tx.Exec(
			`UPDATE revenue_ledger
			 SET deferred_amount = ?, deferred_until = ?, updated_at = ?
			 WHERE id = ?`,
			remaining, nextDue, now, entry.ID,
		).Error
	})
}

func (s *Service) notifyIntegrityFailure(ctx context.Context, entryID snowflake.ID, err error) {
	s.log.Error("deferred revenue entry halted",
		zap.String("entry_id", entryID.String()),
		zap.Error(err),
	)
	if s.notifier == nil {
		return
	}
	if notifyErr := s.notifier.Notify(ctx, notification.ChannelSlack, "revenue_integrity_halt", map[string]any{
		"entry_id": entryID.String(),
		"error":    err.Error(),
	}); notifyErr != nil {
		s.log.Warn("integrity notification failed", zap.Error(notifyErr))
	}
}

// BuildStraightLineSchedule splits amount into n equal monthly
// installments, placing the remainder cents on the final period so the
// schedule sums exactly to amount.
func BuildStraightLineSchedule(amount int64, periods int) []revenuedomain.SchedulePeriod {
	per := amount / int64(periods)
	schedule := make([]revenuedomain.SchedulePeriod, periods)
	var allocated int64
	for i := 0; i < periods; i++ {
		installment := per
		if i == periods-1 {
			installment = amount - allocated
		}
		schedule[i] = revenuedomain.SchedulePeriod{PeriodIndex: i, AmountCents: installment}
		allocated += installment
	}
	return schedule
}

// MilestoneKey builds the dedupe key for a milestone recognition.
func MilestoneKey(name string, subscriptionID snowflake.ID) string {
	return fmt.Sprintf("%s:%s", subscriptionID, strings.TrimSpace(strings.ToLower(name)))
}

func normalizeBatch(batch int) int {
	if batch <= 0 {
		return 100
	}
	return batch
}
