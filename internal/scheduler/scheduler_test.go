package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingcycleservice "github.com/smallbiznis/meterline/internal/billingcycle/service"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	dunningdomain "github.com/smallbiznis/meterline/internal/dunning/domain"
	dunningservice "github.com/smallbiznis/meterline/internal/dunning/service"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	pricetierdomain "github.com/smallbiznis/meterline/internal/pricetier/domain"
	pricetierservice "github.com/smallbiznis/meterline/internal/pricetier/service"
	revenuedomain "github.com/smallbiznis/meterline/internal/revenue/domain"
	revenueservice "github.com/smallbiznis/meterline/internal/revenue/service"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	usageservice "github.com/smallbiznis/meterline/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubGateway struct {
	reported int
	charged  int
	succeed  bool
}

func (g *stubGateway) ReportUsage(ctx context.Context, req paymentdomain.ReportUsageRequest) (string, error) {
	g.reported++
	return fmt.Sprintf("ext_%d", g.reported), nil
}

func (g *stubGateway) ChargeAgain(ctx context.Context, paymentID string) (paymentdomain.ChargeResult, error) {
	g.charged++
	if g.succeed {
		return paymentdomain.ChargeResult{Succeeded: true}, nil
	}
	return paymentdomain.ChargeResult{Succeeded: false, FailureCode: "card_declined"}, nil
}

type harness struct {
	db      *gorm.DB
	node    *snowflake.Node
	clk     *clock.FakeClock
	gateway *stubGateway
	sched   *Scheduler
	dunning dunningdomain.Service
	usage   usagedomain.Service
	revenue revenuedomain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	obsmetrics.ResetSweepMetricsForTest()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&usagedomain.UsageRecord{},
		&pricetierdomain.UsageTier{},
		&revenuedomain.RevenueLedgerEntry{},
		&paymentdomain.Payment{},
		&dunningdomain.RetryStrategy{},
		&dunningdomain.PaymentAttempt{},
		&dunningdomain.DunningConfig{},
		&dunningdomain.DunningLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	gateway := &stubGateway{}
	holder, err := config.NewStaticDunningPolicyHolder(config.DefaultDunningPolicy())
	require.NoError(t, err)
	appCfg := config.Config{GatewayTimeout: time.Second}

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	tierSvc := pricetierservice.NewService(pricetierservice.ServiceParam{DB: db, Log: log})
	revenueSvc := revenueservice.NewService(revenueservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	billingSvc := billingcycleservice.NewService(billingcycleservice.ServiceParam{
		DB: db, Log: log, Config: appCfg, Clock: clk,
		Gateway: gateway, UsageSvc: usageSvc, TierSvc: tierSvc, Revenue: revenueSvc,
	})
	dunningSvc := dunningservice.NewService(dunningservice.ServiceParam{
		DB: db, Log: log, Config: appCfg, GenID: node, Clock: clk,
		Policy: holder, Gateway: gateway,
	})

	sched, err := New(Params{
		DB:         db,
		Log:        log,
		Clock:      clk,
		BillingSvc: billingSvc,
		RevenueSvc: revenueSvc,
		DunningSvc: dunningSvc,
		Config:     Config{BatchSize: 10},
	})
	require.NoError(t, err)

	return &harness{
		db: db, node: node, clk: clk, gateway: gateway,
		sched: sched, dunning: dunningSvc, usage: usageSvc, revenue: revenueSvc,
	}
}

func (h *harness) seedBillableSubscription(t *testing.T) subscriptiondomain.Subscription {
	t.Helper()
	ref := "cus_" + h.node.Generate().String()
	sub := subscriptiondomain.Subscription{
		ID:          h.node.Generate(),
		OrgID:       h.node.Generate(),
		CustomerID:  h.node.Generate(),
		ExternalRef: &ref,
		Status:      subscriptiondomain.SubscriptionStatusActive,
		Currency:    "usd",
		StartAt:     h.clk.Now().AddDate(0, -1, 0),
	}
	require.NoError(t, h.db.Create(&sub).Error)
	return sub
}

func TestNew_RejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnce_BillsUsageEndToEnd(t *testing.T) {
	h := newHarness(t)
	sub := h.seedBillableSubscription(t)

	featureID := h.node.Generate()
	unit := int64(10)
	require.NoError(t, h.db.Create(&pricetierdomain.UsageTier{
		ID: h.node.Generate(), OrgID: sub.OrgID, FeatureID: featureID,
		FromQuantity: 0, UnitAmountCents: &unit,
	}).Error)

	_, err := h.usage.Ingest(context.Background(), usagedomain.CreateIngestRequest{
		OrgID:          sub.OrgID.String(),
		SubscriptionID: sub.ID.String(),
		FeatureID:      featureID.String(),
		FeatureCode:    "api_calls",
		Quantity:       12,
		RecordedAt:     h.clk.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, 1, h.gateway.reported)
	var entry revenuedomain.RevenueLedgerEntry
	require.NoError(t, h.db.First(&entry, "subscription_id = ?", sub.ID).Error)
	assert.Equal(t, int64(120), entry.Amount)

	// idempotent: a second tick finds nothing to bill
	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, h.gateway.reported)
}

func TestRunOnce_RecognizesDeferredRevenue(t *testing.T) {
	h := newHarness(t)
	sub := h.seedBillableSubscription(t)

	_, err := h.revenue.RecognizeCharge(context.Background(), nil, revenuedomain.ChargeEvent{
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		Amount:         900,
		Currency:       "usd",
		Rule:           revenuedomain.RuleStraightLine,
		PeriodMonths:   3,
	})
	require.NoError(t, err)

	h.clk.Advance(32 * 24 * time.Hour)
	require.NoError(t, h.sched.RunOnce(context.Background()))

	var children int64
	require.NoError(t, h.db.Model(&revenuedomain.RevenueLedgerEntry{}).
		Where("original_entry_id IS NOT NULL").Count(&children).Error)
	assert.Equal(t, int64(1), children)
}

func TestRunOnce_RetriesFailedPayment(t *testing.T) {
	h := newHarness(t)
	sub := h.seedBillableSubscription(t)

	payment := paymentdomain.Payment{
		ID:             h.node.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		Amount:         5000,
		Currency:       "usd",
		Status:         paymentdomain.PaymentStatusFailed,
		DueAt:          h.clk.Now(),
	}
	require.NoError(t, h.db.Create(&payment).Error)
	_, err := h.dunning.HandleFailedPayment(context.Background(), payment)
	require.NoError(t, err)

	h.gateway.succeed = true
	h.clk.Advance(2 * time.Hour)
	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, 1, h.gateway.charged)
	var stored paymentdomain.Payment
	require.NoError(t, h.db.First(&stored, "id = ?", payment.ID).Error)
	assert.Equal(t, paymentdomain.PaymentStatusPaid, stored.Status)
}

func TestRunOnce_DisabledJobsSkipped(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.EnabledJobs = []string{JobDeferredRevenue}

	sub := h.seedBillableSubscription(t)
	featureID := h.node.Generate()
	unit := int64(10)
	require.NoError(t, h.db.Create(&pricetierdomain.UsageTier{
		ID: h.node.Generate(), OrgID: sub.OrgID, FeatureID: featureID,
		FromQuantity: 0, UnitAmountCents: &unit,
	}).Error)
	_, err := h.usage.Ingest(context.Background(), usagedomain.CreateIngestRequest{
		OrgID:          sub.OrgID.String(),
		SubscriptionID: sub.ID.String(),
		FeatureID:      featureID.String(),
		FeatureCode:    "api_calls",
		Quantity:       3,
		RecordedAt:     h.clk.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, 0, h.gateway.reported, "usage billing job is disabled")
}

func TestDunningStepsJob_ThrottledByInterval(t *testing.T) {
	h := newHarness(t)
	sub := h.seedBillableSubscription(t)

	payment := paymentdomain.Payment{
		ID:             h.node.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		Amount:         5000,
		Currency:       "usd",
		Status:         paymentdomain.PaymentStatusFailed,
		DueAt:          h.clk.Now().AddDate(0, 0, -2),
	}
	require.NoError(t, h.db.Create(&payment).Error)

	require.NoError(t, h.sched.DunningStepsJob(context.Background()))
	var logsAfterFirst int64
	require.NoError(t, h.db.Model(&dunningdomain.DunningLog{}).Count(&logsAfterFirst).Error)
	assert.Greater(t, logsAfterFirst, int64(0))

	// within the dunning interval the job is a no-op
	h.clk.Advance(10 * time.Minute)
	require.NoError(t, h.sched.DunningStepsJob(context.Background()))
	var logsAfterSecond int64
	require.NoError(t, h.db.Model(&dunningdomain.DunningLog{}).Count(&logsAfterSecond).Error)
	assert.Equal(t, logsAfterFirst, logsAfterSecond)
}
