package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
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

// fakeGateway records ReportUsage calls and can be told to fail. Keys of
// failed attempts are kept too so tests can compare them across sweeps.
type fakeGateway struct {
	calls []paymentdomain.ReportUsageRequest
	keys  []string
	err   error
}

func (g *fakeGateway) ReportUsage(ctx context.Context, req paymentdomain.ReportUsageRequest) (string, error) {
	g.keys = append(g.keys, req.IdempotencyKey)
	if g.err != nil {
		return "", g.err
	}
	g.calls = append(g.calls, req)
	return fmt.Sprintf("ext_%d", len(g.calls)), nil
}

func (g *fakeGateway) ChargeAgain(ctx context.Context, paymentID string) (paymentdomain.ChargeResult, error) {
	return paymentdomain.ChargeResult{Succeeded: true}, nil
}

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clk     *clock.FakeClock
	gateway *fakeGateway
	svc     *Service
	usage   usagedomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&usagedomain.UsageRecord{},
		&pricetierdomain.UsageTier{},
		&revenuedomain.RevenueLedgerEntry{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	tierSvc := pricetierservice.NewService(pricetierservice.ServiceParam{DB: db, Log: log})
	revenueSvc := revenueservice.NewService(revenueservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})

	gateway := &fakeGateway{}
	svc := NewService(ServiceParam{
		DB:       db,
		Log:      log,
		Config:   config.Config{GatewayTimeout: time.Second},
		Clock:    clk,
		Gateway:  gateway,
		UsageSvc: usageSvc,
		TierSvc:  tierSvc,
		Revenue:  revenueSvc,
	}).(*Service)

	return &fixture{db: db, node: node, clk: clk, gateway: gateway, svc: svc, usage: usageSvc}
}

func (f *fixture) seedSubscription(t *testing.T, linked bool) subscriptiondomain.Subscription {
	t.Helper()
	sub := subscriptiondomain.Subscription{
		ID:         f.node.Generate(),
		OrgID:      f.node.Generate(),
		CustomerID: f.node.Generate(),
		Status:     subscriptiondomain.SubscriptionStatusActive,
		Currency:   "usd",
		StartAt:    f.clk.Now().AddDate(0, -1, 0),
	}
	if linked {
		ref := "cus_" + sub.ID.String()
		sub.ExternalRef = &ref
	}
	require.NoError(t, f.db.Create(&sub).Error)
	return sub
}

func (f *fixture) seedUnitTiers(t *testing.T, orgID, featureID snowflake.ID) {
	t.Helper()
	mk := func(from float64, to *float64, cents int64) pricetierdomain.UsageTier {
		return pricetierdomain.UsageTier{
			ID: f.node.Generate(), OrgID: orgID, FeatureID: featureID,
			FromQuantity: from, ToQuantity: to, UnitAmountCents: &cents,
			CreatedAt: f.clk.Now(),
		}
	}
	fifty := 50.0
	twoHundred := 200.0
	require.NoError(t, f.db.Create(&[]pricetierdomain.UsageTier{
		mk(0, &fifty, 10),
		mk(50, &twoHundred, 5),
		mk(200, nil, 2),
	}).Error)
}

func (f *fixture) ingest(t *testing.T, sub subscriptiondomain.Subscription, featureID snowflake.ID, qty float64) {
	t.Helper()
	_, err := f.usage.Ingest(context.Background(), usagedomain.CreateIngestRequest{
		OrgID:          sub.OrgID.String(),
		SubscriptionID: sub.ID.String(),
		FeatureID:      featureID.String(),
		FeatureCode:    "api_calls",
		Quantity:       qty,
		RecordedAt:     f.clk.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
}

func TestRunBillingCycle_ChargesAndRecognizes(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, true)
	featureID := f.node.Generate()
	f.seedUnitTiers(t, sub.OrgID, featureID)
	f.ingest(t, sub, featureID, 100)

	report, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Charged)
	assert.Empty(t, report.Errors)

	require.Len(t, f.gateway.calls, 1)
	call := f.gateway.calls[0]
	assert.Equal(t, *sub.ExternalRef, call.ExternalRef)
	assert.Equal(t, float64(100), call.Quantity)
	assert.NotEmpty(t, call.IdempotencyKey)

	// graduated walk: 50*10 + 50*5
	var entry revenuedomain.RevenueLedgerEntry
	require.NoError(t, f.db.First(&entry, "subscription_id = ?", sub.ID).Error)
	assert.Equal(t, int64(750), entry.Amount)
	assert.Equal(t, revenuedomain.RevenueTypeUsage, entry.Type)
	assert.Equal(t, revenuedomain.RevenueStatusRecognized, entry.Status)

	var unbilled int64
	require.NoError(t, f.db.Model(&usagedomain.UsageRecord{}).
		Where("billed = ?", false).Count(&unbilled).Error)
	assert.Equal(t, int64(0), unbilled)
}

func TestRunBillingCycle_SecondRunMakesNoCalls(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, true)
	featureID := f.node.Generate()
	f.seedUnitTiers(t, sub.OrgID, featureID)
	f.ingest(t, sub, featureID, 100)

	_, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, f.gateway.calls, 1)

	report, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.gateway.calls, 1, "no new usage means no gateway calls")
	assert.Equal(t, 0, report.Charged)
	assert.Empty(t, report.Errors)

	var entries int64
	require.NoError(t, f.db.Model(&revenuedomain.RevenueLedgerEntry{}).Count(&entries).Error)
	assert.Equal(t, int64(1), entries)
}

func TestRunBillingCycle_SkipsUnlinkedSubscription(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, false)
	featureID := f.node.Generate()
	f.seedUnitTiers(t, sub.OrgID, featureID)
	f.ingest(t, sub, featureID, 40)

	report, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Processed)
	assert.Empty(t, f.gateway.calls)

	// usage keeps accruing for later provisioning
	var unbilled int64
	require.NoError(t, f.db.Model(&usagedomain.UsageRecord{}).
		Where("billed = ?", false).Count(&unbilled).Error)
	assert.Equal(t, int64(1), unbilled)
}

func TestRunBillingCycle_GatewayFailureLeavesUsageUnbilled(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, true)
	featureID := f.node.Generate()
	f.seedUnitTiers(t, sub.OrgID, featureID)
	f.ingest(t, sub, featureID, 100)

	f.gateway.err = context.DeadlineExceeded
	report, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 0, report.Charged)

	var unbilled int64
	require.NoError(t, f.db.Model(&usagedomain.UsageRecord{}).
		Where("billed = ?", false).Count(&unbilled).Error)
	assert.Equal(t, int64(1), unbilled)

	// once the gateway recovers the same usage is billed
	f.gateway.err = nil
	report, err = f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Charged)
	assert.Empty(t, report.Errors)
}

func TestRunBillingCycle_RetryReusesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, true)
	featureID := f.node.Generate()
	f.seedUnitTiers(t, sub.OrgID, featureID)
	f.ingest(t, sub, featureID, 100)

	f.gateway.err = errors.New("gateway down")
	_, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, f.gateway.keys, 1)

	// the next sweep retries the same unbilled usage; its key must not
	// drift with the wall clock or the gateway cannot deduplicate a
	// report it already accepted before the crash
	f.clk.Advance(time.Minute)
	f.gateway.err = nil
	report, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Charged)
	require.Len(t, f.gateway.keys, 2)
	assert.Equal(t, f.gateway.keys[0], f.gateway.keys[1])
}

func TestRunBillingCycle_EachPeriodChargedSeparately(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, true)
	featureID := f.node.Generate()
	f.seedUnitTiers(t, sub.OrgID, featureID)

	// usage in two distinct closed periods
	f.ingest(t, sub, featureID, 10)
	ingestAt := func(at time.Time, qty float64) {
		_, err := f.usage.Ingest(context.Background(), usagedomain.CreateIngestRequest{
			OrgID:          sub.OrgID.String(),
			SubscriptionID: sub.ID.String(),
			FeatureID:      featureID.String(),
			FeatureCode:    "api_calls",
			Quantity:       qty,
			RecordedAt:     at,
		})
		require.NoError(t, err)
	}
	ingestAt(f.clk.Now().Add(-3*time.Hour), 20)

	report, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Charged)
	require.Len(t, f.gateway.calls, 2)
	assert.NotEqual(t, f.gateway.calls[0].IdempotencyKey, f.gateway.calls[1].IdempotencyKey)

	// oldest period first
	assert.Equal(t, float64(20), f.gateway.calls[0].Quantity)
	assert.Equal(t, float64(10), f.gateway.calls[1].Quantity)
}

func TestRunBillingCycle_PerSubscriptionErrorIsolation(t *testing.T) {
	f := newFixture(t)

	broken := f.seedSubscription(t, true)
	brokenFeature := f.node.Generate()
	// mixed tier modes: configuration error for this feature only
	unit := int64(10)
	flat := int64(500)
	fifty := 50.0
	require.NoError(t, f.db.Create(&[]pricetierdomain.UsageTier{
		{ID: f.node.Generate(), OrgID: broken.OrgID, FeatureID: brokenFeature,
			FromQuantity: 0, ToQuantity: &fifty, UnitAmountCents: &unit},
		{ID: f.node.Generate(), OrgID: broken.OrgID, FeatureID: brokenFeature,
			FromQuantity: 50, FlatAmountCents: &flat},
	}).Error)
	f.ingest(t, broken, brokenFeature, 10)

	healthy := f.seedSubscription(t, true)
	healthyFeature := f.node.Generate()
	f.seedUnitTiers(t, healthy.OrgID, healthyFeature)
	f.ingest(t, healthy, healthyFeature, 20)

	report, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Charged, "healthy sibling must still be charged")
	require.Len(t, report.Errors, 1)
	assert.Equal(t, broken.ID, report.Errors[0].SubscriptionID)

	var configErr *pricetierdomain.ConfigurationError
	assert.True(t, errors.As(report.Errors[0].Err, &configErr))
}

func TestRunBillingCycle_OpenPeriodUsageStaysUnbilled(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(t, true)
	featureID := f.node.Generate()
	f.seedUnitTiers(t, sub.OrgID, featureID)
	f.ingest(t, sub, featureID, 30)

	// recorded in a period that has not closed yet
	_, err := f.usage.Ingest(context.Background(), usagedomain.CreateIngestRequest{
		OrgID:          sub.OrgID.String(),
		SubscriptionID: sub.ID.String(),
		FeatureID:      featureID.String(),
		FeatureCode:    "api_calls",
		Quantity:       5,
		RecordedAt:     f.clk.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	report, err := f.svc.RunBillingCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Charged)

	var unbilled []usagedomain.UsageRecord
	require.NoError(t, f.db.Where("billed = ?", false).Find(&unbilled).Error)
	require.Len(t, unbilled, 1)
	assert.Equal(t, float64(5), unbilled[0].Quantity)
}
