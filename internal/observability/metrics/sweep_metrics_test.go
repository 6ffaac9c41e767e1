package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	pricetierdomain "github.com/smallbiznis/meterline/internal/pricetier/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestMetrics(t *testing.T) (*SweepMetrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	return newSweepMetrics(registry, Config{ServiceName: "meterline", Environment: "test"}), registry
}

func TestClassifySweepJobReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, SweepJobReasonUnknown},
		{"deadline", context.DeadlineExceeded, SweepJobReasonDeadlineExceeded},
		{"canceled", context.Canceled, SweepJobReasonDeadlineExceeded},
		{"duplicate", gorm.ErrDuplicatedKey, SweepJobReasonUniqueViolation},
		{"pg unique", &pgconn.PgError{Code: "23505"}, SweepJobReasonUniqueViolation},
		{"pg lock timeout", &pgconn.PgError{Code: "55P03"}, SweepJobReasonDBLockTimeout},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, SweepJobReasonSerializationFailure},
		{
			"tier configuration",
			fmt.Errorf("pricing: %w", &pricetierdomain.ConfigurationError{Err: pricetierdomain.ErrMixedTierModes}),
			SweepJobReasonConfiguration,
		},
		{
			"gateway transport",
			fmt.Errorf("%w: %w", paymentdomain.ErrGatewayUnavailable, context.DeadlineExceeded),
			SweepJobReasonGateway,
		},
		{"other", errors.New("boom"), SweepJobReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySweepJobReason(tt.err))
		})
	}
}

func TestSweepMetricsCounters(t *testing.T) {
	m, registry := newTestMetrics(t)

	m.IncJobRun("usage_billing")
	m.IncJobRun("usage_billing")
	m.IncJobError("usage_billing", context.DeadlineExceeded)
	m.IncJobTimeout("usage_billing")
	m.AddBatchProcessed("usage_billing", "subscriptions", 3)
	m.ObserveJobDuration("usage_billing", 50*time.Millisecond)
	m.ObserveDBLockWait(LockResourceSubscriptionsForWork, time.Millisecond)
	m.IncGatewayCall("report_usage", "ok")

	families, err := registry.Gather()
	require.NoError(t, err)

	runs := findCounter(t, families, "meterline_sweep_job_runs_total", map[string]string{"job": "usage_billing"})
	assert.Equal(t, float64(2), runs)

	batch := findCounter(t, families, "meterline_sweep_batch_processed_total", map[string]string{
		"job":      "usage_billing",
		"resource": "subscriptions",
	})
	assert.Equal(t, float64(3), batch)

	errs := findCounter(t, families, "meterline_sweep_job_errors_total", map[string]string{
		"job":    "usage_billing",
		"reason": SweepJobReasonDeadlineExceeded,
	})
	assert.Equal(t, float64(1), errs)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *SweepMetrics
	m.IncJobRun("x")
	m.IncJobError("x", errors.New("boom"))
	m.ObserveJobDuration("x", time.Second)
	m.ObserveRunLoopLag(-time.Second)
	m.IncGatewayCall("charge_again", "failed")
}

func findCounter(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, metric := range mf.Metric {
			for _, label := range metric.Label {
				if want, ok := labels[label.GetName()]; ok && want != label.GetValue() {
					continue metric
				}
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}
