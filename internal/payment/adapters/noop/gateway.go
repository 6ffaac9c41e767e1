// Package noop provides a gateway adapter for local development. It accepts
// every usage report and succeeds every retry without leaving the process.
package noop

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	"go.uber.org/zap"
)

type Gateway struct {
	log   *zap.Logger
	genID *snowflake.Node
}

func New(log *zap.Logger, genID *snowflake.Node) *Gateway {
	return &Gateway{
		log:   log.Named("gateway.noop"),
		genID: genID,
	}
}

func (g *Gateway) ReportUsage(ctx context.Context, req paymentdomain.ReportUsageRequest) (string, error) {
	_ = ctx
	id := fmt.Sprintf("noop_usage_%s", g.genID.Generate())
	g.log.Debug("usage reported",
		zap.String("external_ref", req.ExternalRef),
		zap.String("feature_code", req.FeatureCode),
		zap.Float64("quantity", req.Quantity),
		zap.String("external_usage_id", id),
	)
	return id, nil
}

func (g *Gateway) ChargeAgain(ctx context.Context, paymentID string) (paymentdomain.ChargeResult, error) {
	_ = ctx
	if _, err := snowflake.ParseString(paymentID); err != nil {
		return paymentdomain.ChargeResult{}, fmt.Errorf("%w: %q", paymentdomain.ErrUnknownPayment, paymentID)
	}
	g.log.Debug("charge retried", zap.String("payment_id", paymentID))
	return paymentdomain.ChargeResult{Succeeded: true}, nil
}

var _ paymentdomain.Gateway = (*Gateway)(nil)
