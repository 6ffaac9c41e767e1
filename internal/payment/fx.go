package payment

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/payment/adapters/noop"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.gateway",
	fx.Provide(func(log *zap.Logger, genID *snowflake.Node) paymentdomain.Gateway {
		return noop.New(log, genID)
	}),
)
