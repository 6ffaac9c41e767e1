package pricetier

import (
	"github.com/smallbiznis/meterline/internal/pricetier/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricetier.service",
	fx.Provide(service.NewService),
)
