package notification

import (
	"github.com/smallbiznis/meterline/internal/notification/email"
	"github.com/smallbiznis/meterline/internal/notification/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	email.Module,
	slack.Module,
	fx.Provide(New),
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Email email.Provider
	Slack slack.Provider
}

func New(p Params) Dispatcher {
	return NewDispatcher(p.Log, p.Email, p.Slack)
}
