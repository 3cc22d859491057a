package webhook

import (
	"smallbiznis-billing/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
	),
)

var Worker = fx.Module("webhook.worker",
	fx.Provide(NewService),
	fx.Invoke(RegisterTasks),
)
