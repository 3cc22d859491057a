package notification

import (
	"smallbiznis-billing/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
	),
)

// Worker serves notification:expiry tasks and feeds the sweep scheduler.
var Worker = fx.Module("notification.worker",
	fx.Provide(NewService),
	fx.Invoke(RegisterTasks),
)
