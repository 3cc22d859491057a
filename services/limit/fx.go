package limit

import (
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/services/establishment"

	"go.uber.org/fx"
)

var Module = fx.Module("limit.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
		func(s *establishment.Service) UsageCounter { return s },
	),
)
