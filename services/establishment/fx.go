package establishment

import (
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/services/subscription"

	"go.uber.org/fx"
)

var Module = fx.Module("establishment.module",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
		func(s *Service) subscription.AccountActivator { return s },
	),
)
