package subscription

import "go.uber.org/fx"

var Module = fx.Module("subscription.module",
	fx.Provide(
		NewStateMachine,
	),
)
