package task

import (
	"go.uber.org/fx"
)

// Module runs the periodic sweeps inside the worker.
var Module = fx.Module("task.scheduler",
	fx.Provide(
		NewService,
		NewScheduler,
	),
	fx.Invoke(StartScheduler),
)
