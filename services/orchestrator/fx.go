package orchestrator

import (
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator.service",
	fx.Provide(
		NewService,
		httpapi.AsRouter(NewHandler),
	),
)

// Worker registers the task handlers served by the worker binary.
var Worker = fx.Module("orchestrator.worker",
	fx.Provide(NewService),
	fx.Invoke(RegisterTasks),
)

func RegisterTasks(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(task.TypePaymentVerify, s.HandleVerifyTask)
}
