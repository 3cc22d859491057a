package main

import (
	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/db"
	"smallbiznis-billing/pkg/featureflags"
	"smallbiznis-billing/pkg/gen"
	"smallbiznis-billing/pkg/hashistack/secretmanager"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/minio"
	"smallbiznis-billing/pkg/otelcol"
	"smallbiznis-billing/pkg/profiling"
	"smallbiznis-billing/pkg/redis"
	"smallbiznis-billing/pkg/sequence"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/establishment"
	"smallbiznis-billing/services/invoice"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"
	"smallbiznis-billing/services/orchestrator"
	"smallbiznis-billing/services/otp"
	"smallbiznis-billing/services/provider"
	"smallbiznis-billing/services/settlement"
	"smallbiznis-billing/services/subscription"
	sweep "smallbiznis-billing/services/task"
	"smallbiznis-billing/services/webhook"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		vault(),
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		minio.Client,
		featureflags.Module,
		task.Client,
		task.Server,

		fx.Provide(
			establishment.NewService,
			func(s *establishment.Service) subscription.AccountActivator { return s },
			invoice.NewService,
		),
		subscription.Module,
		ledger.Module,
		invoice.Documents,
		settlement.Module,
		otp.Module,
		provider.Module,
		otp.Worker,
		orchestrator.Worker,
		webhook.Worker,
		notification.Worker,
		sweep.Module,

		fx.Invoke(
			invoice.RegisterTasks,
			migrate,
		),
		fxLogger,
	)

	app.Run()
}

func vault() fx.Option {
	if secretmanager.Enabled() {
		return secretmanager.Module
	}
	return fx.Options()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, log *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
})

// the API binary owns the billing schema; the worker only adds its job log
func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&sweep.Job{})
}
