package main

import (
	"smallbiznis-billing/pkg/accesscontrol"
	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/db"
	"smallbiznis-billing/pkg/featureflags"
	"smallbiznis-billing/pkg/gen"
	"smallbiznis-billing/pkg/hashistack/secretmanager"
	"smallbiznis-billing/pkg/health"
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/otelcol"
	"smallbiznis-billing/pkg/profiling"
	"smallbiznis-billing/pkg/redis"
	"smallbiznis-billing/pkg/sequence"
	"smallbiznis-billing/pkg/server"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/establishment"
	"smallbiznis-billing/services/invoice"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/limit"
	"smallbiznis-billing/services/notification"
	"smallbiznis-billing/services/orchestrator"
	"smallbiznis-billing/services/otp"
	"smallbiznis-billing/services/provider"
	"smallbiznis-billing/services/settlement"
	"smallbiznis-billing/services/subscription"
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
		task.Client,
		featureflags.Module,
		accesscontrol.Module,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,

		establishment.Module,
		subscription.Module,
		ledger.Module,
		invoice.Module,
		settlement.Module,
		otp.Module,
		provider.Module,
		orchestrator.Module,
		webhook.Module,
		limit.Module,
		notification.Module,

		fx.Invoke(migrate),
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

func migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&establishment.Establishment{},
		&establishment.User{},
		&establishment.Product{},
		&establishment.Sale{},
		&subscription.Subscription{},
		&ledger.PaymentTransaction{},
		&ledger.TransactionEvent{},
		&invoice.Invoice{},
		&webhook.WebhookEvent{},
	)
	if err != nil {
		zap.L().Error("[DB] migration failed", zap.Error(err))
		return err
	}
	return nil
}
