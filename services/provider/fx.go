package provider

import (
	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/otp"
	"smallbiznis-billing/services/settlement"

	"go.uber.org/fx"
)

var Module = fx.Module("provider.adapters",
	fx.Provide(
		newDeps,
		newCardAdapter,
		newMobileMoneyParams,
		fx.Annotate(NewAirtelAdapter, fx.ResultTags(`name:"airtel"`)),
		fx.Annotate(NewOrangeAdapter, fx.ResultTags(`name:"orange"`)),
		NewCashAdapter,
		NewRegistry,
	),
)

func newDeps(l *ledger.Service, s *settlement.Service) Deps {
	return Deps{Ledger: l, Settlement: s}
}

func newCardAdapter(deps Deps, cfg *config.Config) *CardAdapter {
	return NewCardAdapter(deps, cfg, nil)
}

type mobileParamsIn struct {
	fx.In
	Deps     Deps
	Config   *config.Config
	Otp      *otp.Service
	Enqueuer task.Enqueuer `optional:"true"`
}

func newMobileMoneyParams(p mobileParamsIn) MobileMoneyParams {
	return MobileMoneyParams{Deps: p.Deps, Config: p.Config, Otp: p.Otp, Enqueuer: p.Enqueuer}
}

type registryIn struct {
	fx.In
	Card   *CardAdapter
	Airtel *MobileMoneyAdapter `name:"airtel"`
	Orange *MobileMoneyAdapter `name:"orange"`
	Cash   *CashAdapter
}

// NewRegistry indexes the adapters by provider name.
func NewRegistry(p registryIn) Registry {
	return Registry{
		ledger.Stripe:       p.Card,
		ledger.Airtel:       p.Airtel,
		ledger.Orange:       p.Orange,
		ledger.CashProvider: p.Cash,
	}
}

type Registry map[ledger.Provider]Adapter
