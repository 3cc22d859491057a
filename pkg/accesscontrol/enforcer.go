package accesscontrol

import (
	"strings"

	"smallbiznis-billing/pkg/config"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("accesscontrol",
	fx.Provide(NewEnforcer),
)

const defaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && r.act == p.act
`

// Only platform operators may validate or refuse payments by hand.
const defaultPolicy = `
p, billing_admin, /v1/admin/subscriptions/:id/validate, POST
p, billing_admin, /v1/admin/subscriptions/:id/reject, POST
p, billing_admin, /v1/admin/subscriptions/:id/payment-method, PUT
g, superadmin, billing_admin
`

func NewEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	modelText := strings.TrimSpace(cfg.AccessControl.Model)
	if modelText == "" {
		modelText = defaultModel
	}
	policy := strings.TrimSpace(cfg.AccessControl.Policy)
	if policy == "" {
		policy = defaultPolicy
	}

	m, err := model.NewModelFromString(modelText)
	if err != nil {
		zap.L().Error("invalid access control model", zap.Error(err))
		return nil, err
	}

	e, err := casbin.NewEnforcer(m, stringadapter.NewAdapter(strings.TrimSpace(policy)))
	if err != nil {
		zap.L().Error("failed to build access control enforcer", zap.Error(err))
		return nil, err
	}

	return e, nil
}
