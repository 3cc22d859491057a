package httpapi

import (
	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/health"
	"smallbiznis-billing/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
	fx.Invoke(registerOpsEndpoints, registerRoutes),
)

// Router is implemented by every service handler that exposes routes.
type Router interface {
	Register(r gin.IRouter)
}

// AsRouter annotates a handler constructor so its routes are mounted on the engine.
func AsRouter(f any) any {
	return fx.Annotate(f, fx.As(new(Router)), fx.ResultTags(`group:"routers"`))
}

type routesParams struct {
	fx.In
	Engine  *gin.Engine
	Routers []Router `group:"routers"`
}

func registerRoutes(p routesParams) {
	for _, r := range p.Routers {
		r.Register(p.Engine)
	}
}

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.Trace(cfg.AppName),
		middleware.Logger(),
		middleware.Error(),
	)
	return r
}

func registerOpsEndpoints(r *gin.Engine, h health.HealthService) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
