package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

const probeTimeout = 2 * time.Second

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

// probe reports whether one dependency answers.
type probe struct {
	name  string
	check func(ctx context.Context) error
}

type health struct {
	probes []probe
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	h := &health{}
	if p.DB != nil {
		h.probes = append(h.probes, probe{name: p.DB.Name(), check: func(ctx context.Context) error {
			sqlDB, err := p.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}})
	}
	if p.Redis != nil {
		h.probes = append(h.probes, probe{name: "redis", check: func(ctx context.Context) error {
			return p.Redis.Ping(ctx).Err()
		}})
	}
	return h
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{Status: "healthy", Message: "OK"})
}

// Readiness answers 503 when any dependency fails its probe.
func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	out := &Health{Status: "healthy", Message: "OK", Deps: make([]Dependency, 0, len(h.probes))}
	status := http.StatusOK
	for _, p := range h.probes {
		dep := Dependency{Name: p.name, Status: "healthy", Message: "OK"}
		if err := p.check(ctx); err != nil {
			dep.Status, dep.Message = "unhealthy", err.Error()
			out.Status, out.Message = "unhealthy", "dependency check failed"
			status = http.StatusServiceUnavailable
		}
		out.Deps = append(out.Deps, dep)
	}
	c.JSON(status, out)
}
