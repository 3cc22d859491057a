package limit

import (
	"net/http"

	"smallbiznis-billing/services/plan"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/v1/establishments/:id/features/:feature", h.Feature)
	r.GET("/v1/establishments/:id/limits/:kind", h.Limit)
}

func (h *Handler) Feature(c *gin.Context) {
	feature := plan.Feature(c.Param("feature"))
	ok, err := h.svc.CanAccessFeature(c.Request.Context(), c.Param("id"), feature)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feature": feature, "allowed": ok})
}

func (h *Handler) Limit(c *gin.Context) {
	d, err := h.svc.Check(c.Request.Context(), c.Param("id"), plan.LimitKind(c.Param("kind")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, d)
}
