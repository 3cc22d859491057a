package orchestrator

import (
	"net/http"

	"smallbiznis-billing/pkg/db/pagination"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/middleware"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/provider"
	"smallbiznis-billing/services/subscription"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	svc      *Service
	machine  *subscription.StateMachine
	ledger   *ledger.Service
	enforcer *casbin.Enforcer
}

type HandlerParams struct {
	fx.In
	Service  *Service
	Machine  *subscription.StateMachine
	Ledger   *ledger.Service
	Enforcer *casbin.Enforcer
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{svc: p.Service, machine: p.Machine, ledger: p.Ledger, enforcer: p.Enforcer}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/v1/subscriptions/:id", h.GetSubscription)
	r.POST("/v1/subscriptions/:id/payments", h.ProcessPayment)
	r.POST("/v1/subscriptions/:id/checkout", h.Checkout)
	r.POST("/v1/subscriptions/:id/payments/confirm", h.Confirm)
	r.GET("/v1/subscriptions/:id/transactions", h.ListTransactions)
	r.POST("/v1/transactions/:transaction_id/verify", h.Verify)

	admin := r.Group("/v1/admin", middleware.Authorize(h.enforcer))
	admin.POST("/subscriptions/:id/validate", h.Validate)
	admin.POST("/subscriptions/:id/reject", h.Reject)
	admin.PUT("/subscriptions/:id/payment-method", h.ChangePaymentMethod)
}

func (h *Handler) GetSubscription(c *gin.Context) {
	view, err := h.machine.View(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) ProcessPayment(c *gin.Context) {
	var req provider.Payload
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	res, err := h.svc.ProcessPayment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(resultStatus(res), res)
}

func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	res, err := h.svc.StartCheckout(c.Request.Context(), c.Param("id"), req.Email)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(resultStatus(res), res)
}

func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	res, err := h.svc.Confirm(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(resultStatus(res), res)
}

func (h *Handler) Verify(c *gin.Context) {
	res, err := h.svc.Verify(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(resultStatus(res), res)
}

func (h *Handler) ListTransactions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	txns, info, err := h.ledger.ListBySubscription(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": txns, "page_info": info})
}

func (h *Handler) Validate(c *gin.Context) {
	out, err := h.svc.ValidatePayment(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Reject(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("reason is required", err))
		return
	}

	if err := h.svc.RejectPayment(c.Request.Context(), c.Param("id"), req.Reason, middleware.Actor(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ChangePaymentMethod(c *gin.Context) {
	var req ChangeMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	sub, err := h.svc.ChangePaymentMethod(c.Request.Context(), c.Param("id"), req.PaymentMethod, middleware.Actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// resultStatus maps a payment Result to a response code. Declines are
// answered with 402 and the structured result body.
func resultStatus(res *provider.Result) int {
	switch {
	case res.Code == provider.CodeInvalidOtp:
		return http.StatusUnprocessableEntity
	case res.Status == ledger.Failed:
		return http.StatusPaymentRequired
	case res.Status == ledger.Pending:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}
