package webhook

import (
	"errors"
	"io"
	"net/http"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/middleware"
	"smallbiznis-billing/services/ledger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

type Handler struct {
	svc    *Service
	secret string
}

func NewHandler(svc *Service, cfg *config.Config) *Handler {
	return &Handler{svc: svc, secret: cfg.Payment.Card.WebhookSecret}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.Stripe)
	r.POST("/webhooks/airtel", h.Airtel)
	r.POST("/webhooks/orange", h.Orange)
}

func (h *Handler) Stripe(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	ev, err := ParseStripe(body, c.GetHeader("Stripe-Signature"), h.secret)
	if errors.Is(err, ErrSignature) {
		middleware.ContextLogger(c).Warn("rejected card webhook", zap.Error(err))
		_ = c.Error(errutil.BadRequest("invalid signature", err))
		return
	}
	h.ingest(c, ledger.Stripe, ev, body, err)
}

func (h *Handler) Airtel(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	ev, err := ParseAirtel(body)
	h.ingest(c, ledger.Airtel, ev, body, err)
}

func (h *Handler) Orange(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	ev, err := ParseOrange(body)
	h.ingest(c, ledger.Orange, ev, body, err)
}

// ingest acknowledges malformed payloads after logging them so the provider
// stops retrying.
func (h *Handler) ingest(c *gin.Context, p ledger.Provider, ev *Event, body []byte, parseErr error) {
	if parseErr != nil {
		middleware.ContextLogger(c).Warn("dropped malformed webhook",
			zap.String("provider", string(p)),
			zap.Int("size", len(body)),
			zap.Error(parseErr),
		)
		eventsTotal.WithLabelValues(string(p), "malformed").Inc()
		c.JSON(http.StatusOK, gin.H{"received": false})
		return
	}

	row, err := h.svc.Ingest(c.Request.Context(), ev, body)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "id": row.ID, "status": row.Status})
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		_ = c.Error(errutil.BadRequest("unreadable body", err))
		return nil, false
	}
	return body, true
}
