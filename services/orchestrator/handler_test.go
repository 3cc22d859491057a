package orchestrator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"smallbiznis-billing/pkg/accesscontrol"
	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/middleware"
	"smallbiznis-billing/services/subscription"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e, err := accesscontrol.NewEnforcer(&config.Config{})
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(HandlerParams{Service: f.svc, Machine: f.Machine, Ledger: f.Ledger, Enforcer: e}).Register(r)
	return r
}

func do(r http.Handler, method, path, body, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set(middleware.ActorRoleHeader, role)
		req.Header.Set(middleware.ActorIDHeader, "ops-1")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerCashFlow(t *testing.T) {
	f := setup(t)
	r := newEngine(t, f)
	f.Subscription(t, "s1", "standard", subscription.Cash)

	w := do(r, http.MethodPost, "/v1/subscriptions/s1/payments", `{}`, "")
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/subscriptions/s1/validate", ``, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/subscriptions/s1/validate", ``, "cashier")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/subscriptions/s1/validate", ``, "billing_admin")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/subscriptions/s1", ``, "")
	require.Equal(t, http.StatusOK, w.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Equal(t, true, view["is_active"])
	require.Equal(t, "valid", view["payment_status"])

	w = do(r, http.MethodGet, "/v1/subscriptions/s1/transactions", ``, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"completed"`)
}

func TestHandlerRejectNeedsReason(t *testing.T) {
	f := setup(t)
	r := newEngine(t, f)
	f.Subscription(t, "s1", "standard", subscription.Cash)

	w := do(r, http.MethodPost, "/v1/admin/subscriptions/s1/reject", `{}`, "billing_admin")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/subscriptions/s1/reject", `{"reason":"counterfeit notes"}`, "billing_admin")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodPut, "/v1/admin/subscriptions/s1/payment-method", `{"payment_method":"card"}`, "billing_admin")
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlerUnknownSubscription(t *testing.T) {
	f := setup(t)
	r := newEngine(t, f)

	w := do(r, http.MethodGet, "/v1/subscriptions/missing", ``, "")
	require.Equal(t, http.StatusNotFound, w.Code)
}
