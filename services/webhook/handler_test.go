package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"smallbiznis-billing/pkg/middleware"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/subscription"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f.Config.Payment.Card.WebhookSecret = testSecret
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(f.svc, f.Config).Register(r)
	return r
}

func post(r http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerStripe(t *testing.T) {
	f := setup(t)
	r := newEngine(t, f)
	sub := f.Subscription(t, "s1", "premium", subscription.Card)
	f.Pending(t, "card_1", sub, ledger.Stripe)

	payload, header := signed(intentEvent("evt_1", "payment_intent.succeeded", "card_1", "s1"))

	w := post(r, "/webhooks/stripe", string(payload), map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/webhooks/stripe", string(payload), map[string]string{"Stripe-Signature": header})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"processed"`)
	require.Equal(t, subscription.Active, f.Reload(t, "s1").Status)
}

func TestHandlerDropsMalformedMobileCallbacks(t *testing.T) {
	f := setup(t)
	r := newEngine(t, f)

	w := post(r, "/webhooks/airtel", `not json`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"received":false`)

	w = post(r, "/webhooks/orange", `{"status":"SUCCESS","notif_token":"unknown"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"deferred"`)

	var n int64
	require.NoError(t, f.DB.Model(&WebhookEvent{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
}
